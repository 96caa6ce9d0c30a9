package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carpool/internal/reconciliation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	report *reconciliation.Report
	err    error
	calls  int
}

func (f *fakeRunner) RunAll(context.Context) (*reconciliation.Report, error) {
	f.calls++
	return f.report, f.err
}

type fakeBreakers map[string]string

func (f fakeBreakers) States() map[string]string { return f }

func router(h *Handler) *gin.Engine {
	r := gin.New()
	h.RegisterRoutes(r.Group("/admin"))
	return r
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestReconcile_Clean(t *testing.T) {
	runner := &fakeRunner{report: &reconciliation.Report{Checked: 3, HeldTotal: "30.00"}}
	w := serve(router(NewHandler().WithReconciler(runner)), http.MethodPost, "/admin/reconcile")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, runner.calls)
	var body struct {
		Healthy bool                  `json:"healthy"`
		Report  reconciliation.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Equal(t, 3, body.Report.Checked)
}

func TestReconcile_MismatchIsConflict(t *testing.T) {
	runner := &fakeRunner{report: &reconciliation.Report{
		Checked:    1,
		Mismatches: []reconciliation.Mismatch{{EscrowID: "esc_1"}},
	}}
	w := serve(router(NewHandler().WithReconciler(runner)), http.MethodPost, "/admin/reconcile")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":false`)
	assert.Contains(t, w.Body.String(), "esc_1")
}

func TestReconcile_Errors(t *testing.T) {
	w := serve(router(NewHandler()), http.MethodPost, "/admin/reconcile")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	runner := &fakeRunner{err: errors.New("storage unavailable")}
	w = serve(router(NewHandler().WithReconciler(runner)), http.MethodPost, "/admin/reconcile")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "storage unavailable")
}

func TestWalletBreakers(t *testing.T) {
	w := serve(router(NewHandler()), http.MethodGet, "/admin/wallet/breakers")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"breakers":{}}`, w.Body.String())

	h := NewHandler().WithBreakers(fakeBreakers{"wallet:debit": "open", "wallet:credit": "closed"})
	w = serve(router(h), http.MethodGet, "/admin/wallet/breakers")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"breakers":{"wallet:debit":"open","wallet:credit":"closed"}}`, w.Body.String())
}

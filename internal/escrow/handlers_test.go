package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carpool/internal/idgen"
	"github.com/mbd888/carpool/internal/money"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *fakeStore, string) {
	t.Helper()
	l, _, s := newTestLedger()
	id := idgen.WithPrefix(idgen.PrefixEscrow)
	_, err := l.Open(t.Context(), s, OpenRequest{
		EscrowID:    id,
		PairingID:   idgen.WithPrefix(idgen.PrefixPairing),
		RiderUserID: "rider",
		RiderAmount: money.MustParse("10.00"),
	})
	require.NoError(t, err)

	h := NewHandler(NewService(s, l, nil))
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, s, id
}

func TestGetEscrow(t *testing.T) {
	r, _, id := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrows/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, id, body.Escrow.ID)
	assert.Len(t, body.Details, 1)
	assert.Equal(t, "10.00", body.Balance)
}

func TestGetEscrow_NotFoundAndInvalid(t *testing.T) {
	r, _, _ := setupRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrows/"+idgen.WithPrefix(idgen.PrefixEscrow), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrows/not-an-id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompensateEntry(t *testing.T) {
	r, s, id := setupRouter(t)
	detailID := s.details[id][0].ID

	body, _ := json.Marshal(CompensateRequest{Note: "rider charged twice"})
	path := "/v1/admin/escrows/" + id + "/entries/" + detailID + "/compensate"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Detail Detail `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ReasonCompensation, resp.Detail.Reason)
	assert.Equal(t, detailID, resp.Detail.Compensates)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompensateEntry_RequiresNote(t *testing.T) {
	r, s, id := setupRouter(t)
	body, _ := json.Marshal(CompensateRequest{})
	path := "/v1/admin/escrows/" + id + "/entries/" + s.details[id][0].ID + "/compensate"

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{402, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	// Gauges are exported with a zero value before any observation.
	body := w.Body.String()
	for _, name := range []string{
		"carpool_frozen_pairings",
		"carpool_escrow_held_minor_units",
		"carpool_active_websocket_clients",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}

	SettlementsTotal.WithLabelValues("complete", "ok").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "carpool_settlements_total") {
		t.Error("Expected carpool_settlements_total after incrementing")
	}
}

func TestObserveWalletCall(t *testing.T) {
	WalletCallsTotal.Reset()
	WalletCallDuration.Reset()

	done := ObserveWalletCall("debit")
	done("ok")

	m := &dto.Metric{}
	counter, err := WalletCallsTotal.GetMetricWithLabelValues("debit", "ok")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)
	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}

	ch := make(chan prometheus.Metric, 4)
	WalletCallDuration.Collect(ch)
	close(ch)
	found := false
	for metric := range ch {
		hm := &dto.Metric{}
		_ = metric.Write(hm)
		if hm.Histogram != nil && hm.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected wallet duration histogram with 1 sample")
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestsTotal.Reset()
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/pairings/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/pairings/duo_1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	m := &dto.Metric{}
	counter, err := HTTPRequestsTotal.GetMetricWithLabelValues(http.MethodGet, "/v1/pairings/:id", "2xx")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)
	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected route-pattern label to be counted once, got %f", m.Counter.GetValue())
	}
}

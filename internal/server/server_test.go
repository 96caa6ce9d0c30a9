package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carpool/internal/config"
	"github.com/mbd888/carpool/internal/fare"
	"github.com/mbd888/carpool/internal/money"
	"github.com/mbd888/carpool/internal/storage"
	"github.com/mbd888/carpool/internal/wallet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LockTimeout:           time.Second,
		WalletTimeout:         time.Second,
		SettlementMaxAttempts: 3,
		SettlementBaseDelay:   time.Millisecond,
		ReconcileInterval:     time.Hour,
		RateLimitRPM:          6000,
		FeePolicy: fare.Policy{
			Version:        "test",
			PlatformFeeBps: 2000,
			Cancellation: fare.CancellationPolicy{
				GracePeriod: 5 * time.Minute,
				FlatFee:     money.MustParse("2.00"),
				Recipient:   fare.RecipientDriver,
			},
		},
	}
}

type testServer struct {
	*Server
	wallet *wallet.MemoryGateway
}

// newTestServer creates a server on the in-memory store and wallet
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	gw := wallet.NewMemoryGateway()
	s, err := New(cfg, WithStore(storage.NewMemoryStore()), WithWallet(gw), WithDrainDelay(0))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.rateLimiter.Stop)
	return &testServer{Server: s, wallet: gw}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) reserve(t *testing.T, user, role string, start time.Time) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/reservations", gin.H{
		"userId": user,
		"role":   role,
		"start":  start,
		"end":    start.Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["reservation"].(map[string]any)["id"].(string)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["checks"])

	w = s.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run marks it
	w = s.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health/live", nil, "X-Request-ID", "trace-abc-123")
	assert.Equal(t, "trace-abc-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = s.do(t, http.MethodGet, "/health/live", nil, "X-Request-ID", "bad id with spaces")
	assert.Len(t, w.Header().Get("X-Request-ID"), 32, "unsafe request ids are replaced")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health/live", nil)

	w := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "carpool_")
}

func TestTripLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.wallet.Fund("user:rita", money.MustParse("25.00"))

	start := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	driverRes := s.reserve(t, "dave", "driver", start)
	riderRes := s.reserve(t, "rita", "rider", start.Add(15*time.Minute))

	// Overlapping second booking for the rider is refused
	w := s.do(t, http.MethodPost, "/v1/reservations", gin.H{
		"userId": "rita", "role": "rider", "start": start, "end": start.Add(time.Hour),
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/v1/pairings", gin.H{
		"driverReservationId": driverRes,
		"riderReservationId":  riderRes,
		"distanceMeters":      1000,
		"unitPrice":           fare.MicrosPerMinorUnit,
	}, "Idempotency-Key", "match-http-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pairing := decode(t, w)["pairing"].(map[string]any)
	pairingID := pairing["id"].(string)
	escrowID := pairing["escrowId"].(string)
	assert.Equal(t, money.MustParse("15.00"), s.wallet.Balance("user:rita"))

	w = s.do(t, http.MethodPost, "/v1/pairings/"+pairingID+"/start", nil, "Idempotency-Key", "start-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/v1/pairings/"+pairingID+"/complete", nil, "Idempotency-Key", "complete-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, money.MustParse("8.00"), s.wallet.Balance("user:dave"))
	assert.Equal(t, money.MustParse("2.00"), s.wallet.Balance(wallet.PlatformFeeAccount))

	w = s.do(t, http.MethodGet, "/v1/escrows/"+escrowID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)
	assert.Equal(t, "0.00", view["balance"])
	assert.Equal(t, "closed", view["escrow"].(map[string]any)["state"])

	// Retrying the same request replays rather than paying twice
	w = s.do(t, http.MethodPost, "/v1/pairings/"+pairingID+"/complete", nil, "Idempotency-Key", "complete-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["replayed"])
	assert.Equal(t, money.MustParse("8.00"), s.wallet.Balance("user:dave"))

	// Reconciliation finds nothing to flag
	w = s.do(t, http.MethodPost, "/v1/admin/reconcile", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Env = "staging"
		c.AdminSecret = "s3cret"
	})

	w := s.do(t, http.MethodGet, "/v1/admin/pairings/frozen", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/v1/admin/pairings/frozen", nil, "X-Admin-Secret", "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/v1/admin/pairings/frozen", nil, "X-Admin-Secret", "s3cret")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"count":0`))
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	s.Start(t.Context())
	require.NoError(t, s.Shutdown())
}

func TestNew_RejectsInvalidFeePolicy(t *testing.T) {
	cfg := testConfig()
	cfg.FeePolicy.Cancellation.Recipient = "charity"
	_, err := New(cfg, WithStore(storage.NewMemoryStore()), WithWallet(wallet.NewMemoryGateway()))
	assert.Error(t, err)
}

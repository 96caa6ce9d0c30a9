// Package metrics provides Prometheus instrumentation for the carpool settlement service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carpool"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ReservationsTotal counts reservation attempts by result (created, conflict, error).
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation creation attempts by result.",
		},
		[]string{"result"},
	)

	// PairingsMatchedTotal counts pairings whose escrow opened successfully.
	PairingsMatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pairings_matched_total",
		Help:      "Total pairings matched with a funded escrow.",
	})

	// SettlementsTotal counts transitions by event and result
	// (ok, replayed, already_settled, rejected, transient, unbalanced).
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement transitions by event and result.",
		},
		[]string{"event", "result"},
	)

	// SettlementAttempts observes how many tries a transition needed.
	SettlementAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "settlement_attempts",
		Help:      "Attempts taken per settlement transition, including retries.",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	})

	// SettlementDuration observes transition latency by event.
	SettlementDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "settlement_duration_seconds",
		Help:      "Settlement transition duration in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"event"})

	// UnbalancedEscrowsTotal counts closes refused because the ledger did not net to zero.
	UnbalancedEscrowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unbalanced_escrows_total",
		Help:      "Escrow closes refused for a non-zero net balance.",
	})

	// VoidedMovementsTotal counts wallet movements reversed after their
	// settlement failed to commit.
	VoidedMovementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "voided_wallet_movements_total",
		Help:      "Wallet movements voided because their settlement did not commit.",
	})

	// FrozenPairings tracks pairings awaiting manual review.
	FrozenPairings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "frozen_pairings",
		Help:      "Pairings frozen for manual review.",
	})

	// EscrowHeldMinorUnits tracks funds currently held across open escrows.
	EscrowHeldMinorUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "escrow_held_minor_units",
		Help:      "Sum of held balances across open and resolving escrows, in minor units.",
	})

	// WalletCallsTotal counts wallet gateway calls by operation and result.
	WalletCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_calls_total",
			Help:      "Wallet gateway calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// WalletCallDuration observes wallet gateway latency by operation.
	WalletCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "wallet_call_duration_seconds",
		Help:      "Wallet gateway call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// IdempotentReplaysTotal counts requests answered from a stored result.
	IdempotentReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_replays_total",
			Help:      "Requests answered from a stored idempotency record, by source.",
		},
		[]string{"source"},
	)

	// EventsTotal counts domain events by sink and result.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events by sink and result (published, failed, dropped).",
		},
		[]string{"sink", "result"},
	)

	// AlertsTotal counts operator pages by kind and result.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Operator alerts by kind and delivery result.",
		},
		[]string{"kind", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ReservationsTotal,
		PairingsMatchedTotal,
		SettlementsTotal,
		SettlementAttempts,
		SettlementDuration,
		UnbalancedEscrowsTotal,
		VoidedMovementsTotal,
		FrozenPairings,
		EscrowHeldMinorUnits,
		WalletCallsTotal,
		WalletCallDuration,
		IdempotentReplaysTotal,
		EventsTotal,
		AlertsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// ObserveWalletCall starts timing a wallet call. The returned func records
// the result label and the elapsed time.
func ObserveWalletCall(op string) func(result string) {
	start := time.Now()
	return func(result string) {
		WalletCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		WalletCallsTotal.WithLabelValues(op, result).Inc()
	}
}

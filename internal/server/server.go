// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/carpool/internal/admin"
	"github.com/mbd888/carpool/internal/alerts"
	"github.com/mbd888/carpool/internal/auth"
	"github.com/mbd888/carpool/internal/circuitbreaker"
	"github.com/mbd888/carpool/internal/config"
	"github.com/mbd888/carpool/internal/escrow"
	"github.com/mbd888/carpool/internal/fare"
	"github.com/mbd888/carpool/internal/health"
	"github.com/mbd888/carpool/internal/idempotency"
	"github.com/mbd888/carpool/internal/logging"
	"github.com/mbd888/carpool/internal/metrics"
	"github.com/mbd888/carpool/internal/notify"
	"github.com/mbd888/carpool/internal/ratelimit"
	"github.com/mbd888/carpool/internal/reconciliation"
	"github.com/mbd888/carpool/internal/reservation"
	"github.com/mbd888/carpool/internal/retry"
	"github.com/mbd888/carpool/internal/security"
	"github.com/mbd888/carpool/internal/settlement"
	"github.com/mbd888/carpool/internal/storage"
	"github.com/mbd888/carpool/internal/traces"
	"github.com/mbd888/carpool/internal/validation"
	"github.com/mbd888/carpool/internal/wallet"
	"github.com/mbd888/carpool/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db      *sql.DB
	store   storage.Store
	gateway wallet.Gateway
	breaker *circuitbreaker.Breaker
	redis   *redis.Client
	kafka   *notify.KafkaSink
	emitter *notify.Emitter
	hub     *notify.Hub
	pager   alerts.Pager

	reservations *reservation.Service
	escrows      *escrow.Service
	settlement   *settlement.Service
	reconciler   *reconciliation.Runner
	reconTimer   *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

	// Lifecycle
	cancelRunCtx context.CancelFunc
	ready        atomic.Bool
	healthy      atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the persistence layer instead of opening DATABASE_URL
// (for testing)
func WithStore(store storage.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithWallet sets the wallet gateway instead of dialing WALLET_GATEWAY_URL
// (for testing)
func WithWallet(gw wallet.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithVersion sets the build version reported by /health and traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set store/wallet/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initWallet(); err != nil {
		return nil, err
	}
	if err := s.initEvents(); err != nil {
		return nil, err
	}

	policies, err := fare.NewPolicyBook(cfg.FeePolicy)
	if err != nil {
		return nil, fmt.Errorf("invalid fee policy: %w", err)
	}
	s.logger.Info("fee policy loaded",
		"version", cfg.FeePolicy.Version,
		"platform_fee_bps", cfg.FeePolicy.PlatformFeeBps,
		"cancel_grace", cfg.FeePolicy.Cancellation.GracePeriod.String(),
		"cancel_recipient", cfg.FeePolicy.Cancellation.Recipient,
	)

	ledger := escrow.NewLedger(s.gateway, s.logger).WithPager(s.pager)

	s.reservations = reservation.NewService(storage.ForReservations(s.store))
	s.escrows = escrow.NewService(storage.ForEscrow(s.store), ledger, s.logger)
	s.settlement = settlement.NewService(s.store, ledger, policies, s.logger).
		WithNotifier(s.emitter).
		WithPager(s.pager).
		WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.SettlementMaxAttempts,
			BaseDelay:   cfg.SettlementBaseDelay,
		})

	if s.redis != nil {
		s.settlement.WithCache(idempotency.NewRedisCache(s.redis, 24*time.Hour))
		s.logger.Info("idempotency result cache enabled", "backend", "redis")
	}

	s.reconciler = reconciliation.NewRunner(s.store, s.pager, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.registerHealthChecks()

	// Setup router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) initStorage(ctx context.Context) error {
	if s.store != nil {
		return nil
	}

	// Postgres if DATABASE_URL set, otherwise in-memory
	if s.cfg.DatabaseURL == "" {
		s.store = storage.NewMemoryStore()
		s.logger.Warn("using in-memory storage; all state is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.store = storage.NewPostgresStore(db, s.cfg.LockTimeout)
	s.logger.Info("using PostgreSQL storage",
		"url", maskDSN(s.cfg.DatabaseURL),
		"lock_timeout", s.cfg.LockTimeout.String(),
	)
	return nil
}

func (s *Server) initWallet() error {
	if s.gateway == nil {
		if s.cfg.WalletGatewayURL == "" {
			s.gateway = wallet.NewMemoryGateway()
			s.logger.Warn("using in-memory wallet; balances are not real")
		} else {
			if err := security.ValidateInternalURL(s.cfg.WalletGatewayURL); err != nil {
				return fmt.Errorf("invalid WALLET_GATEWAY_URL: %w", err)
			}
			s.breaker = circuitbreaker.New(5, 30*time.Second)
			s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
				s.logger.Warn("wallet circuit changed state", "key", key, "from", from.String(), "to", to.String())
			})
			s.gateway = wallet.NewHTTPGateway(s.cfg.WalletGatewayURL, s.cfg.WalletGatewayToken,
				wallet.WithBreaker(s.breaker))
			s.logger.Info("using wallet service", "url", s.cfg.WalletGatewayURL)
		}
	}

	// Every call, injected or not, is bounded so a hung wallet surfaces as
	// WalletGatewayTimeout instead of holding pairing locks.
	s.gateway = wallet.WithTimeout(s.gateway, s.cfg.WalletTimeout)
	return nil
}

func (s *Server) initEvents() error {
	pagers := alerts.Multi{alerts.NewLogPager(s.logger)}
	if s.cfg.AlertWebhookURL != "" {
		if s.cfg.IsProduction() {
			if err := security.ValidateEndpointURL(s.cfg.AlertWebhookURL); err != nil {
				return fmt.Errorf("invalid ALERT_WEBHOOK_URL: %w", err)
			}
		}
		pagers = append(pagers, alerts.NewWebhookPager(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret))
		s.logger.Info("operator paging enabled", "url", s.cfg.AlertWebhookURL)
	}
	s.pager = pagers

	s.hub = notify.NewHub(s.logger)
	sinks := []notify.Sink{s.hub, notify.NewLogSink(s.logger)}
	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = notify.NewKafkaSink(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		sinks = append(sinks, s.kafka)
		s.logger.Info("kafka event sink enabled", "brokers", s.cfg.KafkaBrokers, "topic", s.cfg.KafkaTopic)
	}
	s.emitter = notify.NewEmitter(s.logger, 1024, sinks...)

	if s.cfg.RedisURL != "" {
		client, err := idempotency.NewRedisClient(s.cfg.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
	}
	return nil
}

func (s *Server) registerHealthChecks() {
	s.health.Register("storage", health.PingChecker(s.store, 2*time.Second))
	if s.breaker != nil {
		s.health.Register("wallet", health.BreakerChecker(s.breaker))
	}
	if s.redis != nil {
		// The cache is an optimisation; settlement falls back to the
		// durable idempotency records when it is down.
		s.health.RegisterOptional("redis", health.PingChecker(health.PingFunc(func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}), time.Second))
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS for local tooling; production clients call same-origin
	if s.cfg.IsDevelopment() {
		s.router.Use(security.CORSMiddleware([]string{"*"}))
	}

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting on writes
	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	rl.WritesOnly = true
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidIdempotencyKey(requestID) || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if key := c.GetHeader(settlement.IdempotencyHeader); key != "" {
			attrs = append(attrs, "idempotency_key", key)
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for trip and refund notifications
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	reservation.NewHandler(s.reservations).RegisterRoutes(v1)
	escrowHandler := escrow.NewHandler(s.escrows)
	escrowHandler.RegisterRoutes(v1)
	settlementHandler := settlement.NewHandler(s.settlement)
	settlementHandler.RegisterRoutes(v1)

	// Operator routes
	adminGroup := v1.Group("/admin")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	settlementHandler.RegisterAdminRoutes(adminGroup)
	escrowHandler.RegisterAdminRoutes(adminGroup)

	adminHandler := admin.NewHandler().WithReconciler(s.reconTimer)
	if s.breaker != nil {
		adminHandler = adminHandler.WithBreakers(s.breaker)
	}
	adminHandler.RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers: event delivery, the websocket
// hub, the reconciliation timer and DB stats sampling.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	go s.emitter.Run(runCtx)
	go s.reconTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight settlements finish
// before the store closes; queued events are flushed to the sinks.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop background workers; the emitter drains its queue on the way out
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
		select {
		case <-s.emitter.Done():
		case <-ctx.Done():
			s.logger.Warn("event queue not drained before shutdown deadline")
		}
	}

	s.reconTimer.Stop()
	s.rateLimiter.Stop()

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

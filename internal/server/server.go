// Package server wires together the broker, ledger, auth, webhook, and
// realtime components behind a single HTTP API.
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/fairbroker/fairbroker/internal/admin"
	"github.com/fairbroker/fairbroker/internal/auth"
	"github.com/fairbroker/fairbroker/internal/broker"
	"github.com/fairbroker/fairbroker/internal/config"
	"github.com/fairbroker/fairbroker/internal/health"
	"github.com/fairbroker/fairbroker/internal/ledger"
	"github.com/fairbroker/fairbroker/internal/logging"
	"github.com/fairbroker/fairbroker/internal/metrics"
	"github.com/fairbroker/fairbroker/internal/ratelimit"
	"github.com/fairbroker/fairbroker/internal/realtime"
	"github.com/fairbroker/fairbroker/internal/reconciliation"
	"github.com/fairbroker/fairbroker/internal/security"
	"github.com/fairbroker/fairbroker/internal/traces"
	"github.com/fairbroker/fairbroker/internal/validation"
	"github.com/fairbroker/fairbroker/internal/watcher"
	"github.com/fairbroker/fairbroker/internal/webhooks"
)

// Server is the top-level application: it owns the stores, the broker
// service, and every background component, and exposes them over HTTP.
type Server struct {
	cfg *config.Config

	authMgr        *auth.Manager
	ledger         *ledger.Ledger
	broker         *broker.Service
	dispatcher     *webhooks.Dispatcher
	realtimeHub    *realtime.Hub
	depositWatcher *watcher.Watcher
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	healthReg      *health.Registry

	db           *sql.DB // nil if using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTraces   func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		authStore    auth.Store
		ledgerStore  ledger.Store
		brokerStore  broker.Store
		webhookStore webhooks.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		authStore = auth.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		brokerStore = broker.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		authStore = auth.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		brokerStore = broker.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(authStore)
	s.ledger = ledger.New(ledgerStore)

	s.dispatcher = webhooks.NewDispatcher(webhookStore)
	if cfg.WebhookSecret != "" {
		s.dispatcher = s.dispatcher.WithDefaultSecret(cfg.WebhookSecret)
	}
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)

	s.realtimeHub = realtime.NewHub(s.logger)

	// The broker holds escrow in the pooled custody account and settles
	// through the ledger. Every offer event fans out to webhooks, websocket
	// clients, and metrics.
	s.broker = broker.NewService(
		brokerStore,
		&custodyAdapter{s.ledger},
		cfg.CustodyAccount,
		cfg.AdminIdentity,
	).WithEvents(multiEmitter{emitter, s.realtimeHub}).WithLogger(s.logger)
	s.logger.Info("broker initialized",
		"custody", cfg.CustodyAccount,
		"admin", cfg.AdminIdentity,
	)

	// Deposit watcher (only when a vault address is configured)
	if cfg.DepositVault != "" {
		w, err := watcher.New(
			watcher.Config{
				RPCURL:        cfg.RPCURL,
				AssetContract: common.HexToAddress(cfg.AssetContract),
				DepositVault:  common.HexToAddress(cfg.DepositVault),
				PollInterval:  15 * time.Second,
			},
			s.ledger,
			&keyRegistrationChecker{s.authMgr},
			s.logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create deposit watcher: %w", err)
		}
		s.depositWatcher = w.WithNotify(func(account string, amount uint64, txHash string) {
			emitter.EmitDeposit(account, amount, txHash)
			s.realtimeHub.BroadcastDeposit(account, amount, txHash)
		})
		s.logger.Info("deposit watcher enabled",
			"vault", cfg.DepositVault,
			"asset", cfg.AssetContract,
		)
	} else {
		s.logger.Info("DEPOSIT_VAULT not set, on-chain deposit watcher disabled")
	}

	// Periodic fund conservation check over custody and live offers
	s.reconciler = reconciliation.NewService(s.broker, s.ledger, cfg.CustodyAccount)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.logger)

	s.healthReg = health.NewRegistry()
	s.healthReg.Register("storage", s.storageCheck)

	// Router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides credentials in a database URL for logging
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
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
		if requestID == "" {
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

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
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

	// Status dashboard
	s.router.GET("/", dashboardHandler)

	// WebSocket for real-time event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :account URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IdentityParamMiddleware())

	authHandler := auth.NewHandler(s.authMgr)
	brokerHandler := broker.NewHandler(s.broker)
	ledgerHandler := ledger.NewHandler(s.ledger)
	webhookHandler := webhooks.NewHandler(s.dispatcher.Store())

	// PUBLIC ROUTES (no auth required)
	v1.GET("/auth/info", authHandler.Info)
	v1.POST("/identities", authHandler.Register)
	brokerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		brokerHandler.RegisterProtectedRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/auth/me", authHandler.WhoAmI)
	}

	// Webhook management (must own the identity named in the URL)
	ownWebhooks := v1.Group("")
	ownWebhooks.Use(auth.Middleware(s.authMgr), auth.RequireIdentity(s.authMgr, "account"))
	webhookHandler.RegisterRoutes(ownWebhooks)

	// Admin routes (shared admin secret via X-Admin-Secret header)
	adminGroup := v1.Group("/admin")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	ledgerHandler.RegisterAdminRoutes(adminGroup)
	admin.NewHandler(s.reconciler).RegisterRoutes(adminGroup)
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

func (s *Server) storageCheck(ctx context.Context) health.Status {
	if s.db == nil {
		return health.Status{Name: "storage", Healthy: true, Detail: "in-memory"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return health.Status{Name: "storage", Healthy: false, Detail: err.Error()}
	}
	return health.Status{Name: "storage", Healthy: true, Detail: "postgres"}
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.healthReg.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Fairbroker",
		"description": "Peer-to-peer escrow broker with a pooled custodial ledger",
		"version":     "0.1.0",
		"chain":       "base-sepolia",
		"chainId":     s.cfg.ChainID,
		"asset":       s.cfg.AssetContract,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint is configured)
	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start deposit watcher
	if s.depositWatcher != nil {
		if err := s.depositWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
			s.depositWatcher = nil
		}
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start fund conservation timer
	go s.reconcileTimer.Start(runCtx)

	// Export database pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop deposit watcher
	if s.depositWatcher != nil {
		s.depositWatcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}

	// Stop fund conservation timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// custodyAdapter backs the broker's custody moves with ledger transfers.
type custodyAdapter struct {
	ledger *ledger.Ledger
}

func (a *custodyAdapter) MoveAsset(ctx context.Context, from, to string, amount uint64, reference string) error {
	err := a.ledger.Transfer(ctx, from, to, amount, reference)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return broker.ErrInsufficientFunds
	}
	return err
}

var _ broker.CustodyService = (*custodyAdapter)(nil)

// multiEmitter fans each broker event out to every registered emitter.
type multiEmitter []broker.EventEmitter

func (m multiEmitter) OfferEvent(ctx context.Context, typ broker.EventType, offer *broker.Offer, actor string) {
	for _, e := range m {
		e.OfferEvent(ctx, typ, offer, actor)
	}
}

var _ broker.EventEmitter = (multiEmitter)(nil)

// keyRegistrationChecker gates deposit crediting on identity registration.
// An address is registered once it holds at least one API key.
type keyRegistrationChecker struct {
	mgr *auth.Manager
}

func (c *keyRegistrationChecker) IsRegistered(ctx context.Context, address string) bool {
	keys, err := c.mgr.ListKeys(ctx, address)
	if err != nil {
		return false
	}
	return len(keys) > 0
}

var _ watcher.IdentityChecker = (*keyRegistrationChecker)(nil)

// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/pmattes/escrowd/internal/config"
	"github.com/pmattes/escrowd/internal/deal"
	"github.com/pmattes/escrowd/internal/fees"
	"github.com/pmattes/escrowd/internal/health"
	"github.com/pmattes/escrowd/internal/logging"
	"github.com/pmattes/escrowd/internal/metrics"
	"github.com/pmattes/escrowd/internal/notify"
	"github.com/pmattes/escrowd/internal/ratelimit"
	"github.com/pmattes/escrowd/internal/rates"
	"github.com/pmattes/escrowd/internal/realtime"
	"github.com/pmattes/escrowd/internal/security"
	"github.com/pmattes/escrowd/internal/traces"
	"github.com/pmattes/escrowd/internal/validation"
	"github.com/pmattes/escrowd/internal/wallet"
	"github.com/pmattes/escrowd/internal/watcher"
	"github.com/pmattes/escrowd/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       deal.Store
	allocator   wallet.AddressAllocator
	notifier    notify.Notifier
	dealService *deal.Service
	dealTimer   *deal.Timer
	depWatcher  *watcher.Watcher
	hub         *realtime.Hub
	hookStore   webhooks.Store
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx context.CancelFunc          // cancels background goroutines started in Run
	stopTraces   func(context.Context) error // nil when tracing is disabled

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

// WithAddressAllocator sets a custom deposit address source (for testing)
func WithAddressAllocator(a wallet.AddressAllocator) Option {
	return func(s *Server) {
		s.allocator = a
	}
}

// WithNotifier sets a custom party notifier (for testing)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New builds a fully wired server from configuration. Storage is Postgres
// when DATABASE_URL is set, in-memory otherwise; the wallet backend and
// Telegram notifier degrade the same way when unconfigured.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set allocator/notifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = deal.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return db.PingContext(ctx)
		})
	} else {
		s.store = deal.NewMemoryStore()
		s.logger.Info("using in-memory storage")
		s.checks.Register("store", func(context.Context) error { return nil })
	}

	// Deposit address source: Electrum JSON-RPC in production, deterministic
	// placeholder addresses otherwise.
	if s.allocator == nil {
		if cfg.ElectrumRPCURL != "" {
			s.allocator = wallet.NewElectrum(cfg.ElectrumRPCURL, cfg.ElectrumRPCUser, cfg.ElectrumRPCPass, cfg.AddressLabelPrefix)
			s.logger.Info("electrum wallet enabled", "url", maskDSN(cfg.ElectrumRPCURL))
		} else {
			s.allocator = wallet.Static{}
			s.logger.Info("using static deposit addresses")
		}
	}

	// Party notifications over Telegram, disabled when no token is set.
	if s.notifier == nil {
		if cfg.BotToken != "" {
			s.notifier = notify.NewTelegram(cfg.BotToken, s.logger)
			s.logger.Info("telegram notifications enabled")
		} else {
			s.notifier = notify.Disabled{}
			s.logger.Info("notifications disabled")
		}
	}

	// Live deal feed for the admin dashboard.
	s.hub = realtime.NewHub(s.logger)

	// Outbound webhooks for operator integrations.
	if s.db != nil {
		s.hookStore = webhooks.NewPostgresStore(s.db)
	} else {
		s.hookStore = webhooks.NewMemoryStore()
	}
	dispatcher := webhooks.NewDispatcher(s.hookStore, s.logger)

	s.dealService = deal.NewService(s.store, s.allocator, deal.Options{
		Asset: cfg.Asset,
		FeePolicy: fees.Policy{
			BasisPoints:  cfg.FeeBP,
			MinFiatCents: cfg.FeeMinCents,
			MaxFiatCents: cfg.FeeMaxCents,
		},
		DisputePolicy: fees.Policy{
			BasisPoints:  cfg.DisputeFeeBP,
			MinFiatCents: cfg.DisputeMinCents,
			MaxFiatCents: cfg.DisputeMaxCents,
		},
		RequiredConfs: cfg.RequiredConfs,
		Grace:         time.Duration(cfg.GraceHours) * time.Hour,
	}).
		WithNotifier(s.notifier).
		WithRates(rates.NewConverter(rateTable(cfg))).
		WithEvents(deal.Sinks{s.hub, dispatcher}).
		WithAdminCheck(cfg.IsAdmin).
		WithBotHandle(cfg.BotHandle)

	s.dealTimer = deal.NewTimer(s.dealService, s.logger)

	// Deposit polling needs a backend that can report address history; only
	// the Electrum allocator (or a test double) provides that.
	if checker, ok := s.allocator.(watcher.DepositChecker); ok {
		s.depWatcher = watcher.New(watcher.DefaultConfig(), s.store, s.dealService, checker, s.logger)
	}

	// Set up Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// rateTable parses the configured fiat rates into the converter's
// asset -> fiat-per-unit table. Fee bounds are quoted in CAD cents, so
// only the CAD rate feeds the table; an absent or malformed rate leaves
// the table empty and fee clamping falls back to percentage only.
func rateTable(cfg *config.Config) map[string]decimal.Decimal {
	table := make(map[string]decimal.Decimal)
	if cfg.BTCCADRate != "" {
		if rate, err := decimal.NewFromString(cfg.BTCCADRate); err == nil {
			table[cfg.Asset] = rate
		}
	}
	return table
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

	// CORS
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
			requestID = uuid.NewString()
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

// hookTokenMiddleware gates the funding callback on a shared token. This
// endpoint can flip a deal to FUNDED, so it is closed when no token is
// configured, same as the admin surface.
func (s *Server) hookTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.HookToken == "" || c.GetHeader("X-Hook-Token") != s.cfg.HookToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "valid X-Hook-Token header required",
			})
			return
		}
		c.Next()
	}
}

// adminTokenMiddleware gates the admin surface on a shared token. With no
// token configured every admin request is rejected rather than left open.
func (s *Server) adminTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" || c.GetHeader("X-Admin-Token") != s.cfg.AdminToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "valid X-Admin-Token header required",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/healthz/live", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	dealHandler := deal.NewHandler(s.dealService)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PARTY ROUTES. Identity rides on X-User-ID / X-User-Handle headers set
	// by the transport adapter; the handlers reject requests without it.
	dealHandler.RegisterRoutes(v1)

	// WALLET CALLBACK (token gated). The deposit watcher posts funding
	// confirmations here.
	hooks := v1.Group("/hooks")
	hooks.Use(s.hookTokenMiddleware())
	dealHandler.RegisterWebhookRoutes(hooks)

	// ADMIN ROUTES (token gated). The dashboard talks JSON and subscribes
	// to the live WebSocket feed instead of polling.
	admin := v1.Group("/admin")
	admin.Use(s.adminTokenMiddleware())
	dealHandler.RegisterAdminRoutes(admin)
	webhooks.NewHandler(s.hookStore).RegisterRoutes(admin)
	admin.GET("/live", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	admin.GET("/live/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal arrives or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing export, disabled when no collector endpoint is configured.
	if stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger); err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stop
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
			"asset", s.cfg.Asset,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start deposit watcher
	if s.depWatcher != nil {
		if err := s.depWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
		}
	}

	// Start auto-finalise sweep timer
	go s.dealTimer.Start(runCtx)

	// Start database pool stats collector
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop deposit watcher
	if s.depWatcher != nil {
		s.depWatcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}

	// Stop auto-finalise timer
	if s.dealTimer != nil {
		s.dealTimer.Stop()
		s.logger.Info("auto-finalise timer stopped")
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

// Service returns the deal service for testing
func (s *Server) Service() *deal.Service {
	return s.dealService
}

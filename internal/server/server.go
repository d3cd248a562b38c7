// Package server wires storage, services and HTTP routes into one process.
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

	"github.com/kizuna-ai-lab/sokuji/internal/auth"
	"github.com/kizuna-ai-lab/sokuji/internal/cache"
	"github.com/kizuna-ai-lab/sokuji/internal/config"
	"github.com/kizuna-ai-lab/sokuji/internal/health"
	"github.com/kizuna-ai-lab/sokuji/internal/idgen"
	"github.com/kizuna-ai-lab/sokuji/internal/logging"
	"github.com/kizuna-ai-lab/sokuji/internal/metrics"
	"github.com/kizuna-ai-lab/sokuji/internal/pricing"
	"github.com/kizuna-ai-lab/sokuji/internal/ratelimit"
	"github.com/kizuna-ai-lab/sokuji/internal/reconciliation"
	"github.com/kizuna-ai-lab/sokuji/internal/relay"
	"github.com/kizuna-ai-lab/sokuji/internal/security"
	"github.com/kizuna-ai-lab/sokuji/internal/traces"
	"github.com/kizuna-ai-lab/sokuji/internal/usage"
	"github.com/kizuna-ai-lab/sokuji/internal/validation"
	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
	"github.com/kizuna-ai-lab/sokuji/internal/webhooks"
	"github.com/kizuna-ai-lab/sokuji/migrations"
)

// Version is reported by the info endpoint; set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil if using in-memory
	redis          *cache.RedisCache
	wallet         *wallet.Service
	authMgr        *auth.Manager
	usage          *usage.Buffer
	webhookStore   webhooks.Store
	webhooks       *webhooks.Processor
	relay          *relay.Proxy
	relayDialer    relay.Dialer
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	stopTracing    func(context.Context) error
	drainDelay     time.Duration

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

// WithRelayDialer replaces the upstream dialer (for testing)
func WithRelayDialer(d relay.Dialer) Option {
	return func(s *Server) {
		s.relayDialer = d
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		walletStore wallet.Store
		authStore   auth.Store
		usageWriter usage.Writer
	)

	// Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		walletStore = wallet.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		usageWriter = usage.NewPostgresWriter(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		walletStore = wallet.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		usageWriter = usage.NewMemoryWriter()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Balance cache
	var balanceCache wallet.BalanceCache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(cfg.RedisURL, cfg.BalanceCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure redis: %w", err)
		}
		s.redis = rc
		balanceCache = rc
		s.logger.Info("balance cache enabled (redis)", "ttl", cfg.BalanceCacheTTL)
	} else {
		balanceCache = cache.NewMemoryCache(cfg.BalanceCacheTTL)
		s.logger.Info("balance cache enabled (in-process)", "ttl", cfg.BalanceCacheTTL)
	}

	// Usage analytics buffer
	ids, err := idgen.NewSequence(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("failed to create id sequence: %w", err)
	}
	s.usage = usage.NewBuffer(usageWriter, ids, usage.Config{
		FlushSize:     cfg.UsageFlushSize,
		FlushInterval: cfg.UsageFlushInterval,
		MaxBuffer:     cfg.UsageMaxBuffer,
	}, s.logger)

	s.wallet = wallet.NewService(walletStore,
		wallet.WithCache(balanceCache),
		wallet.WithUsageSink(s.usage),
		wallet.WithLogger(s.logger),
	)
	s.authMgr = auth.NewManager(authStore)

	// Webhook sources
	var sources []webhooks.Source
	if cfg.ClerkWebhookSecret != "" {
		clerk, err := webhooks.NewClerkSource(cfg.ClerkWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("invalid CLERK_WEBHOOK_SECRET: %w", err)
		}
		sources = append(sources, clerk)
		s.logger.Info("clerk webhooks enabled")
	}
	if cfg.StripeWebhookSecret != "" {
		sources = append(sources, webhooks.NewStripeSource(cfg.StripeWebhookSecret))
		s.logger.Info("stripe webhooks enabled")
	}
	s.webhooks = webhooks.NewProcessor(s.webhookStore, s.wallet, s.logger, sources...)

	// Realtime relay
	if s.relayDialer == nil {
		s.relayDialer = relay.NewWSDialer(cfg.UpstreamConnectTimeout)
	}
	providers := relay.DefaultProviders(cfg.OpenAIAPIKey, cfg.CometAPIKey, cfg.DefaultProvider)
	s.relay = relay.NewProxy(providers, s.relayDialer, s.wallet, s.authMgr, pricing.New(nil), relay.Config{
		ConnectTimeout: cfg.UpstreamConnectTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	}, s.logger)

	// Reconciliation
	s.reconciler = reconciliation.NewRunner(s.wallet, 0, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Health checks
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", s.redis.Ping))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl).WithRate(s.planRate)
}

// planRate reads the caller's plan allowance through the balance cache.
func (s *Server) planRate(ctx context.Context, subjectType, subjectID string) (int, bool) {
	bal, err := s.wallet.GetBalance(ctx, wallet.Subject{Type: subjectType, ID: subjectID})
	if err != nil {
		return 0, false
	}
	return bal.RateLimitRPM, bal.RateLimitRPM > 0
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
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
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Payment and identity providers sign their deliveries; no API key.
	webhookHandler := webhooks.NewHandler(s.webhooks, s.webhookStore, s.cfg.IsDevelopment())
	webhookHandler.RegisterRoutes(s.router.Group(""))

	v1 := s.router.Group("/v1", auth.Middleware(s.authMgr))

	// The relay authenticates its own upgrade (header or subprotocol).
	s.relay.RegisterRoutes(v1)

	api := v1.Group("", s.rateLimiter.Middleware())
	walletHandler := wallet.NewHandler(s.wallet)
	walletHandler.RegisterRoutes(api)

	protected := api.Group("", auth.RequireAuth())
	walletHandler.RegisterProtectedRoutes(protected)
	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(protected)

	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	walletHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	webhookHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "sokuji-wallet",
		"description": "Token wallet, realtime relay and billing webhooks",
		"version":     Version,
		"providers":   relay.DefaultProviders(s.cfg.OpenAIAPIKey, s.cfg.CometAPIKey, s.cfg.DefaultProvider).Names(),
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

// Start launches background workers: the usage buffer, the reconciliation
// timer, tracing and DB stats. Run calls it; tests may call it directly.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     Version,
		Environment: s.cfg.Env,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without", "error", err)
		stopTracing = func(context.Context) error { return nil }
	}
	s.stopTracing = stopTracing

	// The buffer is stopped explicitly in Shutdown so late records still flush.
	if err := s.usage.Start(context.WithoutCancel(runCtx)); err != nil {
		return fmt.Errorf("start usage buffer: %w", err)
	}
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	s.ready.Store(true)
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No read/write timeouts: relay sockets are long-lived.
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Relay sessions are closed with
// 1001 and buffered usage is flushed before storage is released.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			keep(err)
		}
	}

	if err := s.relay.Shutdown(ctx); err != nil {
		s.logger.Error("relay shutdown error", "error", err)
		keep(err)
	} else {
		s.logger.Info("relay sessions closed")
	}

	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()

	if err := s.usage.Stop(ctx); err != nil {
		s.logger.Error("usage buffer flush failed", "error", err)
		keep(err)
	} else {
		s.logger.Info("usage buffer flushed")
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Wallet returns the wallet service (for tools and tests).
func (s *Server) Wallet() *wallet.Service {
	return s.wallet
}

// Auth returns the API key manager.
func (s *Server) Auth() *auth.Manager {
	return s.authMgr
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

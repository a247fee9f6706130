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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/extractly/internal/circuitbreaker"
	"github.com/mbd888/extractly/internal/config"
	"github.com/mbd888/extractly/internal/entitlement"
	"github.com/mbd888/extractly/internal/health"
	"github.com/mbd888/extractly/internal/identity"
	"github.com/mbd888/extractly/internal/idgen"
	"github.com/mbd888/extractly/internal/logging"
	"github.com/mbd888/extractly/internal/metering"
	"github.com/mbd888/extractly/internal/metrics"
	"github.com/mbd888/extractly/internal/plan"
	"github.com/mbd888/extractly/internal/pricing"
	"github.com/mbd888/extractly/internal/ratelimit"
	"github.com/mbd888/extractly/internal/security"
	"github.com/mbd888/extractly/internal/tenant"
	"github.com/mbd888/extractly/internal/traces"
	"github.com/mbd888/extractly/internal/usage"
	"github.com/mbd888/extractly/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	configs  *tenant.Resolver
	plans    *plan.Service
	ledger   *usage.Ledger
	prices   pricing.Store
	calc     *pricing.Calculator
	metering *metering.Service
	parser   *identity.Parser

	planCache   plan.Cache
	redis       *redis.Client // nil when REDIS_URL is unset
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithPlanCache replaces the plan cache chosen from configuration (for testing)
func WithPlanCache(cache plan.Cache) Option {
	return func(s *Server) {
		s.planCache = cache
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:  health.NewRegistry(),
	}

	// Apply options first (may set logger/cache)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	var (
		configStore tenant.Store
		planStore   plan.Store
		usageStore  usage.Store
	)

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
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		configStore = tenant.NewPostgresStore(db)
		planStore = plan.NewPostgresStore(db)
		usageStore = usage.NewPostgresStore(db)
		s.prices = pricing.NewPostgresStore(db)
		s.checks.Register(health.PingChecker("database", db))

		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		configStore = tenant.NewMemoryStore()
		planStore = plan.NewMemoryStore()
		usageStore = usage.NewMemoryStore()
		s.prices = pricing.NewMemoryStore()

		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if err := s.setupPlanCache(); err != nil {
		s.closeStorage()
		return nil, err
	}

	// Domain services
	planResolver := plan.NewResolver(planStore, s.planCache, cfg.PlanCacheTTL, s.logger)
	s.plans = plan.NewService(planStore, planResolver, s.logger)
	s.configs = tenant.NewResolver(configStore, s.logger)
	s.ledger = usage.NewLedger(usageStore, planResolver, s.logger)
	s.calc = pricing.NewCalculator(s.prices, cfg.DefaultModel, s.logger)
	s.metering = metering.NewService(s.configs, planResolver, entitlement.NewGate(s.ledger, s.logger),
		s.ledger, s.calc, s.logger)
	s.parser = identity.NewParser(cfg.JWTSecret)

	if cfg.SeedPlans || cfg.DatabaseURL == "" {
		if err := s.plans.SeedCatalog(ctx); err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to seed plan catalogue: %w", err)
		}
		if err := pricing.Seed(ctx, s.prices); err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("failed to seed model prices: %w", err)
		}
		s.logger.Info("seeded plan catalogue and model prices")
	}

	if cfg.JWTSecret == "" {
		s.logger.Warn("JWT_SECRET not set: every identity credential will be rejected")
	}

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

// setupPlanCache picks the shared Redis cache when REDIS_URL is set and the
// in-process TTL cache otherwise. An option-supplied cache wins.
func (s *Server) setupPlanCache() error {
	if s.planCache != nil {
		return nil
	}
	if s.cfg.RedisURL == "" {
		s.planCache = plan.NewMemoryCache()
		return nil
	}

	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	s.redis = redis.NewClient(opts)

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("plan cache breaker transition", "key", key, "from", from.String(), "to", to.String())
	})
	cache := plan.NewRedisCache(s.redis, breaker, s.logger)
	s.planCache = cache
	s.checks.Register(health.PingChecker("plan_cache", cache))

	s.logger.Info("using redis plan cache", "addr", opts.Addr)
	return nil
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
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

	// CORS; the app is embedded in CRM frames on many origins
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Rate limiting is keyed by location, so it is mounted on the /v1 groups
	// after identity parsing.
	s.rateLimiter = ratelimit.New(ratelimit.ConfigForRPM(s.cfg.RateLimitRPM))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
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
		if ident, ok := identity.FromGin(c); ok && ident.LocationID() != "" {
			attrs = append(attrs, "location_id", ident.LocationID())
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

	tenantHandler := tenant.NewHandler(s.configs)
	planHandler := plan.NewHandler(s.plans)
	usageHandler := usage.NewHandler(s.ledger)
	pricingHandler := pricing.NewHandler(s.calc, s.prices)
	meteringHandler := metering.NewHandler(s.metering)

	v1 := s.router.Group("/v1")
	v1.Use(identity.Middleware(s.parser))

	// Embedded-app calls carrying a CRM identity credential
	protected := v1.Group("")
	protected.Use(identity.RequireIdentity(), s.rateLimiter.Middleware())
	tenantHandler.RegisterProtectedRoutes(protected)
	planHandler.RegisterProtectedRoutes(protected)
	usageHandler.RegisterProtectedRoutes(protected)
	pricingHandler.RegisterProtectedRoutes(protected)
	meteringHandler.RegisterProtectedRoutes(protected)

	// Operator surface
	admin := v1.Group("/admin")
	admin.Use(identity.RequireAdmin(s.cfg.AdminSecret), s.rateLimiter.Middleware())
	tenantHandler.RegisterAdminRoutes(admin)
	planHandler.RegisterAdminRoutes(admin)
	usageHandler.RegisterAdminRoutes(admin)
	pricingHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
			logging.L(c.Request.Context()).Warn("health check failed", "check", st.Name, "detail", st.Detail)
		}
	}

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
	if healthy, _ := s.checks.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dependencies_unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
			"version", s.version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Connection pool and goroutine gauges
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
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

	// Cancel the context for background goroutines (stats collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending spans
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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

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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/urlsentry/internal/analysis"
	"github.com/mbd888/urlsentry/internal/circuitbreaker"
	"github.com/mbd888/urlsentry/internal/config"
	"github.com/mbd888/urlsentry/internal/events"
	"github.com/mbd888/urlsentry/internal/features"
	"github.com/mbd888/urlsentry/internal/health"
	"github.com/mbd888/urlsentry/internal/idgen"
	"github.com/mbd888/urlsentry/internal/logging"
	"github.com/mbd888/urlsentry/internal/metrics"
	"github.com/mbd888/urlsentry/internal/ratelimit"
	"github.com/mbd888/urlsentry/internal/realtime"
	"github.com/mbd888/urlsentry/internal/retry"
	"github.com/mbd888/urlsentry/internal/scans"
	"github.com/mbd888/urlsentry/internal/scoring"
	"github.com/mbd888/urlsentry/internal/security"
	"github.com/mbd888/urlsentry/internal/signals"
	"github.com/mbd888/urlsentry/internal/traces"
	"github.com/mbd888/urlsentry/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	engine      *analysis.Engine
	recorder    *analysis.Recorder
	store       scans.Store // nil when history is disabled
	fuser       *signals.Fuser
	scorer      scoring.Scorer
	publisher   events.Publisher
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	blocklist  signals.Provider
	reputation signals.Provider

	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil if using in-process cache
	traceShutdown func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithVersion sets the version reported by /health and /v1.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithScorer overrides artifact-based scorer selection (for testing)
func WithScorer(sc scoring.Scorer) Option {
	return func(s *Server) {
		s.scorer = sc
	}
}

// WithProviders overrides the external providers (for testing)
func WithProviders(blocklist, reputation signals.Provider) Option {
	return func(s *Server) {
		s.blocklist = blocklist
		s.reputation = reputation
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
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
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		shutdownTraces = func(context.Context) error { return nil }
	}
	s.traceShutdown = shutdownTraces

	s.health = health.NewRegistry(2 * time.Second)

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}

	s.engine = s.initEngine()

	s.initPublisher()

	s.realtimeHub = realtime.NewHub(s.logger, cfg.CORSAllowedOrigins)
	s.logger.Info("realtime scan feed enabled")

	s.recorder = analysis.NewRecorder(s.store,
		analysis.WithFeed(s.realtimeHub),
		analysis.WithPublisher(s.publisher),
		analysis.WithRetryPolicy(retry.DefaultPolicy()),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStore picks the scan history backend: Postgres when DATABASE_URL is
// set, in-memory otherwise, none when history is disabled.
func (s *Server) initStore(ctx context.Context) error {
	cfg := s.cfg
	if !cfg.HistoryEnabled {
		s.logger.Warn("scan history disabled; analytics and history will be empty")
		return nil
	}

	if cfg.DatabaseURL == "" {
		s.store = scans.NewMemoryStore(scans.WithMaxRecords(cfg.MemoryHistoryMax))
		if cfg.IsProduction() {
			s.logger.Warn("in-memory scan history in production; set DATABASE_URL to persist scans",
				"max_records", cfg.MemoryHistoryMax)
		} else {
			s.logger.Info("using in-memory scan history", "max_records", cfg.MemoryHistoryMax)
		}
		return nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	store := scans.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate scan store", "error", err)
	}

	s.db = db
	s.store = store
	s.health.Register("database", health.PingCheck(store))
	s.logger.Info("using PostgreSQL scan history", "url", maskDSN(cfg.DatabaseURL))
	return nil
}

// initEngine builds extractor, scorer and signal fusion.
func (s *Server) initEngine() *analysis.Engine {
	cfg := s.cfg

	lists := features.DefaultLists()
	if cfg.FeatureListsPath != "" {
		loaded, err := features.LoadLists(cfg.FeatureListsPath)
		if err != nil {
			s.logger.Warn("failed to load feature lists, using built-in lists",
				"path", cfg.FeatureListsPath, "error", err)
		} else {
			lists = loaded
			s.logger.Info("feature lists loaded", "path", cfg.FeatureListsPath,
				"keywords", len(lists.Keywords), "risky_tlds", len(lists.RiskyTLDs))
		}
	}
	extractor := features.NewExtractor(lists)

	if s.scorer == nil {
		s.scorer = scoring.Select(cfg.ModelPath, s.logger)
	}
	metrics.SetScoringMode(string(s.scorer.Mode()), string(scoring.ModeHeuristic), string(scoring.ModeModel))

	if s.blocklist == nil {
		s.blocklist = signals.NewSafeBrowsing(cfg.SafeBrowsingAPIKey)
	}
	if s.reputation == nil {
		s.reputation = signals.NewVirusTotal(cfg.VirusTotalAPIKey)
	}

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(provider string, from, to circuitbreaker.State) {
		s.logger.Warn("provider circuit changed", "provider", provider, "from", from.String(), "to", to.String())
	})

	s.fuser = signals.NewFuser(s.blocklist, s.reputation,
		signals.WithTimeouts(cfg.SafeBrowsingTimeout, cfg.VirusTotalTimeout),
		signals.WithBreaker(breaker),
		signals.WithCache(s.initCache(), cfg.SignalCacheTTL),
	)

	s.logger.Info("analysis engine ready",
		"scoring_mode", s.scorer.Mode(),
		"safe_browsing", s.blocklist.Configured(),
		"virustotal", s.reputation.Configured(),
	)
	return analysis.NewEngine(extractor, s.scorer, s.fuser)
}

// initCache returns the Redis cache when REDIS_URL is set, else an
// in-process one.
func (s *Server) initCache() signals.Cache {
	if s.cfg.RedisURL == "" {
		return signals.NewMemoryCache(signals.DefaultMaxEntries)
	}

	opts, err := redisOptions(s.cfg.RedisURL)
	if err != nil {
		s.logger.Warn("invalid REDIS_URL, using in-process signal cache", "error", err)
		return signals.NewMemoryCache(signals.DefaultMaxEntries)
	}

	s.redis = redis.NewClient(opts)
	cache := signals.NewRedisCache(s.redis)
	s.health.RegisterOptional("signal_cache", health.PingCheck(cache))
	s.logger.Info("using Redis signal cache", "addr", opts.Addr)
	return cache
}

// redisOptions accepts a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		return redis.ParseURL(raw)
	}
	return &redis.Options{Addr: raw}, nil
}

func (s *Server) initPublisher() {
	s.publisher = events.NoopPublisher{}
	if len(s.cfg.KafkaBrokers) == 0 {
		return
	}

	kp, err := events.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
	if err != nil {
		s.logger.Warn("failed to create kafka publisher, scan events disabled", "error", err)
		return
	}
	s.publisher = kp
	s.health.RegisterOptional("event_stream", health.PingCheck(kp))
	s.logger.Info("scan events enabled", "topic", s.cfg.KafkaTopic, "brokers", len(s.cfg.KafkaBrokers))
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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.ConfigForRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, gateway) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.RequestID()
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.GET("", s.infoHandler)

	analysis.NewHandler(s.engine, s.recorder, s.store).RegisterRoutes(v1)

	v1.GET("/ws/scans", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for the /health endpoint
type HealthResponse struct {
	Status      string                         `json:"status"`
	Version     string                         `json:"version"`
	ScoringMode scoring.Mode                   `json:"scoringMode"`
	Providers   map[string]bool                `json:"providers"`
	Circuits    []circuitbreaker.ProviderState `json:"circuits"`
	History     string                         `json:"history"`
	Checks      []health.Status                `json:"checks,omitempty"`
	Realtime    realtime.Stats                 `json:"realtime"`
	Timestamp   string                         `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, degraded, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:      status,
		Version:     s.version,
		ScoringMode: s.scorer.Mode(),
		Providers:   s.fuser.Providers(),
		Circuits:    s.fuser.Breaker().Snapshot(),
		History:     s.historyBackend(),
		Checks:      checks,
		Realtime:    s.realtimeHub.Stats(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) historyBackend() string {
	switch {
	case s.store == nil:
		return "disabled"
	case s.db != nil:
		return "postgres"
	default:
		return "memory"
	}
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
		"name":        "urlsentry",
		"description": "URL threat scoring",
		"version":     s.version,
		"scoringMode": s.scorer.Mode(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"scoring_mode", s.scorer.Mode(),
			"history", s.historyBackend(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush queued scan events, then close the publisher.
	if s.recorder != nil {
		s.recorder.Close()
		s.logger.Info("scan recorder drained")
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

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

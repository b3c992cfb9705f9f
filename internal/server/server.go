// Package server assembles the service: stores, scorer, notifier, feed
// client, worker pool, and the HTTP surface for health, stats, and the
// live decision stream.
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

	"github.com/ctrlaltdelite/fraudwatch/internal/audit"
	"github.com/ctrlaltdelite/fraudwatch/internal/config"
	"github.com/ctrlaltdelite/fraudwatch/internal/encoding"
	"github.com/ctrlaltdelite/fraudwatch/internal/health"
	"github.com/ctrlaltdelite/fraudwatch/internal/ingest"
	"github.com/ctrlaltdelite/fraudwatch/internal/logging"
	"github.com/ctrlaltdelite/fraudwatch/internal/metrics"
	"github.com/ctrlaltdelite/fraudwatch/internal/model"
	"github.com/ctrlaltdelite/fraudwatch/internal/notify"
	"github.com/ctrlaltdelite/fraudwatch/internal/pipeline"
	"github.com/ctrlaltdelite/fraudwatch/internal/ratelimit"
	"github.com/ctrlaltdelite/fraudwatch/internal/realtime"
	"github.com/ctrlaltdelite/fraudwatch/internal/security"
	"github.com/ctrlaltdelite/fraudwatch/internal/state"
	"github.com/ctrlaltdelite/fraudwatch/internal/transaction"
)

// Server wraps the HTTP server and all pipeline dependencies.
type Server struct {
	cfg         *config.Config
	store       state.Store
	encodings   *encoding.Cache
	scorer      model.Scorer
	notifier    *notify.Notifier
	auditor     audit.Store
	hub         *realtime.Hub
	processor   *pipeline.Processor
	pool        *ingest.Pool
	feed        *ingest.Feed
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory audit
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx  context.CancelFunc
	cancelProcCtx context.CancelFunc
	threshold     float64

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

// WithScorer injects a scorer (for testing)
func WithScorer(sc model.Scorer) Option {
	return func(s *Server) {
		s.scorer = sc
	}
}

// New creates a server instance with all pipeline components wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Entity state store: Redis if configured, in-memory otherwise.
	if cfg.RedisAddr != "" {
		rs, err := state.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		s.store = rs
		s.logger.Info("using redis state store", "addr", cfg.RedisAddr)
	} else {
		s.store = state.NewMemoryStore()
		s.logger.Info("using in-memory state store (state will not persist)")
	}
	s.checks.Register("state_store", func(ctx context.Context) health.Status {
		st := health.Status{Name: "state_store", Healthy: true}
		if err := s.store.Ping(ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
		}
		return st
	})

	// Encoding table: file takes precedence, then Redis, then empty.
	switch {
	case cfg.EncodingsPath != "":
		cache, err := encoding.New(ctx, encoding.FileLoader{Path: cfg.EncodingsPath})
		if err != nil {
			return nil, err
		}
		s.encodings = cache
		s.logger.Info("encoding table loaded from file",
			"path", cfg.EncodingsPath, "pairs", cache.Len())
	case cfg.RedisAddr != "":
		rs := s.store.(*state.RedisStore)
		cache, err := encoding.New(ctx, encoding.RedisLoader{Client: rs.Client()})
		if err != nil {
			return nil, err
		}
		s.encodings = cache
		s.logger.Info("encoding table loaded from redis", "pairs", cache.Len())
	default:
		s.encodings = encoding.Empty()
		s.logger.Warn("no encoding table configured, all lookups use the global rate")
	}

	// Scorer: artifact file if configured, otherwise degrade.
	threshold := cfg.FraudThreshold
	if s.scorer == nil {
		if cfg.ModelPath != "" {
			scorer, artifactThreshold, err := model.LoadFile(cfg.ModelPath)
			if err != nil {
				s.logger.Error("model load failed, marking everything legitimate", "error", err)
				s.scorer = model.NullScorer{}
			} else {
				s.scorer = scorer
				if cfg.FraudThreshold == config.DefaultFraudThreshold {
					threshold = artifactThreshold
				}
				s.logger.Info("model loaded", "path", cfg.ModelPath, "threshold", threshold)
			}
		} else {
			s.scorer = model.NullScorer{}
			s.logger.Warn("no model configured, marking everything legitimate")
		}
	}

	// Audit store: Postgres if configured, in-memory otherwise.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.auditor = audit.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL audit store", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.auditor = audit.NewMemoryStore(0)
		s.logger.Info("using in-memory audit store (decisions will not persist)")
	}
	s.checks.Register("audit_store", func(ctx context.Context) health.Status {
		st := health.Status{Name: "audit_store", Healthy: true}
		if err := s.auditor.Ping(ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
		}
		return st
	})

	// Flag notifier (optional).
	s.notifier = notify.New(notify.Options{
		URL:                cfg.FlagURL,
		APIKey:             cfg.APIKey,
		Timeout:            cfg.NotifyTimeout,
		QueueSize:          cfg.NotifyQueue,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, s.logger)
	if s.notifier == nil {
		s.logger.Warn("no flag endpoint configured, decisions stay local")
	}

	s.threshold = threshold

	// Realtime decision stream.
	s.hub = realtime.NewHub(s.logger)

	s.processor = pipeline.New(pipeline.Options{
		Store:     s.store,
		Encodings: s.encodings,
		Scorer:    s.scorer,
		Threshold: threshold,
		Notifier:  s.notifier,
		Auditor:   s.auditor,
		Hub:       s.hub,
		Logger:    s.logger,
	})

	s.pool = ingest.NewPool(cfg.Workers, func(ctx context.Context, tx *transaction.Transaction) {
		if _, err := s.processor.Process(ctx, tx); err != nil {
			logging.L(logging.WithTransNum(ctx, tx.TransNum)).Error("processing failed", "error", err)
		}
	}, s.logger)

	feed, err := ingest.NewFeed(ingest.Options{
		URL:                cfg.StreamURL,
		APIKey:             cfg.APIKey,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		BackoffSeed:        cfg.FeedBackoffSeed,
		BackoffMax:         cfg.FeedBackoffMax,
		MaxAttempts:        cfg.FeedMaxAttempts,
		IdleTimeout:        cfg.FeedIdleTimeout,
		Handler: func(ctx context.Context, tx *transaction.Transaction) {
			s.pool.Submit(ctx, tx)
		},
		OnStateChange: func(st ingest.State) {
			s.hub.BroadcastFeedStatus(st.String())
		},
		Logger: s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.feed = feed
	s.checks.Register("feed", func(ctx context.Context) health.Status {
		st := health.Status{Name: "feed", Healthy: true, Detail: s.feed.State().String()}
		if s.feed.State() != ingest.StateStreaming {
			st.Healthy = false
		}
		return st
	})

	// Configure gin
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

	// CORS (the dashboard may be served from another origin)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		ctx := logging.WithLogger(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(ctx)

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
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/stats", s.statsHandler)
	s.router.GET("/decisions", s.decisionsHandler)

	// WebSocket for the live decision stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "fraudwatch",
		"description": "Real-time transaction fraud scoring pipeline",
		"version":     "0.1.0",
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok || !s.healthy.Load() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) statsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	stats := gin.H{
		"pipeline": s.processor.Stats(),
		"feed":     s.feed.Stats(),
		"realtime": s.hub.Stats(),
		"model": gin.H{
			"threshold": s.threshold,
			"encodings": s.encodings.Len(),
		},
	}

	if counts, err := s.auditor.CountByDecision(ctx); err == nil {
		stats["decisions"] = counts
	}

	c.JSON(http.StatusOK, stats)
}

// decisionsHandler returns the most recent audit records.
func (s *Server) decisionsHandler(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := parsePositive(v); err == nil && n <= 500 {
			limit = n
		}
	}

	recs, err := s.auditor.Recent(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to read decisions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read recent decisions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"decisions": recs,
		"count":     len(recs),
	})
}

func parsePositive(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		n = n*10 + int(r-'0')
		if n > 1<<30 {
			return 0, fmt.Errorf("too large: %q", s)
		}
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive: %q", s)
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server, the feed consumer, and the worker pool,
// blocking until a shutdown signal, context cancellation, or a fatal
// feed error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// The hub, the notifier, and the pool workers run on a context that
	// survives runCtx: Shutdown cancels ingestion first and only then
	// drains them, so queued transactions are never processed or flushed
	// against a cancelled context.
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelProcCtx = cancelProc

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	go s.hub.Run(procCtx)
	s.notifier.Start(procCtx)
	s.pool.Start(procCtx)

	// The feed is the process's reason to exist: if it gives up, the
	// whole service exits nonzero so the orchestrator restarts it.
	go func() {
		if err := s.feed.Run(runCtx); err != nil {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-errChan:
		runErr = err
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains the pipeline in dependency order: stop ingesting,
// finish queued transactions, flush pending flags, then stop serving.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop the feed; workers and the notifier keep a live context.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Drain queued transactions before anything downstream closes.
	s.pool.Stop()

	// Flush queued flag notifications.
	s.notifier.Stop()
	s.logger.Info("notifier drained")

	// Processing is drained; now stop the hub.
	if s.cancelProcCtx != nil {
		s.cancelProcCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("state store close error", "error", err)
	}

	if err := s.auditor.Close(); err != nil {
		s.logger.Error("audit store close error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Package server wires the settler together and serves the ops HTTP surface
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

	"github.com/mbd888/xmrescrow/internal/archive"
	"github.com/mbd888/xmrescrow/internal/cache"
	"github.com/mbd888/xmrescrow/internal/circuitbreaker"
	"github.com/mbd888/xmrescrow/internal/config"
	"github.com/mbd888/xmrescrow/internal/health"
	"github.com/mbd888/xmrescrow/internal/lease"
	"github.com/mbd888/xmrescrow/internal/logging"
	"github.com/mbd888/xmrescrow/internal/metrics"
	"github.com/mbd888/xmrescrow/internal/notify"
	"github.com/mbd888/xmrescrow/internal/ratelimit"
	"github.com/mbd888/xmrescrow/internal/rediskv"
	"github.com/mbd888/xmrescrow/internal/sale"
	"github.com/mbd888/xmrescrow/internal/scheduler"
	"github.com/mbd888/xmrescrow/internal/security"
	"github.com/mbd888/xmrescrow/internal/traces"
	"github.com/mbd888/xmrescrow/internal/walletrpc"
	"github.com/mbd888/xmrescrow/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// WalletClient is the wallet RPC surface the settler needs.
type WalletClient interface {
	sale.Wallet
	IsConnected(ctx context.Context) bool
	Close()
}

// Server wraps the HTTP server, the settlement engine and its scheduler
type Server struct {
	cfg       *config.Config
	version   string
	wallet    WalletClient
	daemon    *walletrpc.Daemon // nil if DAEMON_RPC_URL is unset
	store     sale.Store
	notifier  sale.Notifier
	archiver  *archive.S3Archiver // nil if archiving is off
	redis     *rediskv.Client     // nil if using in-memory leases
	db        *sql.DB             // nil if using in-memory
	engine    *sale.Engine
	service   *sale.Service
	scheduler *scheduler.Scheduler
	health    *health.Registry
	router    *gin.Engine
	limiter   *ratelimit.Limiter
	httpSrv   *http.Server
	logger    *slog.Logger

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels the scheduler started in Run
	schedulerDone   chan struct{}
	drainDelay      time.Duration

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

// WithWallet sets a custom wallet (for testing)
func WithWallet(w WalletClient) Option {
	return func(s *Server) {
		s.wallet = w
	}
}

// WithStore sets a custom sale store (for testing)
func WithStore(store sale.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithNotifier sets a custom notifier (for testing)
func WithNotifier(n sale.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithVersion sets the build version reported by /health and traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
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

	// Apply options first (may set wallet/store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			// Test connection
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}
			if err := migrations.Up(ctx, db); err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}

			s.db = db
			s.store = sale.NewPostgresStore(db)
			s.health.Register("database", health.Ping("database", db.PingContext))
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = sale.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Leases and observations (Redis if REDIS_ADDR set, otherwise in-process)
	var (
		leases       sale.Leaser
		observations sale.ObservationCache
	)
	if cfg.Redis.Addr != "" {
		rc, err := rediskv.New(ctx, rediskv.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rc
		leases = rediskv.NewLeaser(rc)
		observations = rediskv.NewObservations(rc)
		s.health.Register("redis", health.Ping("redis", rc.Ping))
		s.logger.Info("using Redis leases", "addr", cfg.Redis.Addr)
	} else {
		leases = lease.NewMemory()
		observations = cache.NewObservations()
		s.logger.Info("using in-process leases (single instance only)")
	}

	// Wallet and daemon RPC
	breaker := circuitbreaker.New(5, 30*time.Second)
	if s.wallet == nil {
		w, err := walletrpc.DialWallet(ctx, cfg.WalletRPC(), walletrpc.WithBreaker(breaker))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to wallet: %w", err)
		}
		s.wallet = w
	}
	s.health.Register("wallet_rpc", health.Flag("wallet_rpc", "wallet RPC not answering", s.wallet.IsConnected))

	if cfg.Daemon.URL != "" {
		s.daemon = walletrpc.NewDaemon(cfg.DaemonRPC(), walletrpc.WithBreaker(breaker))
		s.health.Register("daemon_rpc", health.Flag("daemon_rpc", "daemon RPC not answering or not OK", s.daemon.IsConnected))
		s.checkNetType(ctx)
	}

	// Notices
	if s.notifier == nil {
		notifier, err := s.buildNotifier()
		if err != nil {
			return nil, err
		}
		s.notifier = notifier
	}

	settings := cfg.SaleSettings()
	if settings.PlatformFeePercent.IsPositive() && settings.PlatformPayoutAddress == "" {
		s.logger.Warn("no PLATFORM_PAYOUT_ADDRESS set, fees will be swept to the wallet's primary address")
	}

	s.engine = sale.NewEngine(s.store, s.wallet, leases, observations, s.notifier, settings, s.logger)
	s.service = sale.NewService(s.store, s.wallet, settings, s.logger)

	// Archive before delete
	if cfg.Archive.Bucket != "" {
		a, err := archive.New(ctx, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			Prefix:          cfg.Archive.Prefix,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create archiver: %w", err)
		}
		s.archiver = a
		s.engine.WithArchiver(a)
		s.health.Register("archive", health.Ping("archive", a.Health))
		s.logger.Info("sale archiving enabled", "bucket", cfg.Archive.Bucket)
	}

	if err := s.setupScheduler(); err != nil {
		return nil, err
	}

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

func (s *Server) buildNotifier() (sale.Notifier, error) {
	var primary notify.Sender
	if s.cfg.SMTP.Addr != "" {
		smtpSender, err := notify.NewSMTPSender(notify.SMTPConfig{
			Addr:     s.cfg.SMTP.Addr,
			User:     s.cfg.SMTP.User,
			Password: s.cfg.SMTP.Password,
			From:     s.cfg.SMTP.From,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure smtp: %w", err)
		}
		primary = smtpSender
		s.logger.Info("notices via SMTP", "addr", s.cfg.SMTP.Addr)
	} else {
		primary = notify.NewLogSender(s.logger)
		s.logger.Info("notices logged only (no SMTP_ADDR set)")
	}

	var mirrors []notify.Sender
	if s.cfg.NotifyWebhookURL != "" {
		mirrors = append(mirrors, notify.NewWebhookSender(s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret))
	}
	return notify.NewDispatcher(primary, s.logger, mirrors...), nil
}

// checkNetType warns when the daemon runs a different network than the one
// explorer links are built for.
func (s *Server) checkNetType(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	info, err := s.daemon.GetInfo(ctx)
	if err != nil {
		s.logger.Warn("daemon not reachable at startup", "error", err)
		return
	}
	if info.NetType != "" && info.NetType != s.cfg.NetType {
		s.logger.Warn("daemon network differs from NET_TYPE",
			"daemon", info.NetType, "configured", s.cfg.NetType)
	}
}

func (s *Server) setupScheduler() error {
	s.scheduler = scheduler.New(s.cfg.WorkerPoolSize, s.cfg.SchedulerJitter, s.logger)

	// The finalizer enforces its own cooldown; ticking hourly keeps it
	// close to the cooldown boundary.
	intervals := map[string]time.Duration{
		sale.WorkerPaymentMonitor:      s.cfg.PollInterval,
		sale.WorkerPayoutEngine:        s.cfg.PayoutInterval,
		sale.WorkerPlatformSweeper:     s.cfg.SweepInterval,
		sale.WorkerCancellationHandler: s.cfg.CancelInterval,
		sale.WorkerNotices:             s.cfg.NoticeInterval,
		sale.WorkerFinalizer:           min(time.Hour, s.cfg.FinalizeCooldown),
	}
	workers := s.engine.Workers()
	for _, name := range []string{
		sale.WorkerPaymentMonitor,
		sale.WorkerPayoutEngine,
		sale.WorkerPlatformSweeper,
		sale.WorkerCancellationHandler,
		sale.WorkerNotices,
		sale.WorkerFinalizer,
	} {
		if err := s.scheduler.Add(name, intervals[name], passJob(workers[name])); err != nil {
			return err
		}
		s.health.Register("scheduler:"+name, health.Flag("scheduler:"+name, "timer loop not running",
			func(context.Context) bool { return s.scheduler.Running(name) }))
	}
	return nil
}

func passJob(pass func(context.Context) (sale.PassResult, error)) scheduler.Func {
	return func(ctx context.Context) error {
		res, err := pass(ctx)
		if err != nil {
			return err
		}
		logging.L(ctx).Debug("pass finished",
			"scanned", res.Scanned, "advanced", res.Advanced,
			"deferred", res.Deferred, "failed", res.Failed)
		return nil
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

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Security headers
	s.router.Use(security.HeadersMiddleware())

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
		if id := c.Param("id"); id != "" {
			ctx = logging.WithSaleID(ctx, id)
		}
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
		case path == "/health" || path == "/metrics":
			// health checks are noisy
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

	s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	v1 := s.router.Group("/v1", s.limiter.Middleware())
	sale.NewHandler(s.service).RegisterRoutes(v1)
	v1.GET("/workers", s.listWorkersHandler)
	v1.POST("/workers/:name/run", s.runWorkerHandler)
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

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

// WorkerStatus is one entry of GET /v1/workers
type WorkerStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Busy    bool   `json:"busy"`
}

func (s *Server) listWorkersHandler(c *gin.Context) {
	names := s.scheduler.Jobs()
	workers := make([]WorkerStatus, len(names))
	for i, name := range names {
		workers[i] = WorkerStatus{
			Name:    name,
			Running: s.scheduler.Running(name),
			Busy:    s.scheduler.Busy(name),
		}
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers})
}

// runWorkerHandler handles POST /v1/workers/:name/run
func (s *Server) runWorkerHandler(c *gin.Context) {
	name := c.Param("name")
	start := time.Now()

	err := s.scheduler.RunOnce(c.Request.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown worker: " + name})
		return
	case errors.Is(err, scheduler.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "busy", "message": "Worker is already running"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "worker_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"worker":     name,
		"status":     "completed",
		"durationMs": time.Since(start).Milliseconds(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the scheduler and the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for the scheduler so Shutdown() can stop it.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // manual worker runs can be slow
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting ops server", "addr", s.cfg.HTTPAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
	}

	// Start settlement workers
	s.schedulerDone = make(chan struct{})
	go func() {
		defer close(s.schedulerDone)
		if err := s.scheduler.Run(runCtx); err != nil {
			s.logger.Error("scheduler stopped with error", "error", err)
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("settler ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop scheduling new passes; in-flight passes run to completion
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.schedulerDone != nil {
		select {
		case <-s.schedulerDone:
			s.logger.Info("scheduler stopped")
		case <-ctx.Done():
			s.logger.Error("scheduler did not stop in time, in-flight passes abandoned")
		}
	}

	s.limiter.Stop()

	// Close RPC connections
	s.wallet.Close()
	if s.daemon != nil {
		s.daemon.Close()
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

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
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

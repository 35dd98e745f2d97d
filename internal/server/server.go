// Package server wires the detection pipeline to its HTTP surface.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/tokensentry/internal/alerts"
	"github.com/mbd888/tokensentry/internal/assessments"
	"github.com/mbd888/tokensentry/internal/chain"
	"github.com/mbd888/tokensentry/internal/circuitbreaker"
	"github.com/mbd888/tokensentry/internal/config"
	"github.com/mbd888/tokensentry/internal/health"
	"github.com/mbd888/tokensentry/internal/indexer"
	"github.com/mbd888/tokensentry/internal/logging"
	"github.com/mbd888/tokensentry/internal/metrics"
	"github.com/mbd888/tokensentry/internal/monitor"
	"github.com/mbd888/tokensentry/internal/ratelimit"
	"github.com/mbd888/tokensentry/internal/realtime"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/scanner"
	"github.com/mbd888/tokensentry/internal/security"
	"github.com/mbd888/tokensentry/internal/signals"
	"github.com/mbd888/tokensentry/internal/validation"
	"github.com/mbd888/tokensentry/internal/webhooks"
)

const (
	defaultDrainDelay   = 5 * time.Second
	minHeadAge          = 2 * time.Minute
	upstreamFailures    = 5
	upstreamOpenTimeout = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server owns the scan pipeline, its sinks and the HTTP server.
type Server struct {
	cfg         *config.Config
	version     string
	reader      chain.Reader
	closeReader func()
	prices      signals.PriceFeed
	explorer    signals.Explorer
	breaker     *circuitbreaker.Breaker

	scanner      *scanner.Scanner
	monitor      *monitor.Monitor
	aggregator   *risk.Aggregator
	alerts       *alerts.Dispatcher
	hub          *realtime.Hub
	webhooks     *webhooks.Dispatcher
	webhookStore webhooks.Store
	assessments  assessments.Store
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc
	stopPipeline context.CancelFunc
	pipelineDone chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

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

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithReader replaces the RPC connection (for testing).
func WithReader(r chain.Reader) Option {
	return func(s *Server) {
		s.reader = r
	}
}

// WithPriceFeed replaces the Pyth Hermes client (for testing).
func WithPriceFeed(p signals.PriceFeed) Option {
	return func(s *Server) {
		s.prices = p
	}
}

// WithExplorer replaces the Blockscout client (for testing).
func WithExplorer(e signals.Explorer) Option {
	return func(s *Server) {
		s.explorer = e
	}
}

// WithDrainDelay sets how long Shutdown waits after failing readiness
// before it stops accepting work.
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
		drainDelay: defaultDrainDelay,
		health:     health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
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

		s.db = db
		s.assessments = assessments.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		if err := metrics.RegisterDB(db, "tokensentry"); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.assessments = assessments.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if err := s.initChain(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	if err := s.initPipeline(ctx); err != nil {
		s.closeStorage()
		if s.closeReader != nil {
			s.closeReader()
		}
		return nil, err
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

// initChain dials the RPC endpoint unless a reader was injected and checks
// the chain ID when one is configured.
func (s *Server) initChain(ctx context.Context) error {
	if s.reader != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	eth, err := chain.Dial(dialCtx, s.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to chain: %w", err)
	}
	if s.cfg.ChainID != 0 && eth.ChainID().Int64() != s.cfg.ChainID {
		eth.Close()
		return fmt.Errorf("chain ID mismatch: node reports %s, CHAIN_ID is %d", eth.ChainID(), s.cfg.ChainID)
	}

	s.reader = eth
	s.closeReader = eth.Close
	s.logger.Info("connected to chain", "chain_id", eth.ChainID().String())
	return nil
}

// initPipeline builds the scanner, the risk engine and the alert sinks.
func (s *Server) initPipeline(ctx context.Context) error {
	cfg := s.cfg

	index, err := indexer.New(s.reader, 0)
	if err != nil {
		return err
	}

	s.breaker = circuitbreaker.New(upstreamFailures, upstreamOpenTimeout)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("upstream circuit changed state", "upstream", key, "from", from.String(), "to", to.String())
	})
	if s.prices == nil {
		s.prices = signals.NewHermesClient(cfg.PythHermesURL, s.breaker)
	}
	if s.explorer == nil {
		s.explorer = signals.NewBlockscoutClient(cfg.BlockscoutURL, cfg.BlockscoutAPIKey, s.breaker)
	}

	weights, err := risk.LoadWeights(cfg.WeightsFile)
	if err != nil {
		return fmt.Errorf("failed to load weights: %w", err)
	}
	s.aggregator = risk.NewAggregator(weights, s.logger)

	providers := signals.Default(signals.Deps{
		Reader:    s.reader,
		Transfers: index,
		Prices:    s.prices,
		Explorer:  s.explorer,
		Config: signals.Config{
			Timeout:         cfg.ProviderTimeout,
			LiquidityWindow: cfg.LiquidityWindow,
			ActivityWindow:  cfg.ActivityWindow,
			Stablecoins:     cfg.Stablecoins(),
		},
	})
	for _, p := range providers {
		if err := s.aggregator.Register(p); err != nil {
			return fmt.Errorf("failed to register %s provider: %w", p.Factor(), err)
		}
	}

	scanCfg := scanner.DefaultConfig()
	scanCfg.PollInterval = cfg.PollInterval
	scanCfg.StartBlock = cfg.StartBlock
	scanCfg.MinBytecodeSize = cfg.MinBytecodeSize
	s.scanner = scanner.New(s.reader, scanCfg, s.logger)

	// Alert sinks
	s.hub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, nil, s.logger)
	for _, u := range cfg.AlertWebhookURLs {
		if err := s.webhookStore.Seed(ctx, webhooks.ConfiguredSubscription(u, cfg.WebhookSecret)); err != nil {
			return fmt.Errorf("failed to register alert webhook: %w", err)
		}
	}
	s.alerts = alerts.NewDispatcher(cfg.HighRiskThreshold, s.logger,
		alerts.NewLogSink(s.logger),
		assessments.NewRecorder(s.assessments, s.logger),
		s.hub,
		webhooks.NewNotifier(s.webhooks, s.logger),
	)
	s.monitor = monitor.New(s.aggregator, s.alerts, cfg.MaxConcurrentAssessments, s.logger)

	maxAge := 10 * cfg.PollInterval
	if maxAge < minHeadAge {
		maxAge = minHeadAge
	}
	s.health.Register("chain", health.ChainHead(s.reader, maxAge, time.Now))

	s.logger.Info("risk engine ready",
		"providers", len(providers),
		"high_risk_threshold", cfg.HighRiskThreshold,
		"alert_webhooks", len(cfg.AlertWebhookURLs),
	)
	return nil
}

func (s *Server) closeStorage() {
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
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
			// Probes and scrapes are too chatty for info.
			logger.Debug("request completed",
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())

	v1.GET("/status", s.statusHandler)
	v1.GET("/tokens/:address/assessments", validation.AddressParamMiddleware(), s.listAssessmentsHandler)

	hooks := webhooks.NewHandler(s.webhookStore)
	if s.cfg.IsProduction() {
		hooks.WithURLValidator(security.NewEndpointValidator(net.DefaultResolver).Validate)
	}
	hooks.RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the scan pipeline, then blocks until ctx
// is cancelled, a signal arrives or the HTTP server fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	// The pipeline stops admitting work before the hub and HTTP server go
	// away, so late assessments still reach their sinks.
	pipelineCtx, stopPipeline := context.WithCancel(runCtx)
	s.stopPipeline = stopPipeline

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if err := s.scanner.Start(pipelineCtx); err != nil {
		s.logger.Error("failed to start scanner", "error", err)
		_ = s.Shutdown()
		return fmt.Errorf("scanner: %w", err)
	}

	s.pipelineDone = make(chan struct{})
	go func() {
		defer close(s.pipelineDone)
		s.monitor.Run(pipelineCtx, s.scanner.Detections())
	}()

	s.ready.Store(true)
	s.logger.Info("server ready", logging.Block(s.scanner.LastBlock()))

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

// Shutdown stops the pipeline and the HTTP server. No assessment starts
// once Shutdown is called; in-flight assessments and their webhook
// deliveries finish before the HTTP server drains. Safe to call more than
// once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.stopPipeline != nil {
		s.stopPipeline()
	}
	s.scanner.Stop()
	if s.pipelineDone != nil {
		<-s.pipelineDone
		s.logger.Info("pipeline stopped", "assessed", s.monitor.Assessed())
	}
	s.webhooks.Wait()

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.closeReader != nil {
		s.closeReader()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Package server exposes the risk engine over HTTP: scoring, batch
// scoring, profile lookups, health, metrics and the WebSocket result feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/engine"
	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/health"
	"github.com/mbd888/riskengine/internal/idgen"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/ratelimit"
	"github.com/mbd888/riskengine/internal/realtime"
	"github.com/mbd888/riskengine/internal/security"
	"github.com/mbd888/riskengine/internal/validation"
)

// Version is reported by /health. Overridden at build time with
// -ldflags "-X github.com/mbd888/riskengine/internal/server.Version=...".
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Engine is the scoring surface the HTTP layer forwards to.
type Engine interface {
	Score(ctx context.Context, tx fraud.Transaction) (*fraud.ScoreResult, error)
	ScoreBatch(ctx context.Context, txs []fraud.Transaction) (*engine.BatchResult, error)
	UserProfile(ctx context.Context, userID string) (*engine.UserView, error)
	MerchantProfile(ctx context.Context, merchantID string) (*engine.MerchantView, error)
	Health(ctx context.Context) (bool, []health.Status)
}

// Server wraps the HTTP server and its dependencies
type Server struct {
	cfg         *config.Config
	engine      Engine
	hub         *realtime.Hub
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	rateLimiter *ratelimit.Limiter
	drainDelay  time.Duration

	healthy atomic.Bool
	ready   atomic.Bool

	cancelRunCtx context.CancelFunc
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHub serves the result feed from hub. The server runs the hub for
// the lifetime of Run.
func WithHub(hub *realtime.Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithDrainDelay sets how long Shutdown keeps serving after readiness
// drops so load balancers can stop routing traffic.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, eng Engine, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, errors.New("server: engine is required")
	}
	s := &Server{
		cfg:        cfg,
		engine:     eng,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	rl.BurstSize = s.cfg.RateLimitBurst
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (gateway, load balancer) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || validation.CheckID("request_id", requestID) != nil {
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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			// probes and scrapes
		default:
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

	v1 := s.router.Group("/v1")
	v1.POST("/transactions", s.scoreHandler)
	v1.POST("/transactions/batch", s.batchHandler)
	v1.GET("/users/:id/profile", validation.IDParamMiddleware("id"), s.userProfileHandler)
	v1.GET("/merchants/:id/profile", validation.IDParamMiddleware("id"), s.merchantProfileHandler)

	if s.hub != nil {
		v1.GET("/stream", func(c *gin.Context) {
			s.hub.HandleWebSocket(c.Writer, c.Request)
		})
		v1.GET("/stream/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.hub.Stats())
		})
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP until ctx ends or the listener fails, then shuts down
// gracefully.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.hub != nil {
		go s.hub.Run(runCtx)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	select {
	case err := <-errChan:
		cancel()
		s.rateLimiter.Stop()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if s.httpSrv != nil {
		if err = s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}

	// Stop the hub after in-flight requests so their results still fan out.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.logger.Info("server stopped")
	return err
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return idgen.WithPrefix("req_")
}

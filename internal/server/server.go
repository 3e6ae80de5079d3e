// Package server wires the portal facade: gin routes in front of the
// session, catalog, pricing, wallet, and payment components.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cloudsoft/glovendor/internal/auth"
	"github.com/cloudsoft/glovendor/internal/catalog"
	"github.com/cloudsoft/glovendor/internal/config"
	"github.com/cloudsoft/glovendor/internal/gateway"
	"github.com/cloudsoft/glovendor/internal/health"
	"github.com/cloudsoft/glovendor/internal/logging"
	"github.com/cloudsoft/glovendor/internal/metrics"
	"github.com/cloudsoft/glovendor/internal/payments"
	"github.com/cloudsoft/glovendor/internal/pricing"
	"github.com/cloudsoft/glovendor/internal/ratelimit"
	"github.com/cloudsoft/glovendor/internal/realtime"
	"github.com/cloudsoft/glovendor/internal/receipts"
	"github.com/cloudsoft/glovendor/internal/security"
	"github.com/cloudsoft/glovendor/internal/session"
	"github.com/cloudsoft/glovendor/internal/validation"
	"github.com/cloudsoft/glovendor/internal/wallet"
)

// Server wraps the HTTP server and portal dependencies
type Server struct {
	cfg          *config.Config
	sessions     *session.Context
	sessionStore session.Store
	gateway      *gateway.Client
	authMgr      *auth.Manager
	catalog      *catalog.Service
	pricing      *pricing.Engine
	wallet       *wallet.Service
	flow         *payments.Flow
	receipts     *receipts.Store
	hub          *realtime.Hub
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithSessionStore sets a custom session store (for testing)
func WithSessionStore(store session.Store) Option {
	return func(s *Server) {
		s.sessionStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Session store: Redis when configured, in-memory otherwise
	if s.sessionStore == nil {
		if cfg.RedisURL != "" {
			store, err := session.NewRedisStore(ctx, cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("failed to connect session store: %w", err)
			}
			s.sessionStore = store
			s.checks.Register("redis", health.PingChecker("redis", store))
			s.logger.Info("using redis session store")
		} else {
			s.sessionStore = session.NewMemoryStore()
			s.logger.Info("using in-memory session store (sessions will not survive restarts)")
		}
	}

	sessions, err := session.NewContext(ctx, s.sessionStore)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	s.sessions = sessions

	// Gateway client and the services behind it
	s.gateway = gateway.New(cfg.APIBaseURL, sessions, s.logger,
		gateway.WithTimeout(cfg.HTTPTimeout),
	)
	s.checks.Register("backend", health.BackendChecker(cfg.APIBaseURL))

	s.authMgr = auth.NewManager(s.gateway, sessions, s.logger)
	s.catalog = catalog.NewService(s.gateway, s.logger)
	s.pricing = pricing.NewEngine(s.gateway, s.logger,
		pricing.WithWarnThreshold(cfg.PriceWarningThreshold),
	)
	s.wallet = wallet.NewService(s.gateway, s.logger)
	s.receipts = receipts.NewStore()

	s.hub = realtime.NewHub(s.logger)
	s.flow = payments.NewFlow(s.gateway, sessions, s.receipts, s.logger,
		payments.WithNotifier(s.hub),
		payments.WithPollSchedule(cfg.VerifyPollSchedule),
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))

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
		// Preserve an upstream request ID when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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
	s.router.GET("/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for live wallet/pricing events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	portal := s.router.Group("/portal")

	// Auth (public)
	portal.POST("/auth/login", s.loginHandler)
	portal.POST("/auth/logout", s.logoutHandler)
	portal.GET("/auth/session", s.sessionHandler)

	// Everything below needs a logged-in principal
	authed := portal.Group("")
	authed.Use(s.requireSession())
	{
		// Catalog
		authed.GET("/plans", s.listPlansHandler)
		authed.POST("/plans/upload", s.requireRole(session.RoleAdmin, session.RoleSuperadmin), s.uploadPlansHandler)

		// Subvendor pricing
		authed.GET("/subvendors/:id/plans", s.subvendorPlansHandler)
		authed.POST("/subvendors/:id/margin", s.applyMarginHandler)
		authed.PATCH("/subvendor_plans/:id/price", s.setCustomPriceHandler)
		authed.GET("/subvendor_plans/:id/covendor-stats", s.coVendorStatsHandler)

		// Wallet
		authed.GET("/wallet/transactions", s.walletTransactionsHandler)

		// Payments
		authed.POST("/payments/initiate", s.initiatePaymentHandler)
		authed.GET("/payments/verify/:reference", s.verifyPaymentHandler)
		authed.GET("/payments/state", s.paymentStateHandler)

		// Receipts
		authed.GET("/receipts", s.listReceiptsHandler)
		authed.GET("/receipts/:reference", s.getReceiptHandler)
	}
}

// requireSession rejects requests without a logged-in principal.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.sessions.Principal().Authenticated() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "auth_required",
				"message": "Login required",
			})
			return
		}
		c.Next()
	}
}

// requireRole rejects principals outside the allowed roles.
func (s *Server) requireRole(roles ...session.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := s.sessions.Principal()
		for _, r := range roles {
			if p != nil && p.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "This operation is not available for your role",
		})
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy || !s.healthy.Load() {
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

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
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
			"backend", s.cfg.APIBaseURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

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

	// Cancel the context for background goroutines (hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
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

	// Close the session store connection if it holds one
	if closer, ok := s.sessionStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("session store close error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

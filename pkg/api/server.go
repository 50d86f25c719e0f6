package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ciserver/pkg/api/middleware"
	"ciserver/pkg/auth"
	"ciserver/pkg/executor"
	"ciserver/pkg/logger"
	"ciserver/pkg/resilience"
	"ciserver/pkg/storage"
)

// Engine is the part of the job engine the HTTP surface drives.
type Engine interface {
	Submit(ctx context.Context, id uuid.UUID, repoURL, branch string) (*executor.Handle, error)
	Cancel(id uuid.UUID) bool
	Lookup(id uuid.UUID) (*executor.Handle, bool)
	Running() []uuid.UUID
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	jobs      storage.JobStore
	users     storage.UserStore
	engine    Engine
	stream    storage.LogStream
	archive   storage.LogStore
	jwt       *auth.JWTService
	validator *middleware.Validator
	limiter   *middleware.RateLimiter
	checks    map[string]Pinger
	breakers  []*resilience.CircuitBreaker
}

// Config holds API server configuration. Stream and Archive are optional.
type Config struct {
	Port        string
	ServiceName string

	Jobs    storage.JobStore
	Users   storage.UserStore
	Engine  Engine
	Stream  storage.LogStream
	Archive storage.LogStore
	JWT     *auth.JWTService

	RateLimit middleware.RateLimiterConfig
	Checks    map[string]Pinger
	Breakers  []*resilience.CircuitBreaker
	Logger    *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ciserver"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}

	s := &Server{
		router:    gin.New(),
		log:       logger.Or(cfg.Logger).Named("api"),
		jobs:      cfg.Jobs,
		users:     cfg.Users,
		engine:    cfg.Engine,
		stream:    cfg.Stream,
		archive:   cfg.Archive,
		jwt:       cfg.JWT,
		validator: middleware.NewValidator(middleware.DefaultValidatorConfig()),
		limiter:   middleware.NewRateLimiter(cfg.RateLimit),
		checks:    cfg.Checks,
		breakers:  cfg.Breakers,
	}

	// Middleware stack (order matters)
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestIDMiddleware())
	s.router.Use(middleware.SecurityHeadersMiddleware())
	s.router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	s.router.Use(middleware.MetricsMiddleware())
	s.router.Use(s.requestLogger())
	s.router.Use(s.limiter.Middleware())
	s.router.Use(middleware.BodySizeLimitMiddleware(middleware.DefaultValidatorConfig().MaxBodySize))

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: log streams stay open for the life of a job.
	}

	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	api.Use(middleware.AuthMiddleware(middleware.AuthConfig{
		JWTService: s.jwt,
		SkipPaths:  []string{"/api/auth/register", "/api/auth/login"},
	}))
	{
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", s.register)
			authGroup.POST("/login", s.login)
			authGroup.GET("/me", s.me)
		}

		jobs := api.Group("/jobs")
		{
			jobs.POST("", s.createJob)
			jobs.GET("", s.listJobs)
			jobs.GET("/stats", s.jobStats)
			jobs.GET("/:id", s.getJob)
			jobs.DELETE("/:id", s.deleteJob)
			jobs.POST("/:id/cancel", s.cancelJob)
			jobs.POST("/:id/retry", s.retryJob)
			jobs.GET("/:id/logs", s.getJobLogs)
			jobs.GET("/:id/logs/stream", s.streamJobLogs)
			jobs.GET("/:id/logs/archive", s.getJobLogArchive)
		}
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
		)
	}
}

// healthCheck pings every registered dependency and reports breaker state.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string, len(s.checks))
	healthy := true
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			healthy = false
			continue
		}
		deps[name] = "ok"
	}

	breakers := make([]resilience.Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b.Snapshot())
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"breakers":     breakers,
		"running_jobs": len(s.engine.Running()),
		"timestamp":    time.Now().UTC(),
	})
}

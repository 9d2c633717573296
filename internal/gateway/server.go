package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/apigw/internal/observability"
	"github.com/vyrodovalexey/apigw/internal/ratelimit"
	"github.com/vyrodovalexey/apigw/internal/responsecache"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race
// conditions.
var ginModeOnce sync.Once

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address        string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxHeaderBytes int           `yaml:"maxHeaderBytes"`
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

// Server serves the gateway pipeline plus the admin and operational
// endpoints.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	pipeline   *Pipeline
	respCache  *responsecache.ResponseCache
	limiter    ratelimit.Limiter
	policies   map[string]ratelimit.Policy
	logger     observability.Logger
	config     *ServerConfig
}

// ServerOption is a functional option for the server.
type ServerOption func(*Server)

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerConfig overrides the listener configuration.
func WithServerConfig(cfg *ServerConfig) ServerOption {
	return func(s *Server) {
		if cfg != nil {
			s.config = cfg
		}
	}
}

// WithAdminResponseCache enables the cache invalidation admin endpoint.
func WithAdminResponseCache(rc *responsecache.ResponseCache) ServerOption {
	return func(s *Server) {
		s.respCache = rc
	}
}

// WithAdminRateLimiter enables the rate limit reset admin endpoint.
func WithAdminRateLimiter(limiter ratelimit.Limiter, policies map[string]ratelimit.Policy) ServerOption {
	return func(s *Server) {
		s.limiter = limiter
		s.policies = policies
	}
}

// NewServer creates the gateway HTTP server.
func NewServer(pipeline *Pipeline, opts ...ServerOption) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:   gin.New(),
		pipeline: pipeline,
		logger:   observability.NopLogger(),
		config:   DefaultServerConfig(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery(), RequestID(), Logging(s.logger))
	s.registerRoutes()

	return s
}

// Engine returns the underlying gin engine, for tests and embedding.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.engine.Group("/admin")
	admin.GET("/routes", s.handleListRoutes)
	admin.POST("/cache/invalidate", s.handleInvalidateCache)
	admin.POST("/ratelimit/reset", s.handleResetRateLimit)

	// Everything else is proxied through the pipeline.
	s.engine.NoRoute(s.handleProxy)
}

// handleProxy runs the pipeline and writes its terminal result.
func (s *Server) handleProxy(c *gin.Context) {
	result := s.pipeline.Process(c.Request.Context(), c.Request, c.ClientIP())

	for name, values := range result.Headers {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}

	if result.CacheStatus != "" {
		c.Header("X-Cache", result.CacheStatus)
	}

	if rl := result.RateLimit; rl != nil {
		c.Header("X-RateLimit-Limit", itoa(rl.Limit))
		c.Header("X-RateLimit-Remaining", itoa(rl.Remaining))
		c.Header("X-RateLimit-Reset", itoa64(rl.ResetAt.Unix()))
	}

	c.Data(result.StatusCode, c.Writer.Header().Get("Content-Type"), result.Body)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListRoutes(c *gin.Context) {
	routes, err := s.pipeline.resolver.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list routes"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"routes": routes})
}

type invalidateRequest struct {
	Pattern string `json:"pattern" binding:"required"`
}

func (s *Server) handleInvalidateCache(c *gin.Context) {
	if s.respCache == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "response cache disabled"})
		return
	}

	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern is required"})
		return
	}

	removed, err := s.respCache.Invalidate(c.Request.Context(), req.Pattern)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalidation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pattern": req.Pattern, "invalidated": removed})
}

type resetRequest struct {
	ClientKey string `json:"clientKey" binding:"required"`
	Tier      string `json:"tier" binding:"required"`
}

func (s *Server) handleResetRateLimit(c *gin.Context) {
	if s.limiter == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "rate limiting disabled"})
		return
	}

	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clientKey and tier are required"})
		return
	}

	policy, ok := s.policies[req.Tier]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tier"})
		return
	}

	if err := s.limiter.Reset(c.Request.Context(), req.ClientKey, policy); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"clientKey": req.ClientKey, "tier": req.Tier})
}

// Start serves until the context is cancelled, then drains with a
// bounded shutdown grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:           s.config.Address,
		Handler:        s.engine,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	s.logger.Info("gateway listening",
		observability.String("address", s.config.Address))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func itoa(v int) string {
	return strconv.Itoa(v)
}

func itoa64(v int64) string {
	return strconv.FormatInt(v, 10)
}

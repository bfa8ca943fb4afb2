package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/aescanero/dago-collab/pkg/ports"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CollaborationHub is the realtime side the HTTP routes expose
type CollaborationHub interface {
	HandleCollaboration(c *gin.Context)
	Presence(workflowID string) []domain.UserPresence
	Locks(workflowID string) []domain.NodeLock
	SaveState(ctx context.Context, workflowID string, state domain.WorkflowState) error
	Stats() (connections, sessions int)
}

// HealthChecker probes a dependency
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	router   *gin.Engine
	server   *http.Server
	hub      CollaborationHub
	health   HealthChecker
	verifier ports.TokenVerifier
	access   ports.AccessChecker
	logger   *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port           int
	Hub            CollaborationHub
	Health         HealthChecker
	Verifier       ports.TokenVerifier
	Access         ports.AccessChecker
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:   router,
		hub:      cfg.Hub,
		health:   cfg.Health,
		verifier: cfg.Verifier,
		access:   cfg.Access,
		logger:   cfg.Logger,
	}

	s.setupRoutes(cfg.MetricsHandler)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(metrics http.Handler) {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}

	// Realtime collaboration
	s.router.GET("/ws/collaboration/:workflow_id", s.hub.HandleCollaboration)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		workflows := v1.Group("/workflows/:id", authMiddleware(s.verifier, s.access, s.logger))
		workflows.GET("/presence", s.handlePresence)
		workflows.GET("/locks", s.handleLocks)
		workflows.PUT("/state", s.handleSaveState)
	}
}

// Handler returns the root handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server. Hijacked WebSocket connections
// are not tracked by net/http and must be closed by the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}

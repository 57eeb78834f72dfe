package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/backstage/eventcore/config"
	"example.com/backstage/eventcore/internal/outbox"
)

const defaultFailedLimit = 50

// OutboxAdmin is the operator view of the outbox
type OutboxAdmin interface {
	ListFailed(ctx context.Context, limit int) ([]outbox.Entry, error)
	Retry(ctx context.Context, id uuid.UUID) error
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server is the worker's admin HTTP server
type Server struct {
	address    string
	router     *gin.Engine
	httpServer *http.Server
	outbox     OutboxAdmin
	health     HealthCheck
}

// NewServer creates a new admin server
func NewServer(cfg config.AdminConfig, admin OutboxAdmin, health HealthCheck) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	s := &Server{
		address: cfg.Address,
		outbox:  admin,
		health:  health,
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware())

	router.GET("/health", s.handleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/outbox/failed", s.handleListFailed)
		v1.POST("/outbox/failed/:id/retry", s.handleRetry)
	}
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// entryResponse is the JSON view of a failed outbox entry
type entryResponse struct {
	ID         string            `json:"id"`
	Stream     string            `json:"stream"`
	Target     string            `json:"target"`
	RoutingKey string            `json:"routing_key"`
	Headers    map[string]string `json:"headers,omitempty"`
	Payload    string            `json:"payload"`
	CreatedAt  time.Time         `json:"created_at"`
	FailedAt   *time.Time        `json:"failed_at,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Attempts   int               `json:"attempts"`
}

func toResponse(e outbox.Entry) entryResponse {
	return entryResponse{
		ID:         e.ID.String(),
		Stream:     e.Stream.String(),
		Target:     e.Target,
		RoutingKey: e.RoutingKey,
		Headers:    e.Headers,
		Payload:    string(e.Payload),
		CreatedAt:  e.CreatedAt,
		FailedAt:   e.FailedAt,
		LastError:  e.LastError,
		Attempts:   e.Attempts,
	}
}

func (s *Server) handleListFailed(c *gin.Context) {
	limit := defaultFailedLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := s.outbox.ListFailed(c.Request.Context(), limit)
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("Failed to list failed outbox entries")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list entries"})
		return
	}

	result := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		result = append(result, toResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{"entries": result, "count": len(result)})
}

func (s *Server) handleRetry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}

	logger := zerolog.Ctx(c.Request.Context()).With().Str("entry_id", id.String()).Logger()
	if err := s.outbox.Retry(c.Request.Context(), id); err != nil {
		if errors.Is(err, outbox.ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no failed entry with this id"})
			return
		}
		logger.Error().Err(err).Msg("Failed to retry outbox entry")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry entry"})
		return
	}

	logger.Info().Msg("Outbox entry re-queued")
	c.JSON(http.StatusAccepted, gin.H{"id": id.String(), "status": "requeued"})
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	log.Info().Str("address", s.address).Msg("Starting admin server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down admin server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}
	return nil
}

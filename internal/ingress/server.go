// Package ingress serves the HTTP surface that accepts normalized tracker events.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/ship-commander/sessiond/internal/events"
	"github.com/ship-commander/sessiond/internal/session"
)

const (
	// DefaultMaxBodyBytes bounds an inbound event payload.
	DefaultMaxBodyBytes = 1 << 20

	readHeaderTimeout = 10 * time.Second
)

// Dispatcher accepts inbound events and reports executing sessions.
type Dispatcher interface {
	Dispatch(ctx context.Context, event session.InboundEvent) error
	ActiveSessions() []session.ActiveSession
}

// Config configures the ingress server.
type Config struct {
	Addr string
	// Metrics is served at /metrics when set.
	Metrics      http.Handler
	Logger       *log.Logger
	MaxBodyBytes int64
	// Publisher receives an EventRejected event for every payload that fails to decode.
	Publisher events.Publisher
}

// APIResponse is the JSON envelope for every endpoint except /metrics.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server is the gin-backed HTTP server.
type Server struct {
	dispatcher Dispatcher
	engine     *gin.Engine
	httpServer *http.Server
	logger     *log.Logger
	publisher  events.Publisher
	maxBody    int64
}

// New builds the router. It does not start listening.
func New(dispatcher Dispatcher, cfg Config) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Discard
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		dispatcher: dispatcher,
		engine:     engine,
		logger:     logger,
		publisher:  publisher,
		maxBody:    maxBody,
	}
	engine.POST("/events", s.postEvent)
	engine.GET("/sessions", s.listSessions)
	engine.GET("/healthz", s.health)
	if cfg.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	s.httpServer = &http.Server{
		Addr:              strings.TrimSpace(cfg.Addr),
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("ingress listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve ingress on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) postEvent(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
	event, err := session.DecodeEvent(body)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.logger.Warn("dropping inbound event", "status", status, "err", err)
		s.publisher.Publish(events.SessionEvent(events.EventTypeEventRejected, "", events.SeverityWarn, err.Error()))
		c.JSON(status, APIResponse{Error: err.Error()})
		return
	}

	switch err := s.dispatcher.Dispatch(c.Request.Context(), event); {
	case err == nil:
		c.JSON(http.StatusAccepted, APIResponse{
			Success: true,
			Data:    gin.H{"session_id": event.SessionID, "trigger": event.Trigger},
		})
	case errors.Is(err, session.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, APIResponse{Error: err.Error()})
	case errors.Is(err, session.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, APIResponse{Error: err.Error()})
	default:
		s.logger.Error("dispatch inbound event", "session_id", event.SessionID, "err", err)
		c.JSON(http.StatusInternalServerError, APIResponse{Error: "dispatch failed"})
	}
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: s.dispatcher.ActiveSessions()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    gin.H{"status": "ok", "active_sessions": len(s.dispatcher.ActiveSessions())},
	})
}

func requestLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
}

// Package api is the thin ingress surface: the GitHub webhook, execution
// submission/cancellation, watcher CRUD, and dashboard reads. Everything it
// does is enqueue messages or read persisted rows; domain logic stays in
// the agents.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/bus"
	"github.com/qa-toolchain/testflow/pkg/database"
	"github.com/qa-toolchain/testflow/pkg/metrics"
	"github.com/qa-toolchain/testflow/pkg/store"
)

// MessageBus is the slice of the bus the API uses. *bus.Bus satisfies it.
type MessageBus interface {
	Send(ctx context.Context, msg *bus.Message) error
	Stats(ctx context.Context) (*bus.Stats, error)
	Audit(ctx context.Context, limit int64) ([]bus.AuditEntry, error)
}

// AgentRegistry exposes agent runtimes for the dashboard.
// *dispatch.Dispatcher satisfies it.
type AgentRegistry interface {
	Agents() []*agent.Runtime
}

// Config controls the HTTP listener and webhook validation.
type Config struct {
	Port          string
	WebhookSecret string
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	bus     MessageBus
	stores  *store.Stores
	db      *database.Client
	agents  AgentRegistry
	metrics *metrics.Metrics
	log     *slog.Logger

	httpSrv *http.Server
}

// NewServer builds the API server. db, agents, and m may be nil in tests.
func NewServer(cfg Config, mb MessageBus, stores *store.Stores, db *database.Client, agents AgentRegistry, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		bus:     mb,
		stores:  stores,
		db:      db,
		agents:  agents,
		metrics: m,
		log:     log.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(s.metricsHandler()))

	api := r.Group("/api")
	{
		api.POST("/webhook/github", s.handleWebhook)

		api.POST("/executions", s.submitExecution)
		api.POST("/executions/:id/cancel", s.cancelExecution)
		api.GET("/executions", s.listExecutions)

		api.POST("/optimizations/recent", s.optimizeRecent)

		api.GET("/reports", s.listReports)
		api.GET("/recommendations", s.listRecommendations)
		api.GET("/logs", s.searchLogs)

		api.GET("/watchers", s.listWatchers)
		api.POST("/watchers", s.createWatcher)
		api.PATCH("/watchers/:id", s.updateWatcher)
		api.DELETE("/watchers/:id", s.deleteWatcher)

		api.GET("/dashboard", s.dashboard)
		api.GET("/audit", s.audit)
	}
	return r
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", "error", err)
		}
	}()
	s.log.Info("HTTP server listening", "port", s.cfg.Port)
	return nil
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics != nil {
		return promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{"status": "healthy"}
	status := http.StatusOK

	if s.db != nil {
		dbHealth := s.db.Health(ctx)
		body["database"] = dbHealth
		if !dbHealth.Healthy {
			body["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	if s.bus != nil {
		if _, err := s.bus.Stats(ctx); err != nil {
			body["status"] = "unhealthy"
			body["bus"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	c.JSON(status, body)
}

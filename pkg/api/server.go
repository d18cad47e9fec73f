// Package api exposes the HTTP surface: session and store management,
// message submission, WebSocket and SSE event delivery, health, and
// metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/helmsman-project/helmsman/pkg/config"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/llm"
	"github.com/helmsman-project/helmsman/pkg/metrics"
	"github.com/helmsman-project/helmsman/pkg/orchestrator"
	"github.com/helmsman-project/helmsman/pkg/retrieval"
	"github.com/helmsman-project/helmsman/pkg/scheduler"
	"github.com/helmsman-project/helmsman/pkg/store"
)

// Server wires the HTTP handlers to the engine components.
type Server struct {
	cfg       *config.Config
	sessions  store.SessionStore
	history   events.History
	bus       *events.Bus
	manager   *orchestrator.Manager
	sched     *scheduler.Scheduler
	gateway   *llm.Gateway
	stores    *retrieval.Registry
	retrieval *retrieval.Service
	ws        *events.ConnectionManager
}

// NewServer creates the API server.
func NewServer(
	cfg *config.Config,
	sessions store.SessionStore,
	history events.History,
	bus *events.Bus,
	manager *orchestrator.Manager,
	sched *scheduler.Scheduler,
	gateway *llm.Gateway,
	stores *retrieval.Registry,
	svc *retrieval.Service,
) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		history:   history,
		bus:       bus,
		manager:   manager,
		sched:     sched,
		gateway:   gateway,
		stores:    stores,
		retrieval: svc,
		ws:        events.NewConnectionManager(bus, history, manager, cfg.Events.CatchupLimit, 10*time.Second),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", s.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/sessions", s.CreateSession)
		apiGroup.GET("/sessions", s.ListSessions)
		apiGroup.GET("/sessions/:id", s.GetSession)
		apiGroup.DELETE("/sessions/:id", s.DeleteSession)
		apiGroup.GET("/sessions/:id/events", s.ListSessionEvents)
		apiGroup.GET("/sessions/:id/usage", s.SessionUsage)
		apiGroup.POST("/sessions/:id/messages", s.PostMessage)
		apiGroup.POST("/sessions/:id/interrupt", s.InterruptSession)
		apiGroup.GET("/sessions/:id/ws", s.SessionWebSocket)
		apiGroup.GET("/sessions/:id/stream", s.SessionStream)

		apiGroup.GET("/tasks/:id", s.GetTask)
		apiGroup.GET("/tasks/:id/messages", s.GetTaskMessages)
		apiGroup.GET("/agents", s.ListAgents)

		apiGroup.POST("/stores", s.CreateStore)
		apiGroup.GET("/stores", s.ListStores)
		apiGroup.DELETE("/stores/:name", s.DeleteStore)
		apiGroup.POST("/stores/:name/documents", s.AddDocuments)
		apiGroup.POST("/stores/query", s.QueryStores)
	}

	return router
}

// requestLogger logs completed requests through slog, matching the rest of
// the process's log output.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// Health reports process liveness plus scheduler, gateway, and store state.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"scheduler":      s.sched.Health(),
		"llm":            s.gateway.Usage(),
		"stores":         len(s.stores.List()),
		"ws_connections": s.ws.ActiveConnections(),
	})
}

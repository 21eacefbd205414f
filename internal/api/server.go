package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vallit/flowexec/internal/engine"
	"github.com/vallit/flowexec/internal/metrics"
	"github.com/vallit/flowexec/internal/service"
	"github.com/vallit/flowexec/internal/streaming"
)

// UserHeader names the caller. Authentication happens in front of this server.
const UserHeader = "X-User-ID"

// Deps holds the dependencies for the API server.
type Deps struct {
	Workflows *service.Workflows
	// Executor is only consulted for health reporting.
	Executor engine.Executor
	// Hub enables live event streams. Without it the events endpoints serve
	// the stored log only.
	Hub     streaming.EventHub
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server serves the JSON API.
type Server struct {
	deps    Deps
	started time.Time
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "api")
	return &Server{deps: deps, started: time.Now()}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := r.Group("/api/v1", requireUser())
	{
		v1.POST("/workflows", s.handleCreateWorkflow)
		v1.POST("/workflows/validate", s.handleValidateWorkflow)
		v1.GET("/workflows", s.handleListWorkflows)
		v1.GET("/workflows/:id", s.handleGetWorkflow)
		v1.PUT("/workflows/:id", s.handleUpdateWorkflow)
		v1.DELETE("/workflows/:id", s.handleDeleteWorkflow)
		v1.PATCH("/workflows/:id/status", s.handleSetWorkflowStatus)
		v1.POST("/workflows/:id/execute", s.handleExecuteWorkflow)
		v1.GET("/workflows/:id/stats", s.handleWorkflowStats)
		v1.GET("/workflows/:id/diagram", s.handleWorkflowDiagram)
		v1.POST("/workflows/:id/schedules", s.handleCreateSchedule)
		v1.GET("/workflows/:id/schedules", s.handleListSchedules)

		v1.DELETE("/schedules/:id", s.handleDeleteSchedule)

		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)
		v1.GET("/runs/:id/events", s.handleRunEvents)

		v1.GET("/events", s.handleEventStream)
	}
	return r
}

// requestLogger logs one line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.deps.Logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"user_id", c.GetHeader(UserHeader),
		)
	}
}

// requireUser rejects requests that do not name a user.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(UserHeader) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetHeader(UserHeader)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Executor != nil {
		body["active_runs"] = s.deps.Executor.ActiveRuns()
	}
	c.JSON(http.StatusOK, body)
}

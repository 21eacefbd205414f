package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/internal/streaming"
	"github.com/vallit/flowexec/pkg/schema"
)

// handleRunEvents returns a run's stored event log, or streams its live
// events when the client asks for text/event-stream.
func (s *Server) handleRunEvents(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("id")
	user := userID(c)

	if wantsStream(c) {
		run, err := s.deps.Workflows.Run(ctx, runID, user)
		if err != nil {
			s.writeError(c, err)
			return
		}
		s.serveSSE(c, streaming.EventFilter{RunID: runID, UserID: user}, run)
		return
	}

	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	events, err := s.deps.Workflows.RunEvents(ctx, runID, user, since)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if events == nil {
		events = []*store.RunEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleEventStream streams every live event of the caller's runs,
// optionally narrowed to one workflow.
func (s *Server) handleEventStream(c *gin.Context) {
	filter := streaming.EventFilter{
		UserID:     userID(c),
		WorkflowID: c.Query("workflow_id"),
	}
	if types := c.Query("types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}
	s.serveSSE(c, filter, nil)
}

func wantsStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream") || c.Query("stream") == "true"
}

// serveSSE forwards hub events matching filter until the client leaves. When
// run is given, the stream also ends once that run reaches a terminal event.
func (s *Server) serveSSE(c *gin.Context, filter streaming.EventFilter, run *store.Run) {
	if s.deps.Hub == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "live events are disabled"})
		return
	}
	ctx := c.Request.Context()

	ch, cancel, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if run != nil {
		// The run may have finished between the lookup and the subscription.
		latest, err := s.deps.Workflows.Run(ctx, run.ID, run.UserID)
		if err == nil && latest.Status.Terminal() {
			c.SSEvent("end", gin.H{"run_id": run.ID, "status": latest.Status})
			c.Writer.Flush()
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(event.EventType, event)
			c.Writer.Flush()
			if run != nil && isRunEnd(event.EventType) {
				return
			}
		}
	}
}

func isRunEnd(eventType string) bool {
	switch eventType {
	case schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled:
		return true
	}
	return false
}

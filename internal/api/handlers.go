package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vallit/flowexec/internal/diagram"
	"github.com/vallit/flowexec/internal/engine"
	"github.com/vallit/flowexec/internal/service"
	"github.com/vallit/flowexec/internal/store"
	"github.com/vallit/flowexec/pkg/schema"
)

type createWorkflowRequest struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Status      schema.WorkflowStatus     `json:"status"`
	Definition  schema.WorkflowDefinition `json:"definition"`
}

func (s *Server) handleCreateWorkflow(c *gin.Context) {
	var body createWorkflowRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}

	out, err := s.deps.Workflows.Define(c.Request.Context(), service.DefineRequest{
		UserID:      userID(c),
		Name:        body.Name,
		Description: body.Description,
		Status:      body.Status,
		Definition:  body.Definition,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *Server) handleValidateWorkflow(c *gin.Context) {
	var body struct {
		Definition schema.WorkflowDefinition `json:"definition"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}

	result := s.deps.Workflows.Validate(&body.Definition)
	c.JSON(http.StatusOK, gin.H{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	workflows, err := s.deps.Workflows.List(c.Request.Context(), userID(c),
		schema.WorkflowStatus(c.Query("status")), queryInt(c, "limit", 0), queryInt(c, "offset", 0))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if workflows == nil {
		workflows = []*store.Workflow{}
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(c *gin.Context) {
	wf, err := s.deps.Workflows.Get(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf})
}

// handleUpdateWorkflow edits name, description, status or definition.
// Omitted fields are left as they are.
func (s *Server) handleUpdateWorkflow(c *gin.Context) {
	var body service.UpdateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}

	out, err := s.deps.Workflows.Update(c.Request.Context(), c.Param("id"), userID(c), body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeleteWorkflow(c *gin.Context) {
	if err := s.deps.Workflows.Delete(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetWorkflowStatus(c *gin.Context) {
	var body struct {
		Status schema.WorkflowStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}

	wf, err := s.deps.Workflows.SetStatus(c.Request.Context(), c.Param("id"), userID(c), body.Status)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": wf})
}

// handleExecuteWorkflow runs a workflow synchronously and returns its
// envelope. A failed run is still a 200; the envelope says success:false.
func (s *Server) handleExecuteWorkflow(c *gin.Context) {
	var body struct {
		InputData map[string]any `json:"input_data"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid JSON: "+err.Error())
			return
		}
	}

	ctx := engine.WithTrigger(c.Request.Context(), store.TriggerAPI)
	res, err := s.deps.Workflows.Execute(ctx, c.Param("id"), userID(c), body.InputData)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleWorkflowStats(c *gin.Context) {
	stats, err := s.deps.Workflows.Stats(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleWorkflowDiagram renders the step graph as mermaid (default), ascii or
// png. ?run_id= overlays what that run did.
func (s *Server) handleWorkflowDiagram(c *gin.Context) {
	format := c.DefaultQuery("format", "mermaid")
	if format != "mermaid" && format != "ascii" && format != "png" {
		badRequest(c, "format must be mermaid, ascii or png")
		return
	}
	model, err := s.deps.Workflows.Diagram(c.Request.Context(), c.Param("id"), userID(c), c.Query("run_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	switch format {
	case "ascii":
		c.String(http.StatusOK, diagram.RenderASCII(model))
	case "png":
		png, err := diagram.RenderImage(c.Request.Context(), model)
		if err != nil {
			s.deps.Logger.Error("render diagram", "workflow_id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "render failed"})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	default:
		c.String(http.StatusOK, diagram.RenderMermaid(model))
	}
}

func (s *Server) handleCreateSchedule(c *gin.Context) {
	var body service.ScheduleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if body.CronExpression == "" {
		badRequest(c, "cron_expression is required")
		return
	}

	job, err := s.deps.Workflows.ScheduleWorkflow(c.Request.Context(), c.Param("id"), userID(c), body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"schedule": job})
}

func (s *Server) handleListSchedules(c *gin.Context) {
	jobs, err := s.deps.Workflows.Schedules(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*store.ScheduledJob{}
	}
	c.JSON(http.StatusOK, gin.H{"schedules": jobs})
}

func (s *Server) handleDeleteSchedule(c *gin.Context) {
	if err := s.deps.Workflows.Unschedule(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.deps.Workflows.Runs(c.Request.Context(), store.RunFilter{
		UserID:     userID(c),
		WorkflowID: c.Query("workflow_id"),
		Status:     schema.RunStatus(c.Query("status")),
		Limit:      queryInt(c, "limit", store.DefaultRunLimit),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.deps.Workflows.Run(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")
	if err := s.deps.Workflows.Cancel(c.Request.Context(), runID, userID(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "run_id": runID})
}

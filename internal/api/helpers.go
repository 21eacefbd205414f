package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vallit/flowexec/pkg/schema"
)

// httpStatus maps an error code to the HTTP status reported for it.
func httpStatus(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeNoEntryStep,
		schema.ErrCodeUnknownStepType, schema.ErrCodeUnresolvedBranchTarget:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeWorkflowNotActive:
		return http.StatusConflict
	case schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response. FlowErrors keep their code and
// details; anything else is an opaque internal error.
func (s *Server) writeError(c *gin.Context, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		s.deps.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": fe.Message, "code": fe.Code}
	if len(fe.Details) > 0 {
		body["details"] = fe.Details
	}
	status := httpStatus(fe.Code)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.Error("request failed", "path", c.FullPath(), "code", fe.Code, "error", err)
	}
	c.JSON(status, body)
}

// badRequest reports a malformed request body or parameter.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": schema.ErrCodeValidation})
}

// queryInt extracts an integer query param with a default value.
func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

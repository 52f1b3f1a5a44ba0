package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/qa-toolchain/testflow/pkg/bus"
)

// SubmitExecutionRequest is the body for POST /api/executions.
type SubmitExecutionRequest struct {
	TestFilePath string `json:"testFilePath,omitempty"`
	Grep         string `json:"grep,omitempty"`
	Priority     string `json:"priority,omitempty"`
}

// submitExecution enqueues an EXECUTION_REQUEST and returns the generated
// execution id so the caller can poll or cancel it.
func (s *Server) submitExecution(c *gin.Context) {
	var req SubmitExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	executionID := uuid.New().String()
	msg := bus.NewMessage(bus.AgentIdentity{Type: "api"}, "executor",
		bus.KindExecutionRequest, bus.ExecutionRequest{
			ExecutionID:  executionID,
			TestFilePath: req.TestFilePath,
			Grep:         req.Grep,
		})
	if p := bus.Priority(req.Priority); p == bus.PriorityHigh || p == bus.PriorityCritical {
		msg.WithPriority(p)
	}

	if err := s.bus.Send(c.Request.Context(), msg); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bus unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"executionId": executionID, "messageId": msg.ID})
}

// cancelExecution enqueues an advisory EXECUTION_CANCEL at critical
// priority so it overtakes queued execution requests.
func (s *Server) cancelExecution(c *gin.Context) {
	executionID := c.Param("id")
	if executionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing execution id"})
		return
	}

	msg := bus.NewMessage(bus.AgentIdentity{Type: "api"}, "executor",
		bus.KindExecutionCancel, bus.ExecutionCancel{ExecutionID: executionID}).
		WithPriority(bus.PriorityCritical)

	if err := s.bus.Send(c.Request.Context(), msg); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bus unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"executionId": executionID, "status": "cancel requested"})
}

// OptimizeRecentRequest is the body for POST /api/optimizations/recent.
type OptimizeRecentRequest struct {
	Limit int `json:"limit,omitempty"`
}

// optimizeRecent enqueues an OPTIMIZE_RECENT sweep: the Optimizer re-drives
// recently failed executions through the rerun pipeline.
func (s *Server) optimizeRecent(c *gin.Context) {
	var req OptimizeRecentRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg := bus.NewMessage(bus.AgentIdentity{Type: "api"}, "optimizer",
		bus.KindOptimizeRecent, bus.OptimizeRecent{Limit: req.Limit})

	if err := s.bus.Send(c.Request.Context(), msg); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bus unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "sweep queued", "messageId": msg.ID})
}

func (s *Server) listExecutions(c *gin.Context) {
	rows, err := s.stores.ExecutionReports.ListRecent(c.Request.Context(), limitParam(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": rows})
}

func limitParam(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}

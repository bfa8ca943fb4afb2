package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth reports the store status and live counts
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	overall := "healthy"
	store := "ok"
	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			overall = "degraded"
			store = err.Error()
		}
	}

	connections, sessions := s.hub.Stats()
	c.JSON(status, gin.H{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": gin.H{
			"store": store,
		},
		"connections": connections,
		"sessions":    sessions,
	})
}

// handlePresence lists the users present in a workflow
func (s *Server) handlePresence(c *gin.Context) {
	workflowID := c.Param("id")
	users := s.hub.Presence(workflowID)

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": workflowID,
		"users":       users,
		"total":       len(users),
	})
}

// handleLocks lists the live locks of a workflow
func (s *Server) handleLocks(c *gin.Context) {
	workflowID := c.Param("id")
	locks := s.hub.Locks(workflowID)

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": workflowID,
		"locks":       locks,
		"total":       len(locks),
	})
}

// handleSaveState overwrites the workflow graph and resyncs connected users
func (s *Server) handleSaveState(c *gin.Context) {
	workflowID := c.Param("id")

	var state domain.WorkflowState
	if err := c.ShouldBindJSON(&state); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	err := s.hub.SaveState(c.Request.Context(), workflowID, state)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"workflow_id": workflowID,
			"status":      "saved",
		})
	case errors.Is(err, domain.ErrInvalidDocument):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_DOCUMENT",
				Message: err.Error(),
			},
		})
	case errors.Is(err, domain.ErrWorkflowNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_FOUND",
				Message: "Workflow not found",
			},
		})
	default:
		s.logger.Error("failed to save workflow state",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: ErrorDetail{
				Code:    "SAVE_FAILED",
				Message: "Workflow store unavailable",
			},
		})
	}
}

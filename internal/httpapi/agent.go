package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/apperrors"
)

type runAgentRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

func (s *Server) handleAgentRun(c *gin.Context) {
	var req runAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	id := c.Param("id")
	sess, err := s.sessions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if sess.ContainerID == "" {
		writeError(c, apperrors.New(apperrors.CodePrecondition, "session has no running container"))
		return
	}

	// Detached from the request context: a client disconnect must not cancel
	// an agent turn that is already running inside the session container.
	go func() {
		if err := s.runner.RunAgent(context.Background(), id, sess.ContainerID, req.Prompt); err != nil {
			s.logger.WithSessionID(id).Warn("agent run failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) handleAgentInterrupt(c *gin.Context) {
	interrupted, err := s.runner.Interrupt(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interrupted": interrupted})
}

func (s *Server) handleAgentIsRunning(c *gin.Context) {
	running := s.runner.IsRunning(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"running": running})
}

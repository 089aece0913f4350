package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brendanlong/burrow-runtime/internal/sessions"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

// sessionResponse is the wire shape for a Session, decoupled from the
// store's internal field layout.
type sessionResponse struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	RepoOwner       string `json:"repo_owner"`
	RepoName        string `json:"repo_name"`
	Branch          string `json:"branch"`
	Status          string `json:"status"`
	ContainerID     string `json:"container_id,omitempty"`
	WorkspaceVolume string `json:"workspace_volume,omitempty"`
}

func toSessionResponse(s *store.Session) sessionResponse {
	return sessionResponse{
		ID:              s.ID,
		DisplayName:     s.DisplayName,
		RepoOwner:       s.RepoOwner,
		RepoName:        s.RepoName,
		Branch:          s.Branch,
		Status:          string(s.Status),
		ContainerID:     s.ContainerID,
		WorkspaceVolume: s.WorkspaceVolume,
	}
}

type createSessionRequest struct {
	DisplayName   string `json:"display_name"`
	Owner         string `json:"owner" binding:"required"`
	Repo          string `json:"repo" binding:"required"`
	Branch        string `json:"branch"`
	InitialPrompt string `json:"initial_prompt"`
	Token         string `json:"token"`
}

func (s *Server) handleSessionsCreate(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	created, err := s.sessions.Create(c.Request.Context(), sessions.CreateRequest{
		DisplayName:   req.DisplayName,
		Owner:         req.Owner,
		Repo:          req.Repo,
		Branch:        req.Branch,
		InitialPrompt: req.InitialPrompt,
		Token:         req.Token,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(created))
}

func (s *Server) handleSessionsList(c *gin.Context) {
	list, err := s.sessions.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, sess := range list {
		out = append(out, toSessionResponse(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleSessionsGet(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleSessionsStart(c *gin.Context) {
	sess, err := s.sessions.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleSessionsStop(c *gin.Context) {
	sess, err := s.sessions.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleSessionsDelete(c *gin.Context) {
	if err := s.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSessionsSyncStatus(c *gin.Context) {
	sess, err := s.sessions.SyncStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

type messageResponse struct {
	ID       string `json:"id"`
	Sequence int64  `json:"sequence"`
	Type     string `json:"type"`
	Content  string `json:"content"`
}

func (s *Server) handleMessagesList(c *gin.Context) {
	msgs, err := s.messages.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{ID: m.ID, Sequence: m.Sequence, Type: string(m.Type), Content: m.Content})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

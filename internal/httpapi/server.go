// Package httpapi is the minimal HTTP/SSE facade that binds the RPC surface
// named in the external interfaces (sessions.*, agent.run/interrupt/
// isRunning, sse.onSessionUpdate/onNewMessage/onAgentRunning) to the core
// packages. It is intentionally thin: one gin.HandlerFunc per operation
// that binds/validates the request shape and delegates, nothing more.
// Grounded on the teacher's internal/agent/docker/handlers.go style: thin
// handlers, gin.H{"error": ...} bodies, context propagation via
// c.Request.Context().
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/authsession"
	"github.com/brendanlong/burrow-runtime/internal/common/httpmw"
	"github.com/brendanlong/burrow-runtime/internal/eventbus"
	"github.com/brendanlong/burrow-runtime/internal/logger"
	"github.com/brendanlong/burrow-runtime/internal/sessions"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

// sessionService is the slice of sessions.Manager the facade needs,
// narrowed so tests can substitute a fake without a live database or
// container engine.
type sessionService interface {
	Create(ctx context.Context, req sessions.CreateRequest) (*store.Session, error)
	Get(ctx context.Context, id string) (*store.Session, error)
	List(ctx context.Context) ([]*store.Session, error)
	Start(ctx context.Context, id string) (*store.Session, error)
	Stop(ctx context.Context, id string) (*store.Session, error)
	Delete(ctx context.Context, id string) error
	SyncStatus(ctx context.Context, id string) (*store.Session, error)
}

// agentService is the slice of agentrunner.Runner the facade needs.
type agentService interface {
	RunAgent(ctx context.Context, sessionID, containerID, prompt string) error
	Interrupt(ctx context.Context, sessionID string) (bool, error)
	IsRunning(sessionID string) bool
}

// messageLister is the slice of store.MessageRepository the facade needs.
type messageLister interface {
	ListBySession(ctx context.Context, sessionID string) ([]*store.Message, error)
}

// Server is the HTTP facade over the session manager, agent runner, and
// event bus.
type Server struct {
	sessions sessionService
	runner   agentService
	messages messageLister
	bus      eventbus.Bus
	authMgr  *authsession.Manager
	logger   *logger.Logger
	router   *gin.Engine
}

// New constructs a Server and registers its routes. authMgr may be nil to
// disable bearer-token enforcement (e.g. local development behind a
// trusted proxy).
func New(sessionMgr sessionService, runner agentService, messages messageLister, bus eventbus.Bus, authMgr *authsession.Manager, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		sessions: sessionMgr,
		runner:   runner,
		messages: messages,
		bus:      bus,
		authMgr:  authMgr,
		logger:   log.WithFields(zap.String("component", "httpapi")),
		router:   gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "httpapi"))
	s.router.Use(httpmw.OtelTracing("httpapi"))

	s.setupRoutes()
	return s
}

// Router returns the underlying http.Handler, for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api/v1")
	api.Use(bearerAuth(s.authMgr))
	{
		sessionsGroup := api.Group("/sessions")
		sessionsGroup.POST("", s.handleSessionsCreate)
		sessionsGroup.GET("", s.handleSessionsList)
		sessionsGroup.GET("/:id", s.handleSessionsGet)
		sessionsGroup.POST("/:id/start", s.handleSessionsStart)
		sessionsGroup.POST("/:id/stop", s.handleSessionsStop)
		sessionsGroup.DELETE("/:id", s.handleSessionsDelete)
		sessionsGroup.POST("/:id/sync-status", s.handleSessionsSyncStatus)
		sessionsGroup.GET("/:id/messages", s.handleMessagesList)

		sessionsGroup.POST("/:id/agent/run", s.handleAgentRun)
		sessionsGroup.POST("/:id/agent/interrupt", s.handleAgentInterrupt)
		sessionsGroup.GET("/:id/agent/running", s.handleAgentIsRunning)

		sessionsGroup.GET("/:id/events/session", s.handleSSESessionUpdate)
		sessionsGroup.GET("/:id/events/messages", s.handleSSENewMessage)
		sessionsGroup.GET("/:id/events/agent", s.handleSSEAgentRunning)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

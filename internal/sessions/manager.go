// Package sessions is the session lifecycle manager: the state machine and
// CRUD surface that coordinates the workspace provisioner and the
// container engine for create/start/stop/delete.
package sessions

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/apperrors"
	"github.com/brendanlong/burrow-runtime/internal/common/constants"
	"github.com/brendanlong/burrow-runtime/internal/config"
	"github.com/brendanlong/burrow-runtime/internal/containerengine"
	"github.com/brendanlong/burrow-runtime/internal/eventbus"
	"github.com/brendanlong/burrow-runtime/internal/logger"
	"github.com/brendanlong/burrow-runtime/internal/store"
	"github.com/brendanlong/burrow-runtime/internal/workspace"
)

// sessionRepo is the slice of store.SessionRepository the manager needs,
// narrowed so tests can substitute a fake without a live database.
type sessionRepo interface {
	Create(ctx context.Context, s *store.Session) error
	Get(ctx context.Context, id string) (*store.Session, error)
	List(ctx context.Context) ([]*store.Session, error)
	UpdateStatus(ctx context.Context, id string, status store.SessionStatus) error
	UpdateStatusAndContainer(ctx context.Context, id string, status store.SessionStatus, containerID string) error
	Delete(ctx context.Context, id string) error
}

// workspaceProvisioner is the slice of workspace.Provisioner the manager
// needs.
type workspaceProvisioner interface {
	Clone(ctx context.Context, req workspace.CloneRequest) (*workspace.CloneResult, error)
	Delete(ctx context.Context, sessionID string)
}

// CreateRequest describes a new session.
type CreateRequest struct {
	DisplayName   string
	Owner         string
	Repo          string
	Branch        string
	InitialPrompt string
	Token         string // optional clone credential, never persisted
}

// Manager implements C4 against the session store, the workspace
// provisioner, and the container engine.
type Manager struct {
	sessions  sessionRepo
	workspace workspaceProvisioner
	engine    containerengine.Engine
	engineCfg config.EngineConfig
	namespace string
	bus       eventbus.Bus
	logger    *logger.Logger
}

// New constructs a Manager.
func New(sessions *store.SessionRepository, ws *workspace.Provisioner, eng containerengine.Engine, engineCfg config.EngineConfig, namespace string, bus eventbus.Bus, log *logger.Logger) *Manager {
	return &Manager{
		sessions:  sessions,
		workspace: ws,
		engine:    eng,
		engineCfg: engineCfg,
		namespace: namespace,
		bus:       bus,
		logger:    log.WithFields(zap.String("component", "sessions")),
	}
}

// emitUpdate publishes a session-updated event on the session's subject so
// any open onSessionUpdate subscription sees the new status without
// polling. A nil bus (as in tests that build a Manager struct literal
// directly) is a silent no-op.
func (m *Manager) emitUpdate(sessionID string, status store.SessionStatus) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), "session:"+sessionID, eventbus.NewEvent("session-updated", sessionID, map[string]interface{}{
		"status": string(status),
	}))
}

// Create provisions a new session end to end: persist in `creating`, clone
// the workspace, create and start the container, then persist `running` —
// or move to `error` and leave the partial effects for the reconciler to
// clean up. This is not transactional across the external clone/container
// effects; a failure partway through can leave a volume or container
// behind that the row's `error` status no longer references.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Session, error) {
	s := &store.Session{
		ID:            uuid.New().String(),
		DisplayName:   req.DisplayName,
		RepoOwner:     req.Owner,
		RepoName:      req.Repo,
		Branch:        req.Branch,
		InitialPrompt: req.InitialPrompt,
		Status:        store.SessionCreating,
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "persist session", err)
	}
	log := m.logger.WithSessionID(s.ID)
	log.Info("session created", zap.String("status", string(s.Status)))

	cloneResult, err := m.workspace.Clone(ctx, workspace.CloneRequest{
		SessionID: s.ID,
		Owner:     req.Owner,
		Repo:      req.Repo,
		Branch:    req.Branch,
		Token:     req.Token,
	})
	if err != nil {
		m.toError(ctx, log, s.ID, "workspace clone", err)
		return m.sessions.Get(ctx, s.ID)
	}
	s.WorkspaceVolume = cloneResult.VolumeName

	containerID, err := m.startContainer(ctx, s)
	if err != nil {
		m.toError(ctx, log, s.ID, "container start", err)
		return m.sessions.Get(ctx, s.ID)
	}
	s.ContainerID = containerID

	if err := m.sessions.UpdateStatusAndContainer(ctx, s.ID, store.SessionRunning, containerID); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "persist running status", err)
	}
	log.Info("session transitioned", zap.String("from", string(store.SessionCreating)), zap.String("to", string(store.SessionRunning)))

	s.Status = store.SessionRunning
	m.emitUpdate(s.ID, s.Status)
	return s, nil
}

func (m *Manager) startContainer(ctx context.Context, s *store.Session) (string, error) {
	containerID, err := m.engine.CreateContainer(ctx, containerengine.Config{
		Name:       s.ContainerName(m.namespace),
		Image:      m.engineCfg.Image,
		WorkingDir: "/workspace/" + s.RepoName,
		Env:        []string{"BURROW_SESSION_ID=" + s.ID},
		Mounts: []containerengine.Mount{
			{Source: s.WorkspaceVolume, Target: "/workspace", Volume: true},
		},
		NetworkMode: m.engineCfg.DefaultNetwork,
		Labels: map[string]string{
			"burrow.session-id": s.ID,
			"burrow.namespace":  m.namespace,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := m.engine.StartContainer(ctx, containerID); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return containerID, nil
}

func (m *Manager) toError(ctx context.Context, log *logger.Logger, sessionID, stage string, cause error) {
	log.Error("session creation failed, moving to error", zap.String("stage", stage), zap.Error(cause))
	if err := m.sessions.UpdateStatus(ctx, sessionID, store.SessionError); err != nil {
		log.Error("failed to persist error status", zap.Error(err))
		return
	}
	m.emitUpdate(sessionID, store.SessionError)
}

// Get fetches a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	s, err := m.sessions.Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.New(apperrors.CodeNotFound, "session not found")
		}
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "load session", err)
	}
	return s, nil
}

// List returns every session.
func (m *Manager) List(ctx context.Context) ([]*store.Session, error) {
	return m.sessions.List(ctx)
}

// Start re-uses the stored volume and (re)creates/starts the container if
// needed.
func (m *Manager) Start(ctx context.Context, id string) (*store.Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == store.SessionRunning {
		return s, nil
	}

	containerID, err := m.startContainer(ctx, s)
	if err != nil {
		m.toError(ctx, m.logger.WithSessionID(id), id, "container start", err)
		return m.Get(ctx, id)
	}

	if err := m.sessions.UpdateStatusAndContainer(ctx, id, store.SessionRunning, containerID); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "persist running status", err)
	}
	m.logger.WithSessionID(id).Info("session transitioned", zap.String("from", string(s.Status)), zap.String("to", string(store.SessionRunning)))
	s.Status = store.SessionRunning
	s.ContainerID = containerID
	m.emitUpdate(id, s.Status)
	return s, nil
}

// Stop signals the container engine but does not tear down the volume.
func (m *Manager) Stop(ctx context.Context, id string) (*store.Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.ContainerID != "" {
		if err := m.engine.StopContainer(ctx, s.ContainerID, constants.ContainerStopTimeout); err != nil {
			m.logger.WithSessionID(id).Warn("stop container failed, continuing", zap.Error(err))
		}
	}
	if err := m.sessions.UpdateStatus(ctx, id, store.SessionStopped); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "persist stopped status", err)
	}
	m.logger.WithSessionID(id).Info("session transitioned", zap.String("from", string(s.Status)), zap.String("to", string(store.SessionStopped)))
	s.Status = store.SessionStopped
	m.emitUpdate(id, s.Status)
	return s, nil
}

// Delete tears down the container, the workspace volume, and cascades
// message rows.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.ContainerID != "" {
		if err := m.engine.RemoveContainer(ctx, s.ContainerID, true); err != nil {
			m.logger.WithSessionID(id).Warn("remove container failed, continuing", zap.Error(err))
		}
	}
	m.workspace.Delete(ctx, id)

	if err := m.sessions.Delete(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.CodeEngineFailure, "delete session row", err)
	}
	m.logger.WithSessionID(id).Info("session deleted")
	return nil
}

// SyncStatus reports whether the session's container is actually running
// right now, reconciling status on read without waiting for the
// background reconciler.
func (m *Manager) SyncStatus(ctx context.Context, id string) (*store.Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.ContainerID == "" {
		return s, nil
	}

	info, err := m.engine.GetContainerInfo(ctx, s.ContainerID)
	if err != nil {
		return s, nil // engine-failure here is not the caller's problem; stale status is tolerable
	}

	observedRunning := info.State == "running"
	wantRunning := s.Status == store.SessionRunning
	if observedRunning == wantRunning {
		return s, nil
	}

	newStatus := store.SessionStopped
	if observedRunning {
		newStatus = store.SessionRunning
	}
	if err := m.sessions.UpdateStatus(ctx, id, newStatus); err != nil {
		return s, nil
	}
	m.logger.WithSessionID(id).Info("session status synced", zap.String("from", string(s.Status)), zap.String("to", string(newStatus)))
	s.Status = newStatus
	m.emitUpdate(id, s.Status)
	return s, nil
}

// Package reconciler is the background convergence loop: it reads the
// session store and the container engine's own view of the world and
// corrects any drift between them, so a crash or a container removed by
// hand outside the runtime doesn't leave a session stuck in a status that
// no longer describes reality. Grounded on the teacher's lifecycle
// manager's startup health-check-then-recover sequence, generalized from a
// one-shot startup action into a sweep that also repeats on a ticker.
package reconciler

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/agentrunner"
	"github.com/brendanlong/burrow-runtime/internal/containerengine"
	"github.com/brendanlong/burrow-runtime/internal/logger"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

// sessionRepo is the slice of store.SessionRepository the reconciler needs.
type sessionRepo interface {
	List(ctx context.Context) ([]*store.Session, error)
	UpdateStatus(ctx context.Context, id string, status store.SessionStatus) error
	UpdateStatusAndContainer(ctx context.Context, id string, status store.SessionStatus, containerID string) error
}

// executionRepo is the slice of store.ExecutionRepository the reconciler
// needs for the orphan-AgentExecution startup pass.
type executionRepo interface {
	ListAll(ctx context.Context) ([]*store.AgentExecution, error)
	Delete(ctx context.Context, sessionID string) error
}

// runner is the slice of *agentrunner.Runner the reconciler needs to bring
// an orphaned execution row back under in-memory tracking.
type runner interface {
	Reconnect(ctx context.Context, row *store.AgentExecution) (agentrunner.ReconnectResult, error)
}

// Reconciler drives the sessions-vs-containers convergence sweep and the
// startup orphan-execution reconnect pass.
type Reconciler struct {
	sessions   sessionRepo
	executions executionRepo
	engine     containerengine.Engine
	runner     runner
	namespace  string
	logger     *logger.Logger
}

// New constructs a Reconciler.
func New(sessions *store.SessionRepository, executions *store.ExecutionRepository, engine containerengine.Engine, agentRunner runner, namespace string, log *logger.Logger) *Reconciler {
	return &Reconciler{
		sessions:   sessions,
		executions: executions,
		engine:     engine,
		runner:     agentRunner,
		namespace:  namespace,
		logger:     log.WithFields(zap.String("component", "reconciler")),
	}
}

// Start runs the orphan-execution reconnect pass once, then the
// sessions/containers sweep immediately and again every interval until ctx
// is cancelled. The initial sweep runs synchronously so callers can be
// sure the runtime's view of the world is consistent before serving
// traffic; subsequent sweeps run on a background goroutine.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	r.reconcileOrphanExecutions(ctx)
	r.Sweep(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one full sessions→containers pass followed by the orphan
// container cleanup pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	sessions, err := r.sessions.List(ctx)
	if err != nil {
		r.logger.Error("failed to list sessions for reconciliation", zap.Error(err))
		return
	}

	containers, err := r.engine.ListContainers(ctx, map[string]string{"burrow.namespace": r.namespace})
	if err != nil {
		r.logger.Error("failed to list session containers for reconciliation", zap.Error(err))
		return
	}

	prefix := r.namespace + "-session-"
	byID := make(map[string]containerengine.Info, len(containers))
	for _, c := range containers {
		if sid, ok := strings.CutPrefix(c.Name, prefix); ok {
			byID[sid] = c
		}
	}

	known := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		known[s.ID] = true
		if s.Status == store.SessionCreating {
			continue // still being provisioned, nothing to compare yet
		}
		r.reconcileSession(ctx, s, byID)
	}

	for sid, c := range byID {
		if known[sid] {
			continue
		}
		log := r.logger.WithSessionID(sid)
		if err := r.engine.RemoveContainer(ctx, c.ID, true); err != nil {
			log.Error("failed to force-remove orphan container", zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		log.Info("removed orphan container with no matching session", zap.String("container_id", c.ID))
	}
}

// reconcileSession applies the observed/stored status transition table to
// one non-creating session. Errors are logged and swallowed so one bad
// record never stops the rest of the sweep.
func (r *Reconciler) reconcileSession(ctx context.Context, s *store.Session, byID map[string]containerengine.Info) {
	if s.ContainerID == "" {
		return // no container has ever been assigned, nothing to reconcile
	}
	log := r.logger.WithSessionID(s.ID)

	info, found := byID[s.ID]
	observedRunning := found && info.State == "running"
	containerChanged := found && info.ID != s.ContainerID

	switch {
	case s.Status == store.SessionRunning && observedRunning:
		if containerChanged {
			if err := r.sessions.UpdateStatusAndContainer(ctx, s.ID, store.SessionRunning, info.ID); err != nil {
				log.Error("failed to update recreated container id", zap.Error(err))
				return
			}
			log.Info("updated session to a recreated but still-running container", zap.String("container_id", info.ID))
		}

	case s.Status == store.SessionRunning && !observedRunning:
		if err := r.sessions.UpdateStatus(ctx, s.ID, store.SessionStopped); err != nil {
			log.Error("failed to mark session stopped during reconciliation", zap.Error(err))
			return
		}
		log.Info("marked session stopped: container is not running")

	case s.Status == store.SessionStopped && observedRunning:
		if err := r.sessions.UpdateStatusAndContainer(ctx, s.ID, store.SessionRunning, info.ID); err != nil {
			log.Error("failed to mark session running during reconciliation", zap.Error(err))
			return
		}
		log.Info("marked session running: container is running", zap.String("container_id", info.ID))

	case s.Status == store.SessionStopped && !observedRunning:
		if containerChanged {
			if err := r.sessions.UpdateStatusAndContainer(ctx, s.ID, store.SessionStopped, info.ID); err != nil {
				log.Error("failed to update stopped session's container id", zap.Error(err))
			}
		}

	default:
		// SessionError: no defined transition; left for an operator to
		// resolve, covered only by the orphan-container pass above.
	}
}

// reconcileOrphanExecutions reconnects every AgentExecution row found with
// no corresponding in-memory tracker entry, invoked once at startup before
// the service accepts traffic.
func (r *Reconciler) reconcileOrphanExecutions(ctx context.Context) {
	rows, err := r.executions.ListAll(ctx)
	if err != nil {
		r.logger.Error("failed to list agent executions for startup recovery", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	r.logger.Info("reconnecting orphaned agent executions", zap.Int("count", len(rows)))
	for _, row := range rows {
		log := r.logger.WithSessionID(row.SessionID)
		result, err := r.runner.Reconnect(ctx, row)
		if err != nil {
			log.Error("failed to reconnect orphaned execution", zap.Error(err))
			continue
		}
		if result.Reconnected {
			log.Info("reconnected running execution", zap.Bool("still_running", result.StillRunning))
		}
	}
}

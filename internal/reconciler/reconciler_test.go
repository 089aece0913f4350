package reconciler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendanlong/burrow-runtime/internal/agentrunner"
	"github.com/brendanlong/burrow-runtime/internal/containerengine"
	"github.com/brendanlong/burrow-runtime/internal/logger"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

type fakeSessionRepo struct {
	sessions map[string]*store.Session
}

func newFakeSessionRepo(sessions ...*store.Session) *fakeSessionRepo {
	f := &fakeSessionRepo{sessions: make(map[string]*store.Session)}
	for _, s := range sessions {
		cp := *s
		f.sessions[s.ID] = &cp
	}
	return f
}

func (f *fakeSessionRepo) List(ctx context.Context) ([]*store.Session, error) {
	out := make([]*store.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSessionRepo) UpdateStatus(ctx context.Context, id string, status store.SessionStatus) error {
	s, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = status
	return nil
}

func (f *fakeSessionRepo) UpdateStatusAndContainer(ctx context.Context, id string, status store.SessionStatus, containerID string) error {
	s, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = status
	s.ContainerID = containerID
	return nil
}

type fakeExecutionRepo struct {
	rows    []*store.AgentExecution
	deleted []string
}

func (f *fakeExecutionRepo) ListAll(ctx context.Context) ([]*store.AgentExecution, error) {
	return f.rows, nil
}

func (f *fakeExecutionRepo) Delete(ctx context.Context, sessionID string) error {
	f.deleted = append(f.deleted, sessionID)
	return nil
}

type fakeRunner struct {
	results map[string]agentrunner.ReconnectResult
	calls   []string
}

func (f *fakeRunner) Reconnect(ctx context.Context, row *store.AgentExecution) (agentrunner.ReconnectResult, error) {
	f.calls = append(f.calls, row.SessionID)
	return f.results[row.SessionID], nil
}

type fakeEngine struct {
	containerengine.Engine
	containers []containerengine.Info
	removed    []string
}

func (f *fakeEngine) ListContainers(ctx context.Context, labels map[string]string) ([]containerengine.Info, error) {
	return f.containers, nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestReconciler(t *testing.T, sessions *fakeSessionRepo, executions *fakeExecutionRepo, engine *fakeEngine, r *fakeRunner) *Reconciler {
	return &Reconciler{
		sessions:   sessions,
		executions: executions,
		engine:     engine,
		runner:     r,
		namespace:  "burrow",
		logger:     testLogger(t),
	}
}

func TestSweep_RunningSessionWithStoppedContainer_TransitionsToStopped(t *testing.T) {
	s := &store.Session{ID: "sess-1", Status: store.SessionRunning, ContainerID: "c-old"}
	sessions := newFakeSessionRepo(s)
	engine := &fakeEngine{containers: []containerengine.Info{
		{ID: "c-old", Name: "burrow-session-sess-1", State: "exited"},
	}}
	rec := newTestReconciler(t, sessions, &fakeExecutionRepo{}, engine, &fakeRunner{})

	rec.Sweep(context.Background())

	assert.Equal(t, store.SessionStopped, sessions.sessions["sess-1"].Status)
}

func TestSweep_StoppedSessionWithRunningContainer_TransitionsToRunning(t *testing.T) {
	s := &store.Session{ID: "sess-1", Status: store.SessionStopped, ContainerID: "c-old"}
	sessions := newFakeSessionRepo(s)
	engine := &fakeEngine{containers: []containerengine.Info{
		{ID: "c-new", Name: "burrow-session-sess-1", State: "running"},
	}}
	rec := newTestReconciler(t, sessions, &fakeExecutionRepo{}, engine, &fakeRunner{})

	rec.Sweep(context.Background())

	got := sessions.sessions["sess-1"]
	assert.Equal(t, store.SessionRunning, got.Status)
	assert.Equal(t, "c-new", got.ContainerID)
}

func TestSweep_RunningSessionRunningContainerDifferentID_UpdatesContainerIDOnly(t *testing.T) {
	s := &store.Session{ID: "sess-1", Status: store.SessionRunning, ContainerID: "c-old"}
	sessions := newFakeSessionRepo(s)
	engine := &fakeEngine{containers: []containerengine.Info{
		{ID: "c-new", Name: "burrow-session-sess-1", State: "running"},
	}}
	rec := newTestReconciler(t, sessions, &fakeExecutionRepo{}, engine, &fakeRunner{})

	rec.Sweep(context.Background())

	got := sessions.sessions["sess-1"]
	assert.Equal(t, store.SessionRunning, got.Status)
	assert.Equal(t, "c-new", got.ContainerID)
}

func TestSweep_StoppedSessionNoContainer_Unchanged(t *testing.T) {
	s := &store.Session{ID: "sess-1", Status: store.SessionStopped, ContainerID: "c-old"}
	sessions := newFakeSessionRepo(s)
	engine := &fakeEngine{}
	rec := newTestReconciler(t, sessions, &fakeExecutionRepo{}, engine, &fakeRunner{})

	rec.Sweep(context.Background())

	got := sessions.sessions["sess-1"]
	assert.Equal(t, store.SessionStopped, got.Status)
	assert.Equal(t, "c-old", got.ContainerID)
}

func TestSweep_CreatingSessionIsNeverTouched(t *testing.T) {
	s := &store.Session{ID: "sess-1", Status: store.SessionCreating, ContainerID: ""}
	sessions := newFakeSessionRepo(s)
	engine := &fakeEngine{}
	rec := newTestReconciler(t, sessions, &fakeExecutionRepo{}, engine, &fakeRunner{})

	rec.Sweep(context.Background())

	assert.Equal(t, store.SessionCreating, sessions.sessions["sess-1"].Status)
}

func TestSweep_OrphanContainerWithNoMatchingSession_IsForceRemoved(t *testing.T) {
	sessions := newFakeSessionRepo() // no sessions at all
	engine := &fakeEngine{containers: []containerengine.Info{
		{ID: "c-orphan", Name: "burrow-session-ghost", State: "running"},
	}}
	rec := newTestReconciler(t, sessions, &fakeExecutionRepo{}, engine, &fakeRunner{})

	rec.Sweep(context.Background())

	require.Len(t, engine.removed, 1)
	assert.Equal(t, "c-orphan", engine.removed[0])
}

func TestSweep_ContainerNotMatchingPrefix_Ignored(t *testing.T) {
	sessions := newFakeSessionRepo()
	engine := &fakeEngine{containers: []containerengine.Info{
		{ID: "c-other", Name: "unrelated-container", State: "running"},
	}}
	rec := newTestReconciler(t, sessions, &fakeExecutionRepo{}, engine, &fakeRunner{})

	rec.Sweep(context.Background())

	assert.Empty(t, engine.removed)
}

func TestReconcileOrphanExecutions_ReconnectsEveryRow(t *testing.T) {
	executions := &fakeExecutionRepo{rows: []*store.AgentExecution{
		{SessionID: "sess-1", ContainerID: "c-1", ExecID: "exec-1"},
		{SessionID: "sess-2", ContainerID: "c-2", ExecID: "exec-2"},
	}}
	r := &fakeRunner{results: map[string]agentrunner.ReconnectResult{
		"sess-1": {Reconnected: true, StillRunning: true},
	}}
	rec := newTestReconciler(t, newFakeSessionRepo(), executions, &fakeEngine{}, r)

	rec.reconcileOrphanExecutions(context.Background())

	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, r.calls)
}

func TestReconcileOrphanExecutions_NoRows_RunnerNotCalled(t *testing.T) {
	executions := &fakeExecutionRepo{}
	r := &fakeRunner{}
	rec := newTestReconciler(t, newFakeSessionRepo(), executions, &fakeEngine{}, r)

	rec.reconcileOrphanExecutions(context.Background())

	assert.Empty(t, r.calls)
}

package agentrunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendanlong/burrow-runtime/internal/containerengine"
	"github.com/brendanlong/burrow-runtime/internal/exectracker"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

func TestReconnect_AlreadyTrackedIsANoop(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	r := newTestRunner(t, &fakeRunnerEngine{}, messages, executions)
	require.NoError(t, r.tracker.Start(&exectracker.Execution{ID: "s1", SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1"}))

	result, err := r.Reconnect(context.Background(), &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1"})
	require.NoError(t, err)
	assert.False(t, result.Reconnected)
	assert.False(t, result.StillRunning)
}

func TestReconnect_ContainerGoneCatchesUpAndDeletesRow(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	eng := &fakeRunnerEngine{containerInfo: &containerengine.Info{State: "exited"}, readFileData: []byte(`{"type":"user","id":"m-1"}` + "\n")}
	r := newTestRunner(t, eng, messages, executions)
	require.NoError(t, executions.Upsert(context.Background(), &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1", OutputFile: "/tmp/out.jsonl"}))

	result, err := r.Reconnect(context.Background(), &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1", OutputFile: "/tmp/out.jsonl"})
	require.NoError(t, err)
	assert.False(t, result.Reconnected)
	assert.False(t, result.StillRunning)
	_, getErr := executions.Get(context.Background(), "s1")
	assert.ErrorIs(t, getErr, store.ErrNotFound)
}

func TestReconnect_StillRunningResumesTracking(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	eng := &fakeRunnerEngine{
		containerInfo: &containerengine.Info{State: "running"},
		execStatus:    &containerengine.ExecStatus{Running: true},
		readFileErr:   assert.AnError, // consumeReconnected's catch-up should tolerate this
	}
	r := newTestRunner(t, eng, messages, executions)

	row := &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1", OutputFile: "/tmp/out.jsonl", PID: 100}
	result, err := r.Reconnect(context.Background(), row)
	require.NoError(t, err)
	assert.True(t, result.Reconnected)
	assert.True(t, result.StillRunning)

	_, tracked := r.tracker.GetBySession("s1")
	assert.True(t, tracked)

	r.tracker.Remove("s1")
}

func TestReconnect_ExecIDGoneFallsBackToProcessDiscovery(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	eng := &fakeRunnerEngine{
		containerInfo: &containerengine.Info{State: "running"},
		execStatusErr: assert.AnError,
		procs:         []containerengine.Process{{PID: 999, Command: "/usr/bin/claude"}},
		readFileErr:   assert.AnError,
	}
	r := newTestRunner(t, eng, messages, executions)
	require.NoError(t, executions.Upsert(context.Background(), &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1", OutputFile: "/tmp/out.jsonl"}))

	row := &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1", OutputFile: "/tmp/out.jsonl"}
	result, err := r.Reconnect(context.Background(), row)
	require.NoError(t, err)
	assert.True(t, result.Reconnected)

	updated, getErr := executions.Get(context.Background(), "s1")
	require.NoError(t, getErr)
	assert.Equal(t, 999, updated.PID)

	r.tracker.Remove("s1")
}

func TestReconnect_FinishedBeforeRestartSynthesizesSystemError(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	eng := &fakeRunnerEngine{
		containerInfo: &containerengine.Info{State: "running"},
		execStatus:    &containerengine.ExecStatus{Running: false, ExitCode: 1},
		readFileErr:   assert.AnError,
	}
	r := newTestRunner(t, eng, messages, executions)
	require.NoError(t, executions.Upsert(context.Background(), &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1", OutputFile: "/tmp/out.jsonl"}))

	row := &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1", OutputFile: "/tmp/out.jsonl"}
	result, err := r.Reconnect(context.Background(), row)
	require.NoError(t, err)
	assert.False(t, result.Reconnected)
	_, getErr := executions.Get(context.Background(), "s1")
	assert.ErrorIs(t, getErr, store.ErrNotFound)
}

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

func TestInterrupt_NoActiveExecutionReturnsFalse(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	r := newTestRunner(t, &fakeRunnerEngine{}, messages, executions)

	interrupted, err := r.Interrupt(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, interrupted)
}

func TestInterrupt_SignalsTrackedPID(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	eng := &fakeRunnerEngine{}
	r := newTestRunner(t, eng, messages, executions)

	require.NoError(t, r.tracker.Start(&exectracker.Execution{ID: "s1", SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1"}))
	require.NoError(t, executions.Upsert(context.Background(), &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1", PID: 4242}))

	interrupted, err := r.Interrupt(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, interrupted)
	assert.Contains(t, eng.signalByPID, 4242)
}

func TestInterrupt_ContainerNotRunningClearsState(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	eng := &fakeRunnerEngine{containerInfo: &containerengine.Info{State: "exited"}}
	r := newTestRunner(t, eng, messages, executions)

	require.NoError(t, r.tracker.Start(&exectracker.Execution{ID: "s1", SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1"}))
	require.NoError(t, executions.Upsert(context.Background(), &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1"}))

	interrupted, err := r.Interrupt(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, interrupted)
	_, tracked := r.tracker.GetBySession("s1")
	assert.False(t, tracked)
}

func TestInterrupt_FallsBackToPatternSignalWhenNoPID(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	eng := &fakeRunnerEngine{signalPattern: 1}
	r := newTestRunner(t, eng, messages, executions)

	require.NoError(t, r.tracker.Start(&exectracker.Execution{ID: "s1", SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1"}))
	require.NoError(t, executions.Upsert(context.Background(), &store.AgentExecution{SessionID: "s1", ContainerID: "c-1", ExecID: "exec-1"}))

	interrupted, err := r.Interrupt(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, interrupted)
}

func TestMarkLastMessageAsInterrupted_FlagsLastNonUserMessage(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	r := newTestRunner(t, &fakeRunnerEngine{}, messages, executions)

	require.NoError(t, messages.Insert(context.Background(), &store.Message{
		ID: "m-1", SessionID: "s1", Sequence: 0, Type: store.MessageAssistant, Content: `{"text":"hi"}`,
	}))

	r.markLastMessageAsInterrupted(context.Background(), "s1")

	updated := messages.byID["m-1"]
	assert.Contains(t, updated.Content, `"interrupted":true`)

	// an interrupt marker message should also have been appended.
	assert.Len(t, messages.byID, 2)
}

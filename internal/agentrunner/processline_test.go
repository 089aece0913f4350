package agentrunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brendanlong/burrow-runtime/internal/store"
)

func TestProcessOutputLine_PersistsUserMessage(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	r := newTestRunner(t, &fakeRunnerEngine{}, messages, executions)

	nextSeq, saved := r.processOutputLine(context.Background(), "s1", `{"type":"user","id":"m-1"}`, 0)
	assert.True(t, saved)
	assert.Equal(t, int64(1), nextSeq)
	_, ok := messages.byID["m-1"]
	assert.True(t, ok)
}

func TestProcessOutputLine_UnparseableLineIsDiscarded(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	r := newTestRunner(t, &fakeRunnerEngine{}, messages, executions)

	nextSeq, saved := r.processOutputLine(context.Background(), "s1", `not json`, 0)
	assert.False(t, saved)
	assert.Equal(t, int64(0), nextSeq)
}

func TestProcessOutputLine_DuplicateIDIsSkippedWithoutAdvancingSequence(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	r := newTestRunner(t, &fakeRunnerEngine{}, messages, executions)

	seq, saved := r.processOutputLine(context.Background(), "s1", `{"type":"user","id":"dup"}`, 0)
	require.True(t, saved)
	require.Equal(t, int64(1), seq)

	seq2, saved2 := r.processOutputLine(context.Background(), "s1", `{"type":"user","id":"dup"}`, seq)
	assert.False(t, saved2)
	assert.Equal(t, seq, seq2)
}

func TestProcessOutputLine_SequenceTakenRetriesOnce(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	r := newTestRunner(t, &fakeRunnerEngine{}, messages, executions)

	_, saved := r.processOutputLine(context.Background(), "s1", `{"type":"user","id":"a"}`, 0)
	require.True(t, saved)

	// second line collides on sequence 0, should retry at sequence 1 and succeed.
	seq, saved := r.processOutputLine(context.Background(), "s1", `{"type":"user","id":"b"}`, 0)
	assert.True(t, saved)
	assert.Equal(t, int64(2), seq)
	_, ok := messages.byID["b"]
	assert.True(t, ok)
}

func TestProcessOutputLine_StreamEventRoutesToAccumulatorWithoutSaving(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	r := newTestRunner(t, &fakeRunnerEngine{}, messages, executions)

	line := `{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg-1"}}}`
	nextSeq, saved := r.processOutputLine(context.Background(), "s1", line, 5)
	assert.False(t, saved)
	assert.Equal(t, int64(5), nextSeq)
	assert.Empty(t, messages.byID)
}

func TestProcessOutputLine_AssistantMessageReusesModelSuppliedID(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	r := newTestRunner(t, &fakeRunnerEngine{}, messages, executions)

	line := `{"type":"assistant","message":{"id":"asst-1","role":"assistant"}}`
	_, saved := r.processOutputLine(context.Background(), "s1", line, 0)
	require.True(t, saved)
	_, ok := messages.byID["asst-1"]
	assert.True(t, ok)
}

func TestProcessOutputLine_ResultMessageRecordsUsage(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	r := newTestRunner(t, &fakeRunnerEngine{}, messages, executions)
	require.NoError(t, executions.Upsert(context.Background(), &store.AgentExecution{SessionID: "s1"}))

	line := `{"type":"result","id":"r-1","total_cost_usd":0.42,"usage":{"input_tokens":10}}`
	_, saved := r.processOutputLine(context.Background(), "s1", line, 0)
	require.True(t, saved)
}

func TestCatchUp_SynthesizesStableErrorIDsForUnparseableLines(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	content := []byte("not json at all\n")
	eng := &fakeRunnerEngine{readFileData: content}
	r := newTestRunner(t, eng, messages, executions)

	r.catchUp(context.Background(), "s1", "container-1", "/tmp/out.jsonl", 0)
	require.Len(t, messages.byID, 1)

	var firstID string
	for id := range messages.byID {
		firstID = id
	}

	// re-running catch-up against the same unparseable line must derive the
	// same id, since deriveErrorMessageID is seeded off session + line only.
	secondID := deriveErrorMessageID("s1", "not json at all")
	assert.Equal(t, firstID, secondID)
}

func TestCatchUp_ReadFailureIsNonFatal(t *testing.T) {
	messages := newFakeMessages()
	executions := newFakeExecutions()
	eng := &fakeRunnerEngine{readFileErr: assert.AnError}
	r := newTestRunner(t, eng, messages, executions)

	assert.NotPanics(t, func() {
		r.catchUp(context.Background(), "s1", "container-1", "/tmp/out.jsonl", 0)
	})
	assert.Empty(t, messages.byID)
}

func TestClassifyMessageType_UnknownFallsBackToSystem(t *testing.T) {
	assert.Equal(t, store.MessageSystem, classifyMessageType("something-unexpected"))
	assert.Equal(t, store.MessageAssistant, classifyMessageType("assistant"))
}

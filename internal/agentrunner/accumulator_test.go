package agentrunner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_TextDeltaProducesSnapshotOnce(t *testing.T) {
	a := newAccumulator()

	snap := a.feed("s1", streamEvent{Type: "message_start", Message: struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	}{ID: "msg-1", Model: "claude-x"}})
	assert.Nil(t, snap, "message_start never emits a snapshot by itself")

	startEvent := streamEvent{Type: "content_block_start", Index: 0}
	startEvent.ContentBlock.Type = "text"
	snap = a.feed("s1", startEvent)
	assert.Nil(t, snap, "an empty text block has no displayable content yet")

	deltaEvent := streamEvent{Type: "content_block_delta", Index: 0}
	deltaEvent.Delta.Type = "text_delta"
	deltaEvent.Delta.Text = "hello"
	snap = a.feed("s1", deltaEvent)
	require.NotNil(t, snap)
	assert.Equal(t, "msg-1", snap["id"])
}

func TestAccumulator_ToolUseInputAccumulatesAsPartialUntilValid(t *testing.T) {
	a := newAccumulator()
	a.feed("s1", streamEvent{Type: "message_start"})

	startEvent := streamEvent{Type: "content_block_start", Index: 0}
	startEvent.ContentBlock.Type = "tool_use"
	startEvent.ContentBlock.Name = "bash"
	a.feed("s1", startEvent)

	delta1 := streamEvent{Type: "content_block_delta", Index: 0}
	delta1.Delta.Type = "input_json_delta"
	delta1.Delta.PartialJSON = `{"command":`
	snap := a.feed("s1", delta1)
	require.NotNil(t, snap)
	content := snap["content"].([]interface{})
	require.Len(t, content, 1)
	block := content[0].(map[string]interface{})
	assert.Contains(t, block, "_partial")

	delta2 := streamEvent{Type: "content_block_delta", Index: 0}
	delta2.Delta.Type = "input_json_delta"
	delta2.Delta.PartialJSON = `"ls"}`
	snap = a.feed("s1", delta2)
	require.NotNil(t, snap)
	content = snap["content"].([]interface{})
	block = content[0].(map[string]interface{})
	assert.Contains(t, block, "input")
	assert.NotContains(t, block, "_partial")
}

func TestAccumulator_MessageStopDiscardsPartial(t *testing.T) {
	a := newAccumulator()
	a.feed("s1", streamEvent{Type: "message_start"})
	a.feed("s1", streamEvent{Type: "message_stop"})

	delta := streamEvent{Type: "content_block_delta", Index: 0}
	delta.Delta.Type = "text_delta"
	delta.Delta.Text = "late"
	snap := a.feed("s1", delta)
	assert.Nil(t, snap, "feeding after message_stop should be a no-op")
}

func TestAccumulator_SessionsAreIndependent(t *testing.T) {
	a := newAccumulator()
	a.feed("s1", streamEvent{Type: "message_start", Message: struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	}{ID: "m1"}})
	a.feed("s2", streamEvent{Type: "message_start", Message: struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	}{ID: "m2"}})

	d1 := streamEvent{Type: "content_block_start", Index: 0}
	d1.ContentBlock.Type = "text"
	d1.ContentBlock.Text = "x"
	snap := a.feed("s1", d1)
	require.NotNil(t, snap)
	assert.Equal(t, "m1", snap["id"])

	a.clear("s2")
	d2 := streamEvent{Type: "content_block_delta", Index: 0}
	d2.Delta.Type = "text_delta"
	d2.Delta.Text = "y"
	snap = a.feed("s2", d2)
	assert.Nil(t, snap, "s2 was cleared before it had any blocks")
}

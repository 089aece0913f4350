package agentrunner

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/eventbus"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

// errorNamespace seeds the v5 derivation for parse-error synthetic messages,
// so the same unparseable line is never persisted twice for a session. Any
// fixed namespace works as long as it never changes; this one is simply
// uuid.Nil run through sha1 once, matching the library's own NewSHA1
// convention.
var errorNamespace = uuid.NewSHA1(uuid.Nil, []byte("burrow-runtime/agentrunner/parse-error"))

// rawLine is the minimal shape every output line is expected to carry.
type rawLine struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	UUID    string          `json:"uuid"`
	Event   json.RawMessage `json:"event"`
	Message json.RawMessage `json:"message"`
}

// resultFields carries the result event's cost/usage fields, present only
// on type == "result" lines.
type resultFields struct {
	TotalCostUSD float64         `json:"total_cost_usd"`
	Usage        json.RawMessage `json:"usage"`
}

// processOutputLine parses and persists one line of agent output.
// nextSequence is the sequence to try first; it returns the sequence the
// caller should use next time regardless of whether a message was saved,
// and whether a message was in fact persisted (so the caller can decide
// whether to advance last-sequence).
func (r *Runner) processOutputLine(ctx context.Context, sessionID, line string, nextSequence int64) (int64, bool) {
	var parsed rawLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		r.logger.WithSessionID(sessionID).Debug("discarding unparseable output line", zap.Error(err))
		return nextSequence, false
	}

	if parsed.Type == "stream_event" {
		var ev streamEvent
		if err := json.Unmarshal(parsed.Event, &ev); err != nil {
			return nextSequence, false
		}
		if snapshot := r.accum.feed(sessionID, ev); snapshot != nil {
			r.emitPartial(sessionID, snapshot)
		}
		return nextSequence, false
	}

	msgType := classifyMessageType(parsed.Type)
	msgID := r.deriveMessageID(sessionID, parsed)

	seq := nextSequence
	for attempt := 0; attempt < 2; attempt++ {
		err := r.messages.Insert(ctx, &store.Message{
			ID:        msgID,
			SessionID: sessionID,
			Sequence:  seq,
			Type:      msgType,
			Content:   line,
		})
		switch err {
		case nil:
			r.recordResultUsage(ctx, sessionID, msgType, line)
			r.emitNewMessage(sessionID, msgID, seq, msgType, line)
			return seq + 1, true
		case store.ErrDuplicateMessageID:
			return nextSequence, false
		case store.ErrSequenceTaken:
			seq++
			continue
		default:
			r.logger.WithSessionID(sessionID).Error("failed to insert message, dropping line", zap.Error(err))
			return nextSequence, false
		}
	}
	return nextSequence, false
}

// deriveMessageID picks the id a persisted message row will carry.
// Agent-produced assistant messages reuse the model-supplied id so the
// final row replaces the accumulator's partials in place. Other messages
// use a supplied id/uuid field if present, else a fresh v4 uuid.
func (r *Runner) deriveMessageID(sessionID string, parsed rawLine) string {
	if parsed.Type == "assistant" && len(parsed.Message) > 0 {
		var withID struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(parsed.Message, &withID); err == nil && withID.ID != "" {
			return withID.ID
		}
	}
	if parsed.ID != "" {
		return parsed.ID
	}
	if parsed.UUID != "" {
		return parsed.UUID
	}
	return uuid.New().String()
}

// deriveErrorMessageID derives a stable id for an unparseable output line.
func deriveErrorMessageID(sessionID, line string) string {
	return uuid.NewSHA1(errorNamespace, []byte(sessionID+"\x00error\x00"+line)).String()
}

func classifyMessageType(t string) store.MessageType {
	switch store.MessageType(t) {
	case store.MessageUser, store.MessageAssistant, store.MessageSystem, store.MessageResult:
		return store.MessageType(t)
	default:
		return store.MessageSystem
	}
}

// recordResultUsage copies a result event's cost/usage fields onto the
// AgentExecution row, purely for operator visibility.
func (r *Runner) recordResultUsage(ctx context.Context, sessionID string, msgType store.MessageType, line string) {
	if msgType != store.MessageResult {
		return
	}
	var fields resultFields
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return
	}
	if err := r.executions.UpdateUsage(ctx, sessionID, fields.TotalCostUSD, string(fields.Usage)); err != nil {
		r.logger.WithSessionID(sessionID).Debug("failed to record result usage", zap.Error(err))
	}
}

// catchUp reads the entire output file and replays every non-empty line
// beyond alreadyConsumed (the count of lines the caller's own tail loop
// already fed through processOutputLine), synthesizing dedup-safe error
// messages for lines that fail to parse. Lines already processed by the
// tail loop are skipped rather than replayed: assistant lines reuse a
// stable model-supplied id so replaying them is harmless, but system/result
// lines and any id-less line mint a fresh uuid on every call, so replaying
// them would insert duplicate rows. Sequence numbers are re-based off the
// current database max on every call, so concurrent catch-ups (e.g. a live
// stream's final drain racing the reconciler) stay safe.
func (r *Runner) catchUp(ctx context.Context, sessionID, containerID, outputPath string, alreadyConsumed int64) {
	content, err := r.engine.ReadFile(ctx, containerID, outputPath)
	if err != nil {
		r.logger.WithSessionID(sessionID).Warn("catch-up read failed", zap.Error(err))
		return
	}

	lines := splitNonEmptyLines(content)
	if alreadyConsumed > 0 {
		if alreadyConsumed >= int64(len(lines)) {
			return
		}
		lines = lines[alreadyConsumed:]
	}

	maxSeq, err := r.messages.MaxSequence(ctx, sessionID)
	if err != nil {
		r.logger.WithSessionID(sessionID).Error("catch-up could not read max sequence", zap.Error(err))
		return
	}
	seq := maxSeq + 1

	for _, line := range lines {
		var probe rawLine
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			errID := deriveErrorMessageID(sessionID, line)
			insertErr := r.messages.Insert(ctx, &store.Message{
				ID:        errID,
				SessionID: sessionID,
				Sequence:  seq,
				Type:      store.MessageSystem,
				Content:   synthesizeParseErrorPayload(line),
			})
			if insertErr == nil {
				r.emitNewMessage(sessionID, errID, seq, store.MessageSystem, synthesizeParseErrorPayload(line))
				seq++
			} else if insertErr == store.ErrSequenceTaken {
				seq++
			}
			continue
		}
		newSeq, saved := r.processOutputLine(ctx, sessionID, line, seq)
		if saved {
			seq = newSeq
		}
	}
}

func synthesizeParseErrorPayload(line string) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"type":  "system",
		"error": "unparseable agent output line",
		"raw":   line,
	})
	return string(payload)
}

func (r *Runner) emitNewMessage(sessionID, messageID string, sequence int64, msgType store.MessageType, content string) {
	r.bus.Publish(context.Background(), "messages:"+sessionID, eventbus.NewEvent("new-message", sessionID, map[string]interface{}{
		"message_id": messageID,
		"sequence":   sequence,
		"type":       string(msgType),
		"content":    content,
	}))
}

func (r *Runner) emitPartial(sessionID string, snapshot map[string]interface{}) {
	r.bus.Publish(context.Background(), "messages:"+sessionID, eventbus.NewEvent("new-message", sessionID, map[string]interface{}{
		"message_id": snapshot["id"],
		"sequence":   -1,
		"type":       "assistant",
		"content":    snapshot,
	}))
}

// newUpdateEvent carries the same message-id/sequence/type as the original
// message so subscribers can patch it in place instead of appending.
func newUpdateEvent(sessionID, messageID string, sequence int64, msgType store.MessageType, content string) *eventbus.Event {
	return eventbus.NewEvent("message-updated", sessionID, map[string]interface{}{
		"message_id": messageID,
		"sequence":   sequence,
		"type":       string(msgType),
		"content":    content,
	})
}

func (r *Runner) emitAgentRunning(sessionID string, running bool) {
	r.bus.Publish(context.Background(), "agent:"+sessionID, eventbus.NewEvent("agent-running", sessionID, map[string]interface{}{
		"running": running,
	}))
}

func splitNonEmptyLines(content []byte) []string {
	var lines []string
	start := 0
	for i, b := range content {
		if b == '\n' {
			if line := content[start:i]; len(line) > 0 {
				lines = append(lines, string(line))
			}
			start = i + 1
		}
	}
	if start < len(content) {
		if line := content[start:]; len(line) > 0 {
			lines = append(lines, string(line))
		}
	}
	return lines
}

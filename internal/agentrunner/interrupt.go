package agentrunner

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/apperrors"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

const sigint = "SIGINT"

// Interrupt consults in-memory state first, then the
// persistent row, verifies the container is still running, signals the
// agent process, and marks the transcript.
func (r *Runner) Interrupt(ctx context.Context, sessionID string) (bool, error) {
	log := r.logger.WithSessionID(sessionID)

	containerID, pid, err := r.resolveRunningTarget(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if containerID == "" {
		return false, nil
	}

	info, err := r.engine.GetContainerInfo(ctx, containerID)
	if err != nil || info.State != "running" {
		if delErr := r.executions.Delete(ctx, sessionID); delErr != nil {
			log.Debug("failed to delete stale execution row during interrupt", zap.Error(delErr))
		}
		r.tracker.Remove(sessionID)
		return false, nil
	}

	if pid != 0 {
		if err := r.engine.SignalProcessByPID(ctx, containerID, pid, sigint); err != nil {
			return false, apperrors.Wrap(apperrors.CodeEngineFailure, "signal agent process by pid", err)
		}
	} else {
		signaled, err := r.engine.SignalProcessesByPattern(ctx, containerID, agentProcessPattern, sigint)
		if err != nil {
			return false, apperrors.Wrap(apperrors.CodeEngineFailure, "signal agent process by pattern", err)
		}
		if signaled == 0 {
			return false, nil
		}
	}

	r.markLastMessageAsInterrupted(ctx, sessionID)
	return true, nil
}

func (r *Runner) resolveRunningTarget(ctx context.Context, sessionID string) (containerID string, pid int, err error) {
	if exec, ok := r.tracker.ActiveBySession(sessionID); ok {
		pid := 0
		if row, getErr := r.executions.Get(ctx, sessionID); getErr == nil {
			pid = row.PID
		}
		return exec.ContainerID, pid, nil
	}
	row, getErr := r.executions.Get(ctx, sessionID)
	if getErr == store.ErrNotFound {
		return "", 0, nil
	}
	if getErr != nil {
		return "", 0, apperrors.Wrap(apperrors.CodeEngineFailure, "load agent execution", getErr)
	}
	return row.ContainerID, row.PID, nil
}

// markLastMessageAsInterrupted flags the last non-user message and appends an interrupt marker.
func (r *Runner) markLastMessageAsInterrupted(ctx context.Context, sessionID string) {
	log := r.logger.WithSessionID(sessionID)

	last, err := r.messages.LastNonUser(ctx, sessionID)
	if err != nil && err != store.ErrNotFound {
		log.Warn("failed to load last non-user message for interrupt marking", zap.Error(err))
	}
	if err == nil {
		var content map[string]interface{}
		if unmarshalErr := json.Unmarshal([]byte(last.Content), &content); unmarshalErr == nil {
			content["interrupted"] = true
			if rewritten, marshalErr := json.Marshal(content); marshalErr == nil {
				if updErr := r.messages.UpdateContent(ctx, last.ID, string(rewritten)); updErr != nil {
					log.Warn("failed to persist interrupted flag", zap.Error(updErr))
				} else {
					r.bus.Publish(ctx, "messages:"+sessionID, newUpdateEvent(sessionID, last.ID, last.Sequence, last.Type, string(rewritten)))
				}
			}
		}
	}

	maxSeq, seqErr := r.messages.MaxSequence(ctx, sessionID)
	if seqErr != nil {
		log.Warn("failed to read max sequence for interrupt marker", zap.Error(seqErr))
		return
	}
	seq := maxSeq + 1
	payload := `{"type":"user","interrupt":true}`
	id := newMessageUUID()
	if insertErr := r.messages.Insert(ctx, &store.Message{
		ID: id, SessionID: sessionID, Sequence: seq, Type: store.MessageUser, Content: payload,
	}); insertErr != nil {
		log.Warn("failed to persist interrupt marker message", zap.Error(insertErr))
		return
	}
	r.emitNewMessage(sessionID, id, seq, store.MessageUser, payload)
}

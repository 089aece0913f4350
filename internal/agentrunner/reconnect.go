package agentrunner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/apperrors"
	"github.com/brendanlong/burrow-runtime/internal/exectracker"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

// ReconnectResult reports what Reconnect found and did.
type ReconnectResult struct {
	Reconnected  bool
	StillRunning bool
}

// Reconnect resumes tracking a persisted AgentExecution row with no
// in-memory tracker entry — the shape the reconciler invokes at
// startup for every orphaned row.
func (r *Runner) Reconnect(ctx context.Context, row *store.AgentExecution) (ReconnectResult, error) {
	log := r.logger.WithSessionID(row.SessionID)

	if _, ok := r.tracker.GetBySession(row.SessionID); ok {
		return ReconnectResult{}, nil // already has an in-memory entry, nothing to do
	}

	info, err := r.engine.GetContainerInfo(ctx, row.ContainerID)
	containerRunning := err == nil && info.State == "running"

	if !containerRunning {
		r.catchUp(ctx, row.SessionID, row.ContainerID, row.OutputFile, 0)
		if delErr := r.executions.Delete(ctx, row.SessionID); delErr != nil {
			log.Warn("failed to delete orphaned execution row", zap.Error(delErr))
		}
		if err != nil || info == nil {
			r.synthesizeSystemError(ctx, row.SessionID, "session container is no longer reachable", "")
		}
		return ReconnectResult{Reconnected: false, StillRunning: false}, nil
	}

	status, statusErr := r.engine.ExecStatus(ctx, row.ExecID)
	stillRunning := false
	pid := row.PID

	switch {
	case statusErr == nil && status.Running:
		stillRunning = true

	case statusErr != nil:
		// exec-id not found (service restarted, exec map gone): fall back
		// to process discovery.
		procs, findErr := r.engine.FindProcess(ctx, row.ContainerID, agentProcessPattern)
		if findErr == nil && len(procs) > 0 {
			pid = procs[0].PID
			stillRunning = true
			if updErr := r.executions.UpdatePID(ctx, row.SessionID, pid); updErr != nil {
				log.Warn("failed to persist rediscovered pid", zap.Error(updErr))
			}
		}

	default:
		// exec-status resolved and reports not running: the agent finished
		// before the service restarted.
	}

	if !stillRunning {
		if statusErr == nil && status.ExitCode != 0 && status.ExitCode != 130 {
			r.synthesizeSystemError(ctx, row.SessionID, "agent process exited before the service could observe it", "")
		}
		r.catchUp(ctx, row.SessionID, row.ContainerID, row.OutputFile, 0)
		if delErr := r.executions.Delete(ctx, row.SessionID); delErr != nil {
			log.Warn("failed to delete finished orphaned execution row", zap.Error(delErr))
		}
		return ReconnectResult{Reconnected: false, StillRunning: false}, nil
	}

	if err := r.tracker.Start(&exectracker.Execution{
		ID: row.SessionID, SessionID: row.SessionID, ContainerID: row.ContainerID, ExecID: row.ExecID,
	}); err != nil {
		return ReconnectResult{}, apperrors.Wrap(apperrors.CodeConflict, "register reconnected execution", err)
	}
	r.tracker.UpdateStatus(row.SessionID, exectracker.StatusRunning, 0, nil)
	r.emitAgentRunning(row.SessionID, true)

	go r.consumeReconnected(row.SessionID, row.ContainerID, row.OutputFile, pid)

	return ReconnectResult{Reconnected: true, StillRunning: true}, nil
}

// consumeReconnected runs the output-consumption loop for a
// reconnected execution: identical to the normal loop but terminates on a
// PID-based check (find-process) since the exec-id is no longer
// authoritative across a service restart.
func (r *Runner) consumeReconnected(sessionID, containerID, outputFile string, pid int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer r.cleanup(sessionID)

	maxSeq, err := r.messages.MaxSequence(ctx, sessionID)
	if err != nil {
		r.logger.WithSessionID(sessionID).Error("reconnect consumption could not read max sequence", zap.Error(err))
		return
	}
	nextSeq := maxSeq + 1

	if err := r.waitForOutputFile(ctx, containerID, outputFile); err != nil {
		return
	}

	tailCtx, cancelTail := context.WithCancel(ctx)
	defer cancelTail()
	tail, err := r.engine.TailFile(tailCtx, containerID, outputFile, 0)
	if err != nil {
		r.logger.WithSessionID(sessionID).Error("reconnect failed to start tail", zap.Error(err))
		return
	}

	linesCh := make(chan string, 64)
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- streamLines(tail, linesCh)
		close(linesCh)
	}()

	pollInterval := execStatusPoll
	var consumed int64

consume:
	for {
		select {
		case line, ok := <-linesCh:
			if !ok {
				break consume
			}
			consumed++
			newSeq, saved := r.processOutputLine(ctx, sessionID, line, nextSeq)
			if saved {
				nextSeq = newSeq
				_ = r.executions.UpdateLastSequence(ctx, sessionID, nextSeq-1)
			}
		case <-time.After(pollInterval):
			procs, err := r.engine.FindProcess(ctx, containerID, agentProcessPattern)
			if err != nil {
				continue
			}
			stillAlive := false
			for _, p := range procs {
				if p.PID == pid {
					stillAlive = true
					break
				}
			}
			if !stillAlive {
				cancelTail()
				tail.Close()
				<-tailDone
				for line := range linesCh {
					consumed++
					newSeq, saved := r.processOutputLine(ctx, sessionID, line, nextSeq)
					if saved {
						nextSeq = newSeq
					}
				}
				break consume
			}
		}
	}

	tail.Close()
	r.catchUp(ctx, sessionID, containerID, outputFile, consumed)
}

// Package agentrunner launches one agent invocation per user turn inside a
// session container, streams its output, persists messages, and supports
// interrupting a running turn and recovering after a crash or service
// restart.
package agentrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/apperrors"
	"github.com/brendanlong/burrow-runtime/internal/common/constants"
	"github.com/brendanlong/burrow-runtime/internal/config"
	"github.com/brendanlong/burrow-runtime/internal/containerengine"
	"github.com/brendanlong/burrow-runtime/internal/eventbus"
	"github.com/brendanlong/burrow-runtime/internal/exectracker"
	"github.com/brendanlong/burrow-runtime/internal/logger"
	"github.com/brendanlong/burrow-runtime/internal/store"
	"github.com/brendanlong/burrow-runtime/internal/tracing"
)

const (
	agentProcessPattern = "/usr/bin/claude"
	outputFilePrefix    = "burrow-"
	pidPollAttempts     = 10
	pidPollInterval     = 200 * time.Millisecond
	execStatusPoll      = constants.ExecStatusPollInterval
	tailDrainGrace      = 500 * time.Millisecond
)

// messageRepo is the slice of store.MessageRepository the runner needs.
type messageRepo interface {
	MaxSequence(ctx context.Context, sessionID string) (int64, error)
	Insert(ctx context.Context, m *store.Message) error
	LastNonUser(ctx context.Context, sessionID string) (*store.Message, error)
	UpdateContent(ctx context.Context, id, content string) error
}

// executionRepo is the slice of store.ExecutionRepository the runner needs.
type executionRepo interface {
	Upsert(ctx context.Context, e *store.AgentExecution) error
	Get(ctx context.Context, sessionID string) (*store.AgentExecution, error)
	UpdatePID(ctx context.Context, sessionID string, pid int) error
	UpdateLastSequence(ctx context.Context, sessionID string, lastSequence int64) error
	UpdateUsage(ctx context.Context, sessionID string, costUSD float64, usageJSON string) error
	Delete(ctx context.Context, sessionID string) error
}

// Runner implements C5.
type Runner struct {
	engine     containerengine.Engine
	messages   messageRepo
	executions executionRepo
	tracker    *exectracker.Tracker
	bus        eventbus.Bus
	cfg        config.AgentConfig
	logger     *logger.Logger

	accum *accumulator
}

// New constructs a Runner.
func New(engine containerengine.Engine, messages messageRepo, executions executionRepo, tracker *exectracker.Tracker, bus eventbus.Bus, cfg config.AgentConfig, log *logger.Logger) *Runner {
	return &Runner{
		engine:     engine,
		messages:   messages,
		executions: executions,
		tracker:    tracker,
		bus:        bus,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "agentrunner")),
		accum:      newAccumulator(),
	}
}

// RunAgent drives a single agent turn for a session end to end. It blocks
// until the turn completes; callers that want fire-and-forget semantics
// should invoke it in its own goroutine.
func (r *Runner) RunAgent(ctx context.Context, sessionID, containerID, prompt string) error {
	log := r.logger.WithSessionID(sessionID)

	if err := r.checkPreconditions(ctx, sessionID, containerID); err != nil {
		return err
	}

	nextSeq, err := r.messages.MaxSequence(ctx, sessionID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeEngineFailure, "read max sequence", err)
	}
	nextSeq++

	userMsgSeq := nextSeq
	if _, err := r.persistUserMessage(ctx, sessionID, userMsgSeq, prompt); err != nil {
		return err
	}
	nextSeq++

	isFirstTurn := userMsgSeq == 0
	outputPath := fmt.Sprintf("/tmp/%s%s.jsonl", outputFilePrefix, sessionID)
	cmd := r.buildLaunchCommand(sessionID, isFirstTurn, prompt)

	execID, err := r.engine.ExecToFile(ctx, containerID, cmd, outputPath)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeAgentFailure, "launch agent process", err)
	}

	ctx, span := tracing.TraceAgentLaunch(ctx, sessionID, execID)
	defer span.End()

	log.Info("agent launched", zap.String("exec_id", execID), zap.Bool("first_turn", isFirstTurn))

	if err := r.tracker.Start(&exectracker.Execution{
		ID: sessionID, SessionID: sessionID, ContainerID: containerID, ExecID: execID,
	}); err != nil {
		return apperrors.Wrap(apperrors.CodeConflict, "register execution", err)
	}
	r.tracker.UpdateStatus(sessionID, exectracker.StatusRunning, 0, nil)

	execRow := &store.AgentExecution{
		SessionID: sessionID, ContainerID: containerID, ExecID: execID,
		OutputFile: outputPath, LastSequence: userMsgSeq,
	}
	if err := r.executions.Upsert(ctx, execRow); err != nil {
		r.tracker.Remove(sessionID)
		return apperrors.Wrap(apperrors.CodeEngineFailure, "persist agent execution", err)
	}
	r.emitAgentRunning(sessionID, true)

	defer r.cleanup(sessionID)

	go r.discoverPID(context.Background(), sessionID, containerID)

	return r.consumeOutput(ctx, sessionID, containerID, execID, outputPath, nextSeq)
}

// IsRunning reports whether sessionID currently has an active agent
// execution, backing the `agent.isRunning` RPC.
func (r *Runner) IsRunning(sessionID string) bool {
	_, ok := r.tracker.ActiveBySession(sessionID)
	return ok
}

func (r *Runner) checkPreconditions(ctx context.Context, sessionID, containerID string) error {
	if existing, ok := r.tracker.ActiveBySession(sessionID); ok {
		status, statusErr := r.engine.ExecStatus(ctx, existing.ExecID)
		if statusErr == nil && status.Running {
			return apperrors.New(apperrors.CodeConflict, "agent already running for this session")
		}
		r.tracker.Remove(sessionID)
	}

	if row, err := r.executions.Get(ctx, sessionID); err == nil {
		status, statusErr := r.engine.ExecStatus(ctx, row.ExecID)
		if statusErr == nil && status.Running {
			return apperrors.New(apperrors.CodeConflict, "agent already running for this session")
		}
		if delErr := r.executions.Delete(ctx, sessionID); delErr != nil {
			r.logger.WithSessionID(sessionID).Warn("failed to delete stale execution row", zap.Error(delErr))
		}
	} else if err != store.ErrNotFound {
		return apperrors.Wrap(apperrors.CodeEngineFailure, "load agent execution", err)
	}

	info, err := r.engine.GetContainerInfo(ctx, containerID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeContainerFailure, "inspect container", err)
	}
	if info.State != "running" {
		return apperrors.New(apperrors.CodePrecondition, "session container is not running")
	}
	return nil
}

func (r *Runner) persistUserMessage(ctx context.Context, sessionID string, sequence int64, prompt string) (string, error) {
	payload := fmt.Sprintf(`{"type":"user","content":%s}`, jsonString(prompt))
	id := newMessageUUID()
	err := r.messages.Insert(ctx, &store.Message{
		ID: id, SessionID: sessionID, Sequence: sequence, Type: store.MessageUser, Content: payload,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeEngineFailure, "persist user message", err)
	}
	r.emitNewMessage(sessionID, id, sequence, store.MessageUser, payload)
	return id, nil
}

// buildLaunchCommand constructs the agent argument list, staging flags
// before the trailing prompt argument the same way a shelled-out CLI
// invocation is normally assembled.
func (r *Runner) buildLaunchCommand(sessionID string, isFirstTurn bool, prompt string) []string {
	cmd := []string{
		r.cfg.BinaryPath,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--append-system-prompt", r.cfg.SystemPrompt,
	}
	if isFirstTurn {
		cmd = append(cmd, "--session-id", sessionID)
	} else {
		cmd = append(cmd, "--resume", sessionID)
	}
	cmd = append(cmd, "-p", prompt)
	return cmd
}

// discoverPID polls the container for the launched agent process's pid and
// persists it once found, so interrupt and reconnect can target it directly.
func (r *Runner) discoverPID(ctx context.Context, sessionID, containerID string) {
	for i := 0; i < pidPollAttempts; i++ {
		procs, err := r.engine.FindProcess(ctx, containerID, agentProcessPattern)
		if err == nil && len(procs) > 0 {
			if err := r.executions.UpdatePID(ctx, sessionID, procs[0].PID); err != nil {
				r.logger.WithSessionID(sessionID).Debug("failed to persist discovered pid", zap.Error(err))
			}
			return
		}
		time.Sleep(pidPollInterval)
	}
	r.logger.WithSessionID(sessionID).Warn("pid discovery exhausted attempts")
}

// consumeOutput waits for the agent's output file to appear, tails it line
// by line while the process runs, drains any trailing lines once it exits,
// and classifies how the turn ended.
func (r *Runner) consumeOutput(ctx context.Context, sessionID, containerID, execID, outputPath string, nextSeq int64) error {
	if err := r.waitForOutputFile(ctx, containerID, outputPath); err != nil {
		return err
	}

	tailCtx, cancelTail := context.WithCancel(ctx)
	defer cancelTail()

	tail, err := r.engine.TailFile(tailCtx, containerID, outputPath, 0)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeAgentFailure, "start output tail", err)
	}

	linesCh := make(chan string, 64)
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- streamLines(tail, linesCh)
		close(linesCh)
	}()

	var consumed int64
	var exitCode int
	var waitErr error

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
				if err := r.executions.UpdateLastSequence(ctx, sessionID, nextSeq-1); err != nil {
					r.logger.WithSessionID(sessionID).Debug("failed to advance last sequence", zap.Error(err))
				}
			}
		case <-time.After(execStatusPoll):
			status, err := r.engine.ExecStatus(ctx, execID)
			if err != nil {
				waitErr = err
				break consume
			}
			if !status.Running {
				exitCode = status.ExitCode
				time.Sleep(tailDrainGrace)
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
	r.logger.WithSessionID(sessionID).Debug("tail consumption finished", zap.Int64("lines_consumed", consumed), zap.Int("exit_code", exitCode))
	r.catchUp(ctx, sessionID, containerID, outputPath, consumed)

	return r.classifyCompletion(ctx, sessionID, containerID, exitCode, waitErr)
}

func (r *Runner) waitForOutputFile(ctx context.Context, containerID, outputPath string) error {
	for i := 0; i < constants.OutputFilePollAttempts; i++ {
		exists, err := r.engine.FileExists(ctx, containerID, outputPath)
		if err == nil && exists {
			return nil
		}
		time.Sleep(constants.OutputFilePollInterval)
	}
	return apperrors.New(apperrors.CodeAgentFailure, "agent output file never appeared, launch redirect may have failed")
}

// classifyCompletion maps an exec's exit code to a turn outcome, treating
// interrupt (130) as success and everything else non-zero as a failure.
func (r *Runner) classifyCompletion(ctx context.Context, sessionID, containerID string, exitCode int, waitErr error) error {
	if waitErr != nil {
		return apperrors.Wrap(apperrors.CodeEngineFailure, "poll exec status", waitErr)
	}
	if exitCode == 0 || exitCode == 130 {
		return nil
	}

	info, err := r.engine.GetContainerInfo(ctx, containerID)
	containerFailed := err != nil || info.State != "running"

	if containerFailed {
		logs := r.tailContainerLogs(ctx, containerID, 50)
		oomKilled := info != nil && info.OOMKilled
		reason := containerengine.ClassifyExitCode(exitCode, oomKilled)
		r.synthesizeSystemError(ctx, sessionID, fmt.Sprintf("session container failed (%s, exit %d)", reason, exitCode), logs)
		return apperrors.New(apperrors.CodeContainerFailure, "session container failed during agent run")
	}

	logs := r.tailContainerLogs(ctx, containerID, 30)
	r.synthesizeSystemError(ctx, sessionID, fmt.Sprintf("agent process exited abnormally (exit %d)", exitCode), logs)
	return apperrors.New(apperrors.CodeAgentFailure, "agent process exited abnormally")
}

func (r *Runner) tailContainerLogs(ctx context.Context, containerID string, lines int) string {
	reader, err := r.engine.GetContainerLogs(ctx, containerID, false, fmt.Sprintf("%d", lines))
	if err != nil {
		return ""
	}
	defer reader.Close()
	buf, _ := io.ReadAll(reader)
	return string(buf)
}

func (r *Runner) synthesizeSystemError(ctx context.Context, sessionID, message, logs string) {
	maxSeq, err := r.messages.MaxSequence(ctx, sessionID)
	if err != nil {
		return
	}
	seq := maxSeq + 1
	payload := fmt.Sprintf(`{"type":"system","error":%s,"logs":%s}`, jsonString(message), jsonString(logs))
	id := newMessageUUID()
	if err := r.messages.Insert(ctx, &store.Message{
		ID: id, SessionID: sessionID, Sequence: seq, Type: store.MessageSystem, Content: payload,
	}); err == nil {
		r.emitNewMessage(sessionID, id, seq, store.MessageSystem, payload)
	}
}

// cleanup runs on every RunAgent exit path after the execution row has been
// persisted, success or failure, and at the end of a reconnected execution.
func (r *Runner) cleanup(sessionID string) {
	r.tracker.Remove(sessionID)
	r.accum.clear(sessionID)
	bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.executions.Delete(bgCtx, sessionID); err != nil {
		r.logger.WithSessionID(sessionID).Warn("failed to delete agent execution row on cleanup", zap.Error(err))
	}
	r.emitAgentRunning(sessionID, false)
}

func streamLines(r io.Reader, out chan<- string) error {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				data := buf.Bytes()
				idx := bytes.IndexByte(data, '\n')
				if idx < 0 {
					break
				}
				line := string(data[:idx])
				buf.Next(idx + 1)
				if line != "" {
					out <- line
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func newMessageUUID() string {
	return uuid.New().String()
}

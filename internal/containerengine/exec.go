package containerengine

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"

	"github.com/google/uuid"
)

// execHandle tracks a detached exec so ExecStatus can report on it after
// Docker's own exec-inspect call has already told us it finished — Docker
// does not let you inspect an exec instance after the daemon reaps it, so
// the engine caches the last known status itself.
type execHandle struct {
	dockerExecID string
	mu           sync.Mutex
	done         bool
	exitCode     int
}

func (e *DockerEngine) trackExec(dockerExecID string) string {
	id := uuid.New().String()
	h := &execHandle{dockerExecID: dockerExecID}
	e.execsMu.Lock()
	e.execs[id] = h
	e.execsMu.Unlock()
	return id
}

// Exec runs cmd inside containerID and blocks until it completes, capturing
// stdout and stderr separately by demultiplexing Docker's stream framing.
func (e *DockerEngine) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	cli, err := e.ensureClient()
	if err != nil {
		return nil, err
	}

	created, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create failed: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach failed: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if err := demultiplexStream(attach.Reader, &stdout, &stderr); err != nil && err != io.EOF {
		return nil, fmt.Errorf("exec stream read failed: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect failed: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// ExecDetached starts cmd inside containerID without waiting for it to
// finish, returning an opaque exec-id used with ExecStatus. Used for
// launching the agent process itself, which must survive the request that
// started it.
func (e *DockerEngine) ExecDetached(ctx context.Context, containerID string, cmd []string) (string, error) {
	cli, err := e.ensureClient()
	if err != nil {
		return "", err
	}

	created, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create failed: %w", err)
	}

	if err := cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return "", fmt.Errorf("exec start failed: %w", err)
	}

	return e.trackExec(created.ID), nil
}

// ExecToFile starts cmd detached with its stdout/stderr redirected to
// outputPath inside the container (via a shell wrapper), so the agent
// runner can tail the file instead of holding a live attach connection —
// the connection a launch request arrived on may be long gone by the time
// the agent finishes.
func (e *DockerEngine) ExecToFile(ctx context.Context, containerID string, cmd []string, outputPath string) (string, error) {
	shellCmd := fmt.Sprintf("%s > %s 2>&1", shellQuoteJoin(cmd), shellQuote(outputPath))
	return e.ExecDetached(ctx, containerID, []string{"sh", "-c", shellCmd})
}

// ExecStatus reports whether a previously started detached exec has
// finished and, if so, its exit code.
func (e *DockerEngine) ExecStatus(ctx context.Context, execID string) (*ExecStatus, error) {
	e.execsMu.Lock()
	h, ok := e.execs[execID]
	e.execsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown exec id %s", execID)
	}

	h.mu.Lock()
	if h.done {
		status := &ExecStatus{Running: false, ExitCode: h.exitCode}
		h.mu.Unlock()
		return status, nil
	}
	h.mu.Unlock()

	cli, err := e.ensureClient()
	if err != nil {
		return nil, err
	}

	inspect, err := cli.ContainerExecInspect(ctx, h.dockerExecID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect failed: %w", err)
	}

	if inspect.Running {
		return &ExecStatus{Running: true}, nil
	}

	h.mu.Lock()
	h.done = true
	h.exitCode = inspect.ExitCode
	h.mu.Unlock()

	return &ExecStatus{Running: false, ExitCode: inspect.ExitCode}, nil
}

// TailFile returns a reader that streams path's contents inside containerID
// starting at fromOffset, following appends until the context is cancelled.
func (e *DockerEngine) TailFile(ctx context.Context, containerID, path string, fromOffset int64) (io.ReadCloser, error) {
	cli, err := e.ensureClient()
	if err != nil {
		return nil, err
	}

	cmd := []string{"tail", "-f", "-c", fmt.Sprintf("+%d", fromOffset+1), path}
	created, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("tail exec create failed: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("tail exec attach failed: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer attach.Close()
		defer pw.Close()
		var stderr bytes.Buffer
		_ = demultiplexStream(attach.Reader, pw, &stderr)
	}()

	return &ctxCloser{ReadCloser: pr, cancel: func() { attach.Close() }}, nil
}

type ctxCloser struct {
	io.ReadCloser
	cancel func()
}

func (c *ctxCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

// ReadFile returns the full contents of path inside containerID.
func (e *DockerEngine) ReadFile(ctx context.Context, containerID, path string) ([]byte, error) {
	result, err := e.Exec(ctx, containerID, []string{"cat", path})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("cat %s exited %d: %s", path, result.ExitCode, string(result.Stderr))
	}
	return result.Stdout, nil
}

// FileExists reports whether path exists inside containerID.
func (e *DockerEngine) FileExists(ctx context.Context, containerID, path string) (bool, error) {
	result, err := e.Exec(ctx, containerID, []string{"test", "-e", path})
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}

// FindProcess lists processes inside containerID whose command line
// contains commandPattern.
func (e *DockerEngine) FindProcess(ctx context.Context, containerID, commandPattern string) ([]Process, error) {
	result, err := e.Exec(ctx, containerID, []string{"ps", "-eo", "pid,args"})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("ps exited %d: %s", result.ExitCode, string(result.Stderr))
	}

	var procs []Process
	lines := strings.Split(string(result.Stdout), "\n")
	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue // header row
		}
		fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
		if len(fields) != 2 {
			continue
		}
		if !strings.Contains(fields[1], commandPattern) {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		procs = append(procs, Process{PID: pid, Command: fields[1]})
	}
	return procs, nil
}

// SignalProcessByPID sends signal to pid inside containerID via kill -s.
func (e *DockerEngine) SignalProcessByPID(ctx context.Context, containerID string, pid int, signal string) error {
	result, err := e.Exec(ctx, containerID, []string{"kill", "-s", signal, strconv.Itoa(pid)})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("kill -s %s %d exited %d: %s", signal, pid, result.ExitCode, string(result.Stderr))
	}
	return nil
}

// SignalProcessesByPattern signals every process matching commandPattern
// and returns how many were signaled.
func (e *DockerEngine) SignalProcessesByPattern(ctx context.Context, containerID, commandPattern, signal string) (int, error) {
	procs, err := e.FindProcess(ctx, containerID, commandPattern)
	if err != nil {
		return 0, err
	}
	signaled := 0
	for _, p := range procs {
		if err := e.SignalProcessByPID(ctx, containerID, p.PID, signal); err != nil {
			continue
		}
		signaled++
	}
	return signaled, nil
}

// demultiplexStream splits Docker's multiplexed exec/attach stream into
// stdout and stderr. Frame format: byte 0 is stream type (1=stdout,
// 2=stderr), bytes 4-7 are a big-endian frame length, followed by that
// many bytes of payload.
func demultiplexStream(reader io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])

		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return err
		}

		switch streamType {
		case 1:
			stdout.Write(data)
		case 2:
			stderr.Write(data)
		}
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellQuoteJoin(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = shellQuote(p)
	}
	return strings.Join(quoted, " ")
}

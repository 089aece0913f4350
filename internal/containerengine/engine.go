// Package containerengine is the ContainerEngine adapter: the one
// place in the runtime that speaks to the container backend. Every other
// component reaches containers only through the Engine interface, so a
// second backend (podman, firecracker-over-REST) could be added later
// without touching session, workspace, or agent-runner logic.
package containerengine

import (
	"context"
	"io"
	"time"
)

// Config configures a new container.
type Config struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	NetworkMode string
	Memory      int64 // bytes, 0 = unlimited
	CPUQuota    int64
	Labels      map[string]string
	AutoRemove  bool
}

// Mount describes a bind or named-volume mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
	// Volume is true when Source names a Docker volume rather than a host path.
	Volume bool
}

// Info describes a container's current state.
type Info struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	OOMKilled  bool
	Health     string
}

// ExecResult is the outcome of a one-shot exec.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// ExecStatus reports whether a previously started exec is still running.
type ExecStatus struct {
	Running  bool
	ExitCode int
}

// Process describes a process found inside a container by FindProcess.
type Process struct {
	PID     int
	Command string
}

// Engine is the full contract C1 exposes to the rest of the runtime.
type Engine interface {
	// Lifecycle
	CreateContainer(ctx context.Context, cfg Config) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	KillContainer(ctx context.Context, containerID string, signal string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	// Inspection
	GetContainerInfo(ctx context.Context, containerID string) (*Info, error)
	GetContainerIP(ctx context.Context, containerID string) (string, error)
	GetContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]Info, error)
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	Ping(ctx context.Context) error

	// Exec surface used by the agent runner and workspace provisioner to
	// drive a long-lived session container without a dedicated sidecar.
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)
	ExecDetached(ctx context.Context, containerID string, cmd []string) (execID string, err error)
	ExecToFile(ctx context.Context, containerID string, cmd []string, outputPath string) (execID string, err error)
	ExecStatus(ctx context.Context, execID string) (*ExecStatus, error)
	TailFile(ctx context.Context, containerID, path string, fromOffset int64) (io.ReadCloser, error)
	ReadFile(ctx context.Context, containerID, path string) ([]byte, error)
	// WriteFile creates or overwrites path inside containerID with data.
	// The parent directory of path must already exist; it is not created.
	// Used to push host-side
	// files (credentials, settings) into a running container without a
	// dedicated sidecar.
	WriteFile(ctx context.Context, containerID, path string, data []byte, mode int64) error
	FileExists(ctx context.Context, containerID, path string) (bool, error)
	FindProcess(ctx context.Context, containerID, commandPattern string) ([]Process, error)
	SignalProcessByPID(ctx context.Context, containerID string, pid int, signal string) error
	SignalProcessesByPattern(ctx context.Context, containerID, commandPattern, signal string) (int, error)

	// Volumes back per-session workspaces and the
	// shared reference cache. EnsureVolume is idempotent: it
	// succeeds whether or not the volume already exists.
	EnsureVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string, force bool) error

	Close() error
}

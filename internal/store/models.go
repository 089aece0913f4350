// Package store is the persistent record-keeper for the runtime's durable
// entities: Session, Message, AgentExecution, and AuthSession. All four
// live in one PostgreSQL database reached through a shared pgxpool.Pool, so
// uniqueness and ordering constraints are enforced by the database rather
// than emulated in application code.
package store

import "time"

// SessionStatus is the session state machine.
type SessionStatus string

const (
	SessionCreating SessionStatus = "creating"
	SessionRunning  SessionStatus = "running"
	SessionStopped  SessionStatus = "stopped"
	SessionError    SessionStatus = "error"
)

// Session is one long-lived unit of work.
type Session struct {
	ID              string
	DisplayName     string
	RepoOwner       string
	RepoName        string
	Branch          string
	InitialPrompt   string
	Status          SessionStatus
	ContainerID     string // empty when no container has been created yet
	WorkspaceVolume string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ContainerName is the name the container engine should use for this
// session's container
func (s *Session) ContainerName(namespace string) string {
	return namespace + "-session-" + s.ID
}

// VolumeName is the name of this session's workspace volume
func (s *Session) VolumeName(namespace string) string {
	return namespace + "-workspace-" + s.ID
}

// MessageType discriminates the transcript entries stored per session.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
	MessageResult    MessageType = "result"
)

// Message is one append-only transcript entry.
type Message struct {
	ID        string // globally unique across all sessions
	SessionID string
	Sequence  int64 // dense, monotonic per session
	Type      MessageType
	Content   string // opaque JSON payload
	CreatedAt time.Time
}

// AgentExecution is the bookkeeping row for one in-flight or just-finished
// agent invocation. At most one row exists per
// session at a time.
type AgentExecution struct {
	SessionID    string
	ContainerID  string
	ExecID       string // engine-assigned handle for this process's lifetime
	OutputFile   string
	LastSequence int64
	PID          int // 0 when not yet discovered
	LastCostUSD  float64
	LastUsage    string // raw JSON of the result event's usage object, if any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuthSession is a bearer-token row consumed by the HTTP facade and owned
// here because of the rotation contract.
type AuthSession struct {
	Token        string
	DeviceLabel  string
	ExpiresAt    time.Time
	LastActivity time.Time
	RevokedAt    *time.Time
	CreatedAt    time.Time
}

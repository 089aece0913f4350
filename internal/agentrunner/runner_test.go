package agentrunner

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brendanlong/burrow-runtime/internal/config"
	"github.com/brendanlong/burrow-runtime/internal/containerengine"
	"github.com/brendanlong/burrow-runtime/internal/eventbus"
	"github.com/brendanlong/burrow-runtime/internal/exectracker"
	"github.com/brendanlong/burrow-runtime/internal/logger"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

type fakeMessages struct {
	mu       sync.Mutex
	byID     map[string]*store.Message
	bySeq    map[string]map[int64]*store.Message
	lastNonUser *store.Message
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{
		byID:  make(map[string]*store.Message),
		bySeq: make(map[string]map[int64]*store.Message),
	}
}

func (f *fakeMessages) MaxSequence(ctx context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seqs, ok := f.bySeq[sessionID]
	if !ok || len(seqs) == 0 {
		return -1, nil
	}
	var max int64 = -1
	for s := range seqs {
		if s > max {
			max = s
		}
	}
	return max, nil
}

func (f *fakeMessages) Insert(ctx context.Context, m *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byID[m.ID]; exists {
		return store.ErrDuplicateMessageID
	}
	seqs, ok := f.bySeq[m.SessionID]
	if !ok {
		seqs = make(map[int64]*store.Message)
		f.bySeq[m.SessionID] = seqs
	}
	if _, taken := seqs[m.Sequence]; taken {
		return store.ErrSequenceTaken
	}
	cp := *m
	f.byID[m.ID] = &cp
	seqs[m.Sequence] = &cp
	if m.Type != store.MessageUser {
		f.lastNonUser = &cp
	}
	return nil
}

func (f *fakeMessages) LastNonUser(ctx context.Context, sessionID string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastNonUser == nil {
		return nil, store.ErrNotFound
	}
	return f.lastNonUser, nil
}

func (f *fakeMessages) UpdateContent(ctx context.Context, id, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Content = content
	return nil
}

type fakeExecutions struct {
	mu    sync.Mutex
	rows  map[string]*store.AgentExecution
	pids  map[string]int
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{rows: make(map[string]*store.AgentExecution)}
}

func (f *fakeExecutions) Upsert(ctx context.Context, e *store.AgentExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.rows[e.SessionID] = &cp
	return nil
}

func (f *fakeExecutions) Get(ctx context.Context, sessionID string) (*store.AgentExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return row, nil
}

func (f *fakeExecutions) UpdatePID(ctx context.Context, sessionID string, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	row.PID = pid
	return nil
}

func (f *fakeExecutions) UpdateLastSequence(ctx context.Context, sessionID string, lastSequence int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	row.LastSequence = lastSequence
	return nil
}

func (f *fakeExecutions) UpdateUsage(ctx context.Context, sessionID string, costUSD float64, usageJSON string) error {
	return nil
}

func (f *fakeExecutions) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, sessionID)
	return nil
}

// fakeRunnerEngine embeds containerengine.Engine so only the methods a test
// cares about need overriding.
type fakeRunnerEngine struct {
	containerengine.Engine

	containerInfo *containerengine.Info
	execStatus    *containerengine.ExecStatus
	execStatusErr error
	procs         []containerengine.Process
	findProcErr   error
	signalByPID   []int
	signalByPIDErr error
	signalPattern  int
	readFileData  []byte
	readFileErr   error
	fileExists    bool
}

type closedReader struct{}

func (closedReader) Read(p []byte) (int, error) { return 0, io.EOF }
func (closedReader) Close() error                { return nil }

func (f *fakeRunnerEngine) FileExists(ctx context.Context, containerID, path string) (bool, error) {
	return true, nil
}

func (f *fakeRunnerEngine) TailFile(ctx context.Context, containerID, path string, fromOffset int64) (io.ReadCloser, error) {
	return closedReader{}, nil
}

func (f *fakeRunnerEngine) GetContainerInfo(ctx context.Context, containerID string) (*containerengine.Info, error) {
	if f.containerInfo != nil {
		return f.containerInfo, nil
	}
	return &containerengine.Info{State: "running"}, nil
}

func (f *fakeRunnerEngine) ExecStatus(ctx context.Context, execID string) (*containerengine.ExecStatus, error) {
	if f.execStatusErr != nil {
		return nil, f.execStatusErr
	}
	if f.execStatus != nil {
		return f.execStatus, nil
	}
	return &containerengine.ExecStatus{Running: true}, nil
}

func (f *fakeRunnerEngine) FindProcess(ctx context.Context, containerID, pattern string) ([]containerengine.Process, error) {
	if f.findProcErr != nil {
		return nil, f.findProcErr
	}
	return f.procs, nil
}

func (f *fakeRunnerEngine) SignalProcessByPID(ctx context.Context, containerID string, pid int, signal string) error {
	f.signalByPID = append(f.signalByPID, pid)
	return f.signalByPIDErr
}

func (f *fakeRunnerEngine) SignalProcessesByPattern(ctx context.Context, containerID, pattern, signal string) (int, error) {
	return f.signalPattern, nil
}

func (f *fakeRunnerEngine) ReadFile(ctx context.Context, containerID, path string) ([]byte, error) {
	if f.readFileErr != nil {
		return nil, f.readFileErr
	}
	return f.readFileData, nil
}

func (f *fakeRunnerEngine) GetContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	return nil, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestRunner(t *testing.T, eng *fakeRunnerEngine, messages *fakeMessages, executions *fakeExecutions) *Runner {
	bus := eventbus.NewMemoryBus(testLogger(t))
	return New(eng, messages, executions, exectracker.New(), bus, config.AgentConfig{
		BinaryPath:   "/usr/bin/claude",
		SystemPrompt: "be helpful",
	}, testLogger(t))
}

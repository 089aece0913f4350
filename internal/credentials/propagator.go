// Package credentials is the credential propagator: it watches a host
// directory for the operator's credential/settings files and pushes
// allow-listed copies into every running session container, so rotating a
// token on the host reaches agents without restarting their containers.
// Grounded on the teacher's UploadCredentialFiles/FileUploader pattern for
// the allow-listed copy step, and on the workspace tracker's fsnotify
// debounce loop for watching the host directory.
package credentials

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/config"
	"github.com/brendanlong/burrow-runtime/internal/containerengine"
	"github.com/brendanlong/burrow-runtime/internal/logger"
	"github.com/brendanlong/burrow-runtime/internal/store"
)

// AgentHomeDir is the fixed in-container home directory of AgentUser in the
// session image.
const AgentHomeDir = "/home/agent"

// AgentCredentialDir is where credential files actually land: the claude
// CLI reads ~/.claude/.credentials.json and ~/.claude/settings.json, not the
// home directory directly.
const AgentCredentialDir = AgentHomeDir + "/.claude"

// AgentUser is the in-container user credential files are chowned to.
const AgentUser = "agent"

// restartDelay is how long Run waits before restarting the watcher after
// it fails, so a daemon hiccup doesn't spin the loop.
const restartDelay = 5 * time.Second

// sessionRepo is the slice of store.SessionRepository the propagator needs.
type sessionRepo interface {
	List(ctx context.Context) ([]*store.Session, error)
}

// Propagator watches watchDir for changes to an allow-listed set of
// filenames and, after a debounce settle, copies the current contents of
// each into every running session container.
type Propagator struct {
	watchDir string
	allowed  map[string]bool
	debounce time.Duration
	sessions sessionRepo
	engine   containerengine.Engine
	logger   *logger.Logger
}

// New constructs a Propagator from CredentialsConfig.
func New(cfg config.CredentialsConfig, sessions *store.SessionRepository, engine containerengine.Engine, log *logger.Logger) *Propagator {
	allowed := make(map[string]bool, len(cfg.AllowedFiles))
	for _, f := range cfg.AllowedFiles {
		allowed[f] = true
	}
	return &Propagator{
		watchDir: expandHome(cfg.WatchDir),
		allowed:  allowed,
		debounce: cfg.DebounceDuration(),
		sessions: sessions,
		engine:   engine,
		logger:   log.WithFields(zap.String("component", "credentials")),
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Run watches watchDir until ctx is cancelled, restarting the underlying
// fsnotify watcher after restartDelay whenever it errors out.
func (p *Propagator) Run(ctx context.Context) {
	for {
		err := p.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Error("credential watcher failed, restarting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// watchOnce runs one watcher lifetime: it returns nil only when ctx is
// cancelled, and a non-nil error on any watcher failure so Run can restart
// it.
func (p *Propagator) watchOnce(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(p.watchDir); err != nil {
		return fmt.Errorf("watch %s: %w", p.watchDir, err)
	}

	var debounceTimer *time.Timer
	pending := false

	for {
		var timerC <-chan time.Time
		if debounceTimer != nil {
			timerC = debounceTimer.C
		}

		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !p.allowed[filepath.Base(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(p.debounce)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(p.debounce)
			}
			pending = true

		case <-timerC:
			debounceTimer = nil
			if pending {
				pending = false
				p.propagate(ctx)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

// propagate reads the current contents of every allow-listed file present
// in watchDir and copies them into every running session container,
// counting successes and failures without letting one bad container stop
// the rest.
func (p *Propagator) propagate(ctx context.Context) {
	files := p.readAllowedFiles()
	if len(files) == 0 {
		return
	}

	sessions, err := p.sessions.List(ctx)
	if err != nil {
		p.logger.Error("failed to list sessions for credential propagation", zap.Error(err))
		return
	}

	succeeded, failed := 0, 0
	for _, s := range sessions {
		if s.Status != store.SessionRunning || s.ContainerID == "" {
			continue
		}
		if err := p.propagateToContainer(ctx, s.ContainerID, files); err != nil {
			failed++
			p.logger.WithSessionID(s.ID).Warn("failed to propagate credential files to container", zap.Error(err))
			continue
		}
		succeeded++
	}
	p.logger.Info("propagated credential files", zap.Int("succeeded", succeeded), zap.Int("failed", failed))
}

func (p *Propagator) readAllowedFiles() map[string][]byte {
	out := make(map[string][]byte, len(p.allowed))
	for name := range p.allowed {
		data, err := os.ReadFile(filepath.Join(p.watchDir, name))
		if err != nil {
			if !os.IsNotExist(err) {
				p.logger.Warn("failed to read credential file", zap.String("file", name), zap.Error(err))
			}
			continue
		}
		out[name] = data
	}
	return out
}

func (p *Propagator) propagateToContainer(ctx context.Context, containerID string, files map[string][]byte) error {
	if _, err := p.engine.Exec(ctx, containerID, []string{"mkdir", "-p", AgentCredentialDir}); err != nil {
		return fmt.Errorf("ensure credential dir: %w", err)
	}
	for name, data := range files {
		destPath := path.Join(AgentCredentialDir, name)
		if err := p.engine.WriteFile(ctx, containerID, destPath, data, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if _, err := p.engine.Exec(ctx, containerID, []string{"chown", "-R", AgentUser + ":" + AgentUser, AgentCredentialDir}); err != nil {
		return fmt.Errorf("chown %s: %w", AgentCredentialDir, err)
	}
	return nil
}

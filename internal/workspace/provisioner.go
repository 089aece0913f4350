// Package workspace provisions per-session isolated volumes backed by a
// shared bare-repo reference cache for fast clones. Cloning itself runs
// inside an ephemeral worker container via the ContainerEngine adapter
// rather than local os/exec — the clone must land inside the session's
// Docker volume, which only the engine can mount.
package workspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/brendanlong/burrow-runtime/internal/apperrors"
	"github.com/brendanlong/burrow-runtime/internal/common/constants"
	"github.com/brendanlong/burrow-runtime/internal/config"
	"github.com/brendanlong/burrow-runtime/internal/containerengine"
	"github.com/brendanlong/burrow-runtime/internal/logger"
)

// CloneRequest describes one session's desired checkout.
type CloneRequest struct {
	SessionID string
	Owner     string
	Repo      string
	Branch    string
	Token     string // optional; embedded in the clone URL, stripped afterward
}

// CloneResult reports what the provisioner produced.
type CloneResult struct {
	VolumeName string
	SessionRef string // the checked-out branch name, <prefix><session-id>
	UsedCache  bool
}

// Provisioner provisions and tears down session workspaces against an
// Engine and the reference cache volume named in config.
type Provisioner struct {
	cfg       config.WorkspaceConfig
	eng       containerengine.Engine
	namespace string
	logger    *logger.Logger

	// group deduplicates concurrent ensureCache calls for the same
	// owner/repo so two sessions cloning the same repository at once
	// don't race to populate the shared reference cache.
	group singleflight.Group
}

// New constructs a Provisioner.
func New(cfg config.WorkspaceConfig, eng containerengine.Engine, namespace string, log *logger.Logger) *Provisioner {
	return &Provisioner{
		cfg:       cfg,
		eng:       eng,
		namespace: namespace,
		logger:    log.WithFields(zap.String("component", "workspace")),
	}
}

const sessionBranchPrefix = "session/"

// Clone provisions a fresh workspace volume for req and returns once the
// session branch is checked out. Cache failures are non-fatal: the clone
// proceeds without a reference (use-cache = false).
func (p *Provisioner) Clone(ctx context.Context, req CloneRequest) (*CloneResult, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.WorkspaceProvisionTimeout)
	defer cancel()

	mirrorPath := p.mirrorPath(req.Owner, req.Repo)
	usedCache := p.ensureCache(ctx, req)

	volumeName := p.namespace + "-workspace-" + req.SessionID
	workerName := p.namespace + "-clone-" + req.SessionID

	if err := p.eng.EnsureVolume(ctx, volumeName); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "create workspace volume", err)
	}

	mounts := []containerengine.Mount{
		{Source: volumeName, Target: "/workspace", Volume: true},
	}
	if usedCache {
		mounts = append(mounts, containerengine.Mount{Source: p.cfg.ReferenceCacheVolume, Target: "/cache", Volume: true, ReadOnly: true})
	}

	containerID, err := p.eng.CreateContainer(ctx, containerengine.Config{
		Name:       workerName,
		Image:      p.cfg.CloneImage,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
		Mounts:     mounts,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "create clone worker", err)
	}
	defer p.teardownWorker(containerID)

	if err := p.eng.StartContainer(ctx, containerID); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "start clone worker", err)
	}

	cloneURL := p.authedURL(req.Owner, req.Repo, req.Token)
	repoDir := req.Repo

	cloneCmd := []string{"git", "clone", "--branch", req.Branch, "--single-branch"}
	if usedCache {
		cloneCmd = append(cloneCmd, "--reference", mirrorPath, "--dissociate")
	}
	cloneCmd = append(cloneCmd, cloneURL, repoDir)

	if result, err := p.eng.Exec(ctx, containerID, cloneCmd); err != nil || result.ExitCode != 0 {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "git clone failed", cloneExecErr(result, err))
	}

	// rewrite the remote to drop the embedded token.
	bareURL := p.bareURL(req.Owner, req.Repo)
	if result, err := p.eng.Exec(ctx, containerID, []string{"git", "-C", repoDir, "remote", "set-url", "origin", bareURL}); err != nil || result.ExitCode != 0 {
		p.logger.Warn("failed to strip token from remote url", zap.Error(err))
	}

	sessionRef := sessionBranchPrefix + req.SessionID
	if result, err := p.eng.Exec(ctx, containerID, []string{"git", "-C", repoDir, "checkout", "-b", sessionRef}); err != nil || result.ExitCode != 0 {
		return nil, apperrors.Wrap(apperrors.CodeEngineFailure, "git checkout -b failed", cloneExecErr(result, err))
	}

	return &CloneResult{VolumeName: volumeName, SessionRef: sessionRef, UsedCache: usedCache}, nil
}

// ensureCache updates (or creates) the shared bare mirror for req's
// repository. Failures are swallowed — the clone simply proceeds without
// a reference.
func (p *Provisioner) ensureCache(ctx context.Context, req CloneRequest) bool {
	key := req.Owner + "/" + req.Repo
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		return nil, p.refreshMirror(ctx, req)
	})
	_ = v
	if err != nil {
		p.logger.Warn("reference cache unavailable, cloning without it",
			zap.String("repo", key), zap.Error(err))
		return false
	}
	return true
}

func (p *Provisioner) refreshMirror(ctx context.Context, req CloneRequest) error {
	cacheVolume := p.cfg.ReferenceCacheVolume
	workerName := p.namespace + "-cachefetch-" + sanitize(req.Owner+"-"+req.Repo)

	if err := p.eng.EnsureVolume(ctx, cacheVolume); err != nil {
		return fmt.Errorf("ensure reference cache volume: %w", err)
	}

	containerID, err := p.eng.CreateContainer(ctx, containerengine.Config{
		Name:  workerName,
		Image: p.cfg.CloneImage,
		Cmd:   []string{"sleep", "infinity"},
		Mounts: []containerengine.Mount{
			{Source: cacheVolume, Target: "/cache", Volume: true},
		},
	})
	if err != nil {
		return fmt.Errorf("create cache worker: %w", err)
	}
	defer p.teardownWorker(containerID)

	if err := p.eng.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("start cache worker: %w", err)
	}

	mirrorPath := p.mirrorPath(req.Owner, req.Repo)
	exists, err := p.eng.FileExists(ctx, containerID, mirrorPath)
	if err != nil {
		return fmt.Errorf("check mirror exists: %w", err)
	}

	if exists {
		result, err := p.eng.Exec(ctx, containerID, []string{"git", "--git-dir", mirrorPath, "fetch", "--all", "--prune"})
		if err != nil || result.ExitCode != 0 {
			return fmt.Errorf("git fetch --all --prune: %w", cloneExecErr(result, err))
		}
		return nil
	}

	cloneURL := p.authedURL(req.Owner, req.Repo, req.Token)
	result, err := p.eng.Exec(ctx, containerID, []string{"git", "clone", "--bare", cloneURL, mirrorPath})
	if err != nil || result.ExitCode != 0 {
		return fmt.Errorf("git clone --bare: %w", cloneExecErr(result, err))
	}
	return nil
}

// Stat reports the workspace volume's on-disk usage via `du -sh` in an
// ephemeral worker. No other package calls it. Observability
// only — there is no enforcement path.
func (p *Provisioner) Stat(ctx context.Context, sessionID string) (string, error) {
	volumeName := p.namespace + "-workspace-" + sessionID
	workerName := p.namespace + "-stat-" + sessionID

	containerID, err := p.eng.CreateContainer(ctx, containerengine.Config{
		Name:  workerName,
		Image: p.cfg.CloneImage,
		Cmd:   []string{"sleep", "infinity"},
		Mounts: []containerengine.Mount{
			{Source: volumeName, Target: "/workspace", Volume: true},
		},
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeEngineFailure, "create stat worker", err)
	}
	defer p.teardownWorker(containerID)

	if err := p.eng.StartContainer(ctx, containerID); err != nil {
		return "", apperrors.Wrap(apperrors.CodeEngineFailure, "start stat worker", err)
	}

	result, err := p.eng.Exec(ctx, containerID, []string{"du", "-sh", "/workspace"})
	if err != nil || result.ExitCode != 0 {
		return "", apperrors.Wrap(apperrors.CodeEngineFailure, "du -sh failed", cloneExecErr(result, err))
	}
	fields := strings.Fields(string(result.Stdout))
	if len(fields) == 0 {
		return "", fmt.Errorf("unexpected du output: %q", string(result.Stdout))
	}
	return fields[0], nil
}

// Delete removes the session's workspace volume. Failure is logged but
// never blocks session deletion.
func (p *Provisioner) Delete(ctx context.Context, sessionID string) {
	volumeName := p.namespace + "-workspace-" + sessionID
	if err := p.eng.RemoveVolume(ctx, volumeName, true); err != nil {
		p.logger.Warn("workspace volume removal failed, continuing", zap.String("volume", volumeName), zap.Error(err))
	}
}

// teardownWorker force-removes an ephemeral clone/stat worker container in
// the background, with no grace period.
func (p *Provisioner) teardownWorker(containerID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.eng.RemoveContainer(ctx, containerID, true); err != nil {
			p.logger.Warn("ephemeral worker cleanup failed", zap.String("container_id", containerID), zap.Error(err))
		}
	}()
}

func (p *Provisioner) mirrorPath(owner, repo string) string {
	return fmt.Sprintf("/cache/%s--%s.git", owner, repo)
}

func (p *Provisioner) authedURL(owner, repo, token string) string {
	if token == "" {
		return p.bareURL(owner, repo)
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)
}

func (p *Provisioner) bareURL(owner, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

func sanitize(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "/", "-")
}

func cloneExecErr(result *containerengine.ExecResult, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("exit %d: %s", result.ExitCode, strings.TrimSpace(string(result.Stderr)))
}

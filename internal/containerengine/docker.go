package containerengine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/config"
	"github.com/brendanlong/burrow-runtime/internal/logger"
)

// DockerEngine implements Engine against the Docker API. The client is
// created lazily on first use — uses mu + initialized instead of sync.Once
// so a transient daemon-unavailable error at boot can be retried on the
// next call rather than wedging the adapter forever.
type DockerEngine struct {
	cfg    config.EngineConfig
	logger *logger.Logger

	mu          sync.Mutex
	initialized bool
	cli         *client.Client

	pullLimiter *pullRateLimiter

	execsMu sync.Mutex
	execs   map[string]*execHandle
}

// NewDockerEngine constructs a DockerEngine. The Docker client itself is
// not dialed until the first call that needs it.
func NewDockerEngine(cfg config.EngineConfig, log *logger.Logger) *DockerEngine {
	return &DockerEngine{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("engine", "docker")),
		pullLimiter: newPullRateLimiter(),
		execs:       make(map[string]*execHandle),
	}
}

func (e *DockerEngine) ensureClient() (*client.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return e.cli, nil
	}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if e.cfg.Host != "" {
		opts = append(opts, client.WithHost(e.cfg.Host))
	}
	if e.cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(e.cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	e.cli = cli
	e.initialized = true
	e.logger.Info("docker client created", zap.String("host", e.cfg.Host))
	return cli, nil
}

// Close releases the underlying client, if one was ever created.
func (e *DockerEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	return e.cli.Close()
}

// PullImage pulls an image, serialized per image name via pullLimiter so
// concurrent session creation does not launch a duplicate pull storm
// against the registry.
func (e *DockerEngine) PullImage(ctx context.Context, imageName string) error {
	release := e.pullLimiter.acquire(imageName)
	defer release()

	cli, err := e.ensureClient()
	if err != nil {
		return err
	}

	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

func (e *DockerEngine) CreateContainer(ctx context.Context, cfg Config) (string, error) {
	cli, err := e.ensureClient()
	if err != nil {
		return "", err
	}

	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mt := mount.TypeBind
		if m.Volume {
			mt = mount.TypeVolume
		}
		mounts = append(mounts, mount.Mount{
			Type:     mt,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
		Tty:        false,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		AutoRemove:  cfg.AutoRemove,
		Resources: container.Resources{
			Memory:   cfg.Memory,
			CPUQuota: cfg.CPUQuota,
		},
	}

	resp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	e.logger.Info("container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, containerID string) error {
	cli, err := e.ensureClient()
	if err != nil {
		return err
	}
	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

func (e *DockerEngine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	cli, err := e.ensureClient()
	if err != nil {
		return err
	}
	timeoutSeconds := int(timeout.Seconds())
	if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

func (e *DockerEngine) KillContainer(ctx context.Context, containerID string, signal string) error {
	cli, err := e.ensureClient()
	if err != nil {
		return err
	}
	if err := cli.ContainerKill(ctx, containerID, signal); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", containerID, err)
	}
	return nil
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	cli, err := e.ensureClient()
	if err != nil {
		return err
	}
	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

func (e *DockerEngine) GetContainerInfo(ctx context.Context, containerID string) (*Info, error) {
	cli, err := e.ensureClient()
	if err != nil {
		return nil, err
	}
	inspect, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	info := &Info{
		ID:        inspect.ID,
		Name:      inspect.Name,
		Image:     inspect.Config.Image,
		State:     inspect.State.Status,
		Status:    inspect.State.Status,
		ExitCode:  inspect.State.ExitCode,
		OOMKilled: inspect.State.OOMKilled,
	}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if inspect.State.FinishedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = t
		}
	}
	if inspect.State.Health != nil {
		info.Health = inspect.State.Health.Status
	}
	return info, nil
}

func (e *DockerEngine) GetContainerIP(ctx context.Context, containerID string) (string, error) {
	cli, err := e.ensureClient()
	if err != nil {
		return "", err
	}
	inspect, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", err
	}
	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			return inspect.NetworkSettings.IPAddress, nil
		}
		for _, netSettings := range inspect.NetworkSettings.Networks {
			if netSettings.IPAddress != "" {
				return netSettings.IPAddress, nil
			}
		}
	}
	return "", fmt.Errorf("no IP address found for container %s", containerID)
}

func (e *DockerEngine) GetContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	cli, err := e.ensureClient()
	if err != nil {
		return nil, err
	}
	reader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs for %s: %w", containerID, err)
	}
	return reader, nil
}

func (e *DockerEngine) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	cli, err := e.ensureClient()
	if err != nil {
		return -1, err
	}
	statusCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container %s: %w", containerID, err)
		}
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	return -1, nil
}

func (e *DockerEngine) ListContainers(ctx context.Context, labels map[string]string) ([]Info, error) {
	cli, err := e.ensureClient()
	if err != nil {
		return nil, err
	}

	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, Info{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
		})
	}
	return infos, nil
}

func (e *DockerEngine) Ping(ctx context.Context) error {
	cli, err := e.ensureClient()
	if err != nil {
		return err
	}
	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// EnsureVolume creates a named volume if it does not already exist.
// Docker also auto-creates named volumes on first mount, but the
// workspace provisioner calls this up front so a cache-volume failure is
// reported before any ephemeral worker container is spun up.
func (e *DockerEngine) EnsureVolume(ctx context.Context, name string) error {
	cli, err := e.ensureClient()
	if err != nil {
		return err
	}
	if _, err := cli.VolumeInspect(ctx, name); err == nil {
		return nil
	}
	if _, err := cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume deletes a named volume. force removes it even if Docker
// believes something still references it, matching the tolerant cleanup
// posture the rest of the engine's teardown paths use.
func (e *DockerEngine) RemoveVolume(ctx context.Context, name string, force bool) error {
	cli, err := e.ensureClient()
	if err != nil {
		return err
	}
	if err := cli.VolumeRemove(ctx, name, force); err != nil {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

package containerengine

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/docker/docker/api/types/container"
)

// WriteFile creates or overwrites path inside containerID. Docker's copy
// API only accepts a tar stream, so a single-entry archive is built in
// memory; these files are small (credentials, settings), so there is no
// need to stream.
func (e *DockerEngine) WriteFile(ctx context.Context, containerID, destPath string, data []byte, mode int64) error {
	cli, err := e.ensureClient()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(destPath),
		Mode: mode,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", destPath, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar payload for %s: %w", destPath, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar archive for %s: %w", destPath, err)
	}

	if err := cli.CopyToContainer(ctx, containerID, path.Dir(destPath), &buf, container.CopyToContainerOptions{
		AllowOverwriteDirWithFile: false,
	}); err != nil {
		return fmt.Errorf("copy %s to container: %w", destPath, err)
	}
	return nil
}

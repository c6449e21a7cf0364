package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// LocalDriver implements the Driver interface for local filesystem
type LocalDriver struct {
	basePath string
	logger   *zap.Logger
}

// NewLocalDriver creates a new local filesystem driver
func NewLocalDriver(basePath string, logger *zap.Logger) *LocalDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDriver{
		basePath: basePath,
		logger:   logger,
	}
}

func (d *LocalDriver) path(container, artifact string) (string, error) {
	root := filepath.Join(d.basePath, container)
	full := filepath.Join(root, filepath.FromSlash(artifact))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact %q escapes container %q", artifact, container)
	}
	return full, nil
}

// Get retrieves an artifact from a container
func (d *LocalDriver) Get(ctx context.Context, container, artifact string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := d.path(container, artifact)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("LocalDriver.Get",
		zap.String("container", container),
		zap.String("artifact", artifact),
		zap.String("fullPath", fullPath))

	f, err := os.Open(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("get %s/%s: %w", container, artifact, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", container, artifact, err)
	}
	return f, nil
}

// Put stores an artifact in a container, replacing any existing copy.
// Content type is not persisted on the filesystem.
func (d *LocalDriver) Put(ctx context.Context, container, artifact string, data io.Reader, opts ...PutOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := d.path(container, artifact)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	// Write to a sibling temp file so readers never see a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".put-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to copy data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return fmt.Errorf("commit file: %w", err)
	}

	d.logger.Debug("LocalDriver.Put",
		zap.String("container", container),
		zap.String("artifact", artifact),
		zap.String("contentType", applyPutOptions(opts).ContentType))
	return nil
}

// Delete removes an artifact from a container
func (d *LocalDriver) Delete(ctx context.Context, container, artifact string) error {
	fullPath, err := d.path(container, artifact)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s/%s: %w", container, artifact, err)
	}
	return nil
}

// List returns slash-separated artifact names in a container that start with prefix.
func (d *LocalDriver) List(ctx context.Context, container, prefix string) ([]string, error) {
	containerPath := filepath.Join(d.basePath, container)
	var artifacts []string

	err := filepath.WalkDir(containerPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(containerPath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			artifacts = append(artifacts, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", container, err)
	}
	return artifacts, nil
}

// Exists checks if an artifact exists
func (d *LocalDriver) Exists(ctx context.Context, container, artifact string) (bool, error) {
	fullPath, err := d.path(container, artifact)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HealthCheck verifies the base path is a directory and that the container,
// if already created, is one too.
func (d *LocalDriver) HealthCheck(ctx context.Context, container string) error {
	info, err := os.Stat(d.basePath)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("health check failed: %s is not a directory", d.basePath)
	}

	root, err := d.path(container, "")
	if err != nil {
		return err
	}
	info, err = os.Stat(root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("health check failed: %w", err)
	case !info.IsDir():
		return fmt.Errorf("health check failed: container %s is not a directory", container)
	}
	return nil
}

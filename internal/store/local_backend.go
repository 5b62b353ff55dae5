package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/devrev/objectstore/internal/errors"
)

const coldLockFile = ".lock"

// LocalBackend is a cold tier on a local filesystem. Blobs become visible
// only after they are fully written and synced.
type LocalBackend struct {
	dir    string
	lock   *flock.Flock
	logger *zap.Logger
}

// NewLocalBackend opens dir as a cold tier and takes its directory lock
func NewLocalBackend(dir string, logger *zap.Logger) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cold tier directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, coldLockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock cold tier directory: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("cold tier directory %s is in use by another process", dir)
	}

	return &LocalBackend{dir: dir, lock: lock, logger: logger}, nil
}

func (b *LocalBackend) path(id string) string {
	if len(id) < 4 {
		return filepath.Join(b.dir, id)
	}
	return filepath.Join(b.dir, id[:2], id[2:4], id)
}

// Put streams r into a temp file, fsyncs it and renames it into place
func (b *LocalBackend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	final := b.path(id)
	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(parent, id+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		return err
	}
	if size >= 0 && written != size {
		return fmt.Errorf("short write: wrote %d of %d bytes", written, size)
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		return err
	}
	committed = true

	if err := syncDir(parent); err != nil {
		b.logger.Warn("Failed to sync cold tier directory", zap.String("dir", parent), zap.Error(err))
	}
	return nil
}

func (b *LocalBackend) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.BlobNotFound(id)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return data, nil
}

func (b *LocalBackend) Stat(_ context.Context, id string) (bool, error) {
	_, err := os.Stat(b.path(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (b *LocalBackend) Delete(_ context.Context, id string) error {
	if err := os.Remove(b.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Ping verifies the directory is still writable
func (b *LocalBackend) Ping(context.Context) error {
	probe, err := os.CreateTemp(b.dir, "probe-*.tmp")
	if err != nil {
		return fmt.Errorf("cold tier directory not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// Close releases the directory lock
func (b *LocalBackend) Close() error {
	return b.lock.Unlock()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

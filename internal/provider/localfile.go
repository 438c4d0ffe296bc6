package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

func init() {
	Register(TypeLocalFile, func(cfg Config) (Provider, error) {
		return NewLocalFile(cfg.Path)
	})
}

// LocalFile stores the sync file on the local filesystem. Writes go
// through a temp file plus rename so a crash mid-write never leaves a
// half-written sync file behind.
type LocalFile struct {
	path string
}

// NewLocalFile returns a provider for the file at path.
func NewLocalFile(path string) (*LocalFile, error) {
	if path == "" {
		return nil, fmt.Errorf("local file provider needs a path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	return &LocalFile{path: abs}, nil
}

// Read implements Provider.
func (l *LocalFile) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, mapFSError(err)
	}
	return data, nil
}

// Write implements Provider. The write is atomic: temp file in the same
// directory, then rename over the target.
func (l *LocalFile) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return mapFSError(err)
	}

	tmp, err := os.CreateTemp(dir, ".finch-sync-*")
	if err != nil {
		return mapFSError(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return mapFSError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return mapFSError(err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return mapFSError(err)
	}
	return nil
}

// LastModified implements Provider.
func (l *LocalFile) LastModified(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return time.Time{}, mapFSError(err)
	}
	return info.ModTime(), nil
}

// DisplayName implements Provider.
func (l *LocalFile) DisplayName() string {
	return filepath.Base(l.path)
}

// Changes implements ChangeNotifier using fsnotify on the file's
// directory. Events are hints only; the poll loop still verifies against
// the watermark before importing.
func (l *LocalFile) Changes(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory, not the file: editors and atomic renames
	// replace the inode.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(l.path), err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != l.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default: // hint already pending
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func mapFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	default:
		return err
	}
}

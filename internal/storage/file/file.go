package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goodtune/presence/internal/storage"
	"github.com/spf13/afero"
)

const (
	backupSuffix  = ".bak"
	stagingSuffix = ".tmp"
)

// Store implements storage.Backend on a filesystem. The current document
// lives at path, the previous one at path.bak. New documents are staged in
// path.tmp and renamed into place.
type Store struct {
	fs   afero.Fs
	path string
}

var _ storage.Backend = (*Store)(nil)

// Open opens a file-backed store on the host filesystem.
func Open(path string) (*Store, error) {
	return New(afero.NewOsFs(), path)
}

// New opens a file-backed store on fs.
func New(fs afero.Fs, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("document path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	s := &Store{fs: fs, path: path}

	// A staging file left behind by a crash is never valid.
	if err := fs.Remove(s.stagingPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale staging file: %w", err)
	}
	return s, nil
}

// Name returns the backend name.
func (s *Store) Name() string { return "file" }

// Close is a no-op for the file backend.
func (s *Store) Close() error { return nil }

// Read returns the current document.
func (s *Store) Read(ctx context.Context) ([]byte, error) {
	return s.read(ctx, s.path)
}

// ReadBackup returns the snapshot taken before the last write.
func (s *Store) ReadBackup(ctx context.Context) ([]byte, error) {
	return s.read(ctx, s.backupPath())
}

// Write snapshots the current document to the backup path, then replaces
// it with data through a staged, synced rename.
func (s *Store) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.snapshot(); err != nil {
		return err
	}

	tmp := s.stagingPath()
	if err := writeSynced(s.fs, tmp, data); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("stage document: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace document: %w", err)
	}

	s.syncDir()
	return nil
}

func (s *Store) read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *Store) snapshot() error {
	current, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read document for backup: %w", err)
	}
	if err := writeSynced(s.fs, s.backupPath(), current); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

// syncDir flushes the rename to disk. Not every filesystem supports
// syncing a directory handle, so failures are ignored.
func (s *Store) syncDir() {
	dir, err := s.fs.Open(filepath.Dir(s.path))
	if err != nil {
		return
	}
	_ = dir.Sync()
	_ = dir.Close()
}

func (s *Store) backupPath() string  { return s.path + backupSuffix }
func (s *Store) stagingPath() string { return s.path + stagingSuffix }

func writeSynced(fs afero.Fs, path string, data []byte) error {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Backend persists the raw bytes of the state document.
//
// Write must replace the current document atomically and keep the
// previous one readable through ReadBackup.
type Backend interface {
	Name() string
	Read(ctx context.Context) ([]byte, error)
	ReadBackup(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// LoadError is returned when the document could not be loaded even after
// retries and the backup fallback.
type LoadError struct {
	Backend     string
	Attempts    int
	BackupTried bool
	Err         error
}

func (e *LoadError) Error() string {
	if e.BackupTried {
		return fmt.Sprintf("load %s document failed after %d attempts and backup fallback: %v", e.Backend, e.Attempts, e.Err)
	}
	return fmt.Sprintf("load %s document failed after %d attempts: %v", e.Backend, e.Attempts, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SaveError is returned when the document could not be written.
type SaveError struct {
	Backend string
	Err     error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s document: %v", e.Backend, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// ErrEmptyDocument marks a zero-length payload, which is treated as
// corruption rather than an empty document.
var ErrEmptyDocument = errors.New("storage: document is empty")

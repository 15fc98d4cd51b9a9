package bolt

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/presence/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketDocument = "document"

	keyCurrent = "current"
	keyBackup  = "backup"
)

// Store implements storage.Backend using bbolt.
type Store struct {
	db *bbolt.DB
}

var _ storage.Backend = (*Store)(nil)

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketDocument)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketDocument, err)
		}
		return nil
	})
}

// Name returns the backend name.
func (s *Store) Name() string { return "bolt" }

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Read returns the current document.
func (s *Store) Read(ctx context.Context) ([]byte, error) {
	return s.get(ctx, keyCurrent)
}

// ReadBackup returns the document as it was before the last write.
func (s *Store) ReadBackup(ctx context.Context) ([]byte, error) {
	return s.get(ctx, keyBackup)
}

// Write moves the current document to the backup key and stores data as
// the new current document in one transaction.
func (s *Store) Write(ctx context.Context, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDocument))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketDocument)
		}
		if current := b.Get([]byte(keyCurrent)); current != nil {
			if err := b.Put([]byte(keyBackup), bytes.Clone(current)); err != nil {
				return fmt.Errorf("write backup: %w", err)
			}
		}
		if err := b.Put([]byte(keyCurrent), data); err != nil {
			return fmt.Errorf("write document: %w", err)
		}
		return nil
	})
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDocument))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		// bbolt values are only valid for the life of the transaction.
		out = bytes.Clone(value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

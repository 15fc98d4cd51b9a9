package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/presence/internal/config"
	"github.com/goodtune/presence/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements storage.Backend using Redis
type Store struct {
	client     *redis.Client
	rotate     *redis.Script
	currentKey string
	backupKey  string
}

var _ storage.Backend = (*Store)(nil)

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "presence"
	}

	return &Store{
		client:     client,
		rotate:     redis.NewScript(rotateDocumentScript),
		currentKey: prefix + ":document",
		backupKey:  prefix + ":document:bak",
	}, nil
}

// Name returns the backend name
func (s *Store) Name() string { return "redis" }

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Read returns the current document
func (s *Store) Read(ctx context.Context) ([]byte, error) {
	return s.get(ctx, s.currentKey)
}

// ReadBackup returns the document as it was before the last write
func (s *Store) ReadBackup(ctx context.Context) ([]byte, error) {
	return s.get(ctx, s.backupKey)
}

// Write stores data as the current document, keeping the previous one as
// the backup
func (s *Store) Write(ctx context.Context, data []byte) error {
	keys := []string{s.currentKey, s.backupKey}
	if err := s.rotate.Run(ctx, s.client, keys, data).Err(); err != nil {
		return fmt.Errorf("rotate document: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

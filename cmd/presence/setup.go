package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goodtune/presence/internal/config"
	"github.com/goodtune/presence/internal/storage"
	"github.com/goodtune/presence/internal/storage/bolt"
	"github.com/goodtune/presence/internal/storage/file"
	"github.com/goodtune/presence/internal/storage/redis"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// openBackend opens the configured storage backend.
func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Type {
	case "", "file":
		return file.Open(cfg.Path)
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// openDocumentStore opens the backend and wraps it in a document store.
func openDocumentStore(cfg config.StorageConfig, logger zerolog.Logger) (*storage.DocumentStore, error) {
	template, err := readTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewDocumentStore(backend, storage.Config{
		Template:       template,
		LoadAttempts:   cfg.LoadAttempts,
		LoadRetryDelay: parseDuration(cfg.LoadRetryDelay, storage.DefaultLoadRetryDelay),
	}, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

// readTemplate returns the template document at path, or the built-in one
// when path is empty.
func readTemplate(path string) ([]byte, error) {
	if path == "" {
		return storage.DefaultTemplate(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil, fmt.Errorf("template %s is not a JSON object", path)
	}
	return data, nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: cfg.File != ""}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(out).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

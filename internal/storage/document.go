package storage

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/presence/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultLoadAttempts is how many times a corrupt document is re-read
	// before falling back to the backup copy.
	DefaultLoadAttempts = 5

	// DefaultLoadRetryDelay is the pause between load attempts.
	DefaultLoadRetryDelay = 200 * time.Millisecond
)

//go:embed template.json
var defaultTemplate []byte

// DefaultTemplate returns the built-in template document.
func DefaultTemplate() []byte {
	return bytes.Clone(defaultTemplate)
}

// DocumentStore loads and saves the state document through a Backend.
type DocumentStore struct {
	backend    Backend
	template   map[string]json.RawMessage
	attempts   int
	retryDelay time.Duration
	logger     zerolog.Logger
}

// Config holds document store settings.
type Config struct {
	// Template is merged underneath every loaded document. Defaults to the
	// built-in template when empty.
	Template       []byte
	LoadAttempts   int
	LoadRetryDelay time.Duration
}

// NewDocumentStore wraps backend with template merging, retries and
// backup recovery.
func NewDocumentStore(backend Backend, cfg Config, logger zerolog.Logger) (*DocumentStore, error) {
	if len(cfg.Template) == 0 {
		cfg.Template = defaultTemplate
	}
	if cfg.LoadAttempts <= 0 {
		cfg.LoadAttempts = DefaultLoadAttempts
	}
	if cfg.LoadRetryDelay < 0 {
		cfg.LoadRetryDelay = 0
	}

	var template map[string]json.RawMessage
	if err := json.Unmarshal(cfg.Template, &template); err != nil {
		return nil, fmt.Errorf("parse template document: %w", err)
	}
	if template == nil {
		return nil, fmt.Errorf("template document is not a JSON object")
	}

	return &DocumentStore{
		backend:    backend,
		template:   template,
		attempts:   cfg.LoadAttempts,
		retryDelay: cfg.LoadRetryDelay,
		logger:     logger.With().Str("component", "document-store").Str("backend", backend.Name()).Logger(),
	}, nil
}

// Backend returns the underlying backend.
func (s *DocumentStore) Backend() Backend { return s.backend }

// Close closes the backend.
func (s *DocumentStore) Close() error { return s.backend.Close() }

// Load reads the persisted document merged over the template. Parse
// failures are retried; once attempts are exhausted the backup copy is
// used. A first run with nothing persisted yields the template document,
// which is written out immediately.
func (s *DocumentStore) Load(ctx context.Context) (*Document, error) {
	attempts := 0
	var doc *Document

	operation := func() error {
		attempts++
		data, err := s.backend.Read(ctx)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			metrics.StoreLoadAttempts.WithLabelValues("error").Inc()
			return err
		}
		decoded, err := s.Decode(data)
		if err != nil {
			metrics.StoreLoadAttempts.WithLabelValues("corrupt").Inc()
			return err
		}
		metrics.StoreLoadAttempts.WithLabelValues("ok").Inc()
		doc = decoded
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), uint64(s.attempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		s.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Int("attempts_left", s.attempts-attempts).
			Dur("retry_in", wait).
			Msg("Load document failed, retrying")
	})
	if err == nil {
		return doc, nil
	}

	if errors.Is(err, ErrNotFound) {
		backup, berr := s.loadBackup(ctx)
		switch {
		case berr == nil:
			s.logger.Warn().Msg("Document missing, recovered from backup")
			return backup, nil
		case errors.Is(berr, ErrNotFound):
			s.logger.Info().Msg("No document found, creating from template")
			fresh, terr := s.fromTemplate()
			if terr != nil {
				return nil, &LoadError{Backend: s.backend.Name(), Attempts: attempts, Err: terr}
			}
			if serr := s.Save(ctx, fresh); serr != nil {
				s.logger.Error().Err(serr).Msg("Failed to write initial document")
			}
			return fresh, nil
		default:
			return nil, &LoadError{Backend: s.backend.Name(), Attempts: attempts, BackupTried: true, Err: berr}
		}
	}

	s.logger.Error().Err(err).Int("attempts", attempts).Msg("Load document failed, reached max retry count")
	if ctx.Err() != nil {
		return nil, &LoadError{Backend: s.backend.Name(), Attempts: attempts, Err: err}
	}

	backup, berr := s.loadBackup(ctx)
	if berr != nil {
		return nil, &LoadError{Backend: s.backend.Name(), Attempts: attempts, BackupTried: true, Err: errors.Join(err, berr)}
	}
	s.logger.Warn().Msg("Recovered document from backup")
	return backup, nil
}

// Read performs a single read of the current document without retries or
// backup fallback.
func (s *DocumentStore) Read(ctx context.Context) (*Document, error) {
	data, err := s.backend.Read(ctx)
	if err != nil {
		return nil, err
	}
	return s.Decode(data)
}

func (s *DocumentStore) loadBackup(ctx context.Context) (*Document, error) {
	data, err := s.backend.ReadBackup(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := s.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	return doc, nil
}

func (s *DocumentStore) fromTemplate() (*Document, error) {
	doc := &Document{}
	if err := doc.fromFields(cloneFields(s.template)); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return doc, nil
}

// Decode parses a persisted payload and merges it over the template.
func (s *DocumentStore) Decode(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDocument
	}
	var persisted map[string]json.RawMessage
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if persisted == nil {
		return nil, fmt.Errorf("parse document: not a JSON object")
	}

	merged := cloneFields(s.template)
	for k, v := range persisted {
		merged[k] = v
	}

	doc := &Document{}
	if err := doc.fromFields(merged); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// Encode serializes a document the way it is written to the backend.
func Encode(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// Save encodes and writes the document.
func (s *DocumentStore) Save(ctx context.Context, doc *Document) error {
	data, err := Encode(doc)
	if err != nil {
		metrics.StoreSaves.WithLabelValues(s.backend.Name(), "error").Inc()
		return &SaveError{Backend: s.backend.Name(), Err: err}
	}
	return s.Write(ctx, data)
}

// Write stores an already encoded document.
func (s *DocumentStore) Write(ctx context.Context, data []byte) error {
	if err := s.backend.Write(ctx, data); err != nil {
		metrics.StoreSaves.WithLabelValues(s.backend.Name(), "error").Inc()
		return &SaveError{Backend: s.backend.Name(), Err: err}
	}
	metrics.StoreSaves.WithLabelValues(s.backend.Name(), "ok").Inc()
	return nil
}

func cloneFields(fields map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

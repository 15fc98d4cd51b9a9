package presence

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/presence/internal/storage"
	"github.com/goodtune/presence/internal/usage"
	"github.com/rs/zerolog"
)

const (
	// DefaultOfflineText replaces the app name of a device that went stale.
	DefaultOfflineText = "[offline]"

	// lastUpdatedLayout is the layout of the document's last_updated field.
	lastUpdatedLayout = "2006-01-02 15:04:05"
)

// Config holds engine settings.
type Config struct {
	Location *time.Location

	OfflineText      string
	AutoSwitchStatus bool

	NotUsingText string
	UsingFirst   bool
	Sorted       bool

	RecentLimit          int
	AggregateRecentLimit int

	VisitPaths []string
}

// Engine owns the in-memory state document. All reads and writes go
// through its mutex; persistence happens outside of it.
type Engine struct {
	store  *storage.DocumentStore
	clock  quartz.Clock
	cfg    Config
	logger zerolog.Logger

	visitPaths map[string]struct{}

	mu       sync.Mutex
	doc      *storage.Document
	revision uint64

	// saveMu orders writes; saved is the revision last written.
	saveMu sync.Mutex
	saved  uint64
}

// New loads the document from store and returns an engine serving it.
func New(ctx context.Context, store *storage.DocumentStore, cfg Config, clock quartz.Clock, logger zerolog.Logger) (*Engine, error) {
	doc, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return newEngine(doc, store, cfg, clock, logger), nil
}

func newEngine(doc *storage.Document, store *storage.DocumentStore, cfg Config, clock quartz.Clock, logger zerolog.Logger) *Engine {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.OfflineText == "" {
		cfg.OfflineText = DefaultOfflineText
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = usage.DefaultRecentLimit
	}
	if cfg.AggregateRecentLimit <= 0 {
		cfg.AggregateRecentLimit = usage.DefaultAggregateRecentLimit
	}

	paths := make(map[string]struct{}, len(cfg.VisitPaths))
	for _, p := range cfg.VisitPaths {
		paths[p] = struct{}{}
	}

	return &Engine{
		store:      store,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.With().Str("component", "engine").Logger(),
		visitPaths: paths,
		doc:        doc,
	}
}

// Location returns the zone used for windows and hour keys.
func (e *Engine) Location() *time.Location { return e.cfg.Location }

// now returns the current time in the configured zone.
func (e *Engine) now() time.Time {
	return e.clock.Now().In(e.cfg.Location)
}

// touch records a mutation. Callers hold e.mu.
func (e *Engine) touch() {
	e.revision++
}

// stampUpdated sets last_updated. Callers hold e.mu.
func (e *Engine) stampUpdated(now time.Time) {
	e.doc.LastUpdated = now.Format(lastUpdatedLayout)
}

// snapshot encodes the document at its current revision.
func (e *Engine) snapshot() (uint64, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, err := storage.Encode(e.doc)
	return e.revision, data, err
}

// write stores a snapshot unless a newer revision has already been
// written.
func (e *Engine) write(ctx context.Context, revision uint64, data []byte) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	if revision < e.saved {
		e.logger.Debug().
			Uint64("revision", revision).
			Uint64("saved", e.saved).
			Msg("Skipping stale snapshot")
		return nil
	}
	if err := e.store.Write(ctx, data); err != nil {
		return err
	}
	e.saved = revision
	return nil
}

// persist writes the current document. Failures are logged; the
// in-memory document stays authoritative.
func (e *Engine) persist(ctx context.Context) {
	if err := e.Save(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to save document")
	}
}

// Save writes the current document.
func (e *Engine) Save(ctx context.Context) error {
	revision, data, err := e.snapshot()
	if err != nil {
		return &storage.SaveError{Backend: e.store.Backend().Name(), Err: err}
	}
	return e.write(ctx, revision, data)
}

// Flush performs the final save on shutdown.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.Save(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Final save failed")
		return err
	}
	e.logger.Info().Msg("Document flushed")
	return nil
}

// Checkpoint compares the in-memory document with the persisted one and
// writes it when they differ. The persisted copy is read without holding
// the document lock. It reports whether a write happened.
func (e *Engine) Checkpoint(ctx context.Context) (bool, error) {
	revision, data, err := e.snapshot()
	if err != nil {
		return false, fmt.Errorf("snapshot document: %w", err)
	}

	persisted, err := e.store.Read(ctx)
	if err == nil {
		stored, encErr := storage.Encode(persisted)
		if encErr == nil && bytes.Equal(stored, data) {
			return false, nil
		}
	} else {
		e.logger.Debug().Err(err).Msg("Persisted document unreadable, rewriting")
	}

	if err := e.write(ctx, revision, data); err != nil {
		return false, err
	}
	return true, nil
}

// Document returns a deep copy of the current document.
func (e *Engine) Document() (*storage.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Clone()
}

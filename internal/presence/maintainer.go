package presence

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/presence/internal/metrics"
	"github.com/rs/zerolog"
)

// Maintainer runs the periodic liveness sweep and checkpoint.
type Maintainer struct {
	engine    *Engine
	interval  time.Duration
	threshold time.Duration
	clock     quartz.Clock
	logger    zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMaintainer creates a maintainer ticking every interval. Devices not
// seen for longer than threshold are marked offline; a zero threshold
// disables the sweep.
func NewMaintainer(engine *Engine, interval, threshold time.Duration, clock quartz.Clock, logger zerolog.Logger) *Maintainer {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Maintainer{
		engine:    engine,
		interval:  interval,
		threshold: threshold,
		clock:     clock,
		logger:    logger.With().Str("component", "maintainer").Logger(),
	}
}

// Start begins the maintenance loop.
func (m *Maintainer) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	ticker := m.clock.NewTicker(m.interval, "maintainer")
	go m.run(ctx, ticker)

	m.logger.Info().
		Dur("interval", m.interval).
		Dur("offline_threshold", m.threshold).
		Msg("Maintenance loop started")
}

// Stop ends the loop and flushes the document.
func (m *Maintainer) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.logger.Info().Msg("Maintenance loop stopped")
	return m.engine.Flush(ctx)
}

func (m *Maintainer) run(ctx context.Context, ticker *quartz.Ticker) {
	defer close(m.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
			ticker.Reset(m.interval, "maintainer", "reset")
		}
	}
}

// Tick runs one maintenance pass: visit rollover, the liveness sweep, the
// auto status switch and a checkpoint.
func (m *Maintainer) Tick(ctx context.Context) {
	m.engine.RolloverVisits()

	if m.threshold > 0 {
		if n := m.engine.MarkStaleOffline(m.threshold); n > 0 {
			m.logger.Info().Int("changed", n).Msg("Device liveness updated")
		}
	}
	m.engine.CheckDeviceStatus(true)

	saved, err := m.engine.Checkpoint(ctx)
	switch {
	case err != nil:
		metrics.MaintenanceTicks.WithLabelValues("error").Inc()
		m.logger.Error().Err(err).Msg("Checkpoint failed")
	case saved:
		metrics.MaintenanceTicks.WithLabelValues("saved").Inc()
		m.logger.Debug().Msg("Checkpoint wrote document")
	default:
		metrics.MaintenanceTicks.WithLabelValues("ok").Inc()
	}
}

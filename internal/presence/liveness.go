package presence

import (
	"time"

	"github.com/goodtune/presence/internal/metrics"
)

// MarkStaleOffline marks devices not heard from within threshold as
// offline and brings back devices that reported again. Devices that never
// reported a timestamp are left alone. It returns the number of devices
// whose offline flag changed.
func (e *Engine) MarkStaleOffline(threshold time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-threshold)
	changed, offline := 0, 0
	for id, d := range e.doc.DeviceStatus {
		seen := d.LastSeen()
		if seen.IsZero() {
			if d.Offline {
				offline++
			}
			continue
		}

		stale := seen.Before(cutoff)
		switch {
		case stale && !d.Offline:
			d.Offline = true
			d.Using = false
			d.AppName = e.cfg.OfflineText
			changed++
			e.logger.Info().
				Str("device", id).
				Time("last_seen", seen).
				Msg("Device marked offline")
		case !stale && d.Offline:
			d.Offline = false
			changed++
			e.logger.Info().Str("device", id).Msg("Device back online")
		}
		if d.Offline {
			offline++
		}
	}

	metrics.OfflineDevices.Set(float64(offline))
	if changed > 0 {
		e.touch()
	}
	return changed
}

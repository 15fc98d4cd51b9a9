package presence

import (
	"context"
	"sort"

	"github.com/goodtune/presence/internal/storage"
)

// Coarse status values that take part in automatic switching.
const (
	StatusActive = 0
	StatusIdle   = 1
)

// DeviceView is one device in the status view.
type DeviceView struct {
	ID string `json:"id"`
	storage.DeviceStatus
}

// StatusView is the public live status.
type StatusView struct {
	Time        string       `json:"time"`
	Timezone    string       `json:"timezone"`
	Status      int          `json:"status"`
	PrivateMode bool         `json:"private_mode"`
	Devices     []DeviceView `json:"device"`
	LastUpdated string       `json:"last_updated"`
}

// Status returns the live status. Devices are hidden in private mode.
// Otherwise they are ordered by id when sorted is set, or most recently
// seen first, with using devices ahead when using_first is set.
func (e *Engine) Status() StatusView {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	view := StatusView{
		Time:        now.Format(lastUpdatedLayout),
		Timezone:    e.cfg.Location.String(),
		Status:      e.doc.Status,
		PrivateMode: e.doc.PrivateMode,
		Devices:     make([]DeviceView, 0, len(e.doc.DeviceStatus)),
		LastUpdated: e.doc.LastUpdated,
	}
	if e.doc.PrivateMode {
		view.Devices = view.Devices[:0]
		return view
	}

	ids := make([]string, 0, len(e.doc.DeviceStatus))
	for id := range e.doc.DeviceStatus {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if !e.cfg.Sorted {
		// Most recently seen first.
		sort.SliceStable(ids, func(i, j int) bool {
			return e.doc.DeviceStatus[ids[i]].LastSeen().After(e.doc.DeviceStatus[ids[j]].LastSeen())
		})
	}

	if e.cfg.UsingFirst {
		sort.SliceStable(ids, func(i, j int) bool {
			return e.doc.DeviceStatus[ids[i]].Using && !e.doc.DeviceStatus[ids[j]].Using
		})
	}
	for _, id := range ids {
		view.Devices = append(view.Devices, DeviceView{ID: id, DeviceStatus: *e.doc.DeviceStatus[id]})
	}
	return view
}

// SetStatus sets the coarse status.
func (e *Engine) SetStatus(ctx context.Context, status int) {
	e.mu.Lock()
	prev := e.doc.Status
	e.doc.Status = status
	e.stampUpdated(e.now())
	e.touch()
	e.mu.Unlock()

	e.logger.Info().Int("from", prev).Int("to", status).Msg("Status set")
	e.persist(ctx)
}

// RemoveDevice deletes a device's live status. Its history is kept.
func (e *Engine) RemoveDevice(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.doc.DeviceStatus[id]; !ok {
		e.mu.Unlock()
		return storage.ErrNotFound
	}
	delete(e.doc.DeviceStatus, id)
	e.stampUpdated(e.now())
	e.checkDeviceStatus(false)
	e.touch()
	e.mu.Unlock()

	e.logger.Info().Str("device", id).Msg("Device removed")
	e.persist(ctx)
	return nil
}

// ClearDevices deletes every device's live status.
func (e *Engine) ClearDevices(ctx context.Context) {
	e.mu.Lock()
	e.doc.DeviceStatus = make(map[string]*storage.DeviceStatus)
	e.stampUpdated(e.now())
	e.checkDeviceStatus(false)
	e.touch()
	e.mu.Unlock()

	e.logger.Info().Msg("Devices cleared")
	e.persist(ctx)
}

// SetPrivateMode hides or shows devices in the status view.
func (e *Engine) SetPrivateMode(ctx context.Context, private bool) {
	e.mu.Lock()
	e.doc.PrivateMode = private
	e.stampUpdated(e.now())
	e.touch()
	e.mu.Unlock()

	e.logger.Info().Bool("private", private).Msg("Private mode set")
	e.persist(ctx)
}

// CheckDeviceStatus switches the coarse status between active and idle
// from the devices' using flags. It reports whether the status changed.
func (e *Engine) CheckDeviceStatus(byTimer bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := e.checkDeviceStatus(byTimer)
	if changed {
		e.touch()
	}
	return changed
}

// checkDeviceStatus does the switch. Callers hold e.mu.
func (e *Engine) checkDeviceStatus(byTimer bool) bool {
	if !e.cfg.AutoSwitchStatus {
		return false
	}
	current := e.doc.Status
	if current != StatusActive && current != StatusIdle {
		if !byTimer {
			e.logger.Debug().Int("status", current).Msg("Status is fixed, not switching")
		}
		return false
	}

	next := StatusIdle
	for _, d := range e.doc.DeviceStatus {
		if d.Using {
			next = StatusActive
			break
		}
	}

	if next == current {
		if !byTimer {
			e.logger.Debug().Int("status", current).Msg("Status unchanged")
		}
		return false
	}
	e.doc.Status = next
	e.logger.Info().Int("from", current).Int("to", next).Msg("Status switched automatically")
	return true
}

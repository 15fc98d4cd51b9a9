package presence

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/storage"
	"github.com/goodtune/presence/internal/usage"
)

// AppReport is one status report from a device.
type AppReport struct {
	DeviceID    string `json:"id"`
	ShowName    string `json:"show_name"`
	AppName     string `json:"app_name"`
	AppNameOnly string `json:"app_name_only,omitempty"`
	AppPkg      string `json:"app_pkg,omitempty"`
	Using       bool   `json:"using"`
}

// Validate checks the required fields of a report.
func (r AppReport) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return &usage.ValidationError{Field: "id", Value: r.DeviceID, Reason: "device id is required"}
	}
	if r.ShowName == "" {
		return &usage.ValidationError{Field: "show_name", Value: r.ShowName, Reason: "show name is required"}
	}
	return nil
}

// IngestAppUsage updates the device's live status, appends the report to
// its event log and persists the document. A trailing "<n> bpm" in the app
// name is also recorded as a heart-rate sample. Only validation errors are
// returned; save failures are logged.
func (e *Engine) IngestAppUsage(ctx context.Context, r AppReport) error {
	if err := r.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	now := e.now()
	stamp := usage.FormatTime(now)

	statusApp := r.AppName
	if !r.Using && e.cfg.NotUsingText != "" {
		statusApp = e.cfg.NotUsingText
	}

	prev := e.doc.DeviceStatus[r.DeviceID]
	status := &storage.DeviceStatus{
		ShowName:  r.ShowName,
		Using:     r.Using,
		AppName:   statusApp,
		UpdatedAt: now,
	}
	if prev != nil {
		status.HeartUpdatedAt = prev.HeartUpdatedAt
	}
	e.doc.DeviceStatus[r.DeviceID] = status

	e.doc.AppHistory[r.DeviceID] = usage.AppendEvent(e.doc.AppHistory[r.DeviceID], storage.AppEvent{
		Time:        stamp,
		AppName:     r.AppName,
		AppNameOnly: usage.NormalizeAppName(r.AppName, r.AppNameOnly),
		AppPkg:      r.AppPkg,
		Using:       r.Using,
	}, now, e.cfg.Location)

	bpm, hasBPM := usage.ExtractBPM(r.AppName)
	if hasBPM {
		e.appendHeart(r.DeviceID, bpm, now)
	}

	e.stampUpdated(now)
	e.checkDeviceStatus(false)
	e.touch()
	e.mu.Unlock()

	metrics.EventsIngested.WithLabelValues(r.DeviceID, strconv.FormatBool(r.Using)).Inc()
	if hasBPM {
		metrics.HeartSamples.WithLabelValues(r.DeviceID, "app_name").Inc()
	}

	e.logger.Debug().
		Str("device", r.DeviceID).
		Str("app", r.AppName).
		Bool("using", r.Using).
		Msg("Ingested app usage")

	e.persist(ctx)
	return nil
}

// RecordHeartRate appends a heart-rate sample for a device and persists
// the document. A zero when means now.
func (e *Engine) RecordHeartRate(ctx context.Context, deviceID string, value int, when time.Time) error {
	if strings.TrimSpace(deviceID) == "" {
		return &usage.ValidationError{Field: "id", Value: deviceID, Reason: "device id is required"}
	}
	if value <= 0 {
		return &usage.ValidationError{Field: "value", Value: strconv.Itoa(value), Reason: "heart rate must be positive"}
	}

	e.mu.Lock()
	if when.IsZero() {
		when = e.now()
	}
	e.appendHeart(deviceID, value, when.In(e.cfg.Location))
	e.touch()
	e.mu.Unlock()

	metrics.HeartSamples.WithLabelValues(deviceID, "direct").Inc()
	e.persist(ctx)
	return nil
}

// appendHeart stores a sample and stamps the device's heart timestamp.
// Callers hold e.mu.
func (e *Engine) appendHeart(deviceID string, value int, when time.Time) {
	now := e.now()
	e.doc.HeartHistory[deviceID] = usage.AppendSample(e.doc.HeartHistory[deviceID], storage.HeartSample{
		Time:  usage.FormatTime(when),
		Value: value,
	}, now, e.cfg.Location)

	if status := e.doc.DeviceStatus[deviceID]; status != nil && when.After(status.HeartUpdatedAt) {
		status.HeartUpdatedAt = when
	}
}

package presence

import (
	"math"
	"time"

	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/storage"
	"github.com/goodtune/presence/internal/usage"
	"github.com/prometheus/client_golang/prometheus"
)

// DetailedUsage adds totals and the current app to the hourly counts.
type DetailedUsage struct {
	Hours          int                `json:"hours"`
	TotalsSeconds  map[string]float64 `json:"totals_seconds"`
	TopApp         string             `json:"top_app"`
	TopSeconds     float64            `json:"top_seconds"`
	CurrentApp     string             `json:"current_app"`
	CurrentRuntime float64            `json:"current_runtime"`
	Hourly         []usage.HourBucket `json:"hourly"`
}

// RichUsage adds per-app statistics, hourly seconds, recent sessions and
// the heart-rate series.
type RichUsage struct {
	DetailedUsage
	Device        string                        `json:"device,omitempty"`
	AppStats      map[string]usage.AppStats     `json:"app_stats"`
	HourlySeconds map[string]map[string]float64 `json:"hourly_seconds"`
	Recent        []usage.RecentSession         `json:"recent"`
	HeartRate     *usage.HeartSeries            `json:"heart_rate,omitempty"`
}

// scope returns the event logs a query covers: one device, or all of them
// when id is empty. Callers hold e.mu.
func (e *Engine) scope(id string) map[string][]storage.AppEvent {
	if id == "" {
		return e.doc.AppHistory
	}
	return map[string][]storage.AppEvent{id: e.doc.AppHistory[id]}
}

// sessions reconstructs the sessions of a scope. Callers hold e.mu.
func (e *Engine) sessions(id string, w usage.Window) []usage.Session {
	if id == "" {
		return usage.ReconstructAll(e.doc.AppHistory, w, e.cfg.Location)
	}
	return usage.Reconstruct(id, e.doc.AppHistory[id], w, e.cfg.Location)
}

func observe(query string) func() {
	timer := prometheus.NewTimer(metrics.QueryDuration.WithLabelValues(query))
	return func() { timer.ObserveDuration() }
}

// Usage returns hourly event counts for a device, or all devices when
// deviceID is empty.
func (e *Engine) Usage(deviceID string, hours int) ([]usage.HourBucket, error) {
	defer observe("usage")()

	if err := usage.CheckHours(hours); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w := usage.ResolveWindow(hours, e.now(), e.cfg.Location)
	return usage.HourlyCounts(e.scope(deviceID), w, e.cfg.Location), nil
}

// UsageDetails returns totals, the top app and the current app on top of
// the hourly counts.
func (e *Engine) UsageDetails(deviceID string, hours int) (*DetailedUsage, error) {
	defer observe("usage_details")()

	if err := usage.CheckHours(hours); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w := usage.ResolveWindow(hours, e.now(), e.cfg.Location)
	details, _ := e.details(deviceID, hours, w)
	return details, nil
}

// UsageDetailsV2 returns the full usage view of one device, or of all
// devices when deviceID is empty.
func (e *Engine) UsageDetailsV2(deviceID string, hours int) (*RichUsage, error) {
	defer observe("usage_details_v2")()

	if err := usage.CheckHours(hours); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rich(deviceID, hours), nil
}

// UsageAggregate returns the full usage view merged across devices.
func (e *Engine) UsageAggregate(hours int) (*RichUsage, error) {
	defer observe("usage_aggregate")()

	if err := usage.CheckHours(hours); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rich("", hours), nil
}

// HourBreakdown returns per-app statistics for the single hour named by
// hourKey ("YYYY-MM-DD HH:00"). An hour outside the lookback of hours
// yields an empty result.
func (e *Engine) HourBreakdown(deviceID, hourKey string, hours int) (map[string]usage.AppStats, error) {
	defer observe("hour_breakdown")()

	if err := usage.CheckHours(hours); err != nil {
		return nil, err
	}
	start, err := usage.ParseHourKey(hourKey, e.cfg.Location)
	if err != nil {
		return nil, err
	}
	end := start.Add(time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	lookback := usage.ResolveWindow(hours, now, e.cfg.Location)
	if !lookback.Overlaps(start, end) {
		return map[string]usage.AppStats{}, nil
	}

	w := usage.Window{Start: start, End: end, Now: now}
	return usage.SumApps(e.sessions(deviceID, w)).Stats(), nil
}

// RecentSessions lists active sessions newest first. A limit of zero or
// beyond the cap uses the cap.
func (e *Engine) RecentSessions(deviceID string, hours, limit int) ([]usage.RecentSession, error) {
	defer observe("recent")()

	if err := usage.CheckHours(hours); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w := usage.ResolveWindow(hours, e.now(), e.cfg.Location)
	return usage.RecentSessions(e.sessions(deviceID, w), w, e.recentLimit(deviceID, limit)), nil
}

// HeartRate returns a device's heart-rate samples inside the window.
func (e *Engine) HeartRate(deviceID string, hours int) (usage.HeartSeries, error) {
	defer observe("heart_rate")()

	if err := usage.CheckHours(hours); err != nil {
		return usage.HeartSeries{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w := usage.ResolveWindow(hours, e.now(), e.cfg.Location)
	return usage.HeartInWindow(e.doc.HeartHistory[deviceID], w, e.cfg.Location), nil
}

func (e *Engine) recentLimit(deviceID string, limit int) int {
	ceiling := e.cfg.RecentLimit
	if deviceID == "" {
		ceiling = e.cfg.AggregateRecentLimit
	}
	if limit <= 0 || limit > ceiling {
		return ceiling
	}
	return limit
}

// details builds the detailed view and returns the sessions it used.
// Callers hold e.mu.
func (e *Engine) details(deviceID string, hours int, w usage.Window) (*DetailedUsage, []usage.Session) {
	sessions := e.sessions(deviceID, w)
	totals := usage.SumApps(sessions)
	top, topSeconds := totals.Top()

	d := &DetailedUsage{
		Hours:         hours,
		TotalsSeconds: seconds(totals.Seconds()),
		TopApp:        top,
		TopSeconds:    roundSeconds(topSeconds),
		Hourly:        usage.HourlyCounts(e.scope(deviceID), w, e.cfg.Location),
	}
	if deviceID != "" {
		app, running := usage.CurrentRuntime(e.doc.DeviceStatus[deviceID], e.doc.AppHistory[deviceID], w.Now, e.cfg.Location)
		d.CurrentApp = app
		d.CurrentRuntime = running.Seconds()
	}
	return d, sessions
}

// rich builds the full view. Callers hold e.mu.
func (e *Engine) rich(deviceID string, hours int) *RichUsage {
	w := usage.ResolveWindow(hours, e.now(), e.cfg.Location)
	details, sessions := e.details(deviceID, hours, w)

	hourly := usage.HourlySeconds(sessions, e.cfg.Location)
	hourlySeconds := make(map[string]map[string]float64, len(hourly))
	for key, apps := range hourly {
		hourlySeconds[key] = seconds(apps)
	}

	r := &RichUsage{
		DetailedUsage: *details,
		Device:        deviceID,
		AppStats:      usage.SumApps(sessions).Stats(),
		HourlySeconds: hourlySeconds,
		Recent:        usage.RecentSessions(sessions, w, e.recentLimit(deviceID, 0)),
	}
	if deviceID != "" {
		heart := usage.HeartInWindow(e.doc.HeartHistory[deviceID], w, e.cfg.Location)
		r.HeartRate = &heart
	}
	return r
}

func seconds(in map[string]time.Duration) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, d := range in {
		out[k] = roundSeconds(d)
	}
	return out
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

package usage

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/presence/internal/storage"
)

// Recent session caps.
const (
	DefaultRecentLimit          = 200
	DefaultAggregateRecentLimit = 500
)

// Recent session states.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
)

// runningTolerance is how close a synthetic session end must be to now for
// the session to count as still running.
const runningTolerance = time.Second

// HourBucket holds raw event counts for one hour.
type HourBucket struct {
	Hour     string         `json:"hour"`
	Counts   map[string]int `json:"counts"`
	TopApp   string         `json:"top_app"`
	TopCount int            `json:"top_count"`
}

// HourlyCounts counts raw events per app in every hour bucket of w. The
// top app is the first app to reach the highest count.
func HourlyCounts(history map[string][]storage.AppEvent, w Window, loc *time.Location) []HourBucket {
	var events []parsedEvent
	for _, device := range sortedDevices(history) {
		for _, ev := range parseEvents(device, history[device], loc) {
			if w.Includes(ev.at) {
				events = append(events, ev)
			}
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	hours := w.Hours(loc)
	buckets := make([]HourBucket, len(hours))
	index := make(map[string]int, len(hours))
	order := make([][]string, len(hours))
	for i, h := range hours {
		key := h.Format(HourKeyLayout)
		buckets[i] = HourBucket{Hour: key, Counts: map[string]int{}}
		index[key] = i
	}

	for _, ev := range events {
		i, ok := index[HourKey(ev.at, loc)]
		if !ok {
			continue
		}
		if _, seen := buckets[i].Counts[ev.app]; !seen {
			order[i] = append(order[i], ev.app)
		}
		buckets[i].Counts[ev.app]++
	}

	for i := range buckets {
		for _, app := range order[i] {
			if n := buckets[i].Counts[app]; n > buckets[i].TopCount {
				buckets[i].TopApp = app
				buckets[i].TopCount = n
			}
		}
	}
	return buckets
}

// HourlySeconds splits active sessions at hour boundaries and sums the
// time per hour key and app.
func HourlySeconds(sessions []Session, loc *time.Location) map[string]map[string]time.Duration {
	out := make(map[string]map[string]time.Duration)
	for _, s := range sessions {
		if !s.Active {
			continue
		}
		for cur := s.Start; cur.Before(s.End); {
			next := FloorHour(cur, loc).Add(time.Hour)
			if next.After(s.End) {
				next = s.End
			}
			key := HourKey(cur, loc)
			if out[key] == nil {
				out[key] = make(map[string]time.Duration)
			}
			out[key][s.App] += next.Sub(cur)
			cur = next
		}
	}
	return out
}

// AppStats summarizes the active sessions of one app.
type AppStats struct {
	Seconds  time.Duration
	Launches int
	LastUsed time.Time
}

// MarshalJSON reports durations in seconds and times as Unix seconds.
func (s AppStats) MarshalJSON() ([]byte, error) {
	var lastUsed *float64
	if !s.LastUsed.IsZero() {
		v := unixSeconds(s.LastUsed)
		lastUsed = &v
	}
	avg := s.Seconds.Seconds()
	if s.Launches > 0 {
		avg /= float64(s.Launches)
	}
	return json.Marshal(struct {
		Seconds    float64  `json:"seconds"`
		Launches   int      `json:"launches"`
		LastUsed   *float64 `json:"last_used"`
		AvgSession float64  `json:"avg_session"`
	}{
		Seconds:    roundSeconds(s.Seconds),
		Launches:   s.Launches,
		LastUsed:   lastUsed,
		AvgSession: math.Round(avg*1000) / 1000,
	})
}

// AppTotals holds per-app statistics in first-seen order.
type AppTotals struct {
	order []string
	stats map[string]*AppStats
}

// SumApps totals active sessions per app.
func SumApps(sessions []Session) *AppTotals {
	t := &AppTotals{stats: make(map[string]*AppStats)}
	for _, s := range sessions {
		if !s.Active {
			continue
		}
		st, ok := t.stats[s.App]
		if !ok {
			st = &AppStats{}
			t.stats[s.App] = st
			t.order = append(t.order, s.App)
		}
		st.Seconds += s.Duration()
		if s.Launch {
			st.Launches++
		}
		if s.EventTime.After(st.LastUsed) {
			st.LastUsed = s.EventTime
		}
	}
	return t
}

// Apps returns app names in first-seen order.
func (t *AppTotals) Apps() []string {
	return append([]string(nil), t.order...)
}

// Get returns the stats of app.
func (t *AppTotals) Get(app string) (AppStats, bool) {
	st, ok := t.stats[app]
	if !ok {
		return AppStats{}, false
	}
	return *st, true
}

// Stats returns a copy of the per-app statistics.
func (t *AppTotals) Stats() map[string]AppStats {
	out := make(map[string]AppStats, len(t.stats))
	for app, st := range t.stats {
		out[app] = *st
	}
	return out
}

// Seconds returns the active time per app.
func (t *AppTotals) Seconds() map[string]time.Duration {
	out := make(map[string]time.Duration, len(t.stats))
	for app, st := range t.stats {
		out[app] = st.Seconds
	}
	return out
}

// Total returns the active time over all apps.
func (t *AppTotals) Total() time.Duration {
	var total time.Duration
	for _, st := range t.stats {
		total += st.Seconds
	}
	return total
}

// Top returns the app with the most active time. Ties go to the app seen
// first.
func (t *AppTotals) Top() (string, time.Duration) {
	var top string
	var best time.Duration
	for _, app := range t.order {
		if d := t.stats[app].Seconds; d > best {
			top, best = app, d
		}
	}
	return top, best
}

// RecentSession is one active session in the recent list.
type RecentSession struct {
	App    string
	Device string
	Start  time.Time
	End    *time.Time
	// Duration runs up to the synthetic end for running sessions.
	Duration time.Duration
	Status   string
}

// MarshalJSON reports times as Unix seconds and the duration in seconds.
func (r RecentSession) MarshalJSON() ([]byte, error) {
	var end *float64
	if r.End != nil {
		v := unixSeconds(*r.End)
		end = &v
	}
	return json.Marshal(struct {
		App      string   `json:"app_name"`
		Device   string   `json:"device,omitempty"`
		Start    float64  `json:"start_time"`
		End      *float64 `json:"end_time"`
		Duration float64  `json:"duration"`
		Status   string   `json:"status"`
	}{
		App:      r.App,
		Device:   r.Device,
		Start:    unixSeconds(r.Start),
		End:      end,
		Duration: roundSeconds(r.Duration),
		Status:   r.Status,
	})
}

// RecentSessions lists active sessions newest first, capped at limit. A
// session is running when it comes from the device's final event and its
// synthetic end is within a second of w.Now.
func RecentSessions(sessions []Session, w Window, limit int) []RecentSession {
	out := make([]RecentSession, 0)
	for _, s := range sessions {
		if !s.Active {
			continue
		}
		r := RecentSession{
			App:      s.App,
			Device:   s.Device,
			Start:    s.Start,
			Duration: s.Duration(),
			Status:   StatusFinished,
		}
		if s.Last && absDuration(w.Now.Sub(s.End)) <= runningTolerance {
			r.Status = StatusRunning
		} else {
			end := s.End
			r.End = &end
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CurrentRuntime reports how long the app shown in a device's live status
// has been running. The most recent active event whose app name is
// contained in the status app name (or show name) marks the start.
func CurrentRuntime(status *storage.DeviceStatus, log []storage.AppEvent, now time.Time, loc *time.Location) (string, time.Duration) {
	if status == nil || !status.Using {
		return "", 0
	}
	current := status.AppName
	if current == "" {
		current = status.ShowName
	}

	events := parseEvents("", log, loc)
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if !ev.using {
			continue
		}
		if current == "" || strings.Contains(current, ev.app) {
			if current == "" {
				current = ev.app
			}
			runtime := now.Sub(ev.at)
			if runtime < 0 {
				runtime = 0
			}
			return current, runtime.Truncate(time.Second)
		}
	}
	return current, 0
}

func unixSeconds(t time.Time) float64 {
	return math.Round(float64(t.UnixMilli())) / 1000
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

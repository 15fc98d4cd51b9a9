package usage

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/presence/internal/storage"
)

// Retention is how long raw events and heart-rate samples are kept.
const Retention = 48 * time.Hour

// UnknownApp names events that carry no app name at all.
const UnknownApp = "[unknown]"

// TimeLayout is the layout stored event times are written with.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

var appMarker = regexp.MustCompile(`(?:应用|App)[:：]\s*([^\r\n]+?)\s*$`)

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// FormatTime formats t for storage.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// ParseEventTime parses a stored event time. Times without an offset are
// read in loc.
func ParseEventTime(value string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range naiveLayouts {
		if naive, nerr := time.ParseInLocation(layout, value, loc); nerr == nil {
			return naive, nil
		}
	}
	return time.Time{}, &TimestampParseError{Value: value, Err: err}
}

// NormalizeAppName derives the display name of a report. An explicit
// cleaned name wins, then the text after an "App:" marker, then the last
// non-empty line of a multi-line name, then the trimmed raw name.
func NormalizeAppName(raw, explicit string) string {
	if name := strings.TrimSpace(explicit); name != "" {
		return name
	}
	if raw == "" {
		return ""
	}
	if m := appMarker.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.ContainsAny(raw, "\r\n") {
		lines := strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == '\r' })
		for i := len(lines) - 1; i >= 0; i-- {
			if line := strings.TrimSpace(lines[i]); line != "" {
				return line
			}
		}
	}
	return strings.TrimSpace(raw)
}

// EventApp returns the name an event is aggregated under.
func EventApp(e storage.AppEvent) string {
	if e.AppNameOnly != "" {
		return e.AppNameOnly
	}
	if e.AppName != "" {
		return e.AppName
	}
	return UnknownApp
}

// AppendEvent appends e to log and drops entries older than the retention
// horizon relative to now.
func AppendEvent(log []storage.AppEvent, e storage.AppEvent, now time.Time, loc *time.Location) []storage.AppEvent {
	log = append(log, e)
	return TrimEvents(log, now.Add(-Retention), loc)
}

// TrimEvents removes events older than cutoff. Events whose time cannot be
// parsed are kept.
func TrimEvents(log []storage.AppEvent, cutoff time.Time, loc *time.Location) []storage.AppEvent {
	return trim(log, func(e storage.AppEvent) string { return e.Time }, cutoff, loc)
}

// EventsSince returns events at or after cutoff in time order. Events
// whose time cannot be parsed are skipped.
func EventsSince(log []storage.AppEvent, cutoff time.Time, loc *time.Location) []storage.AppEvent {
	parsed := parseEvents("", log, loc)
	out := make([]storage.AppEvent, 0, len(parsed))
	for _, p := range parsed {
		if !p.at.Before(cutoff) {
			out = append(out, p.raw)
		}
	}
	return out
}

// trim keeps items at or after cutoff and items with unparseable times.
func trim[T any](items []T, timeOf func(T) string, cutoff time.Time, loc *time.Location) []T {
	kept := items[:0]
	for _, item := range items {
		t, err := ParseEventTime(timeOf(item), loc)
		if err != nil || !t.Before(cutoff) {
			kept = append(kept, item)
		}
	}
	// Clear the tail so dropped entries can be collected.
	var zero T
	for i := len(kept); i < len(items); i++ {
		items[i] = zero
	}
	return kept
}

// parsedEvent is a stored event with its time parsed.
type parsedEvent struct {
	device string
	at     time.Time
	app    string
	using  bool
	raw    storage.AppEvent
}

// parseEvents parses and sorts a device's log, skipping unparseable times.
func parseEvents(device string, log []storage.AppEvent, loc *time.Location) []parsedEvent {
	events := make([]parsedEvent, 0, len(log))
	for _, e := range log {
		t, err := ParseEventTime(e.Time, loc)
		if err != nil {
			continue
		}
		events = append(events, parsedEvent{
			device: device,
			at:     t,
			app:    EventApp(e),
			using:  e.Using,
			raw:    e,
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })
	return events
}

package usage

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// HourKeyLayout is the layout of hour bucket keys.
const HourKeyLayout = "2006-01-02 15:00"

// MaxHours is the longest query window accepted, in hours.
const MaxHours = 31 * 24

var hourKeyPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:00$`)

var locations *lru.Cache[string, *time.Location]

func init() {
	var err error
	locations, err = lru.New[string, *time.Location](32)
	if err != nil {
		panic(err)
	}
}

// LoadLocation resolves an IANA zone name, falling back to UTC when the
// zone is unknown. Results are cached.
func LoadLocation(name string) *time.Location {
	if loc, ok := locations.Get(name); ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	locations.Add(name, loc)
	return loc
}

// Window is the interval a query aggregates over. Now is the reference
// time the window was resolved against.
type Window struct {
	Start time.Time
	End   time.Time
	Now   time.Time
}

// CheckHours rejects query windows outside 1..MaxHours.
func CheckHours(hours int) error {
	if hours < 1 || hours > MaxHours {
		return &ValidationError{
			Field:  "hours",
			Value:  strconv.Itoa(hours),
			Reason: fmt.Sprintf("must be between 1 and %d", MaxHours),
		}
	}
	return nil
}

// ResolveWindow returns the window for a query over hours. A 24-hour query
// covers the local calendar day containing now; any other value covers the
// trailing hours up to now. hours is clamped to MaxHours either way.
func ResolveWindow(hours int, now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	hours = max(-MaxHours, min(hours, MaxHours))

	var w Window
	if hours == 24 {
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		w = Window{Start: start, End: start.Add(24 * time.Hour), Now: now}
	} else {
		w = Window{Start: now.Add(-time.Duration(hours) * time.Hour), End: now, Now: now}
	}
	if w.End.Before(w.Start) {
		w.Start, w.End = w.End, w.Start
	}
	return w
}

// Includes reports whether an event at t belongs to the window. Both ends
// are inclusive so an event stamped exactly at the reference time counts.
func (w Window) Includes(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Overlaps reports whether [start, end) shares any time with the window.
func (w Window) Overlaps(start, end time.Time) bool {
	return start.Before(w.End) && end.After(w.Start)
}

// Hours returns the start of every hour bucket overlapping the window.
func (w Window) Hours(loc *time.Location) []time.Time {
	if !w.End.After(w.Start) {
		return nil
	}
	var hours []time.Time
	for t := FloorHour(w.Start, loc); t.Before(w.End); t = t.Add(time.Hour) {
		hours = append(hours, t)
	}
	return hours
}

// FloorHour truncates t to the start of its hour in loc.
func FloorHour(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
}

// HourKey returns the bucket key for the hour containing t.
func HourKey(t time.Time, loc *time.Location) string {
	return FloorHour(t, loc).Format(HourKeyLayout)
}

// ParseHourKey parses a "YYYY-MM-DD HH:00" key into the start of that hour.
func ParseHourKey(key string, loc *time.Location) (time.Time, error) {
	if !hourKeyPattern.MatchString(key) {
		return time.Time{}, &ValidationError{Field: "hour", Value: key, Reason: "expected YYYY-MM-DD HH:00"}
	}
	t, err := time.ParseInLocation(HourKeyLayout, key, loc)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "hour", Value: key, Reason: err.Error()}
	}
	return t, nil
}

package usage

import (
	"sort"
	"time"

	"github.com/goodtune/presence/internal/storage"
)

// Session is the interval between two adjacent events of one device,
// clipped to a query window. It is never persisted.
type Session struct {
	Device string
	App    string
	Start  time.Time
	End    time.Time
	Active bool

	// EventTime is the unclipped time of the originating event.
	EventTime time.Time
	// Launch marks a rising edge of use, or a switch to a different app.
	Launch bool
	// Last marks a session built from the device's final event, whose end
	// is synthetic.
	Last bool
}

// Duration returns the session length.
func (s Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Reconstruct rebuilds the sessions of one device inside w. Each event
// lasts until the next one; the final event lasts until the earlier of
// w.Now and w.End.
func Reconstruct(device string, log []storage.AppEvent, w Window, loc *time.Location) []Session {
	return reconstructParsed(parseEvents(device, log, loc), w)
}

// ReconstructAll rebuilds sessions for every device independently and
// returns them ordered by event time, then device id.
func ReconstructAll(history map[string][]storage.AppEvent, w Window, loc *time.Location) []Session {
	var sessions []Session
	for _, device := range sortedDevices(history) {
		sessions = append(sessions, Reconstruct(device, history[device], w, loc)...)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].EventTime.Before(sessions[j].EventTime)
	})
	return sessions
}

func reconstructParsed(events []parsedEvent, w Window) []Session {
	tail := w.Now
	if w.End.Before(tail) {
		tail = w.End
	}

	var sessions []Session
	for i, ev := range events {
		start := ev.at
		end := tail
		last := i == len(events)-1
		if !last {
			end = events[i+1].at
		}
		if !end.After(start) {
			continue
		}
		if !end.After(w.Start) || !start.Before(w.End) {
			continue
		}
		if start.Before(w.Start) {
			start = w.Start
		}
		if end.After(w.End) {
			end = w.End
		}

		launch := false
		if ev.using {
			launch = i == 0 || !events[i-1].using || events[i-1].app != ev.app
		}

		sessions = append(sessions, Session{
			Device:    ev.device,
			App:       ev.app,
			Start:     start,
			End:       end,
			Active:    ev.using,
			EventTime: ev.at,
			Launch:    launch,
			Last:      last,
		})
	}
	return sessions
}

func sortedDevices[T any](history map[string][]T) []string {
	devices := make([]string, 0, len(history))
	for device := range history {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	return devices
}

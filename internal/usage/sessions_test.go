package usage

import (
	"testing"
	"time"

	"github.com/goodtune/presence/internal/storage"
	"github.com/stretchr/testify/require"
)

func event(at time.Time, app string, using bool) storage.AppEvent {
	return storage.AppEvent{Time: FormatTime(at), AppName: app, AppNameOnly: app, Using: using}
}

// scenarioLog is AppA in use at t-90m, stopped at t-60m, AppB in use from
// t-30m.
func scenarioLog(now time.Time) []storage.AppEvent {
	return []storage.AppEvent{
		event(now.Add(-90*time.Minute), "AppA", true),
		event(now.Add(-60*time.Minute), "AppA", false),
		event(now.Add(-30*time.Minute), "AppB", true),
	}
}

func TestReconstructScenario(t *testing.T) {
	loc := LoadLocation("Asia/Shanghai")
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, loc)
	w := ResolveWindow(3, now, loc)

	sessions := Reconstruct("D", scenarioLog(now), w, loc)
	require.Len(t, sessions, 3)

	totals := SumApps(sessions)
	a, _ := totals.Get("AppA")
	b, _ := totals.Get("AppB")
	require.Equal(t, 30*time.Minute, a.Seconds)
	require.Equal(t, 30*time.Minute, b.Seconds)

	top, secs := totals.Top()
	require.Equal(t, "AppA", top, "tie goes to the first app")
	require.Equal(t, 30*time.Minute, secs)
}

func TestReconstructUnsortedInput(t *testing.T) {
	loc := LoadLocation("UTC")
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, loc)
	w := ResolveWindow(3, now, loc)

	log := scenarioLog(now)
	shuffled := []storage.AppEvent{log[2], log[0], log[1]}

	require.Equal(t, Reconstruct("D", log, w, loc), Reconstruct("D", shuffled, w, loc))
}

func TestReconstructClipsToWindow(t *testing.T) {
	loc := LoadLocation("UTC")
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, loc)
	w := ResolveWindow(1, now, loc)

	log := []storage.AppEvent{
		event(now.Add(-3*time.Hour), "Old", true),
		event(now.Add(-2*time.Hour), "Editor", true),
		event(now.Add(-10*time.Minute), "Editor", false),
	}

	sessions := Reconstruct("D", log, w, loc)
	require.Len(t, sessions, 2)
	require.True(t, sessions[0].Start.Equal(w.Start))
	require.Equal(t, 50*time.Minute, sessions[0].Duration())
	require.Equal(t, "Editor", sessions[0].App)
	require.True(t, sessions[0].EventTime.Equal(now.Add(-2*time.Hour)))
	require.True(t, sessions[1].Last)
	require.False(t, sessions[1].Active)
}

func TestReconstructDropsDegenerateAndFuture(t *testing.T) {
	loc := LoadLocation("UTC")
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, loc)
	w := ResolveWindow(2, now, loc)

	at := now.Add(-time.Hour)
	log := []storage.AppEvent{
		event(at, "A", true),
		event(at, "B", true),
		event(now.Add(time.Hour), "Future", true),
		{Time: "bad", AppName: "Bad", Using: true},
	}

	sessions := Reconstruct("D", log, w, loc)
	require.Len(t, sessions, 1)
	require.Equal(t, "B", sessions[0].App)
	require.Equal(t, time.Hour, sessions[0].Duration(), "clipped at the window end")
	require.False(t, sessions[0].Last)
}

func TestReconstructLaunches(t *testing.T) {
	loc := LoadLocation("UTC")
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, loc)
	w := ResolveWindow(6, now, loc)

	log := []storage.AppEvent{
		event(now.Add(-5*time.Hour), "A", true),  // first event: launch
		event(now.Add(-4*time.Hour), "A", true),  // same app still in use
		event(now.Add(-3*time.Hour), "B", true),  // switch: launch
		event(now.Add(-2*time.Hour), "B", false), // stop
		event(now.Add(-1*time.Hour), "B", true),  // rising edge: launch
	}

	totals := SumApps(Reconstruct("D", log, w, loc))
	a, _ := totals.Get("A")
	b, _ := totals.Get("B")
	require.Equal(t, 1, a.Launches)
	require.Equal(t, 2, b.Launches)
	require.True(t, a.LastUsed.Equal(now.Add(-4*time.Hour)))
	require.True(t, b.LastUsed.Equal(now.Add(-1*time.Hour)))
}

func TestReconstructLaunchUsesEventsBeforeWindow(t *testing.T) {
	loc := LoadLocation("UTC")
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, loc)
	w := ResolveWindow(1, now, loc)

	log := []storage.AppEvent{
		event(now.Add(-2*time.Hour), "A", true),
		event(now.Add(-30*time.Minute), "A", true),
	}

	sessions := Reconstruct("D", log, w, loc)
	require.Len(t, sessions, 2)
	require.False(t, sessions[1].Launch)
}

func TestReconstructIdempotent(t *testing.T) {
	loc := LoadLocation("Asia/Shanghai")
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, loc)
	w := ResolveWindow(24, now, loc)
	log := scenarioLog(now)

	first := SumApps(Reconstruct("D", log, w, loc)).Stats()
	second := SumApps(Reconstruct("D", log, w, loc)).Stats()
	require.Equal(t, first, second)
	require.Equal(t, HourlySeconds(Reconstruct("D", log, w, loc), loc), HourlySeconds(Reconstruct("D", log, w, loc), loc))
}

func TestReconstructAllNoCrossDeviceBleed(t *testing.T) {
	loc := LoadLocation("UTC")
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, loc)
	w := ResolveWindow(4, now, loc)

	history := map[string][]storage.AppEvent{
		"phone": {
			event(now.Add(-3*time.Hour), "Chat", true),
			event(now.Add(-2*time.Hour), "Chat", false),
		},
		"laptop": {
			event(now.Add(-150*time.Minute), "Editor", true),
			event(now.Add(-30*time.Minute), "Editor", false),
		},
	}

	aggregate := SumApps(ReconstructAll(history, w, loc))
	phone := SumApps(Reconstruct("phone", history["phone"], w, loc))
	laptop := SumApps(Reconstruct("laptop", history["laptop"], w, loc))

	require.Equal(t, phone.Total()+laptop.Total(), aggregate.Total())
	chat, _ := aggregate.Get("Chat")
	editor, _ := aggregate.Get("Editor")
	require.Equal(t, time.Hour, chat.Seconds)
	require.Equal(t, 2*time.Hour, editor.Seconds)
}

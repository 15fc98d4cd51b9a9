package presence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/presence/internal/storage"
	"github.com/goodtune/presence/internal/storage/file"
	"github.com/goodtune/presence/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testPath = "/data/data.json"

var shanghai = usage.LoadLocation("Asia/Shanghai")

// base is the reference "now" of most tests.
var base = time.Date(2024, 1, 2, 15, 0, 0, 0, shanghai)

func testConfig() Config {
	return Config{
		Location:         shanghai,
		AutoSwitchStatus: true,
		UsingFirst:       true,
		VisitPaths:       []string{"/", "/query"},
	}
}

func openEngine(t *testing.T, fs afero.Fs, clk quartz.Clock, cfg Config) *Engine {
	t.Helper()

	backend, err := file.New(fs, testPath)
	require.NoError(t, err)
	docs, err := storage.NewDocumentStore(backend, storage.Config{}, zerolog.Nop())
	require.NoError(t, err)

	e, err := New(context.Background(), docs, cfg, clk, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *quartz.Mock, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	clk := quartz.NewMock(t)
	clk.Set(base)
	return openEngine(t, fs, clk, cfg), clk, fs
}

func report(id, app string, using bool) AppReport {
	return AppReport{DeviceID: id, ShowName: id + "-name", AppName: app, Using: using}
}

// ingestScenario records AppA in use at base-90m, stopped at base-60m and
// AppB in use from base-30m, leaving the clock at base.
func ingestScenario(t *testing.T, e *Engine, clk *quartz.Mock, devices ...string) {
	t.Helper()
	ctx := context.Background()

	steps := []struct {
		at    time.Duration
		app   string
		using bool
	}{
		{-90 * time.Minute, "AppA", true},
		{-60 * time.Minute, "AppA", false},
		{-30 * time.Minute, "AppB", true},
	}
	for _, step := range steps {
		clk.Set(base.Add(step.at))
		for _, id := range devices {
			require.NoError(t, e.IngestAppUsage(ctx, report(id, step.app, step.using)))
		}
	}
	clk.Set(base)
}

func TestNewWritesTemplateOnFirstRun(t *testing.T) {
	_, _, fs := newTestEngine(t, testConfig())

	exists, err := afero.Exists(fs, testPath)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestIngestUpdatesStatusAndHistory(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	e.SetStatus(ctx, StatusIdle)
	require.NoError(t, e.IngestAppUsage(ctx, report("phone", "Browser", true)))

	view := e.Status()
	require.Equal(t, StatusActive, view.Status, "a using device switches to active")
	require.Equal(t, "2024-01-02 15:00:00", view.LastUpdated)
	require.Equal(t, "Asia/Shanghai", view.Timezone)
	require.Len(t, view.Devices, 1)
	require.Equal(t, "phone", view.Devices[0].ID)
	require.Equal(t, "Browser", view.Devices[0].AppName)
	require.True(t, view.Devices[0].Using)

	doc, err := e.Document()
	require.NoError(t, err)
	require.Len(t, doc.AppHistory["phone"], 1)
	require.Equal(t, "Browser", doc.AppHistory["phone"][0].AppNameOnly)
}

func TestIngestNotUsingText(t *testing.T) {
	cfg := testConfig()
	cfg.NotUsingText = "resting"
	e, _, _ := newTestEngine(t, cfg)

	require.NoError(t, e.IngestAppUsage(context.Background(), report("phone", "Music", false)))

	view := e.Status()
	require.Equal(t, StatusIdle, view.Status)
	require.Equal(t, "resting", view.Devices[0].AppName)

	doc, err := e.Document()
	require.NoError(t, err)
	require.Equal(t, "Music", doc.AppHistory["phone"][0].AppName, "history keeps the reported name")
}

func TestIngestValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())

	err := e.IngestAppUsage(context.Background(), AppReport{ShowName: "x", AppName: "y"})
	var verr *usage.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "id", verr.Field)

	err = e.IngestAppUsage(context.Background(), AppReport{DeviceID: "phone"})
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "show_name", verr.Field)
}

func TestIngestBPMSuffixRecordsHeartRate(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())

	require.NoError(t, e.IngestAppUsage(context.Background(), report("watch", "Workout 123 bpm", true)))

	doc, err := e.Document()
	require.NoError(t, err)
	require.Len(t, doc.HeartHistory["watch"], 1)
	require.Equal(t, 123, doc.HeartHistory["watch"][0].Value)
	require.True(t, doc.DeviceStatus["watch"].HeartUpdatedAt.Equal(base))

	series, err := e.HeartRate("watch", 1)
	require.NoError(t, err)
	require.NotNil(t, series.Current)
	require.Equal(t, 123, series.Current.Value)
}

func TestRecordHeartRate(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	require.Error(t, e.RecordHeartRate(ctx, "watch", 0, time.Time{}))
	require.Error(t, e.RecordHeartRate(ctx, "", 80, time.Time{}))

	require.NoError(t, e.RecordHeartRate(ctx, "watch", 80, time.Time{}))
	doc, err := e.Document()
	require.NoError(t, err)
	require.Len(t, doc.HeartHistory["watch"], 1)
	require.NotContains(t, doc.DeviceStatus, "watch", "heart samples do not create a device")
}

func TestUsageDetailsScenario(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	ingestScenario(t, e, clk, "phone")

	details, err := e.UsageDetailsV2("phone", 3)
	require.NoError(t, err)
	require.Equal(t, 3, details.Hours)
	require.Equal(t, "phone", details.Device)
	require.Equal(t, 1800.0, details.TotalsSeconds["AppA"])
	require.Equal(t, 1800.0, details.TotalsSeconds["AppB"])
	require.Equal(t, "AppA", details.TopApp)
	require.Equal(t, 1800.0, details.TopSeconds)
	require.Equal(t, "AppB", details.CurrentApp)
	require.Equal(t, 1800.0, details.CurrentRuntime)
	require.Len(t, details.Hourly, 3)
	require.NotNil(t, details.HeartRate)

	require.Len(t, details.Recent, 2)
	require.Equal(t, "AppB", details.Recent[0].App)
	require.Equal(t, usage.StatusRunning, details.Recent[0].Status)
	require.Nil(t, details.Recent[0].End)
	require.Equal(t, usage.StatusFinished, details.Recent[1].Status)

	var hourly float64
	for _, apps := range details.HourlySeconds {
		for _, secs := range apps {
			hourly += secs
		}
	}
	require.Equal(t, 3600.0, hourly, "hourly seconds add up to the per-app totals")
}

func TestUsageDetailsWithoutDevice(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	ingestScenario(t, e, clk, "phone")

	details, err := e.UsageDetails("", 3)
	require.NoError(t, err)
	require.Empty(t, details.CurrentApp)
	require.Equal(t, 1800.0, details.TotalsSeconds["AppB"])
}

func TestUsageAggregateSumsDevices(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	ingestScenario(t, e, clk, "phone", "laptop")

	agg, err := e.UsageAggregate(3)
	require.NoError(t, err)
	require.Empty(t, agg.Device)
	require.Nil(t, agg.HeartRate)
	require.Equal(t, time.Hour, agg.AppStats["AppA"].Seconds)
	require.Equal(t, 2, agg.AppStats["AppA"].Launches)
	require.Len(t, agg.Recent, 4)
}

func TestUsageNaturalDay(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	ingestScenario(t, e, clk, "phone")

	buckets, err := e.Usage("phone", 24)
	require.NoError(t, err)
	require.Len(t, buckets, 24)
	require.Equal(t, "2024-01-02 00:00", buckets[0].Hour)
	require.Equal(t, map[string]int{"AppA": 1}, buckets[13].Counts)
	require.Equal(t, map[string]int{"AppA": 1, "AppB": 1}, buckets[14].Counts)
	require.Equal(t, "AppA", buckets[14].TopApp)
}

func TestHourBreakdown(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	ingestScenario(t, e, clk, "phone")

	_, err := e.HourBreakdown("phone", "not an hour", 3)
	var verr *usage.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "hour", verr.Field)

	stats, err := e.HourBreakdown("phone", "2024-01-02 14:00", 3)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, 30*time.Minute, stats["AppB"].Seconds)

	stats, err = e.HourBreakdown("phone", "2024-01-02 13:00", 3)
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, stats["AppA"].Seconds)

	stats, err = e.HourBreakdown("phone", "2024-01-01 14:00", 3)
	require.NoError(t, err)
	require.Empty(t, stats, "hour outside the lookback")
}

func TestQueriesRejectOutOfRangeHours(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	ingestScenario(t, e, clk, "phone")

	queries := map[string]func(hours int) error{
		"usage":      func(h int) error { _, err := e.Usage("phone", h); return err },
		"details":    func(h int) error { _, err := e.UsageDetails("phone", h); return err },
		"details v2": func(h int) error { _, err := e.UsageDetailsV2("phone", h); return err },
		"aggregate":  func(h int) error { _, err := e.UsageAggregate(h); return err },
		"breakdown":  func(h int) error { _, err := e.HourBreakdown("phone", "2024-01-02 14:00", h); return err },
		"recent":     func(h int) error { _, err := e.RecentSessions("phone", h, 0); return err },
		"heart":      func(h int) error { _, err := e.HeartRate("phone", h); return err },
	}

	for name, query := range queries {
		t.Run(name, func(t *testing.T) {
			for _, hours := range []int{0, -1, usage.MaxHours + 1, 3_000_000} {
				var verr *usage.ValidationError
				require.True(t, errors.As(query(hours), &verr), "hours %d", hours)
				require.Equal(t, "hours", verr.Field)
			}
			require.NoError(t, query(usage.MaxHours))
		})
	}
}

func TestRecentSessionsLimit(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	ingestScenario(t, e, clk, "phone")

	recent, err := e.RecentSessions("phone", 3, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "AppB", recent[0].App)

	recent, err = e.RecentSessions("phone", 3, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
}

func TestStatusOrdering(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	clk.Set(base.Add(time.Minute))
	require.NoError(t, e.IngestAppUsage(ctx, report("a", "Editor", true)))
	clk.Set(base.Add(2 * time.Minute))
	require.NoError(t, e.IngestAppUsage(ctx, report("b", "Music", false)))
	clk.Set(base.Add(3 * time.Minute))
	require.NoError(t, e.IngestAppUsage(ctx, report("c", "Browser", true)))

	ids := func(view StatusView) []string {
		out := make([]string, 0, len(view.Devices))
		for _, d := range view.Devices {
			out = append(out, d.ID)
		}
		return out
	}
	require.Equal(t, []string{"c", "a", "b"}, ids(e.Status()))

	e.cfg.UsingFirst = false
	require.Equal(t, []string{"c", "b", "a"}, ids(e.Status()))

	e.cfg.Sorted = true
	require.Equal(t, []string{"a", "b", "c"}, ids(e.Status()))

	e.SetPrivateMode(ctx, true)
	view := e.Status()
	require.True(t, view.PrivateMode)
	require.NotNil(t, view.Devices)
	require.Empty(t, view.Devices)
}

func TestFixedStatusIsNotSwitched(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	e.SetStatus(ctx, 5)
	require.NoError(t, e.IngestAppUsage(ctx, report("phone", "Browser", true)))
	require.Equal(t, 5, e.Status().Status)
	require.False(t, e.CheckDeviceStatus(true))
}

func TestRemoveAndClearDevices(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	require.ErrorIs(t, e.RemoveDevice(ctx, "ghost"), storage.ErrNotFound)

	require.NoError(t, e.IngestAppUsage(ctx, report("phone", "Browser", true)))
	require.NoError(t, e.IngestAppUsage(ctx, report("laptop", "Editor", false)))
	require.NoError(t, e.RemoveDevice(ctx, "phone"))

	doc, err := e.Document()
	require.NoError(t, err)
	require.NotContains(t, doc.DeviceStatus, "phone")
	require.Len(t, doc.AppHistory["phone"], 1, "history is kept")
	require.Equal(t, StatusIdle, doc.Status)

	e.ClearDevices(ctx)
	require.Empty(t, e.Status().Devices)
}

func TestMarkStaleOffline(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	ctx := context.Background()

	require.NoError(t, e.IngestAppUsage(ctx, report("phone", "Browser", true)))

	clk.Set(base.Add(5 * time.Minute))
	require.Zero(t, e.MarkStaleOffline(10*time.Minute))

	clk.Set(base.Add(11 * time.Minute))
	require.Equal(t, 1, e.MarkStaleOffline(10*time.Minute))
	require.Zero(t, e.MarkStaleOffline(10*time.Minute), "already offline")

	d := e.Status().Devices[0]
	require.True(t, d.Offline)
	require.False(t, d.Using)
	require.Equal(t, DefaultOfflineText, d.AppName)

	require.NoError(t, e.IngestAppUsage(ctx, report("phone", "Browser", true)))
	require.False(t, e.Status().Devices[0].Offline)
}

func TestVisitsRollover(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())

	e.RecordVisit("/")
	e.RecordVisit("/")
	e.RecordVisit("/query")
	e.RecordVisit("/untracked")

	visits := e.Visits()
	require.Equal(t, "2024-1-2", visits.TodayIs)
	require.Equal(t, "2024-1", visits.MonthIs)
	require.Equal(t, map[string]int{"/": 2, "/query": 1}, visits.Today)
	require.Equal(t, 2, visits.Total["/"])

	require.False(t, e.RolloverVisits())

	clk.Set(base.Add(24 * time.Hour))
	require.True(t, e.RolloverVisits())

	visits = e.Visits()
	require.Equal(t, "2024-1-3", visits.TodayIs)
	require.Empty(t, visits.Today)
	require.Equal(t, 2, visits.Month["/"])
	require.Equal(t, 2, visits.Total["/"])
}

func TestSaveLoadRoundTrip(t *testing.T) {
	e, clk, fs := newTestEngine(t, testConfig())
	ingestScenario(t, e, clk, "phone")
	e.RecordVisit("/")
	require.NoError(t, e.Flush(context.Background()))

	reopened := openEngine(t, fs, clk, testConfig())
	require.JSONEq(t, mustJSON(t, e.Status()), mustJSON(t, reopened.Status()))
	require.Equal(t, e.Visits(), reopened.Visits())

	before, err := e.UsageDetailsV2("phone", 3)
	require.NoError(t, err)
	after, err := reopened.UsageDetailsV2("phone", 3)
	require.NoError(t, err)
	require.JSONEq(t, mustJSON(t, before), mustJSON(t, after))
}

func TestCheckpointWritesOnlyChanges(t *testing.T) {
	e, _, fs := newTestEngine(t, testConfig())
	ctx := context.Background()

	require.NoError(t, e.IngestAppUsage(ctx, report("phone", "Browser", true)))
	saved, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	require.False(t, saved, "ingestion already persisted")

	e.RecordVisit("/")
	saved, err = e.Checkpoint(ctx)
	require.NoError(t, err)
	require.True(t, saved)

	data, err := afero.ReadFile(fs, testPath)
	require.NoError(t, err)
	require.Contains(t, string(data), `"/": 1`)

	saved, err = e.Checkpoint(ctx)
	require.NoError(t, err)
	require.False(t, saved)
}

func TestCheckpointRewritesCorruptFile(t *testing.T) {
	e, _, fs := newTestEngine(t, testConfig())
	require.NoError(t, afero.WriteFile(fs, testPath, []byte("{broken"), 0644))

	saved, err := e.Checkpoint(context.Background())
	require.NoError(t, err)
	require.True(t, saved)

	data, err := afero.ReadFile(fs, testPath)
	require.NoError(t, err)
	require.JSONEq(t, mustEncode(t, e), string(data))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func mustEncode(t *testing.T, e *Engine) string {
	t.Helper()
	doc, err := e.Document()
	require.NoError(t, err)
	data, err := storage.Encode(doc)
	require.NoError(t, err)
	return string(data)
}

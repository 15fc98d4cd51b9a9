package presence

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestMaintainerMarksStaleDevicesOffline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e, clk, fs := newTestEngine(t, testConfig())
	require.NoError(t, e.IngestAppUsage(ctx, report("phone", "Browser", true)))

	m := NewMaintainer(e, time.Minute, 30*time.Second, clk, zerolog.Nop())

	tickerTrap := clk.Trap().NewTicker()
	defer tickerTrap.Close()
	started := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(started)
	}()
	tickerCall := tickerTrap.MustWait(ctx)
	require.Equal(t, time.Minute, tickerCall.Duration)
	tickerCall.MustRelease(ctx)
	<-started

	resetTrap := clk.Trap().TickerReset()
	defer resetTrap.Close()

	clk.Advance(time.Minute).MustWait(ctx)
	resetCall := resetTrap.MustWait(ctx)
	resetCall.MustRelease(ctx)

	view := e.Status()
	require.Len(t, view.Devices, 1)
	require.True(t, view.Devices[0].Offline)
	require.Equal(t, StatusIdle, view.Status)

	data, err := afero.ReadFile(fs, testPath)
	require.NoError(t, err)
	require.Contains(t, string(data), DefaultOfflineText, "tick checkpoints the change")

	require.NoError(t, m.Stop(ctx))
}

func TestMaintainerStopFlushes(t *testing.T) {
	e, _, fs := newTestEngine(t, testConfig())
	m := NewMaintainer(e, time.Minute, 0, quartz.NewMock(t), zerolog.Nop())
	m.Start(context.Background())

	e.RecordVisit("/")
	require.NoError(t, m.Stop(context.Background()))

	data, err := afero.ReadFile(fs, testPath)
	require.NoError(t, err)
	require.Contains(t, string(data), `"/": 1`)
}

func TestTickWithoutThresholdKeepsDevicesOnline(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	require.NoError(t, e.IngestAppUsage(context.Background(), report("phone", "Browser", true)))

	clk.Set(base.Add(24 * time.Hour))
	NewMaintainer(e, time.Minute, 0, clk, zerolog.Nop()).Tick(context.Background())

	require.False(t, e.Status().Devices[0].Offline)
	require.Empty(t, e.Visits().Today)
}

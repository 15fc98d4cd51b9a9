package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/goodtune/presence/internal/config"
	"github.com/goodtune/presence/internal/storage"
	"github.com/goodtune/presence/internal/usage"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	reportHours  int
	reportDevice string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print a usage report from the stored document",
	Long: `Read the stored document and print device status and per-app usage
over a window, without starting the server.`,
	Example: `  presence report --hours 24
  presence -c config.yaml report --device phone --hours 3`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().IntVar(&reportHours, "hours", 24, "Window size in hours (24 means the current local day)")
	reportCmd.Flags().StringVar(&reportDevice, "device", "", "Only report this device")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	if err := usage.CheckHours(reportHours); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openDocumentStore(cfg.Storage, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	doc, err := store.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	loc := usage.LoadLocation(cfg.Timezone)
	renderReport(os.Stdout, doc, reportHours, reportDevice, time.Now().In(loc), loc)
	return nil
}

// renderReport writes the status and usage tables for doc.
func renderReport(out io.Writer, doc *storage.Document, hours int, device string, now time.Time, loc *time.Location) {
	cyan := color.New(color.FgCyan, color.Bold)
	w := usage.ResolveWindow(hours, now, loc)

	_, _ = cyan.Fprintf(out, "Devices (status %d, updated %s)\n", doc.Status, doc.LastUpdated)
	_, _ = fmt.Fprintln(out, statusTable(doc, device, now).Render())

	history := doc.AppHistory
	if device != "" {
		history = map[string][]storage.AppEvent{device: doc.AppHistory[device]}
	}
	events := 0
	for _, log := range history {
		events += len(log)
	}

	_, _ = cyan.Fprintf(out, "\nUsage %s to %s (%s events retained)\n",
		w.Start.Format("2006-01-02 15:04"), w.End.Format("2006-01-02 15:04"), humanize.Comma(int64(events)))
	totals := usage.SumApps(usage.ReconstructAll(history, w, loc))
	_, _ = fmt.Fprintln(out, usageTable(totals, now).Render())
}

func statusTable(doc *storage.Document, device string, now time.Time) table.Writer {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Device", "Name", "App", "Using", "Last seen"})

	ids := make([]string, 0, len(doc.DeviceStatus))
	for id := range doc.DeviceStatus {
		if device == "" || id == device {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		d := doc.DeviceStatus[id]
		using := "no"
		switch {
		case d.Offline:
			using = red.Sprint("offline")
		case d.Using:
			using = green.Sprint("yes")
		}
		seen := "never"
		if ls := d.LastSeen(); !ls.IsZero() {
			seen = humanize.RelTime(ls, now, "ago", "from now")
		}
		tw.AppendRow(table.Row{id, d.ShowName, d.AppName, using, seen})
	}
	return tw
}

func usageTable(totals *usage.AppTotals, now time.Time) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.Style().Format.Footer = text.FormatDefault
	tw.AppendHeader(table.Row{"App", "Time", "Launches", "Avg session", "Last used"})

	stats := totals.Stats()
	apps := totals.Apps()
	sort.SliceStable(apps, func(i, j int) bool { return stats[apps[i]].Seconds > stats[apps[j]].Seconds })

	for _, app := range apps {
		s := stats[app]
		avg := s.Seconds
		if s.Launches > 0 {
			avg /= time.Duration(s.Launches)
		}
		last := ""
		if !s.LastUsed.IsZero() {
			last = humanize.RelTime(s.LastUsed, now, "ago", "from now")
		}
		tw.AppendRow(table.Row{app, formatDuration(s.Seconds), s.Launches, formatDuration(avg), last})
	}
	tw.AppendFooter(table.Row{"Total", formatDuration(totals.Total()), "", "", ""})
	return tw
}

// formatDuration renders d as "1h02m03s" style text.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

package usage

import (
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/goodtune/presence/internal/storage"
)

var bpmSuffix = regexp.MustCompile(`(?i)(\d{2,3})\s*bpm\s*$`)

// ExtractBPM reads a heart rate from an app name ending in "<n> bpm".
func ExtractBPM(appName string) (int, bool) {
	m := bpmSuffix.FindStringSubmatch(appName)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// HeartPoint is a parsed heart-rate sample.
type HeartPoint struct {
	Time  time.Time `json:"time"`
	Value int       `json:"value"`
}

// HeartSeries is the heart-rate view of one window.
type HeartSeries struct {
	Current *HeartPoint  `json:"current"`
	Samples []HeartPoint `json:"samples"`
}

// AppendSample appends s and drops samples older than the retention
// horizon relative to now.
func AppendSample(samples []storage.HeartSample, s storage.HeartSample, now time.Time, loc *time.Location) []storage.HeartSample {
	samples = append(samples, s)
	return TrimSamples(samples, now.Add(-Retention), loc)
}

// TrimSamples removes samples older than cutoff, keeping unparseable ones.
func TrimSamples(samples []storage.HeartSample, cutoff time.Time, loc *time.Location) []storage.HeartSample {
	return trim(samples, func(s storage.HeartSample) string { return s.Time }, cutoff, loc)
}

// HeartInWindow returns the samples inside w in time order, with the latest
// as the current value.
func HeartInWindow(samples []storage.HeartSample, w Window, loc *time.Location) HeartSeries {
	series := HeartSeries{Samples: make([]HeartPoint, 0)}
	for _, s := range samples {
		t, err := ParseEventTime(s.Time, loc)
		if err != nil || !w.Includes(t) {
			continue
		}
		series.Samples = append(series.Samples, HeartPoint{Time: t, Value: s.Value})
	}
	sort.SliceStable(series.Samples, func(i, j int) bool {
		return series.Samples[i].Time.Before(series.Samples[j].Time)
	})
	if n := len(series.Samples); n > 0 {
		current := series.Samples[n-1]
		series.Current = &current
	}
	return series
}

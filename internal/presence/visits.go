package presence

import (
	"fmt"
	"maps"

	"github.com/goodtune/presence/internal/storage"
)

// VisitsView reports the visit counters.
type VisitsView struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	storage.VisitMetrics
}

// RecordVisit counts a request to path when path is tracked.
func (e *Engine) RecordVisit(path string) {
	if _, ok := e.visitPaths[path]; !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.visitMetrics()
	e.rollover(m)
	m.Today[path]++
	m.Month[path]++
	m.Year[path]++
	m.Total[path]++
	e.touch()
}

// RolloverVisits resets the day, month and year counters when the local
// date moved on. It reports whether anything was reset.
func (e *Engine) RolloverVisits() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rollover(e.visitMetrics()) {
		e.touch()
		return true
	}
	return false
}

// Visits returns a copy of the visit counters.
func (e *Engine) Visits() VisitsView {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.visitMetrics()
	return VisitsView{
		Time:     e.now().Format(lastUpdatedLayout),
		Timezone: e.cfg.Location.String(),
		VisitMetrics: storage.VisitMetrics{
			TodayIs: m.TodayIs,
			MonthIs: m.MonthIs,
			YearIs:  m.YearIs,
			Today:   maps.Clone(m.Today),
			Month:   maps.Clone(m.Month),
			Year:    maps.Clone(m.Year),
			Total:   maps.Clone(m.Total),
		},
	}
}

// visitMetrics returns the counters, allocating missing parts. Callers
// hold e.mu.
func (e *Engine) visitMetrics() *storage.VisitMetrics {
	if e.doc.Metrics == nil {
		e.doc.Metrics = &storage.VisitMetrics{}
	}
	m := e.doc.Metrics
	for _, counter := range []*map[string]int{&m.Today, &m.Month, &m.Year, &m.Total} {
		if *counter == nil {
			*counter = make(map[string]int)
		}
	}
	return m
}

// rollover resets counters whose period ended. Callers hold e.mu.
func (e *Engine) rollover(m *storage.VisitMetrics) bool {
	now := e.now()
	today := fmt.Sprintf("%d-%d-%d", now.Year(), int(now.Month()), now.Day())
	month := fmt.Sprintf("%d-%d", now.Year(), int(now.Month()))
	year := fmt.Sprintf("%d", now.Year())

	reset := false
	if m.TodayIs != today {
		e.logger.Debug().Str("from", m.TodayIs).Str("to", today).Msg("Visit day changed")
		m.TodayIs = today
		m.Today = make(map[string]int)
		reset = true
	}
	if m.MonthIs != month {
		e.logger.Debug().Str("from", m.MonthIs).Str("to", month).Msg("Visit month changed")
		m.MonthIs = month
		m.Month = make(map[string]int)
		reset = true
	}
	if m.YearIs != year {
		e.logger.Debug().Str("from", m.YearIs).Str("to", year).Msg("Visit year changed")
		m.YearIs = year
		m.Year = make(map[string]int)
		reset = true
	}
	return reset
}

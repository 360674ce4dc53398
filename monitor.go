package glbopt

import (
	"log/slog"
	"time"
)

type measurement struct {
	Op       string
	Duration time.Duration
}

// PerformanceMonitor collects named operation timings. It is not safe for
// concurrent use; the optimizer drives it from a single goroutine.
type PerformanceMonitor struct {
	entries []measurement
}

func NewPerformanceMonitor() *PerformanceMonitor { return &PerformanceMonitor{} }

// Measure starts a timer for op and returns the function that stops it.
//
//	defer mon.Measure("clean geometry")()
func (m *PerformanceMonitor) Measure(op string) func() {
	start := time.Now()
	return func() { m.Record(op, time.Since(start)) }
}

func (m *PerformanceMonitor) Record(op string, d time.Duration) {
	m.entries = append(m.entries, measurement{Op: op, Duration: d})
}

func (m *PerformanceMonitor) Total() time.Duration {
	var total time.Duration
	for _, e := range m.entries {
		total += e.Duration
	}
	return total
}

func (m *PerformanceMonitor) Slowest() (string, time.Duration) {
	var op string
	var max time.Duration
	for _, e := range m.entries {
		if e.Duration > max {
			op, max = e.Op, e.Duration
		}
	}
	return op, max
}

func (m *PerformanceMonitor) Reset() { m.entries = nil }

func (m *PerformanceMonitor) LogSummary(l *slog.Logger) {
	if len(m.entries) == 0 {
		return
	}
	op, d := m.Slowest()
	l.Info("timing summary",
		slog.Int("operations", len(m.entries)),
		slog.Duration("total", m.Total()),
		slog.String("slowest", op),
		slog.Duration("slowest_duration", d))
	for _, e := range m.entries {
		l.Debug("operation timing", slog.String("op", e.Op), slog.Duration("duration", e.Duration))
	}
}

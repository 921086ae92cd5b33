package app

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/MrWong99/terrarover/internal/pipeline"
)

// StatsSource is the part of [pipeline.Controller] the monitor reads.
type StatsSource interface {
	Stats() pipeline.Stats
}

// Monitor logs a periodic status line: capture rate, queue depth, detection
// latency, source state, and host CPU and memory load. The interval can be
// changed while it runs; zero pauses logging.
type Monitor struct {
	stats    StatsSource
	interval atomic.Int64
	wake     chan struct{}

	// host samples host load. Replaced in tests.
	host func(ctx context.Context) (cpuPct, memPct float64, err error)
}

// NewMonitor creates a Monitor for s.
func NewMonitor(s StatsSource, interval time.Duration) *Monitor {
	m := &Monitor{stats: s, wake: make(chan struct{}, 1), host: hostLoad}
	m.interval.Store(int64(interval))
	return m
}

// SetInterval changes the logging period.
func (m *Monitor) SetInterval(d time.Duration) {
	m.interval.Store(int64(d))
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run logs until ctx ends. It always returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		var (
			tick  <-chan time.Time
			timer *time.Timer
		)
		if d := time.Duration(m.interval.Load()); d > 0 {
			timer = time.NewTimer(d)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil
		case <-m.wake:
			stopTimer(timer)
		case <-tick:
			m.Report(ctx)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Report logs one status line now.
func (m *Monitor) Report(ctx context.Context) {
	attrs := []any{"pipeline", m.stats.Stats()}
	cpuPct, memPct, err := m.host(ctx)
	if err != nil {
		slog.Debug("status: host stats unavailable", "err", err)
	} else {
		attrs = append(attrs, "cpu_pct", round1(cpuPct), "mem_pct", round1(memPct))
	}
	slog.InfoContext(ctx, "status", attrs...)
}

// hostLoad returns CPU usage since the previous call and used memory, both
// in percent.
func hostLoad(ctx context.Context) (float64, float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	var c float64
	if len(pcts) > 0 {
		c = pcts[0]
	}
	return c, vm.UsedPercent, nil
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

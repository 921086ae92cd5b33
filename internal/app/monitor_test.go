package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/terrarover/internal/pipeline"
)

type fakeStats struct{ calls atomic.Int32 }

func (f *fakeStats) Stats() pipeline.Stats {
	f.calls.Add(1)
	return pipeline.Stats{Running: true, SourceState: "streaming"}
}

func TestMonitor_ReportsOnInterval(t *testing.T) {
	t.Parallel()
	s := &fakeStats{}
	m := NewMonitor(s, 5*time.Millisecond)
	var hostCalls atomic.Int32
	m.host = func(context.Context) (float64, float64, error) {
		hostCalls.Add(1)
		return 12.34, 56.78, nil
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, "three reports", func() bool { return s.calls.Load() >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if hostCalls.Load() < 3 {
		t.Errorf("host sampled %d times, want >= 3", hostCalls.Load())
	}
}

func TestMonitor_ZeroIntervalPauses(t *testing.T) {
	t.Parallel()
	s := &fakeStats{}
	m := NewMonitor(s, 0)
	m.host = func(context.Context) (float64, float64, error) { return 0, 0, nil }

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go m.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	if got := s.calls.Load(); got != 0 {
		t.Fatalf("reports while paused = %d, want 0", got)
	}

	m.SetInterval(5 * time.Millisecond)
	waitFor(t, "report after resume", func() bool { return s.calls.Load() > 0 })
}

func TestMonitor_HostErrorStillReports(t *testing.T) {
	t.Parallel()
	s := &fakeStats{}
	m := NewMonitor(s, time.Hour)
	m.host = func(context.Context) (float64, float64, error) { return 0, 0, errors.New("no /proc") }

	m.Report(t.Context())
	if got := s.calls.Load(); got != 1 {
		t.Errorf("stats read %d times, want 1", got)
	}
}

func TestRound1(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{12.34, 12.3},
		{12.35, 12.4},
		{99.99, 100},
	}
	for _, tt := range tests {
		if got := round1(tt.in); got != tt.want {
			t.Errorf("round1(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

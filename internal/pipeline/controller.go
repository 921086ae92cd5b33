// Package pipeline assembles the capture source, the frame queue, the latest
// frame handle, the detection pool, and the snapshot coordinator into one
// lifecycle.
//
// The capture loop is the only producer: every frame read from the source is
// stored in the latest-frame handle and pushed onto the queue, evicting the
// oldest queued frame when the workers fall behind. A [*source.FatalStreamError]
// ends the pipeline; it is reported by [Controller.Err] once
// [Controller.Done] is closed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/terrarover/internal/detection"
	"github.com/MrWong99/terrarover/internal/latest"
	"github.com/MrWong99/terrarover/internal/observe"
	"github.com/MrWong99/terrarover/internal/queue"
	"github.com/MrWong99/terrarover/internal/snapshot"
	"github.com/MrWong99/terrarover/internal/source"
	"github.com/MrWong99/terrarover/pkg/archive"
	"github.com/MrWong99/terrarover/pkg/provider/detect"
	"github.com/MrWong99/terrarover/pkg/provider/vlm"
	"github.com/MrWong99/terrarover/pkg/sink"
	"github.com/MrWong99/terrarover/pkg/types"
)

const (
	defaultQueueCapacity = 5
	defaultCaptureGrace  = time.Second

	fpsWindow = 30
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("pipeline: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("pipeline: stopped")
)

// Config configures a [Controller].
type Config struct {
	// Source configures the capture source. Source.Dialer is required.
	Source source.Config

	// QueueCapacity bounds the frame queue. Default 5.
	QueueCapacity int

	// CaptureGrace is how long Stop waits for the capture loop to notice
	// cancellation before closing the source underneath a blocked read.
	// Default 1s.
	CaptureGrace time.Duration

	Detection detection.Config
	Snapshot  snapshot.Config
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithSink publishes detection results to s.
func WithSink(s sink.Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithArchive stores answered snapshots in s.
func WithArchive(s archive.Store) Option {
	return func(c *Controller) { c.archive = s }
}

// WithMetrics sets the metrics instance shared by every stage. Default
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Stats is a point-in-time summary of the pipeline.
type Stats struct {
	Running         bool          `json:"running"`
	SourceState     string        `json:"source_state"`
	Epoch           uint64        `json:"epoch"`
	Reconnects      uint64        `json:"reconnects"`
	FramesCaptured  uint64        `json:"frames_captured"`
	FramesDropped   uint64        `json:"frames_dropped"`
	FPS             float64       `json:"fps"`
	QueueDepth      int           `json:"queue_depth"`
	QueueCapacity   int           `json:"queue_capacity"`
	Processed       uint64        `json:"frames_processed"`
	InferenceErrors uint64        `json:"inference_errors"`
	DegradedWorkers int           `json:"degraded_workers"`
	AvgDetection    time.Duration `json:"avg_detection_ns"`
	AnalysisBusy    bool          `json:"analysis_busy"`
	Uptime          time.Duration `json:"uptime_ns"`
}

// Controller runs the video pipeline.
type Controller struct {
	src      *source.Source
	frames   *queue.Queue
	latest   latest.Handle
	pool     *detection.Pool
	snapshot *snapshot.Coordinator

	sink    sink.Sink
	archive archive.Store
	metrics *observe.Metrics

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc

	captureDone  chan struct{}
	captureGrace time.Duration

	done     chan struct{}
	doneOnce sync.Once
	err      atomic.Pointer[error]

	stopOnce sync.Once
	stopErr  error

	fpsMu   sync.Mutex
	fpsRing [fpsWindow]time.Time
	fpsN    int
	fpsPos  int
}

// New builds a stopped Controller. det runs object detection and model
// answers snapshot questions.
func New(cfg Config, det detect.Provider, model vlm.Provider, opts ...Option) (*Controller, error) {
	if det == nil {
		return nil, errors.New("pipeline: detector must not be nil")
	}
	if model == nil {
		return nil, errors.New("pipeline: vision model must not be nil")
	}

	c := &Controller{
		captureDone:  make(chan struct{}),
		captureGrace: cfg.CaptureGrace,
		done:         make(chan struct{}),
	}
	if c.captureGrace <= 0 {
		c.captureGrace = defaultCaptureGrace
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	srcCfg := cfg.Source
	userState, userConnect := srcCfg.OnStateChange, srcCfg.OnConnect
	srcCfg.OnStateChange = func(from, to source.State) {
		c.metrics.SourceState.Record(context.Background(), int64(to))
		if userState != nil {
			userState(from, to)
		}
	}
	srcCfg.OnConnect = func(epoch uint64) {
		if epoch > 1 {
			c.metrics.Reconnects.Add(context.Background(), 1)
		}
		if userConnect != nil {
			userConnect(epoch)
		}
	}
	src, err := source.New(srcCfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	c.src = src

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	c.frames = queue.New(capacity)
	c.pool = detection.NewPool(c.frames, det, c.sink, cfg.Detection, detection.WithMetrics(c.metrics))

	snapOpts := []snapshot.Option{snapshot.WithMetrics(c.metrics)}
	if c.archive != nil {
		snapOpts = append(snapOpts, snapshot.WithArchive(c.archive))
	}
	c.snapshot = snapshot.New(&c.latest, model, cfg.Snapshot, snapOpts...)
	return c, nil
}

// Start connects the source and launches the capture loop and the detection
// workers. A connection failure, typically a [*source.FatalStreamError],
// terminates the controller and is returned wrapped.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return ErrStopped
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	// Stop may run while Connect retries; closing the source ends it.
	if err := c.src.Connect(ctx); err != nil {
		err = fmt.Errorf("pipeline: connect: %w", err)
		close(c.captureDone)
		if !errors.Is(err, source.ErrClosed) {
			c.terminate(err)
		}
		_ = c.Stop(context.WithoutCancel(ctx))
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		close(c.captureDone)
		return ErrStopped
	}
	if err := c.pool.Start(runCtx); err != nil {
		close(c.captureDone)
		return fmt.Errorf("pipeline: start workers: %w", err)
	}
	c.startedAt = time.Now()
	go c.capture(runCtx)

	slog.Info("pipeline started", "queue_capacity", c.frames.Cap(), "epoch", c.src.Epoch())
	return nil
}

func (c *Controller) capture(ctx context.Context) {
	defer close(c.captureDone)
	for ctx.Err() == nil {
		f, err := c.src.NextFrame(ctx)
		if err != nil {
			var fatal *source.FatalStreamError
			switch {
			case errors.As(err, &fatal):
				c.metrics.RecordStreamError(ctx, true)
				slog.Error("pipeline: video source lost", "err", err)
				c.terminate(err)
				// Stop waits for this goroutine, so it cannot run on it.
				go func() { _ = c.Stop(context.Background()) }()
				return
			case errors.Is(err, source.ErrClosed), ctx.Err() != nil:
				return
			case errors.Is(err, source.ErrStream):
				c.metrics.RecordStreamError(ctx, false)
			default:
				slog.Warn("pipeline: unexpected capture error", "err", err)
			}
			continue
		}

		c.metrics.FramesCaptured.Add(ctx, 1)
		c.latest.Store(f)
		if c.frames.Push(f) {
			c.metrics.FramesDropped.Add(ctx, 1)
		}
		c.metrics.QueueDepth.Record(ctx, int64(c.frames.Len()))
		c.tick(f.CapturedAt)
	}
}

// tick records a capture timestamp for the fps estimate.
func (c *Controller) tick(at time.Time) {
	c.fpsMu.Lock()
	defer c.fpsMu.Unlock()
	c.fpsRing[c.fpsPos] = at
	c.fpsPos = (c.fpsPos + 1) % fpsWindow
	if c.fpsN < fpsWindow {
		c.fpsN++
	}
}

// fps is the frame rate over the last window of captures, measured up to
// now so a stalled stream decays towards zero.
func (c *Controller) fps(now time.Time) float64 {
	c.fpsMu.Lock()
	defer c.fpsMu.Unlock()
	if c.fpsN < 2 {
		return 0
	}
	oldest := c.fpsRing[(c.fpsPos-c.fpsN+fpsWindow)%fpsWindow]
	span := now.Sub(oldest)
	if span <= 0 {
		return 0
	}
	return float64(c.fpsN-1) / span.Seconds()
}

func (c *Controller) terminate(err error) {
	c.doneOnce.Do(func() {
		if err != nil {
			c.err.Store(&err)
		}
		close(c.done)
	})
}

// Stop shuts the pipeline down: it stops capture, closes the queue, joins
// the workers within their shutdown timeout, waits for in-flight analyses
// bounded by ctx, and closes the source. It is idempotent and safe to call
// concurrently; later calls return the first result. A worker shutdown
// timeout is reported as a [*detection.ShutdownTimeoutError] in the joined
// error.
//
// A capture read that ignores cancellation is given Config.CaptureGrace, or
// less if ctx ends first, before the source is closed to unblock it. The
// worst case is therefore CaptureGrace plus the detection ShutdownTimeout
// plus whatever ctx allows for analyses.
func (c *Controller) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		started := c.started
		cancel := c.cancel
		c.mu.Unlock()

		if !started {
			c.stopErr = c.src.Close()
			c.terminate(nil)
			return
		}

		cancel()
		grace := time.NewTimer(c.captureGrace)
		select {
		case <-c.captureDone:
		case <-grace.C:
			// Blocked in a read that ignores ctx.
			_ = c.src.Close()
			<-c.captureDone
		case <-ctx.Done():
			_ = c.src.Close()
			<-c.captureDone
		}
		grace.Stop()

		c.frames.Close()
		var errs []error
		if err := c.pool.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := c.snapshot.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: close source: %w", err))
		}
		c.stopErr = errors.Join(errs...)
		c.terminate(nil)

		st := c.src.Stats()
		slog.Info("pipeline stopped", "frames", st.Frames, "dropped", c.frames.Dropped(), "reconnects", st.Reconnects)
	})
	return c.stopErr
}

// Done is closed when the pipeline has terminated, either by Stop or by a
// fatal stream error.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the error that terminated the pipeline, or nil while it is
// running or after a clean Stop.
func (c *Controller) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Terminated reports whether Done is closed.
func (c *Controller) Terminated() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// LatestFrame returns the newest captured frame.
func (c *Controller) LatestFrame() (types.Frame, bool) { return c.latest.Load() }

// TriggerAnalysis asks the vision model question about the newest frame.
// See [snapshot.Coordinator.Analyze] for the error contract.
func (c *Controller) TriggerAnalysis(ctx context.Context, question string) (*snapshot.Answer, error) {
	return c.snapshot.Answer(ctx, question)
}

// Snapshot returns the coordinator, for runtime tuning.
func (c *Controller) Snapshot() *snapshot.Coordinator { return c.snapshot }

// SourceState returns the current connection state.
func (c *Controller) SourceState() source.State { return c.src.State() }

// Stats returns a snapshot of pipeline counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	started, startedAt := c.started, c.startedAt
	c.mu.Unlock()

	now := time.Now()
	src := c.src.Stats()
	pool := c.pool.Stats()
	s := Stats{
		Running:         started && !c.Terminated(),
		SourceState:     src.State.String(),
		Epoch:           src.Epoch,
		Reconnects:      src.Reconnects,
		FramesCaptured:  src.Frames,
		FramesDropped:   c.frames.Dropped(),
		FPS:             c.fps(now),
		QueueDepth:      c.frames.Len(),
		QueueCapacity:   c.frames.Cap(),
		Processed:       pool.Processed,
		InferenceErrors: pool.Failed,
		DegradedWorkers: pool.Degraded,
		AvgDetection:    pool.AvgLatency,
		AnalysisBusy:    c.snapshot.Busy(),
	}
	if started {
		s.Uptime = now.Sub(startedAt)
	}
	return s
}

// LogValue renders the stats for structured logs.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("source_state", s.SourceState),
		slog.Uint64("epoch", s.Epoch),
		slog.String("fps", fmt.Sprintf("%.1f", s.FPS)),
		slog.Int("queue_depth", s.QueueDepth),
		slog.Uint64("frames", s.FramesCaptured),
		slog.Uint64("dropped", s.FramesDropped),
		slog.Duration("avg_detection", s.AvgDetection),
		slog.Int("degraded_workers", s.DegradedWorkers),
	)
}

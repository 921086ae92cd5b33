// Package detection runs object detection on captured frames with a fixed
// pool of workers.
//
// Each worker pops a frame from the shared queue, calls the detector under a
// per-frame timeout, and publishes the result to the configured sink. A
// detector failure only costs its frame: the error is logged as an
// [*InferenceError] and the worker moves on. A worker that fails
// DegradedAfter times in a row reports itself degraded, and reports recovery
// on its next success.
//
// [Pool.Stop] is bounded. Workers get ShutdownTimeout to finish the frame
// they hold; anything still running after that is abandoned.
package detection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/terrarover/internal/observe"
	"github.com/MrWong99/terrarover/pkg/provider/detect"
	"github.com/MrWong99/terrarover/pkg/sink"
	"github.com/MrWong99/terrarover/pkg/types"
)

const (
	defaultDetectTimeout   = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultDegradedAfter   = 3
	latencyWindow          = 100
)

// Frames is the work queue the pool drains. Close must be idempotent and
// must wake blocked Pop calls with an error. [*queue.Queue] satisfies it.
type Frames interface {
	Pop() (types.Frame, error)
	Close()
}

// EventKind identifies a pool lifecycle event.
type EventKind int

const (
	// EventWorkerDegraded fires when a worker reaches DegradedAfter
	// consecutive inference errors.
	EventWorkerDegraded EventKind = iota

	// EventWorkerRecovered fires on the first success of a degraded worker.
	EventWorkerRecovered

	// EventShutdownTimeout fires from Stop when workers had to be abandoned.
	EventShutdownTimeout
)

// String returns a lower-case name for k.
func (k EventKind) String() string {
	switch k {
	case EventWorkerDegraded:
		return "worker_degraded"
	case EventWorkerRecovered:
		return "worker_recovered"
	case EventShutdownTimeout:
		return "shutdown_timeout"
	default:
		return "unknown"
	}
}

// Event describes something that happened to the pool.
type Event struct {
	Kind EventKind

	// Worker is set for degraded/recovered events.
	Worker int

	// Consecutive is the failure streak at the time of the event.
	Consecutive int

	// Err is the last inference error for degraded events.
	Err error

	// Abandoned lists worker ids for shutdown timeout events.
	Abandoned []int
}

// Config configures a [Pool].
type Config struct {
	// Size is the number of workers. Values below 1 mean 1.
	Size int

	// DetectTimeout bounds each detector call. Default 5s.
	DetectTimeout time.Duration

	// ShutdownTimeout bounds Stop. Default 5s.
	ShutdownTimeout time.Duration

	// DegradedAfter is the consecutive error count that marks a worker
	// degraded. Default 3.
	DegradedAfter int

	// MinConfidence drops detections scoring below it before publishing.
	MinConfidence float64

	// Labels, when non-empty, keeps only detections with these labels.
	Labels []string

	// OnEvent is called synchronously for every [Event]. It must not block.
	OnEvent func(Event)
}

// Option is a functional option for [NewPool].
type Option func(*Pool)

// WithMetrics sets the metrics instance. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers    int
	Running    bool
	Processed  uint64
	Failed     uint64
	Degraded   int
	AvgLatency time.Duration
}

type worker struct {
	id          int
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	abandoned   atomic.Bool
	consecutive atomic.Int64
	degraded    atomic.Bool
}

// Pool is a fixed-size set of detection workers.
type Pool struct {
	frames  Frames
	det     detect.Provider
	sink    sink.Sink
	cfg     Config
	labels  map[string]bool
	metrics *observe.Metrics

	mu        sync.Mutex
	workers   []*worker
	started   bool
	stopAfter func() bool

	stopOnce sync.Once
	stopErr  error
	stopping atomic.Bool

	processed atomic.Uint64
	failed    atomic.Uint64

	latMu   sync.Mutex
	latRing [latencyWindow]time.Duration
	latN    int
	latPos  int
}

// NewPool creates a stopped pool. frames is drained by the workers, det
// runs inference, and results go to out (nil discards them).
func NewPool(frames Frames, det detect.Provider, out sink.Sink, cfg Config, opts ...Option) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = defaultDetectTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.DegradedAfter < 1 {
		cfg.DegradedAfter = defaultDegradedAfter
	}
	if out == nil {
		out = sink.Discard
	}
	p := &Pool{frames: frames, det: det, sink: out, cfg: cfg}
	if len(cfg.Labels) > 0 {
		p.labels = make(map[string]bool, len(cfg.Labels))
		for _, l := range cfg.Labels {
			p.labels[l] = true
		}
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start launches the workers. Cancelling ctx closes the frame queue and
// cancels in-flight inference; call Stop to join the workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	p.stopAfter = context.AfterFunc(ctx, p.frames.Close)
	for i := range p.cfg.Size {
		wctx, cancel := context.WithCancel(ctx)
		w := &worker{id: i, ctx: wctx, cancel: cancel, done: make(chan struct{})}
		p.workers = append(p.workers, w)
		go p.run(w)
	}
	slog.Info("detection: pool started", "workers", p.cfg.Size, "detect_timeout", p.cfg.DetectTimeout)
	return nil
}

func (p *Pool) run(w *worker) {
	defer close(w.done)
	for {
		if p.stopping.Load() || w.ctx.Err() != nil {
			return
		}
		f, err := p.frames.Pop()
		if err != nil {
			return
		}
		p.process(w, f)
	}
}

func (p *Pool) process(w *worker, f types.Frame) {
	ctx, cancel := context.WithTimeout(w.ctx, p.cfg.DetectTimeout)
	defer cancel()
	ctx, span := observe.StartFrameSpan(ctx, "detection.detect", f, attribute.Int("worker", w.id))
	defer span.End()

	start := time.Now()
	res, err := p.det.Detect(ctx, f)
	elapsed := time.Since(start)

	if w.abandoned.Load() {
		return
	}
	if err != nil {
		ie := &InferenceError{Worker: w.id, Frame: f.Key(), Err: err}
		observe.FailSpan(span, ie)
		p.fail(ctx, w, ie)
		return
	}

	p.succeed(w)
	p.record(elapsed)
	p.metrics.DetectionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.Int("worker", w.id)))

	res.Epoch, res.Seq = f.Epoch, f.Seq
	if res.CapturedAt.IsZero() {
		res.CapturedAt = f.CapturedAt
	}
	if res.DetectedAt.IsZero() {
		res.DetectedAt = time.Now()
	}
	if res.Latency == 0 {
		res.Latency = elapsed
	}
	res.Worker = w.id
	res.Detections = detect.Filter(res.Detections, p.cfg.MinConfidence, p.labels)

	if err := p.sink.Publish(w.ctx, res); err != nil {
		p.metrics.SinkErrors.Add(ctx, 1)
		slog.Warn("detection: publish failed", "worker", w.id, "frame", f.Key(), "err", err)
	}
}

func (p *Pool) fail(ctx context.Context, w *worker, err *InferenceError) {
	p.failed.Add(1)
	p.metrics.RecordInferenceError(ctx, w.id)
	n := int(w.consecutive.Add(1))
	slog.Warn("detection: inference failed", "worker", w.id, "frame", err.Frame, "consecutive", n, "err", err.Err)

	if n >= p.cfg.DegradedAfter && w.degraded.CompareAndSwap(false, true) {
		p.metrics.WorkerDegraded.Add(ctx, 1)
		slog.Error("detection: worker degraded", "worker", w.id, "consecutive", n)
		p.emit(Event{Kind: EventWorkerDegraded, Worker: w.id, Consecutive: n, Err: err})
	}
}

func (p *Pool) succeed(w *worker) {
	p.processed.Add(1)
	n := int(w.consecutive.Swap(0))
	if w.degraded.CompareAndSwap(true, false) {
		slog.Info("detection: worker recovered", "worker", w.id, "after_failures", n)
		p.emit(Event{Kind: EventWorkerRecovered, Worker: w.id, Consecutive: n})
	}
}

func (p *Pool) emit(e Event) {
	if p.cfg.OnEvent != nil {
		p.cfg.OnEvent(e)
	}
}

func (p *Pool) record(d time.Duration) {
	p.latMu.Lock()
	defer p.latMu.Unlock()
	p.latRing[p.latPos] = d
	p.latPos = (p.latPos + 1) % latencyWindow
	if p.latN < latencyWindow {
		p.latN++
	}
}

// Stop closes the frame queue and waits up to ShutdownTimeout for the workers
// to finish their current frame. Workers still running after that are
// abandoned: their context is cancelled and their results dropped, and Stop
// returns a [*ShutdownTimeoutError]. Stop is idempotent; later calls return
// the first result.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		p.frames.Close()

		p.mu.Lock()
		workers := p.workers
		if p.stopAfter != nil {
			p.stopAfter()
		}
		p.mu.Unlock()

		deadline := time.NewTimer(p.cfg.ShutdownTimeout)
		defer deadline.Stop()

		var abandoned []int
		for _, w := range workers {
			select {
			case <-w.done:
			case <-deadline.C:
				// Timer fired; everything not yet done is a straggler.
				abandoned = append(abandoned, p.abandonFrom(w, workers)...)
			}
			if len(abandoned) > 0 {
				break
			}
		}
		for _, w := range workers {
			w.cancel()
		}

		if len(abandoned) > 0 {
			slog.Warn("detection: workers abandoned at shutdown", "abandoned", abandoned, "timeout", p.cfg.ShutdownTimeout)
			p.emit(Event{Kind: EventShutdownTimeout, Abandoned: abandoned})
			p.stopErr = &ShutdownTimeoutError{Abandoned: abandoned, Timeout: p.cfg.ShutdownTimeout}
			return
		}
		slog.Info("detection: pool stopped", "processed", p.processed.Load(), "failed", p.failed.Load())
	})
	return p.stopErr
}

// abandonFrom marks first and every later worker that has not exited as
// abandoned and returns their ids.
func (p *Pool) abandonFrom(first *worker, workers []*worker) []int {
	var ids []int
	seen := false
	for _, w := range workers {
		if w == first {
			seen = true
		}
		if !seen {
			continue
		}
		select {
		case <-w.done:
			continue
		default:
		}
		w.abandoned.Store(true)
		ids = append(ids, w.id)
	}
	return ids
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.workers
	started := p.started
	p.mu.Unlock()

	s := Stats{
		Workers:   p.cfg.Size,
		Running:   started && !p.stopping.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
	for _, w := range workers {
		if w.degraded.Load() {
			s.Degraded++
		}
	}

	p.latMu.Lock()
	if p.latN > 0 {
		var total time.Duration
		for i := range p.latN {
			total += p.latRing[i]
		}
		s.AvgLatency = total / time.Duration(p.latN)
	}
	p.latMu.Unlock()
	return s
}

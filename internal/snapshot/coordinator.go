// Package snapshot answers questions about the newest camera frame with a
// vision-language model.
//
// At most one analysis runs at a time. A trigger that arrives while one is in
// flight, or inside the optional cooldown window, fails immediately with
// [ErrAnalysisBusy] instead of queueing. The VLM call runs under a hard
// timeout; a call that times out keeps the coordinator busy until the
// provider actually returns, so a slow backend is never called twice
// concurrently.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/terrarover/internal/observe"
	"github.com/MrWong99/terrarover/pkg/archive"
	"github.com/MrWong99/terrarover/pkg/imaging"
	"github.com/MrWong99/terrarover/pkg/provider/vlm"
	"github.com/MrWong99/terrarover/pkg/types"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultArchiveTimeout = 30 * time.Second
)

// Frames is the source of the newest frame. [*latest.Handle] satisfies it.
type Frames interface {
	Load() (types.Frame, bool)
}

// Request is one analysis trigger.
type Request struct {
	ID          string
	Question    string
	TriggeredAt time.Time
}

// NewRequest stamps question with a fresh id and the current time.
func NewRequest(question string) Request {
	return Request{ID: uuid.NewString(), Question: question, TriggeredAt: time.Now()}
}

// Answer is the result of a successful analysis.
type Answer struct {
	RequestID  string        `json:"request_id"`
	Question   string        `json:"question"`
	Text       string        `json:"answer"`
	Frame      string        `json:"frame"`
	CapturedAt time.Time     `json:"captured_at"`
	Latency    time.Duration `json:"latency_ns"`
}

// Config configures a [Coordinator].
type Config struct {
	// Timeout bounds each VLM call. Default 30s.
	Timeout time.Duration

	// Cooldown is the minimum time between the starts of two analyses.
	// Zero disables it.
	Cooldown time.Duration

	// MaxDimension bounds the longer side of the image sent to the model.
	// Zero sends the frame at full size.
	MaxDimension int

	// JPEGQuality for the encoded frame. Zero uses [imaging.DefaultQuality].
	JPEGQuality int

	// SystemPrompt overrides the provider's prompt when set.
	SystemPrompt string
}

// Option is a functional option for [New].
type Option func(*Coordinator)

// WithArchive stores every answered snapshot. Archive failures are logged
// and never fail the analysis.
func WithArchive(s archive.Store) Option {
	return func(c *Coordinator) { c.archive = s }
}

// WithMetrics sets the metrics instance. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator serialises VLM analyses of the latest frame.
type Coordinator struct {
	frames  Frames
	model   vlm.Provider
	archive archive.Store
	metrics *observe.Metrics

	maxDim       int
	quality      int
	systemPrompt string

	timeout  atomic.Int64
	cooldown atomic.Int64

	busy atomic.Bool

	mu        sync.Mutex
	lastStart time.Time

	background sync.WaitGroup
}

// New creates a Coordinator reading frames from frames and asking model.
func New(frames Frames, model vlm.Provider, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		frames:       frames,
		model:        model,
		maxDim:       cfg.MaxDimension,
		quality:      cfg.JPEGQuality,
		systemPrompt: cfg.SystemPrompt,
	}
	c.SetTimeout(cfg.Timeout)
	c.SetCooldown(cfg.Cooldown)
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// SetTimeout changes the VLM timeout for subsequent analyses. Non-positive
// values restore the default.
func (c *Coordinator) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultTimeout
	}
	c.timeout.Store(int64(d))
}

// SetCooldown changes the cooldown for subsequent analyses.
func (c *Coordinator) SetCooldown(d time.Duration) {
	c.cooldown.Store(int64(max(d, 0)))
}

// Timeout returns the current VLM timeout.
func (c *Coordinator) Timeout() time.Duration { return time.Duration(c.timeout.Load()) }

// Cooldown returns the current minimum spacing between analyses.
func (c *Coordinator) Cooldown() time.Duration { return time.Duration(c.cooldown.Load()) }

// Busy reports whether an analysis is in flight.
func (c *Coordinator) Busy() bool { return c.busy.Load() }

// Answer analyses the latest frame with question. See [Coordinator.Analyze].
func (c *Coordinator) Answer(ctx context.Context, question string) (*Answer, error) {
	return c.Analyze(ctx, NewRequest(question))
}

// Analyze runs req against the latest frame. It never waits for another
// analysis: it returns [ErrAnalysisBusy], [ErrNoFrameAvailable],
// [ErrEmptyQuestion], or an [*AnalysisError] on failure.
func (c *Coordinator) Analyze(ctx context.Context, req Request) (*Answer, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		c.metrics.RecordSnapshot(ctx, "invalid")
		return nil, ErrEmptyQuestion
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if !c.busy.CompareAndSwap(false, true) {
		c.metrics.RecordSnapshot(ctx, "busy")
		return nil, ErrAnalysisBusy
	}
	// From here on busy is ours; every return path must release it, the
	// success path through the VLM goroutine.
	if !c.enterCooldown(time.Now()) {
		c.busy.Store(false)
		c.metrics.RecordSnapshot(ctx, "busy")
		return nil, fmt.Errorf("%w: cooldown", ErrAnalysisBusy)
	}

	frame, ok := c.frames.Load()
	if !ok {
		c.busy.Store(false)
		c.metrics.RecordSnapshot(ctx, "no_frame")
		return nil, ErrNoFrameAvailable
	}

	ctx, span := observe.StartFrameSpan(ctx, "snapshot.analyze", frame, attribute.String("request.id", req.ID))
	defer span.End()
	log := observe.Logger(ctx).With("request_id", req.ID, "frame", frame.Key())

	img, err := imaging.JPEG(frame, imaging.Options{MaxDimension: c.maxDim, Quality: c.quality})
	if err != nil {
		c.busy.Store(false)
		c.metrics.RecordSnapshot(ctx, "error")
		ae := &AnalysisError{RequestID: req.ID, Frame: frame.Key(), Err: err}
		observe.FailSpan(span, ae)
		return nil, ae
	}

	start := time.Now()
	text, err := c.ask(ctx, vlm.Request{Question: req.Question, JPEG: img, SystemPrompt: c.systemPrompt})
	latency := time.Since(start)
	c.metrics.VLMDuration.Record(ctx, latency.Seconds())

	if err != nil {
		ae := &AnalysisError{RequestID: req.ID, Frame: frame.Key(), Err: err}
		status := "error"
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			ae.Timeout, status = true, "timeout"
		}
		c.metrics.RecordSnapshot(ctx, status)
		observe.FailSpan(span, ae)
		log.Warn("snapshot analysis failed", "err", err, "latency", latency, "timeout", ae.Timeout)
		return nil, ae
	}

	ans := &Answer{
		RequestID:  req.ID,
		Question:   req.Question,
		Text:       text,
		Frame:      frame.Key(),
		CapturedAt: frame.CapturedAt,
		Latency:    latency,
	}
	c.metrics.RecordSnapshot(ctx, "ok")
	log.Info("snapshot answered", "latency", latency, "answer_len", len(text))

	if c.archive != nil {
		c.store(ctx, archive.Snapshot{
			Record: archive.Record{
				RequestID:  req.ID,
				FrameKey:   frame.Key(),
				Question:   req.Question,
				Answer:     text,
				CapturedAt: frame.CapturedAt,
				AnsweredAt: time.Now(),
				Latency:    latency,
			},
			JPEG: img,
		})
	}
	return ans, nil
}

// enterCooldown records now as the start of an analysis unless the previous
// one started less than Cooldown ago. Caller holds busy.
func (c *Coordinator) enterCooldown(now time.Time) bool {
	cd := time.Duration(c.cooldown.Load())
	c.mu.Lock()
	defer c.mu.Unlock()
	if cd > 0 && !c.lastStart.IsZero() && now.Sub(c.lastStart) < cd {
		return false
	}
	c.lastStart = now
	return true
}

// ask calls the model in its own goroutine so the hard timeout holds even
// for providers that ignore ctx. That goroutine owns busy and releases it
// as soon as the provider returns, before handing the result back, so a
// caller that has its answer can always start the next analysis.
func (c *Coordinator) ask(ctx context.Context, req vlm.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout())

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer cancel()
		text, err := c.model.Ask(ctx, req)
		c.busy.Store(false)
		done <- result{text: strings.TrimSpace(text), err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.text == "" {
			r.err = vlm.ErrEmptyAnswer
		}
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// store archives s in the background under its own deadline.
func (c *Coordinator) store(ctx context.Context, s archive.Snapshot) {
	ctx = context.WithoutCancel(ctx)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		ctx, cancel := context.WithTimeout(ctx, defaultArchiveTimeout)
		defer cancel()
		loc, err := c.archive.Save(ctx, s)
		if err != nil {
			slog.Warn("snapshot archive failed", "request_id", s.Record.RequestID, "err", err)
		}
		if loc != "" {
			slog.Debug("snapshot archived", "request_id", s.Record.RequestID, "location", loc)
		}
	}()
}

// Wait blocks until abandoned VLM calls and pending archive writes have
// finished, or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("snapshot: wait for background work: %w", ctx.Err())
	}
}

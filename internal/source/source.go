// Package source owns the network video connection. [Source] turns a
// [video.Dialer] into a stream of sequenced, paced [types.Frame] values and
// recovers from failures with an explicit state machine:
//
//	Disconnected → Connecting   connect attempt started
//	Connecting   → Streaming    first frame of the epoch received
//	Streaming    → Degraded     a read failed, still reading
//	Degraded     → Streaming    a read succeeded, failure counter reset
//	Degraded     → Disconnected consecutive-failure threshold reached; the
//	                            connection is torn down and redialled
//
// Consecutive read failures and total connection attempts are counted
// separately. A transient decode error is retried on the same connection after
// a backoff wait; only a run of MaxConsecutiveFailures forces a redial. Read
// failure waits start at ReconnectDelay and double up to MaxReconnectDelay
// until a frame arrives. The connection-attempt
// budget (MaxRetries) is restored once a new epoch delivers its first frame,
// and exhausting it yields a [FatalStreamError].
package source

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/terrarover/pkg/types"
	"github.com/MrWong99/terrarover/pkg/video"
)

// Default reconnection parameters.
const (
	defaultMaxRetries             = 5
	defaultReconnectDelay         = 1 * time.Second
	defaultMaxReconnectDelay      = 30 * time.Second
	defaultMaxConsecutiveFailures = 10
)

// State is the connection state of a [Source].
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateDegraded
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Config configures a [Source].
type Config struct {
	// Address is the video source (e.g., "rtsp://cam.local:8554/live").
	Address string

	// Dialer opens connections to Address. Required.
	Dialer video.Dialer

	// ReconnectDelay is the initial wait between connection attempts and
	// between failed reads. It doubles after every failure up to
	// MaxReconnectDelay. Defaults to 1s if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the backoff. Defaults to 30s if zero.
	MaxReconnectDelay time.Duration

	// MaxRetries is the connection-attempt budget. Defaults to 5 if zero.
	MaxRetries int

	// MaxConsecutiveFailures is the number of back-to-back read failures that
	// forces a full reconnection. Defaults to 10 if zero.
	MaxConsecutiveFailures int

	// TargetFPS caps the frame rate handed to the caller. Zero disables it.
	TargetFPS float64

	// MinFrameInterval is a lower bound on the spacing between frames. The
	// effective interval is the larger of this and 1/TargetFPS.
	MinFrameInterval time.Duration

	// OnStateChange is called on every state transition. May be nil. It runs
	// synchronously on whichever goroutine caused the transition: the capture
	// goroutine for Connect and NextFrame, or the goroutine calling Close. It
	// must not block.
	OnStateChange func(from, to State)

	// OnConnect is called after every successful dial with the new epoch.
	// May be nil.
	OnConnect func(epoch uint64)
}

// Stats is a point-in-time snapshot of source counters.
type Stats struct {
	State        State
	Epoch        uint64
	Frames       uint64
	ReadErrors   uint64
	DialAttempts uint64
	DialFailures uint64
	Reconnects   uint64
}

// Source is a reconnecting frame producer.
//
// Connect and NextFrame must be called from a single goroutine (the capture
// task). State, Epoch, Stats, and Close are safe to call from any goroutine.
type Source struct {
	address        string
	dialer         video.Dialer
	reconnectDelay time.Duration
	maxDelay       time.Duration
	maxRetries     int
	maxConsecutive int
	interval       time.Duration
	onStateChange  func(from, to State)
	onConnect      func(epoch uint64)

	state atomic.Int32
	epoch atomic.Uint64

	mu     sync.Mutex
	stream video.Stream

	done      chan struct{}
	closeOnce sync.Once

	// Owned by the capture goroutine.
	seq          uint64
	consecutive  int
	attemptsUsed int
	readBackoff  time.Duration
	lastFrameAt  time.Time

	frames       atomic.Uint64
	readErrors   atomic.Uint64
	dialAttempts atomic.Uint64
	dialFailures atomic.Uint64
	reconnects   atomic.Uint64
}

// New creates a [Source]. It does not connect; call [Source.Connect].
func New(cfg Config) (*Source, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("source: dialer must not be nil")
	}
	if cfg.Address == "" {
		return nil, errors.New("source: address must not be empty")
	}
	s := &Source{
		address:        cfg.Address,
		dialer:         cfg.Dialer,
		reconnectDelay: cfg.ReconnectDelay,
		maxDelay:       cfg.MaxReconnectDelay,
		maxRetries:     cfg.MaxRetries,
		maxConsecutive: cfg.MaxConsecutiveFailures,
		onStateChange:  cfg.OnStateChange,
		onConnect:      cfg.OnConnect,
		done:           make(chan struct{}),
	}
	if s.reconnectDelay <= 0 {
		s.reconnectDelay = defaultReconnectDelay
	}
	if s.maxDelay <= 0 {
		s.maxDelay = defaultMaxReconnectDelay
	}
	if s.maxDelay < s.reconnectDelay {
		s.maxDelay = s.reconnectDelay
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.maxConsecutive <= 0 {
		s.maxConsecutive = defaultMaxConsecutiveFailures
	}
	s.interval = cfg.MinFrameInterval
	if cfg.TargetFPS > 0 {
		if fpsInterval := time.Duration(float64(time.Second) / cfg.TargetFPS); fpsInterval > s.interval {
			s.interval = fpsInterval
		}
	}
	return s, nil
}

// Connect establishes the stream connection, retrying with exponential
// backoff. It returns a [*FatalStreamError] wrapping the last
// [*ConnectionError] once MaxRetries attempts have failed, [ErrClosed] after
// Close, or the context error.
func (s *Source) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.dial(ctx)
}

// NextFrame blocks until the next frame is available.
//
// Errors:
//   - [*StreamError]: transient read failure; call NextFrame again.
//   - [*FatalStreamError]: the reconnection budget is exhausted.
//   - [ErrClosed]: Close was called.
//   - ctx.Err(): the context ended.
func (s *Source) NextFrame(ctx context.Context) (types.Frame, error) {
	for {
		if s.isClosed() {
			return types.Frame{}, ErrClosed
		}

		s.mu.Lock()
		st := s.stream
		s.mu.Unlock()

		if st == nil {
			if err := s.dial(ctx); err != nil {
				return types.Frame{}, err
			}
			continue
		}

		if err := s.pace(ctx); err != nil {
			return types.Frame{}, err
		}

		pic, err := st.Read(ctx)
		if s.isClosed() {
			return types.Frame{}, ErrClosed
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return types.Frame{}, ctxErr
			}
			return types.Frame{}, s.readFailed(ctx, err)
		}

		f := types.Frame{
			Epoch:      s.epoch.Load(),
			Seq:        s.seq,
			CapturedAt: time.Now(),
			Width:      pic.Width,
			Height:     pic.Height,
			Format:     pic.Format,
			Data:       pic.Data,
		}
		s.seq++
		s.consecutive = 0
		s.attemptsUsed = 0
		s.readBackoff = 0
		s.lastFrameAt = f.CapturedAt
		s.frames.Add(1)
		s.setState(StateStreaming)
		return f, nil
	}
}

// readFailed records a read error, waits out the read backoff, and once the
// consecutive threshold is reached rebuilds the connection. It returns the
// error NextFrame reports.
func (s *Source) readFailed(ctx context.Context, readErr error) error {
	s.consecutive++
	s.readErrors.Add(1)
	streamErr := &StreamError{Epoch: s.epoch.Load(), Consecutive: s.consecutive, Err: readErr}

	if s.consecutive < s.maxConsecutive {
		s.setState(StateDegraded)
		slog.Debug("video read failed",
			"address", redact(s.address),
			"epoch", streamErr.Epoch,
			"consecutive", s.consecutive,
			"error", readErr,
		)
		if err := s.wait(ctx, s.nextReadDelay()); err != nil {
			return err
		}
		return streamErr
	}

	slog.Warn("consecutive read failures reached threshold, reconnecting",
		"address", redact(s.address),
		"epoch", streamErr.Epoch,
		"consecutive", s.consecutive,
		"threshold", s.maxConsecutive,
	)
	s.teardown()
	// An exhausted budget fails in dial without dialling; don't wait for it.
	if s.attemptsUsed < s.maxRetries {
		if err := s.wait(ctx, s.nextReadDelay()); err != nil {
			return err
		}
	}
	s.reconnects.Add(1)
	if err := s.dial(ctx); err != nil {
		return err
	}
	return streamErr
}

// dial runs the bounded connection loop with exponential backoff.
func (s *Source) dial(ctx context.Context) error {
	currentBackoff := s.reconnectDelay
	var lastErr error

	for s.attemptsUsed < s.maxRetries {
		if s.isClosed() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		s.attemptsUsed++
		attempt := s.attemptsUsed
		s.dialAttempts.Add(1)
		s.setState(StateConnecting)

		slog.Info("connecting to video source",
			"address", redact(s.address),
			"attempt", attempt,
			"max_retries", s.maxRetries,
		)

		st, err := s.dialer.Dial(ctx, s.address)
		if err == nil {
			s.mu.Lock()
			if s.isClosed() {
				s.mu.Unlock()
				_ = st.Close()
				return ErrClosed
			}
			s.stream = st
			s.mu.Unlock()

			epoch := s.epoch.Add(1)
			s.seq = 0
			s.consecutive = 0
			s.lastFrameAt = time.Time{}

			slog.Info("video source connected",
				"address", redact(s.address),
				"attempt", attempt,
				"epoch", epoch,
			)
			if s.onConnect != nil {
				s.onConnect(epoch)
			}
			return nil
		}

		s.dialFailures.Add(1)
		lastErr = &ConnectionError{Address: redact(s.address), Attempt: attempt, Err: err}
		slog.Warn("video source connection attempt failed",
			"address", redact(s.address),
			"attempt", attempt,
			"error", err,
		)

		if s.attemptsUsed >= s.maxRetries {
			break
		}

		if err := s.wait(ctx, currentBackoff); err != nil {
			if !errors.Is(err, ErrClosed) {
				s.setState(StateDisconnected)
			}
			return err
		}

		currentBackoff *= 2
		if currentBackoff > s.maxDelay {
			currentBackoff = s.maxDelay
		}
	}

	s.setState(StateDisconnected)
	if lastErr == nil {
		lastErr = &ConnectionError{Address: redact(s.address), Attempt: s.attemptsUsed, Err: errors.New("no attempts left")}
	}
	slog.Error("video source unreachable after max retries",
		"address", redact(s.address),
		"max_retries", s.maxRetries,
	)
	return &FatalStreamError{Attempts: s.attemptsUsed, Err: lastErr}
}

// pace waits until the configured inter-frame interval has elapsed since the
// previous frame.
func (s *Source) pace(ctx context.Context) error {
	if s.interval <= 0 || s.lastFrameAt.IsZero() {
		return nil
	}
	return s.wait(ctx, s.interval-time.Since(s.lastFrameAt))
}

// nextReadDelay advances the read-failure backoff and returns the wait for
// the failure just recorded.
func (s *Source) nextReadDelay() time.Duration {
	if s.readBackoff == 0 {
		s.readBackoff = s.reconnectDelay
	} else {
		s.readBackoff = min(s.readBackoff*2, s.maxDelay)
	}
	return s.readBackoff
}

// wait sleeps for d, returning early with the context error or [ErrClosed].
func (s *Source) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	case <-t.C:
		return nil
	}
}

// teardown closes the current connection, if any, and marks the source
// disconnected.
func (s *Source) teardown() {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()

	if st != nil {
		if err := st.Close(); err != nil {
			slog.Debug("video stream close failed", "address", redact(s.address), "error", err)
		}
	}
	s.setState(StateDisconnected)
}

// Close tears down the connection and makes every further call fail with
// [ErrClosed]. It is safe to call concurrently with a blocked read or a
// reconnect in progress, and more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.teardown()
	})
	return nil
}

// State returns the current connection state.
func (s *Source) State() State {
	return State(s.state.Load())
}

// Epoch returns the current connection epoch. It is 0 before the first
// successful connection.
func (s *Source) Epoch() uint64 {
	return s.epoch.Load()
}

// Stats returns a snapshot of the source counters.
func (s *Source) Stats() Stats {
	return Stats{
		State:        s.State(),
		Epoch:        s.epoch.Load(),
		Frames:       s.frames.Load(),
		ReadErrors:   s.readErrors.Load(),
		DialAttempts: s.dialAttempts.Load(),
		DialFailures: s.dialFailures.Load(),
		Reconnects:   s.reconnects.Load(),
	}
}

func (s *Source) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	slog.Debug("video source state changed", "from", from.String(), "to", to.String())
	if s.onStateChange != nil {
		s.onStateChange(from, to)
	}
}

func (s *Source) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// redact strips credentials from URL-shaped addresses before they are logged.
func redact(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.User == nil {
		return address
	}
	return u.Redacted()
}

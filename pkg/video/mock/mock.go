// Package mock provides in-memory mock implementations of the [video.Dialer]
// and [video.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts, and they expose exported fields that the test
// sets to script return values.
//
// Typical usage:
//
//	stream := &mock.Stream{Pictures: []video.Picture{{Width: 2, Height: 2, Data: px}}}
//	dialer := &mock.Dialer{Streams: []video.Stream{stream}}
//	s, err := dialer.Dial(ctx, "rtsp://camera")
package mock

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/terrarover/pkg/types"
	"github.com/MrWong99/terrarover/pkg/video"
)

// Picture returns a tiny BGR test picture whose first byte is marker.
func Picture(marker byte) video.Picture {
	return video.Picture{
		Width:  2,
		Height: 1,
		Format: types.PixelFormatBGR24,
		Data:   []byte{marker, 0, 0, 0, 0, 0},
	}
}

// ReadResult is one scripted outcome of [Stream.Read].
type ReadResult struct {
	Picture video.Picture
	Err     error
}

// Stream is a mock implementation of [video.Stream].
//
// Reads consume Results in order. When Results is exhausted, Read returns
// Picture(0) forever if Repeat is set, blocks until ctx is done or the stream
// is closed if Block is set, and returns io.EOF otherwise.
type Stream struct {
	mu sync.Mutex

	// Results are returned by successive Read calls.
	Results []ReadResult

	// Repeat makes Read return a fresh picture once Results is exhausted.
	Repeat bool

	// Block makes Read block once Results is exhausted.
	Block bool

	// CloseError is returned by Close.
	CloseError error

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed chan struct{}
	once   sync.Once
}

// NewStream returns a Stream that yields one good picture per entry in
// markers (marker bytes are written into the first pixel).
func NewStream(markers ...byte) *Stream {
	s := &Stream{}
	for _, m := range markers {
		s.Results = append(s.Results, ReadResult{Picture: Picture(m)})
	}
	return s
}

func (s *Stream) closedCh() chan struct{} {
	s.once.Do(func() { s.closed = make(chan struct{}) })
	return s.closed
}

// Read implements [video.Stream].
func (s *Stream) Read(ctx context.Context) (video.Picture, error) {
	closed := s.closedCh()

	s.mu.Lock()
	s.CallCountRead++
	select {
	case <-closed:
		s.mu.Unlock()
		return video.Picture{}, errors.New("mock: stream closed")
	default:
	}
	if len(s.Results) > 0 {
		r := s.Results[0]
		s.Results = s.Results[1:]
		s.mu.Unlock()
		return r.Picture, r.Err
	}
	repeat, block := s.Repeat, s.Block
	s.mu.Unlock()

	switch {
	case repeat:
		return Picture(0), nil
	case block:
		select {
		case <-ctx.Done():
			return video.Picture{}, ctx.Err()
		case <-closed:
			return video.Picture{}, errors.New("mock: stream closed")
		}
	}
	return video.Picture{}, io.EOF
}

// Close implements [video.Stream]. It is safe to call more than once.
func (s *Stream) Close() error {
	closed := s.closedCh()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	select {
	case <-closed:
	default:
		close(closed)
	}
	return s.CloseError
}

// Closed reports whether Close has been called at least once.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// Compile-time interface assertion.
var _ video.Stream = (*Stream)(nil)

// DialCall records the arguments of a single [Dialer.Dial] invocation.
type DialCall struct {
	Address string
}

// Dialer is a mock implementation of [video.Dialer].
//
// Each Dial consumes the next entry of Errors (nil entries mean success) and,
// on success, the next entry of Streams. When Errors is exhausted Dial uses
// Err. When Streams is exhausted a fresh repeating [Stream] is returned.
type Dialer struct {
	mu sync.Mutex

	// Errors scripts the outcome of successive Dial calls.
	Errors []error

	// Err is returned once Errors is exhausted.
	Err error

	// Streams are handed out by successful Dial calls in order.
	Streams []video.Stream

	// DialCalls records every Dial invocation.
	DialCalls []DialCall
}

// Dial implements [video.Dialer].
func (d *Dialer) Dial(ctx context.Context, address string) (video.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Address: address})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var err error
	if len(d.Errors) > 0 {
		err = d.Errors[0]
		d.Errors = d.Errors[1:]
	} else {
		err = d.Err
	}
	if err != nil {
		return nil, err
	}

	if len(d.Streams) > 0 {
		s := d.Streams[0]
		d.Streams = d.Streams[1:]
		return s, nil
	}
	return &Stream{Repeat: true}, nil
}

// Calls returns how many times Dial was invoked.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// Compile-time interface assertion.
var _ video.Dialer = (*Dialer)(nil)

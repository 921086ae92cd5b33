// Package gocv implements [video.Dialer] on top of OpenCV's VideoCapture via
// gocv. It understands every address OpenCV does: RTSP and HTTP URLs, local
// files, and numeric device indexes ("0", "1", ...).
//
// Building this package requires OpenCV 4 development headers and libraries
// (see https://gocv.io/getting-started/).
package gocv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	cv "gocv.io/x/gocv"

	"github.com/MrWong99/terrarover/pkg/types"
	"github.com/MrWong99/terrarover/pkg/video"
)

// ErrReadFailed is returned by Read when VideoCapture.Read reports failure.
var ErrReadFailed = errors.New("gocv: read failed")

// errClosed is returned by Read once the stream has been closed.
var errClosed = errors.New("gocv: stream closed")

// Compile-time assertions.
var (
	_ video.Dialer = (*Dialer)(nil)
	_ video.Stream = (*stream)(nil)
)

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBufferSize sets CAP_PROP_BUFFERSIZE on every opened capture. A small
// buffer keeps latency low on live sources. Defaults to 1; 0 leaves the
// backend default untouched.
func WithBufferSize(n int) Option {
	return func(d *Dialer) { d.bufferSize = n }
}

// WithFFmpeg forces the FFmpeg capture backend instead of letting OpenCV
// pick one.
func WithFFmpeg() Option {
	return func(d *Dialer) { d.ffmpeg = true }
}

// Dialer opens OpenCV video captures.
type Dialer struct {
	bufferSize int
	ffmpeg     bool
}

// New returns a Dialer configured by opts.
func New(opts ...Option) *Dialer {
	d := &Dialer{bufferSize: 1}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial implements [video.Dialer]. Numeric addresses are treated as device
// indexes.
func (d *Dialer) Dial(ctx context.Context, address string) (video.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if address == "" {
		return nil, errors.New("gocv: address must not be empty")
	}

	var device any = address
	if idx, err := strconv.Atoi(address); err == nil {
		device = idx
	}

	var (
		vc  *cv.VideoCapture
		err error
	)
	if d.ffmpeg {
		vc, err = cv.OpenVideoCaptureWithAPI(device, cv.VideoCaptureFFmpeg)
	} else {
		vc, err = cv.OpenVideoCapture(device)
	}
	if err != nil {
		return nil, fmt.Errorf("gocv: open %q: %w", address, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("gocv: capture %q did not open", address)
	}
	if d.bufferSize > 0 {
		vc.Set(cv.VideoCaptureBufferSize, float64(d.bufferSize))
	}

	return &stream{vc: vc, mat: cv.NewMat()}, nil
}

// stream is an open VideoCapture. OpenCV handles must not be released while
// a Read is in progress, so Close defers the release to the reader when it
// races with one.
type stream struct {
	mu      sync.Mutex // held for the duration of a Read
	vc      *cv.VideoCapture
	mat     cv.Mat
	stateMu sync.Mutex
	closed  bool
	reading bool
	release sync.Once
}

// Read implements [video.Stream].
func (s *stream) Read(ctx context.Context) (video.Picture, error) {
	if err := ctx.Err(); err != nil {
		return video.Picture{}, err
	}

	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return video.Picture{}, errClosed
	}
	s.reading = true
	s.stateMu.Unlock()

	s.mu.Lock()
	pic, err := s.readLocked()
	s.mu.Unlock()

	s.stateMu.Lock()
	s.reading = false
	closed := s.closed
	s.stateMu.Unlock()
	if closed {
		s.releaseHandles()
		return video.Picture{}, errClosed
	}
	return pic, err
}

func (s *stream) readLocked() (video.Picture, error) {
	if ok := s.vc.Read(&s.mat); !ok {
		return video.Picture{}, ErrReadFailed
	}
	if s.mat.Empty() {
		return video.Picture{}, video.ErrEmptyPicture
	}
	if s.mat.Channels() != 3 {
		return video.Picture{}, fmt.Errorf("gocv: unsupported channel count %d", s.mat.Channels())
	}
	return video.Picture{
		Width:  s.mat.Cols(),
		Height: s.mat.Rows(),
		Format: types.PixelFormatBGR24,
		Data:   s.mat.ToBytes(),
	}, nil
}

// Close implements [video.Stream]. It is safe to call more than once and
// from any goroutine.
func (s *stream) Close() error {
	s.stateMu.Lock()
	s.closed = true
	reading := s.reading
	s.stateMu.Unlock()

	if !reading {
		s.releaseHandles()
	}
	return nil
}

func (s *stream) releaseHandles() {
	s.release.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = s.mat.Close()
		_ = s.vc.Close()
	})
}

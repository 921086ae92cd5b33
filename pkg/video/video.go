// Package video defines the interfaces for network video connectivity within
// terrarover.
//
// The two primary abstractions are:
//
//   - [Dialer] opens a video source by address and returns a [Stream].
//   - [Stream] is an open connection that yields raw pictures one at a time.
//
// Implementations are provided by driver packages (e.g., video/gocv). The
// interfaces are intentionally narrow so that the reconnecting frame source
// stays decoupled from the capture library. Sequence numbering, epochs, and
// pacing are the caller's concern; a Stream only delivers pixels.
package video

import (
	"context"
	"errors"

	"github.com/MrWong99/terrarover/pkg/types"
)

// ErrEmptyPicture is returned by [Stream.Read] when the source produced a
// picture with no pixel data. Drivers treat it as a transient decode failure.
var ErrEmptyPicture = errors.New("video: empty picture")

// Picture is one decoded image as delivered by a [Stream].
type Picture struct {
	Width  int
	Height int
	Format types.PixelFormat

	// Data is owned by the caller after Read returns; drivers must not reuse
	// the backing array.
	Data []byte
}

// Stream is an open video connection.
//
// Read blocks until the next picture is decoded or the read fails. A Stream
// is read by a single goroutine; Close may be called from any goroutine and
// must be safe to call more than once.
type Stream interface {
	// Read returns the next picture. Errors are transient unless the stream
	// is closed; the caller decides when to give up and redial.
	Read(ctx context.Context) (Picture, error)

	// Close releases the underlying connection.
	Close() error
}

// Dialer opens video streams.
//
// Implementations must be safe for concurrent use.
type Dialer interface {
	// Dial opens the source at address (RTSP URL, HTTP MJPEG URL, device
	// index, file path, whatever the driver understands). The supplied ctx
	// governs the dial attempt only.
	Dial(ctx context.Context, address string) (Stream, error)
}

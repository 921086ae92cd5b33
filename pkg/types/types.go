// Package types defines the shared value types used across all terrarover
// packages.
//
// These types are the lingua franca between the capture source, the queue,
// detection workers, the snapshot path, and the external collaborators
// (detectors, vision-language models, sinks, archives). Each package defines
// its own domain types; only cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"strconv"
	"time"
)

// PixelFormat identifies how the bytes of a [Frame] are laid out.
type PixelFormat string

const (
	// PixelFormatBGR24 is packed 8-bit BGR, 3 bytes per pixel, row-major with
	// no padding. This is what OpenCV capture devices produce.
	PixelFormatBGR24 PixelFormat = "bgr24"

	// PixelFormatJPEG is a complete JPEG-encoded image.
	PixelFormatJPEG PixelFormat = "jpeg"
)

// Frame is one captured image. It is an immutable value: once a frame has
// left the capture source nobody writes to Data again. Detections are never
// attached to the frame; they live in a separate [DetectionResult] keyed by
// (Epoch, Seq).
type Frame struct {
	// Epoch identifies the connection lifetime the frame was captured in.
	// It increments on every successful (re)connection.
	Epoch uint64

	// Seq is strictly increasing within an epoch and restarts at 0 after a
	// reconnection.
	Seq uint64

	// CapturedAt is the wall-clock time the frame was read from the source.
	CapturedAt time.Time

	// Width and Height are the source resolution in pixels.
	Width  int
	Height int

	// Format describes the layout of Data.
	Format PixelFormat

	// Data holds the pixel buffer. Callers must treat it as read-only.
	Data []byte
}

// IsZero reports whether f is the zero Frame.
func (f Frame) IsZero() bool {
	return f.Data == nil && f.CapturedAt.IsZero()
}

// Key returns the "<epoch>:<seq>" identifier that uniquely names the frame
// across reconnections.
func (f Frame) Key() string {
	return FrameKey(f.Epoch, f.Seq)
}

// FrameKey formats an (epoch, seq) pair the same way [Frame.Key] does.
func FrameKey(epoch, seq uint64) string {
	return strconv.FormatUint(epoch, 10) + ":" + strconv.FormatUint(seq, 10)
}

// BoundingBox is an axis-aligned box in normalized image coordinates. All
// values lie in [0, 1]; (X1, Y1) is the top-left corner.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Clamp returns b with every coordinate limited to [0, 1].
func (b BoundingBox) Clamp() BoundingBox {
	return BoundingBox{X1: clamp01(b.X1), Y1: clamp01(b.Y1), X2: clamp01(b.X2), Y2: clamp01(b.Y2)}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Detection is a single detected object.
type Detection struct {
	// Label is the class name reported by the model (e.g., "person").
	Label string `json:"label"`

	// Confidence is the model score in [0, 1].
	Confidence float64 `json:"confidence"`

	// Box is the object location in normalized coordinates.
	Box BoundingBox `json:"box"`
}

// DetectionResult is the annotation record produced for one frame. It refers
// to its frame by (Epoch, Seq) and is published, never stored, by the core.
type DetectionResult struct {
	Epoch uint64 `json:"epoch"`
	Seq   uint64 `json:"seq"`

	// CapturedAt is copied from the source frame.
	CapturedAt time.Time `json:"captured_at"`

	// Detections lists the objects in model output order.
	Detections []Detection `json:"detections"`

	// DetectedAt is when the detector returned.
	DetectedAt time.Time `json:"detected_at"`

	// Latency is the detector call duration.
	Latency time.Duration `json:"latency"`

	// Worker is the id of the pool worker that produced the result.
	Worker int `json:"worker"`
}

// FrameKey returns the key of the frame this result belongs to.
func (r DetectionResult) FrameKey() string {
	return FrameKey(r.Epoch, r.Seq)
}

// Labels returns the distinct labels in r in first-seen order.
func (r DetectionResult) Labels() []string {
	seen := make(map[string]struct{}, len(r.Detections))
	var out []string
	for _, d := range r.Detections {
		if _, ok := seen[d.Label]; ok {
			continue
		}
		seen[d.Label] = struct{}{}
		out = append(out, d.Label)
	}
	return out
}

// AudioClip is a fixed-duration capture of 16-bit signed little-endian PCM.
type AudioClip struct {
	// Data is the raw PCM payload.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for speech models).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Duration returns the play time of the clip. Returns 0 for invalid formats.
func (c AudioClip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.Data) / (2 * c.Channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// Transcript is a speech-to-text result.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Language is the detected or requested BCP-47 language, if reported.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

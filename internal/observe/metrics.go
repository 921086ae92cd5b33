// Package observe provides application-wide observability primitives for
// terrarover: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup] bridges
// them into a Prometheus registry that [Telemetry.Handler] serves on the
// /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all terrarover metrics.
const meterName = "github.com/MrWong99/terrarover"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// FramesCaptured counts frames read from the video source.
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames evicted from the full frame queue.
	FramesDropped metric.Int64Counter

	// StreamErrors counts failed frame reads. Use with attribute:
	//   attribute.String("kind", "transient"|"fatal")
	StreamErrors metric.Int64Counter

	// Reconnects counts successful reconnections after a dropped stream.
	Reconnects metric.Int64Counter

	// SourceState is the current connection state as its numeric value.
	SourceState metric.Int64Gauge

	// QueueDepth is the number of frames waiting for a detection worker.
	QueueDepth metric.Int64Gauge

	// --- Detection ---

	// DetectionDuration tracks per-frame inference latency.
	DetectionDuration metric.Float64Histogram

	// InferenceErrors counts failed detector calls. Use with attribute:
	//   attribute.Int("worker", ...)
	InferenceErrors metric.Int64Counter

	// WorkerDegraded counts transitions of a worker into the degraded state.
	WorkerDegraded metric.Int64Counter

	// --- Snapshot analysis ---

	// SnapshotRequests counts analysis triggers by outcome. Use with attribute:
	//   attribute.String("status", "ok"|"busy"|"no_frame"|"error"|"timeout")
	SnapshotRequests metric.Int64Counter

	// VLMDuration tracks vision-language model latency.
	VLMDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SinkErrors counts failed result publications. Use with attribute:
	//   attribute.String("sink", ...)
	SinkErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Detection
// sits at the low end, VLM calls towards the top.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.FramesCaptured, err = m.Int64Counter("terrarover.frames.captured",
		metric.WithDescription("Total frames read from the video source."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("terrarover.frames.dropped",
		metric.WithDescription("Total frames evicted from the full frame queue."),
	); err != nil {
		return nil, err
	}
	if met.StreamErrors, err = m.Int64Counter("terrarover.stream.errors",
		metric.WithDescription("Total failed frame reads by kind."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("terrarover.stream.reconnects",
		metric.WithDescription("Total reconnections of the video source."),
	); err != nil {
		return nil, err
	}
	if met.SourceState, err = m.Int64Gauge("terrarover.source.state",
		metric.WithDescription("Connection state: 0 disconnected, 1 connecting, 2 streaming, 3 degraded."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("terrarover.queue.depth",
		metric.WithDescription("Frames waiting for a detection worker."),
	); err != nil {
		return nil, err
	}

	// Detection.
	if met.DetectionDuration, err = m.Float64Histogram("terrarover.detection.duration",
		metric.WithDescription("Latency of per-frame object detection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceErrors, err = m.Int64Counter("terrarover.detection.errors",
		metric.WithDescription("Total failed detector calls by worker."),
	); err != nil {
		return nil, err
	}
	if met.WorkerDegraded, err = m.Int64Counter("terrarover.detection.worker_degraded",
		metric.WithDescription("Total transitions of a detection worker into the degraded state."),
	); err != nil {
		return nil, err
	}

	// Snapshot.
	if met.SnapshotRequests, err = m.Int64Counter("terrarover.snapshot.requests",
		metric.WithDescription("Total snapshot analysis triggers by status."),
	); err != nil {
		return nil, err
	}
	if met.VLMDuration, err = m.Float64Histogram("terrarover.vlm.duration",
		metric.WithDescription("Latency of vision-language model analysis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("terrarover.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderRequests, err = m.Int64Counter("terrarover.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("terrarover.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("terrarover.sink.errors",
		metric.WithDescription("Total failed detection result publications by sink."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("terrarover.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSnapshot records one analysis trigger outcome.
func (m *Metrics) RecordSnapshot(ctx context.Context, status string) {
	m.SnapshotRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStreamError records one failed frame read.
func (m *Metrics) RecordStreamError(ctx context.Context, fatal bool) {
	kind := "transient"
	if fatal {
		kind = "fatal"
	}
	m.StreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordInferenceError records one failed detector call on worker.
func (m *Metrics) RecordInferenceError(ctx context.Context, worker int) {
	m.InferenceErrors.Add(ctx, 1, metric.WithAttributes(attribute.Int("worker", worker)))
}

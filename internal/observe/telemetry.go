package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is reported when Identity.ServiceName is empty.
const DefaultServiceName = "terrarover"

// Resource attribute keys describing the camera this process reads.
const (
	SourceAddressKey = attribute.Key("terrarover.source.address")
	SourceDriverKey  = attribute.Key("terrarover.source.driver")
)

// Identity names this process in exported metrics and spans.
type Identity struct {
	ServiceName    string
	ServiceVersion string

	// SourceAddress is the camera URL. User info is dropped before export.
	SourceAddress string
	SourceDriver  string
}

// TelemetryOption configures [Setup].
type TelemetryOption func(*telemetryOptions)

type telemetryOptions struct {
	spans sdktrace.SpanExporter
}

// WithSpanExporter batches finished spans to e. Without it spans are sampled
// and carry trace ids for log correlation but go nowhere.
func WithSpanExporter(e sdktrace.SpanExporter) TelemetryOption {
	return func(o *telemetryOptions) { o.spans = e }
}

// Telemetry owns the meter and tracer providers of the process and the
// Prometheus registry that the /metrics endpoint serves.
type Telemetry struct {
	res      *resource.Resource
	registry *prometheus.Registry
	meters   *sdkmetric.MeterProvider
	tracers  *sdktrace.TracerProvider
}

// Setup builds the providers for id. Nothing is registered globally until
// [Telemetry.Install] is called.
func Setup(ctx context.Context, id Identity, opts ...TelemetryOption) (*Telemetry, error) {
	var o telemetryOptions
	for _, opt := range opts {
		opt(&o)
	}
	if id.ServiceName == "" {
		id.ServiceName = DefaultServiceName
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(id.ServiceName),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if id.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(id.ServiceVersion))
	}
	if id.SourceAddress != "" {
		attrs = append(attrs, SourceAddressKey.String(withoutUserInfo(id.SourceAddress)))
	}
	if id.SourceDriver != "" {
		attrs = append(attrs, SourceDriverKey.String(id.SourceDriver))
	}

	// Configured identity wins over OTEL_RESOURCE_ATTRIBUTES.
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if o.spans != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(o.spans))
	}

	return &Telemetry{
		res:      res,
		registry: registry,
		meters:   sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter)),
		tracers:  sdktrace.NewTracerProvider(tpOpts...),
	}, nil
}

// Install makes t the global meter and tracer provider, which is what
// [DefaultMetrics] and [Tracer] use.
func (t *Telemetry) Install() {
	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.tracers)
}

// MeterProvider returns the provider feeding the Prometheus registry.
func (t *Telemetry) MeterProvider() metric.MeterProvider { return t.meters }

// Resource describes this process.
func (t *Telemetry) Resource() *resource.Resource { return t.res }

// Handler serves the registry in the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry:          t.registry,
		EnableOpenMetrics: true,
	})
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracers.Shutdown(ctx), t.meters.Shutdown(ctx))
}

func withoutUserInfo(address string) string {
	u, err := url.Parse(address)
	if err != nil || u.User == nil {
		return address
	}
	u.User = nil
	return u.String()
}

package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/terrarover/pkg/types"
)

// useRecorder installs an in-memory tracer provider as the global one for the
// duration of the test. Tests using it must not run in parallel.
func useRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func TestStartFrameSpan_TagsFrame(t *testing.T) {
	exp := useRecorder(t)

	f := types.Frame{Epoch: 3, Seq: 17}
	ctx, span := StartFrameSpan(t.Context(), "detection.detect", f, attribute.Int("worker", 2))
	if CorrelationID(ctx) == "" {
		t.Error("StartFrameSpan did not start a recording span")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := attrMap(spans[0].Attributes)
	want := map[string]string{"frame": "3:17", "frame.epoch": "3", "frame.seq": "17", "worker": "2"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("attribute %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestFailSpan(t *testing.T) {
	exp := useRecorder(t)

	_, ok := StartSpan(t.Context(), "ok")
	FailSpan(ok, nil)
	ok.End()

	_, bad := StartSpan(t.Context(), "bad")
	FailSpan(bad, errors.New("model unreachable"))
	bad.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("nil error: status = %v, want Unset", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "model unreachable" {
		t.Errorf("error: status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) != 1 {
		t.Errorf("error events = %d, want 1", len(spans[1].Events))
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	useRecorder(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(t.Context(), "ask")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 {
			t.Fatalf("correlation id %q: length = %d, want 32", cid, len(cid))
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger(t *testing.T) {
	useRecorder(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span has trace_id: %s", buf.String())
	}
	buf.Reset()

	ctx, span := StartSpan(t.Context(), "snapshot.analyze")
	defer span.End()
	Logger(ctx).Info("with span")
	for _, key := range []string{"trace_id=", "span_id="} {
		if !strings.Contains(buf.String(), key) {
			t.Errorf("log output missing %s: %s", key, buf.String())
		}
	}
}

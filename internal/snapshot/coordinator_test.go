package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/terrarover/internal/latest"
	"github.com/MrWong99/terrarover/internal/observe"
	archivemock "github.com/MrWong99/terrarover/pkg/archive/mock"
	"github.com/MrWong99/terrarover/pkg/provider/vlm"
	vlmmock "github.com/MrWong99/terrarover/pkg/provider/vlm/mock"
	"github.com/MrWong99/terrarover/pkg/types"
)

// testFrame is a 2x2 BGR frame.
func testFrame(seq uint64) types.Frame {
	return types.Frame{
		Epoch:      1,
		Seq:        seq,
		CapturedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Width:      2,
		Height:     2,
		Format:     types.PixelFormatBGR24,
		Data:       make([]byte, 2*2*3),
	}
}

func handleWith(f types.Frame) *latest.Handle {
	h := &latest.Handle{}
	h.Store(f)
	return h
}

func newMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// statusCounts returns terrarover.snapshot.requests per status.
func statusCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "terrarover.snapshot.requests" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value("status")
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestAnswer(t *testing.T) {
	model := &vlmmock.Provider{Answer: "  A red mug on a desk.\n"}
	store := &archivemock.Store{Location: "/tmp/frame.jpg"}
	c := New(handleWith(testFrame(7)), model, Config{SystemPrompt: "be brief"}, WithArchive(store))

	ans, err := c.Answer(t.Context(), "  what is on the desk? ")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "A red mug on a desk." {
		t.Errorf("Text = %q", ans.Text)
	}
	if ans.Frame != "1:7" {
		t.Errorf("Frame = %q, want 1:7", ans.Frame)
	}
	if ans.Question != "what is on the desk?" {
		t.Errorf("Question = %q, want trimmed", ans.Question)
	}
	if ans.RequestID == "" {
		t.Error("RequestID is empty")
	}

	if model.CallCount() != 1 {
		t.Fatalf("VLM calls = %d, want 1", model.CallCount())
	}
	req := model.Calls[0]
	if req.SystemPrompt != "be brief" {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.JPEG) < 2 || req.JPEG[0] != 0xff || req.JPEG[1] != 0xd8 {
		t.Error("image sent to the model is not a JPEG")
	}

	if err := c.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if store.Count() != 1 {
		t.Fatalf("archived = %d, want 1", store.Count())
	}
	rec := store.Saved[0].Record
	if rec.RequestID != ans.RequestID || rec.Answer != ans.Text || rec.FrameKey != "1:7" {
		t.Errorf("archived record = %+v", rec)
	}
	if c.Busy() {
		t.Error("Busy = true after the analysis finished")
	}
}

func TestAnswer_NoFrame(t *testing.T) {
	model := &vlmmock.Provider{Answer: "x"}
	m, reader := newMetrics(t)
	c := New(&latest.Handle{}, model, Config{}, WithMetrics(m))

	if _, err := c.Answer(t.Context(), "anything?"); !errors.Is(err, ErrNoFrameAvailable) {
		t.Fatalf("err = %v, want ErrNoFrameAvailable", err)
	}
	if model.CallCount() != 0 {
		t.Error("VLM called without a frame")
	}
	if c.Busy() {
		t.Error("Busy = true after a no-frame trigger")
	}
	if got := statusCounts(t, reader)["no_frame"]; got != 1 {
		t.Errorf("no_frame count = %d, want 1", got)
	}
}

func TestAnswer_EmptyQuestion(t *testing.T) {
	c := New(handleWith(testFrame(1)), &vlmmock.Provider{Answer: "x"}, Config{})
	if _, err := c.Answer(t.Context(), " \t"); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("err = %v, want ErrEmptyQuestion", err)
	}
}

func TestAnswer_ConcurrentTriggers(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	model := &vlmmock.Provider{AskFunc: func(ctx context.Context, _ vlm.Request) (string, error) {
		close(entered)
		select {
		case <-release:
			return "one person", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	m, reader := newMetrics(t)
	c := New(handleWith(testFrame(3)), model, Config{Timeout: 5 * time.Second}, WithMetrics(m))

	first := make(chan error, 1)
	go func() {
		_, err := c.Answer(context.Background(), "who is there?")
		first <- err
	}()
	<-entered

	const others = 8
	var wg sync.WaitGroup
	errs := make([]error, others)
	for i := range others {
		wg.Go(func() {
			_, errs[i] = c.Answer(context.Background(), "who is there?")
		})
	}
	wg.Wait()
	close(release)

	if err := <-first; err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	for i, err := range errs {
		if !errors.Is(err, ErrAnalysisBusy) {
			t.Errorf("trigger %d err = %v, want ErrAnalysisBusy", i, err)
		}
	}
	if got := model.CallCount(); got != 1 {
		t.Errorf("VLM calls = %d, want 1", got)
	}
	counts := statusCounts(t, reader)
	if counts["ok"] != 1 || counts["busy"] != others {
		t.Errorf("status counts = %v, want ok=1 busy=%d", counts, others)
	}
}

func TestAnswer_BackToBackNeverBusy(t *testing.T) {
	model := &vlmmock.Provider{Answer: "clear path"}
	c := New(handleWith(testFrame(1)), model, Config{})

	const n = 2000
	for i := range n {
		if _, err := c.Answer(t.Context(), "anything ahead?"); err != nil {
			t.Fatalf("call %d of %d: %v", i+1, n, err)
		}
	}
	if got := model.CallCount(); got != n {
		t.Errorf("VLM calls = %d, want %d", got, n)
	}
}

func TestAnswer_Timeout(t *testing.T) {
	const timeout = 50 * time.Millisecond
	// A backend that ignores cancellation.
	model := &vlmmock.Provider{Answer: "late", Delay: 300 * time.Millisecond, IgnoreContext: true}
	c := New(handleWith(testFrame(1)), model, Config{Timeout: timeout})

	start := time.Now()
	_, err := c.Answer(t.Context(), "still there?")
	elapsed := time.Since(start)

	var ae *AnalysisError
	if !errors.As(err, &ae) || !ae.Timeout {
		t.Fatalf("err = %v, want timeout *AnalysisError", err)
	}
	if !errors.Is(err, ErrAnalysis) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want ErrAnalysis and DeadlineExceeded", err)
	}
	if elapsed > timeout+150*time.Millisecond {
		t.Errorf("Answer took %v, want about %v", elapsed, timeout)
	}

	// The abandoned call still holds the coordinator.
	if _, err := c.Answer(t.Context(), "again?"); !errors.Is(err, ErrAnalysisBusy) {
		t.Errorf("trigger during unwinding call = %v, want ErrAnalysisBusy", err)
	}
	if err := c.Wait(t.Context()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if c.Busy() {
		t.Error("Busy = true after the abandoned call returned")
	}
}

func TestAnswer_ProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		model   *vlmmock.Provider
		wantErr error
	}{
		{"transport", &vlmmock.Provider{AskErr: errors.New("connection refused")}, ErrAnalysis},
		{"empty answer", &vlmmock.Provider{Answer: "   "}, vlm.ErrEmptyAnswer},
		{"provider empty error", &vlmmock.Provider{AskErr: vlm.ErrEmptyAnswer}, vlm.ErrEmptyAnswer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &archivemock.Store{}
			c := New(handleWith(testFrame(1)), tt.model, Config{}, WithArchive(store))
			_, err := c.Answer(t.Context(), "what?")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			var ae *AnalysisError
			if !errors.As(err, &ae) || ae.Timeout {
				t.Errorf("err = %v, want non-timeout *AnalysisError", err)
			}
			_ = c.Wait(t.Context())
			if store.Count() != 0 {
				t.Error("failed analysis was archived")
			}
			if c.Busy() {
				t.Error("Busy = true after failure")
			}
		})
	}
}

func TestAnswer_BadFrame(t *testing.T) {
	f := testFrame(1)
	f.Data = f.Data[:5]
	model := &vlmmock.Provider{Answer: "x"}
	c := New(handleWith(f), model, Config{})
	if _, err := c.Answer(t.Context(), "what?"); !errors.Is(err, ErrAnalysis) {
		t.Errorf("err = %v, want ErrAnalysis", err)
	}
	if model.CallCount() != 0 {
		t.Error("VLM called with an undecodable frame")
	}
	if c.Busy() {
		t.Error("Busy = true after encode failure")
	}
}

func TestAnswer_Cooldown(t *testing.T) {
	model := &vlmmock.Provider{Answer: "ok"}
	c := New(handleWith(testFrame(1)), model, Config{Cooldown: 80 * time.Millisecond})

	if _, err := c.Answer(t.Context(), "first"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := c.Answer(t.Context(), "second"); !errors.Is(err, ErrAnalysisBusy) {
		t.Fatalf("second inside cooldown = %v, want ErrAnalysisBusy", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := c.Answer(t.Context(), "third"); err != nil {
		t.Fatalf("third after cooldown: %v", err)
	}
	if got := model.CallCount(); got != 2 {
		t.Errorf("VLM calls = %d, want 2", got)
	}

	c.SetCooldown(0)
	if _, err := c.Answer(t.Context(), "fourth"); err != nil {
		t.Errorf("after disabling cooldown: %v", err)
	}
}

func TestAnswer_ArchiveFailureIsIgnored(t *testing.T) {
	store := &archivemock.Store{SaveErr: errors.New("disk full")}
	c := New(handleWith(testFrame(1)), &vlmmock.Provider{Answer: "fine"}, Config{}, WithArchive(store))
	ans, err := c.Answer(t.Context(), "how is it?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "fine" {
		t.Errorf("Text = %q", ans.Text)
	}
	_ = c.Wait(t.Context())
}

func TestAnswer_CanceledContext(t *testing.T) {
	model := &vlmmock.Provider{Answer: "x", Delay: time.Second}
	c := New(handleWith(testFrame(1)), model, Config{})

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := c.Answer(ctx, "what?")
	var ae *AnalysisError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AnalysisError", err)
	}
	if ae.Timeout {
		t.Error("caller cancellation reported as timeout")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSetTimeout(t *testing.T) {
	c := New(&latest.Handle{}, &vlmmock.Provider{}, Config{})
	if got := c.Timeout(); got != defaultTimeout {
		t.Errorf("default Timeout = %v, want %v", got, defaultTimeout)
	}
	c.SetTimeout(5 * time.Second)
	if got := c.Timeout(); got != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", got)
	}
	c.SetTimeout(-1)
	if got := c.Timeout(); got != defaultTimeout {
		t.Errorf("Timeout after reset = %v, want %v", got, defaultTimeout)
	}
}

func TestWait_Deadline(t *testing.T) {
	model := &vlmmock.Provider{Answer: "x", Delay: 200 * time.Millisecond, IgnoreContext: true}
	c := New(handleWith(testFrame(1)), model, Config{Timeout: 10 * time.Millisecond})
	_, _ = c.Answer(t.Context(), "what?")

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}
	_ = c.Wait(t.Context())
}

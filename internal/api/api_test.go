package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/terrarover/internal/api"
	"github.com/MrWong99/terrarover/internal/observe"
	"github.com/MrWong99/terrarover/internal/pipeline"
	"github.com/MrWong99/terrarover/internal/snapshot"
	"github.com/MrWong99/terrarover/pkg/audio"
	"github.com/MrWong99/terrarover/pkg/provider/stt"
	sttmock "github.com/MrWong99/terrarover/pkg/provider/stt/mock"
	"github.com/MrWong99/terrarover/pkg/types"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type fakePipeline struct {
	mu        sync.Mutex
	frame     types.Frame
	hasFrame  bool
	answer    *snapshot.Answer
	err       error
	questions []string
	stats     pipeline.Stats
}

func (p *fakePipeline) LatestFrame() (types.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame, p.hasFrame
}

func (p *fakePipeline) TriggerAnalysis(_ context.Context, q string) (*snapshot.Answer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.questions = append(p.questions, q)
	if p.err != nil {
		return nil, p.err
	}
	return p.answer, nil
}

func (p *fakePipeline) Stats() pipeline.Stats { return p.stats }

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newMux(t *testing.T, p api.Pipeline, opts ...api.Option) *http.ServeMux {
	t.Helper()
	opts = append([]api.Option{api.WithMetrics(testMetrics(t))}, opts...)
	mux := http.NewServeMux()
	api.New(p, opts...).Register(mux)
	return mux
}

func do(mux http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewReader(body)))
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Code
}

func TestAsk_Success(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{answer: &snapshot.Answer{RequestID: "r1", Question: "what is ahead?", Text: "a rock", Frame: "1:7"}}
	rec := do(newMux(t, p), "POST", "/v1/ask", []byte(`{"question":"what is ahead?"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var got snapshot.Answer
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Text != "a rock" || got.Frame != "1:7" {
		t.Errorf("answer = %+v", got)
	}
	if len(p.questions) != 1 || p.questions[0] != "what is ahead?" {
		t.Errorf("questions = %v", p.questions)
	}
}

func TestAsk_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantTag  string
	}{
		{"empty", snapshot.ErrEmptyQuestion, http.StatusBadRequest, "empty_question"},
		{"busy", snapshot.ErrAnalysisBusy, http.StatusConflict, "busy"},
		{"busy cooldown", fmt.Errorf("%w: cooldown", snapshot.ErrAnalysisBusy), http.StatusConflict, "busy"},
		{"no frame", snapshot.ErrNoFrameAvailable, http.StatusServiceUnavailable, "no_frame"},
		{"timeout", &snapshot.AnalysisError{Timeout: true, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout, "timeout"},
		{"failed", &snapshot.AnalysisError{Err: errors.New("502 from upstream")}, http.StatusBadGateway, "analysis_failed"},
		{"unexpected", errors.New("???"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(newMux(t, &fakePipeline{err: tt.err}), "POST", "/v1/ask", []byte(`{"question":"q"}`))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if got := errorCode(t, rec); got != tt.wantTag {
				t.Errorf("code = %q, want %q", got, tt.wantTag)
			}
		})
	}
}

func TestAsk_BadJSON(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{}
	for _, body := range []string{`not json`, `{"question": 1}`, `{"q":"x"}`} {
		rec := do(newMux(t, p), "POST", "/v1/ask", []byte(body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if len(p.questions) != 0 {
		t.Errorf("pipeline called for invalid bodies: %v", p.questions)
	}
}

func wavBody() []byte {
	return audio.EncodeWAV(types.AudioClip{Data: make([]byte, 3200), SampleRate: 16000, Channels: 1})
}

func TestVoice_Success(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{answer: &snapshot.Answer{Text: "two people"}}
	tr := &sttmock.Provider{Text: "how many people are there"}
	rec := do(newMux(t, p, api.WithTranscriber(tr)), "POST", "/v1/ask/voice", wavBody())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var got struct {
		Transcript string          `json:"transcript"`
		Result     snapshot.Answer `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Transcript != "how many people are there" || got.Result.Text != "two people" {
		t.Errorf("response = %+v", got)
	}
	if len(tr.Clips) != 1 || tr.Clips[0].SampleRate != 16000 {
		t.Errorf("transcriber clips = %+v", tr.Clips)
	}
	if len(p.questions) != 1 || p.questions[0] != "how many people are there" {
		t.Errorf("questions = %v", p.questions)
	}
}

func TestVoice_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		stt      *sttmock.Provider
		body     []byte
		pipeErr  error
		wantCode int
	}{
		{"not wav", &sttmock.Provider{Text: "x"}, []byte("garbage"), nil, http.StatusBadRequest},
		{"no speech", &sttmock.Provider{TranscribeErr: stt.ErrNoSpeech}, wavBody(), nil, http.StatusUnprocessableEntity},
		{"invalid audio", &sttmock.Provider{TranscribeErr: stt.ErrInvalidAudio}, wavBody(), nil, http.StatusBadRequest},
		{"stt down", &sttmock.Provider{TranscribeErr: errors.New("connection refused")}, wavBody(), nil, http.StatusBadGateway},
		{"busy", &sttmock.Provider{Text: "q"}, wavBody(), snapshot.ErrAnalysisBusy, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &fakePipeline{err: tt.pipeErr}
			rec := do(newMux(t, p, api.WithTranscriber(tt.stt)), "POST", "/v1/ask/voice", tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d; body %s", rec.Code, tt.wantCode, rec.Body)
			}
		})
	}
}

func TestVoice_Disabled(t *testing.T) {
	t.Parallel()
	rec := do(newMux(t, &fakePipeline{}), "POST", "/v1/ask/voice", wavBody())
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestLatestFrame(t *testing.T) {
	t.Parallel()
	captured := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	p := &fakePipeline{
		hasFrame: true,
		frame:    types.Frame{Epoch: 2, Seq: 41, CapturedAt: captured, Width: 1, Height: 1, Format: types.PixelFormatJPEG, Data: jpeg},
	}
	rec := do(newMux(t, p), "GET", "/v1/frame/latest", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
	if key := rec.Header().Get("X-Frame-Key"); key != "2:41" {
		t.Errorf("X-Frame-Key = %q, want 2:41", key)
	}
	if !bytes.Equal(rec.Body.Bytes(), jpeg) {
		t.Errorf("body = %x, want %x", rec.Body.Bytes(), jpeg)
	}
}

func TestLatestFrame_None(t *testing.T) {
	t.Parallel()
	rec := do(newMux(t, &fakePipeline{}), "GET", "/v1/frame/latest", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	p := &fakePipeline{stats: pipeline.Stats{Running: true, SourceState: "streaming", Epoch: 3, QueueDepth: 2}}
	rec := do(newMux(t, p), "GET", "/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"source_state":"streaming"`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestDetectionFeed(t *testing.T) {
	t.Parallel()
	feed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	if rec := do(newMux(t, &fakePipeline{}, api.WithDetectionFeed(feed)), "GET", "/v1/detections", nil); rec.Code != http.StatusTeapot {
		t.Errorf("with feed: status = %d, want 418", rec.Code)
	}
	if rec := do(newMux(t, &fakePipeline{}), "GET", "/v1/detections", nil); rec.Code != http.StatusNotFound {
		t.Errorf("without feed: status = %d, want 404", rec.Code)
	}
}

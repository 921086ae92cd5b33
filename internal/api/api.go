// Package api is the HTTP surface of terrarover: typed and spoken questions
// about the newest frame, the newest frame itself, pipeline status, and the
// live detection feed.
//
// Routes:
//
//	POST /v1/ask            {"question": "..."} → answer JSON
//	POST /v1/ask/voice      audio/wav body → transcript + answer JSON
//	GET  /v1/frame/latest   newest frame as image/jpeg
//	GET  /v1/status         pipeline counters
//	GET  /v1/detections     websocket feed (when a feed handler is set)
//
// Snapshot errors map to status codes so a voice client can speak a sensible
// reply: 409 busy, 503 no frame yet, 504 model timeout, 502 model failure.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/terrarover/internal/observe"
	"github.com/MrWong99/terrarover/internal/pipeline"
	"github.com/MrWong99/terrarover/internal/snapshot"
	"github.com/MrWong99/terrarover/pkg/audio"
	"github.com/MrWong99/terrarover/pkg/imaging"
	"github.com/MrWong99/terrarover/pkg/provider/stt"
	"github.com/MrWong99/terrarover/pkg/types"
)

const (
	// maxQuestionBody bounds the JSON body of /v1/ask.
	maxQuestionBody = 16 << 10

	// maxVoiceBody bounds an uploaded clip: a minute of 48 kHz stereo PCM.
	maxVoiceBody = 12 << 20
)

// Pipeline is the part of [pipeline.Controller] the API needs.
type Pipeline interface {
	LatestFrame() (types.Frame, bool)
	TriggerAnalysis(ctx context.Context, question string) (*snapshot.Answer, error)
	Stats() pipeline.Stats
}

var _ Pipeline = (*pipeline.Controller)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithTranscriber enables POST /v1/ask/voice.
func WithTranscriber(p stt.Provider) Option {
	return func(s *Server) { s.stt = p }
}

// WithDetectionFeed serves h at GET /v1/detections.
func WithDetectionFeed(h http.Handler) Option {
	return func(s *Server) { s.feed = h }
}

// WithFrameQuality sets the JPEG quality of /v1/frame/latest.
func WithFrameQuality(q int) Option {
	return func(s *Server) { s.quality = q }
}

// WithMetrics sets the metrics instance. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server holds the handlers.
type Server struct {
	pipe    Pipeline
	stt     stt.Provider
	feed    http.Handler
	quality int
	metrics *observe.Metrics
}

// New creates a [Server] for p.
func New(p Pipeline, opts ...Option) *Server {
	s := &Server{pipe: p, quality: imaging.DefaultQuality}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the /v1 routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/ask", s.handleAsk)
	mux.HandleFunc("POST /v1/ask/voice", s.handleVoice)
	mux.HandleFunc("GET /v1/frame/latest", s.handleLatestFrame)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	if s.feed != nil {
		mux.Handle("GET /v1/detections", s.feed)
	}
}

type askRequest struct {
	Question string `json:"question"`
}

type voiceResponse struct {
	Transcript string           `json:"transcript"`
	Answer     *snapshot.Answer `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQuestionBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}

	ans, err := s.pipe.TriggerAnalysis(r.Context(), req.Question)
	if err != nil {
		writeAnalysisError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if s.stt == nil {
		writeError(w, http.StatusNotImplemented, "stt_disabled", "no speech-to-text provider configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxVoiceBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
		return
	}
	clip, err := audio.DecodeWAV(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}

	ctx := r.Context()
	start := time.Now()
	tr, err := s.stt.Transcribe(ctx, clip)
	s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	switch {
	case errors.Is(err, stt.ErrNoSpeech):
		writeError(w, http.StatusUnprocessableEntity, "no_speech", "no question was recognised in the recording")
		return
	case errors.Is(err, stt.ErrInvalidAudio):
		writeError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	case err != nil:
		observe.Logger(ctx).Warn("transcription failed", "err", err)
		writeError(w, http.StatusBadGateway, "stt_failed", err.Error())
		return
	}
	observe.Logger(ctx).Info("voice question transcribed", "text", tr.Text, "audio", clip.Duration())

	ans, err := s.pipe.TriggerAnalysis(ctx, tr.Text)
	if err != nil {
		writeAnalysisError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, voiceResponse{Transcript: tr.Text, Answer: ans})
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	f, ok := s.pipe.LatestFrame()
	if !ok {
		writeError(w, http.StatusNotFound, "no_frame", snapshot.ErrNoFrameAvailable.Error())
		return
	}
	img, err := imaging.JPEG(f, imaging.Options{Quality: s.quality})
	if err != nil {
		observe.Logger(r.Context()).Error("encode latest frame", "frame", f.Key(), "err", err)
		writeError(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}
	h := w.Header()
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(img)))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Frame-Key", f.Key())
	h.Set("X-Captured-At", f.CapturedAt.UTC().Format(time.RFC3339Nano))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Stats())
}

// writeAnalysisError maps the snapshot error contract onto HTTP.
func writeAnalysisError(ctx context.Context, w http.ResponseWriter, err error) {
	var ae *snapshot.AnalysisError
	switch {
	case errors.Is(err, snapshot.ErrEmptyQuestion):
		writeError(w, http.StatusBadRequest, "empty_question", err.Error())
	case errors.Is(err, snapshot.ErrAnalysisBusy):
		writeError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, snapshot.ErrNoFrameAvailable):
		writeError(w, http.StatusServiceUnavailable, "no_frame", err.Error())
	case errors.As(err, &ae) && ae.Timeout:
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.As(err, &ae):
		writeError(w, http.StatusBadGateway, "analysis_failed", err.Error())
	default:
		observe.Logger(ctx).Error("unexpected analysis error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}

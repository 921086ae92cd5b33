// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/terrarover/pkg/audio"
	"github.com/MrWong99/terrarover/pkg/provider/stt"
	"github.com/MrWong99/terrarover/pkg/types"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider with the whisper.cpp Go bindings.
// The model is loaded once; every Transcribe call gets its own whisper
// context, and at most Concurrency calls run inference at the same time.
type NativeProvider struct {
	model      whisperlib.Model
	language   string
	silenceRMS float64
	slots      chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*nativeConfig)

type nativeConfig struct {
	language    string
	silenceRMS  float64
	concurrency int
}

// WithNativeLanguage sets the transcription language (e.g. "en", "auto").
// Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(c *nativeConfig) { c.language = lang }
}

// WithNativeSilenceThreshold overrides the RMS silence level. Zero disables
// the check.
func WithNativeSilenceThreshold(rms float64) NativeOption {
	return func(c *nativeConfig) { c.silenceRMS = rms }
}

// WithNativeConcurrency bounds parallel inferences. Defaults to 1.
func WithNativeConcurrency(n int) NativeOption {
	return func(c *nativeConfig) { c.concurrency = n }
}

// NewNative loads the ggml model at modelPath. The caller must call Close.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	cfg := nativeConfig{
		language:    defaultLanguage,
		silenceRMS:  defaultRMSThreshold,
		concurrency: 1,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = 1
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	return &NativeProvider{
		model:      model,
		language:   cfg.language,
		silenceRMS: cfg.silenceRMS,
		slots:      make(chan struct{}, cfg.concurrency),
	}, nil
}

// Close releases the model. It is safe to call more than once.
func (p *NativeProvider) Close() error {
	p.closeOnce.Do(func() {
		if p.model != nil {
			p.closeErr = p.model.Close()
		}
	})
	return p.closeErr
}

// Transcribe runs whisper.cpp over clip. Waiting for an inference slot honours
// ctx; inference itself cannot be interrupted once started.
func (p *NativeProvider) Transcribe(ctx context.Context, clip types.AudioClip) (types.Transcript, error) {
	mono, err := prepare(clip, p.silenceRMS)
	if err != nil {
		return types.Transcript{}, err
	}

	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
	case <-ctx.Done():
		return types.Transcript{}, fmt.Errorf("whisper: wait for inference slot: %w", ctx.Err())
	}

	text, err := p.infer(audio.Float32(mono.Data))
	if err != nil {
		return types.Transcript{}, err
	}
	if text == "" {
		return types.Transcript{}, stt.ErrNoSpeech
	}
	return types.Transcript{Text: text, Language: p.language, Duration: clip.Duration()}, nil
}

func (p *NativeProvider) infer(samples []float32) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

package whisper_test

import (
	"errors"
	"os"
	"testing"

	"github.com/MrWong99/terrarover/pkg/provider/stt"
	"github.com/MrWong99/terrarover/pkg/provider/stt/whisper"
	"github.com/MrWong99/terrarover/pkg/types"
)

// testModelPath returns WHISPER_MODEL_PATH or skips the test.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("NewNative(\"\") err = nil, want error")
	}
}

func TestNewNative_InvalidPath(t *testing.T) {
	if _, err := whisper.NewNative("/nonexistent/path/to/model.bin"); err == nil {
		t.Fatal("NewNative err = nil, want error for missing model")
	}
}

func TestNative_Transcribe(t *testing.T) {
	p, err := whisper.NewNative(testModelPath(t), whisper.WithNativeLanguage("en"))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	t.Run("silence", func(t *testing.T) {
		clip := types.AudioClip{Data: makeSilencePCM(16000), SampleRate: 16000, Channels: 1}
		if _, err := p.Transcribe(t.Context(), clip); !errors.Is(err, stt.ErrNoSpeech) {
			t.Errorf("err = %v, want ErrNoSpeech", err)
		}
	})

	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

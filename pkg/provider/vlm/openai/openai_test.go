package openai

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/terrarover/pkg/provider/vlm"
)

// chatServer answers /chat/completions with content and captures the request
// body.
func chatServer(t *testing.T, content string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if captured != nil {
			_ = json.Unmarshal(body, captured)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("New with empty key = nil error, want error")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("New with empty model = nil error, want error")
	}
}

func TestAsk_SendsImageAndQuestion(t *testing.T) {
	var req map[string]any
	srv := chatServer(t, "  A red mug on a desk.  ", &req)

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL), WithDetail("low"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Ask(t.Context(), vlm.Request{Question: "What is on the desk?", JPEG: []byte{0xff, 0xd8}})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != "A red mug on a desk." {
		t.Errorf("answer = %q, want trimmed text", got)
	}

	if req["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v, want gpt-4o-mini", req["model"])
	}
	msgs, _ := req["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want system + user", len(msgs))
	}
	user, _ := msgs[1].(map[string]any)
	parts, _ := user["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("user content parts = %d, want 2", len(parts))
	}
	text, _ := parts[0].(map[string]any)
	if text["text"] != "What is on the desk?" {
		t.Errorf("text part = %v", text)
	}
	img, _ := parts[1].(map[string]any)
	iu, _ := img["image_url"].(map[string]any)
	url, _ := iu["url"].(string)
	if !strings.HasPrefix(url, "data:image/jpeg;base64,") {
		t.Errorf("image url = %q, want jpeg data url", url)
	}
	if iu["detail"] != "low" {
		t.Errorf("detail = %v, want low", iu["detail"])
	}
}

func TestAsk_EmptyAnswer(t *testing.T) {
	srv := chatServer(t, "   ", nil)
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Ask(t.Context(), vlm.Request{Question: "anything?", JPEG: []byte{1}})
	if !errors.Is(err, vlm.ErrEmptyAnswer) {
		t.Errorf("err = %v, want ErrEmptyAnswer", err)
	}
}

func TestAsk_RejectsEmptyInput(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Ask(t.Context(), vlm.Request{Question: " ", JPEG: []byte{1}}); err == nil {
		t.Error("blank question accepted")
	}
	if _, err := p.Ask(t.Context(), vlm.Request{Question: "q"}); err == nil {
		t.Error("missing image accepted")
	}
}

func TestBuildParams_SystemPromptOverride(t *testing.T) {
	p, err := New("sk-test", "gpt-4o", WithSystemPrompt("configured"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params := p.buildParams(vlm.Request{Question: "q", JPEG: []byte{1}, SystemPrompt: "override"})
	if params.Messages[0].OfSystem == nil {
		t.Fatal("first message is not a system message")
	}
	if got := params.Messages[0].OfSystem.Content.OfString.Value; got != "override" {
		t.Errorf("system prompt = %q, want override", got)
	}
	if params.Messages[1].OfUser == nil {
		t.Error("second message is not a user message")
	}
}

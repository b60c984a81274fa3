package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/earshot/pkg/provider/reply"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: reply.RoleSystem},
		{role: reply.RoleUser},
		{role: reply.RoleAssistant},
		{role: "tool", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			p, err := convertMessage(reply.Message{Role: tt.role, Content: "x"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch tt.role {
			case reply.RoleSystem:
				if p.OfSystem == nil {
					t.Error("expected OfSystem to be set")
				}
			case reply.RoleUser:
				if p.OfUser == nil {
					t.Error("expected OfUser to be set")
				}
			case reply.RoleAssistant:
				if p.OfAssistant == nil {
					t.Error("expected OfAssistant to be set")
				}
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithTimeout(0), WithOrganization("org")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	req := reply.Request{
		SystemPrompt: "be brief",
		History: []reply.Message{
			{Role: reply.RoleUser, Content: "hi"},
			{Role: reply.RoleAssistant, Content: "hello"},
		},
		Transcript: "what is this",
		Frames:     []reply.Image{{Data: []byte{0xff, 0xd8}}},
	}

	t.Run("vision model attaches frames", func(t *testing.T) {
		t.Parallel()
		b, err := New("sk-test", "gpt-4o", WithMaxTokens(64))
		if err != nil {
			t.Fatal(err)
		}
		params, err := b.buildParams(req)
		if err != nil {
			t.Fatal(err)
		}
		if len(params.Messages) != 4 {
			t.Fatalf("messages = %d, want 4", len(params.Messages))
		}
		last := params.Messages[3].OfUser
		if last == nil {
			t.Fatal("last message is not a user message")
		}
		if n := len(last.Content.OfArrayOfContentParts); n != 2 {
			t.Errorf("content parts = %d, want 2", n)
		}
	})

	t.Run("text model drops frames", func(t *testing.T) {
		t.Parallel()
		b, err := New("sk-test", "gpt-3.5-turbo")
		if err != nil {
			t.Fatal(err)
		}
		params, err := b.buildParams(req)
		if err != nil {
			t.Fatal(err)
		}
		last := params.Messages[3].OfUser
		if last == nil {
			t.Fatal("last message is not a user message")
		}
		if len(last.Content.OfArrayOfContentParts) != 0 {
			t.Error("expected plain text content")
		}
	})
}

func TestDataURL(t *testing.T) {
	t.Parallel()

	if got := dataURL(reply.Image{Data: []byte("ab")}); got != "data:image/jpeg;base64,YWI=" {
		t.Errorf("got %q", got)
	}
	if got := dataURL(reply.Image{Data: []byte("ab"), MIME: "image/png"}); !strings.HasPrefix(got, "data:image/png;") {
		t.Errorf("got %q", got)
	}
}

// completionServer answers every chat completion with content and records the
// decoded request bodies.
func completionServer(t *testing.T, content string) (*httptest.Server, func() []map[string]any) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		_ = json.Unmarshal(body, &decoded)
		mu.Lock()
		reqs = append(reqs, decoded)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), reqs...)
	}
}

func TestReply(t *testing.T) {
	t.Parallel()

	srv, requests := completionServer(t, "  it is noon \n")
	b, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := b.Reply(context.Background(), reply.Request{SystemPrompt: "be brief", Transcript: "what time is it"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "it is noon" {
		t.Errorf("Reply = %q, want %q", got, "it is noon")
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0]["model"] != "gpt-4o" {
		t.Errorf("model = %v", reqs[0]["model"])
	}
	msgs, _ := reqs[0]["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}
}

func TestReply_EmptyContent(t *testing.T) {
	t.Parallel()

	srv, _ := completionServer(t, "   ")
	b, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Reply(context.Background(), reply.Request{Transcript: "hello"})
	if !errors.Is(err, reply.ErrEmptyReply) {
		t.Errorf("err = %v, want ErrEmptyReply", err)
	}
}

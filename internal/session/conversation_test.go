package session_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/pkg/provider/reply"
)

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state session.State
		want  string
	}{
		{session.StateIdle, "idle"},
		{session.StateRecording, "recording"},
		{session.StateThinking, "thinking"},
		{session.StateSpeaking, "speaking"},
		{session.StateAwaitFollowup, "await_followup"},
		{session.State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConversation_Messages(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 400) // ~100 tokens
	conv := session.Conversation{History: []session.Exchange{
		{Turn: 0, User: long, Assistant: long},
		{Turn: 1, User: "what time is it", Assistant: "noon"},
		{Turn: 2, User: "and tomorrow", Assistant: "sorry, something went wrong", Failed: true},
		{Turn: 3, User: "thanks", Assistant: "you're welcome"},
	}}

	tests := []struct {
		name      string
		budget    int
		wantUsers []string
	}{
		{name: "unlimited", budget: 0, wantUsers: []string{long, "what time is it", "thanks"}},
		{name: "tight budget keeps recent", budget: 20, wantUsers: []string{"what time is it", "thanks"}},
		{name: "budget below newest keeps newest", budget: 1, wantUsers: []string{"thanks"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msgs := conv.Messages(tt.budget)
			if len(msgs) != 2*len(tt.wantUsers) {
				t.Fatalf("got %d messages, want %d", len(msgs), 2*len(tt.wantUsers))
			}
			for i, u := range tt.wantUsers {
				if msgs[2*i].Role != reply.RoleUser || msgs[2*i].Content != u {
					t.Errorf("message %d = %+v, want user %q", 2*i, msgs[2*i], u)
				}
				if msgs[2*i+1].Role != reply.RoleAssistant {
					t.Errorf("message %d role = %q, want assistant", 2*i+1, msgs[2*i+1].Role)
				}
			}
		})
	}
}

func TestConversation_Active(t *testing.T) {
	t.Parallel()

	var c session.Conversation
	if !c.Active() {
		t.Error("new conversation not active")
	}
}

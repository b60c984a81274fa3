package reply

import (
	"context"
	"testing"
)

func TestRequestMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		req   Request
		roles []string
		last  string
	}{
		{
			name:  "transcript only",
			req:   Request{Transcript: "what time is it"},
			roles: []string{RoleUser},
			last:  "what time is it",
		},
		{
			name: "system prompt and history",
			req: Request{
				SystemPrompt: "be brief",
				History: []Message{
					{Role: RoleUser, Content: "hello"},
					{Role: RoleAssistant, Content: "hi"},
				},
				Transcript: "and now?",
			},
			roles: []string{RoleSystem, RoleUser, RoleAssistant, RoleUser},
			last:  "and now?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msgs := tt.req.Messages()
			if len(msgs) != len(tt.roles) {
				t.Fatalf("len = %d, want %d", len(msgs), len(tt.roles))
			}
			for i, role := range tt.roles {
				if msgs[i].Role != role {
					t.Errorf("msgs[%d].Role = %q, want %q", i, msgs[i].Role, role)
				}
			}
			if got := msgs[len(msgs)-1].Content; got != tt.last {
				t.Errorf("last content = %q, want %q", got, tt.last)
			}
		})
	}
}

func TestRequestMessages_DoesNotAliasHistory(t *testing.T) {
	t.Parallel()

	history := make([]Message, 1, 4)
	history[0] = Message{Role: RoleUser, Content: "one"}
	req := Request{History: history, Transcript: "two"}

	msgs := req.Messages()
	msgs[0].Content = "changed"
	if history[0].Content != "one" {
		t.Errorf("history mutated: %q", history[0].Content)
	}
}

func TestBackendFunc(t *testing.T) {
	t.Parallel()

	var b Backend = BackendFunc(func(_ context.Context, req Request) (string, error) {
		return "echo: " + req.Transcript, nil
	})
	got, err := b.Reply(context.Background(), Request{Transcript: "ping"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "echo: ping" {
		t.Errorf("got %q", got)
	}
}

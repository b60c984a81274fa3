package session

import (
	"slices"
	"time"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/pkg/provider/reply"
)

// charsPerToken is the rough characters-per-token ratio used to keep the
// history sent to the reply backend inside a budget.
const charsPerToken = 4

// Exchange is one completed turn: what the user said and what was spoken
// back.
type Exchange struct {
	Turn      int
	User      string
	Assistant string

	// Failed marks a turn answered with the fallback error text. Failed
	// exchanges are kept for inspection but not replayed to the backend.
	Failed bool

	Reason capture.Reason
	At     time.Time
}

// Conversation is one session from activation to its end. History only
// grows while the session runs and is never shared with the next session.
type Conversation struct {
	ID           string
	TurnIndex    int
	StartedAt    time.Time
	LastActivity time.Time
	EndedAt      time.Time
	EndReason    string
	History      []Exchange
}

// Active reports whether the conversation has not ended.
func (c *Conversation) Active() bool { return c.EndedAt.IsZero() }

// clone returns a deep copy safe to hand out of the manager goroutine.
func (c *Conversation) clone() Conversation {
	out := *c
	out.History = slices.Clone(c.History)
	return out
}

// Messages flattens the history into alternating user and assistant
// messages. When budget is positive the oldest exchanges are left out until
// the estimated token count fits; the newest exchange is always kept.
func (c *Conversation) Messages(budget int) []reply.Message {
	start := 0
	if budget > 0 {
		used := 0
		start = len(c.History)
		for i := len(c.History) - 1; i >= 0; i-- {
			ex := c.History[i]
			if ex.Failed {
				continue
			}
			cost := estimateTokens(ex.User) + estimateTokens(ex.Assistant)
			if used+cost > budget && start < len(c.History) {
				break
			}
			used += cost
			start = i
		}
	}

	var msgs []reply.Message
	for _, ex := range c.History[start:] {
		if ex.Failed {
			continue
		}
		msgs = append(msgs,
			reply.Message{Role: reply.RoleUser, Content: ex.User},
			reply.Message{Role: reply.RoleAssistant, Content: ex.Assistant},
		)
	}
	return msgs
}

// estimateTokens returns a rough token count for s, at least 1 for any
// non-empty text.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return max(1, len(s)/charsPerToken)
}

// Package reply defines the boundary to the text backend that answers a
// captured utterance. A backend receives the transcript, the prior exchanges
// of the conversation and optional opaque image frames, and returns the text
// to be spoken.
package reply

import (
	"context"
	"errors"
)

// ErrEmptyReply is returned by backends whose response carried no text.
var ErrEmptyReply = errors.New("reply: empty response")

// Roles used in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of prior dialogue.
type Message struct {
	Role    string
	Content string
}

// Image is a single still frame attached to a request. Data is passed through
// unchanged; MIME defaults to image/jpeg when empty.
type Image struct {
	Data []byte
	MIME string
}

// Request is everything a backend needs to produce one reply.
type Request struct {
	// SystemPrompt, when non-empty, is sent ahead of the history.
	SystemPrompt string

	// History holds the earlier exchanges of the conversation, oldest first.
	History []Message

	// Transcript is the text of the utterance being answered.
	Transcript string

	// Frames are optional images captured alongside the utterance.
	Frames []Image
}

// Messages flattens the request into a message list: system prompt, history,
// then the transcript as the final user message.
func (r Request) Messages() []Message {
	msgs := make([]Message, 0, len(r.History)+2)
	if r.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: r.SystemPrompt})
	}
	msgs = append(msgs, r.History...)
	msgs = append(msgs, Message{Role: RoleUser, Content: r.Transcript})
	return msgs
}

// Backend produces a reply for a captured utterance.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation: a manual stop cancels the context of an in-flight call.
type Backend interface {
	Reply(ctx context.Context, req Request) (string, error)
}

// BackendFunc adapts a function to [Backend].
type BackendFunc func(ctx context.Context, req Request) (string, error)

// Reply implements [Backend].
func (f BackendFunc) Reply(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

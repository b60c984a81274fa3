// Package mock provides a test double for the reply.Backend interface.
//
// Use Backend to feed controlled replies to the session manager and to
// inspect the requests it sends. Fields are safe to set before the first call.
//
// Example:
//
//	b := &mock.Backend{Replies: []string{"hello", "goodbye"}}
//	text, err := b.Reply(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/reply"
)

// Backend is a mock implementation of reply.Backend.
type Backend struct {
	mu sync.Mutex

	// Replies are returned in order; once exhausted the last entry repeats.
	// With no replies the transcript is echoed back.
	Replies []string

	// Err, if non-nil, is returned from every call.
	Err error

	// Delay blocks each call for the given duration or until ctx is done.
	Delay time.Duration

	// Block, if non-nil, holds each call until it is closed or ctx is done.
	Block chan struct{}

	requests []reply.Request
}

// Reply implements reply.Backend.
func (b *Backend) Reply(ctx context.Context, req reply.Request) (string, error) {
	b.mu.Lock()
	idx := len(b.requests)
	b.requests = append(b.requests, cloneRequest(req))
	delay, block := b.Delay, b.Block
	b.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return "", b.Err
	}
	switch {
	case len(b.Replies) == 0:
		return req.Transcript, nil
	case idx < len(b.Replies):
		return b.Replies[idx], nil
	default:
		return b.Replies[len(b.Replies)-1], nil
	}
}

// Requests returns a copy of every request received so far.
func (b *Backend) Requests() []reply.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]reply.Request(nil), b.requests...)
}

// CallCount returns the number of Reply invocations.
func (b *Backend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func cloneRequest(req reply.Request) reply.Request {
	req.History = append([]reply.Message(nil), req.History...)
	req.Frames = append([]reply.Image(nil), req.Frames...)
	return req
}

// Package mock provides a recording events.Sink for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/internal/events"
)

// Recorder is an events.Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Emit implements events.Sink.
func (r *Recorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Kinds returns the kinds of all recorded events in order.
func (r *Recorder) Kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// OfKind returns the recorded events of kind k.
func (r *Recorder) OfKind(k events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k events.Kind) int {
	return len(r.OfKind(k))
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var _ events.Sink = (*Recorder)(nil)

// Package pipeline moves frames from the capture device to whichever stage
// currently listens. A single [Pump] goroutine owns the [audio.Source]: it
// reads, applies the mute gate and gain control, and publishes into a [Hub]
// that hands each frame to at most one subscriber.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrBusy is returned by [Hub.Subscribe] while another subscription is live.
var ErrBusy = errors.New("pipeline: hub already has a listener")

// Drop reasons reported on the frames-dropped counter.
const (
	DropNoListener   = "no_listener"
	DropBackpressure = "backpressure"
)

// Subscription is the receiving end of a [Hub]. Frames arrive on C in capture
// order. C is closed by [Hub.Unsubscribe] or [Hub.Close].
type Subscription struct {
	C  <-chan audio.Frame
	ch chan audio.Frame
}

// Hub fans the frame stream out to the single active listener. Publish never
// blocks: a frame that finds no listener, or a listener whose buffer is full,
// is dropped and counted.
//
// Hub is safe for concurrent use.
type Hub struct {
	metrics *observe.Metrics

	mu     sync.Mutex
	sub    *Subscription
	closed bool

	published  atomic.Int64
	noListener atomic.Int64
	overflow   atomic.Int64
}

// NewHub returns an empty hub. A nil m uses [observe.DefaultMetrics].
func NewHub(m *observe.Metrics) *Hub {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Hub{metrics: m}
}

// Subscribe registers the listener. buffer is the channel capacity; values
// below 1 are raised to 1.
func (h *Hub) Subscribe(buffer int) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("pipeline: hub closed")
	}
	if h.sub != nil {
		return nil, ErrBusy
	}
	ch := make(chan audio.Frame, max(1, buffer))
	h.sub = &Subscription{C: ch, ch: ch}
	return h.sub, nil
}

// Unsubscribe detaches s and closes its channel. Frames still buffered in
// s.C can be drained by the caller. Unsubscribing a stale subscription is a
// no-op.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s == nil || h.sub != s {
		return
	}
	close(s.ch)
	h.sub = nil
}

// Publish delivers f to the listener without blocking. It reports whether
// the frame was delivered.
func (h *Hub) Publish(ctx context.Context, f audio.Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published.Add(1)
	if h.sub == nil {
		h.noListener.Add(1)
		h.metrics.RecordDroppedFrame(ctx, DropNoListener)
		return false
	}
	select {
	case h.sub.ch <- f:
		return true
	default:
		h.overflow.Add(1)
		h.metrics.RecordDroppedFrame(ctx, DropBackpressure)
		return false
	}
}

// Close detaches the listener, closing its channel, and rejects further
// subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil {
		close(h.sub.ch)
		h.sub = nil
	}
	h.closed = true
}

// Listening reports whether a subscription is live.
func (h *Hub) Listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sub != nil
}

// HubStats is a snapshot of the hub counters.
type HubStats struct {
	Published  int64
	NoListener int64
	Overflow   int64
}

// Stats returns the counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Published:  h.published.Load(),
		NoListener: h.noListener.Load(),
		Overflow:   h.overflow.Load(),
	}
}

package audio

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Gate is the shared I/O gate between the speech synthesiser and the capture
// loop. While the gate is muted, or inside the grace period scheduled by
// [Gate.UnmuteAfter], every frame handed to a listener is replaced by silence.
//
// The capture loop calls [Gate.IsMuted] for every frame, so the hot path is a
// single atomic load. Only the speech arbiter mutates the gate. All times
// are measured on the monotonic clock, relative to the gate's creation.
//
// Gate is safe for concurrent use.
type Gate struct {
	base time.Time
	// until is the monotonic offset (ns since base) before which the gate is
	// muted. mutedForever while muted without a deadline, zero when open.
	// Mute state lives in this one word so readers never see a torn update.
	until atomic.Int64

	mu      sync.Mutex
	changed chan struct{}
}

const mutedForever = math.MaxInt64

// NewGate returns an unmuted gate.
func NewGate() *Gate {
	return &Gate{
		base:    time.Now(),
		changed: make(chan struct{}),
	}
}

// Mute silences the microphone until the next [Gate.UnmuteAfter] call.
// It cancels any pending grace period.
func (g *Gate) Mute() {
	g.until.Store(mutedForever)
	g.notify()
}

// UnmuteAfter releases the mute once grace has elapsed. A zero or negative
// grace unmutes immediately.
func (g *Gate) UnmuteAfter(grace time.Duration) {
	if grace > 0 {
		g.until.Store(int64(g.elapsed() + grace))
	} else {
		g.until.Store(0)
	}
	g.notify()
}

// IsMuted reports whether frames should currently be silenced. It never
// blocks.
func (g *Gate) IsMuted() bool {
	u := g.until.Load()
	return u == mutedForever || (u > 0 && int64(g.elapsed()) < u)
}

// WaitForUnmute blocks until the gate is open, ctx is cancelled, or timeout
// elapses. A non-positive timeout waits without limit. It reports whether the
// gate was open when it returned.
func (g *Gate) WaitForUnmute(ctx context.Context, timeout time.Duration) bool {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	for {
		g.mu.Lock()
		changed := g.changed
		g.mu.Unlock()

		if !g.IsMuted() {
			return true
		}

		var grace *time.Timer
		var graceC <-chan time.Time
		if u := g.until.Load(); u != mutedForever {
			if remaining := time.Duration(u) - g.elapsed(); remaining > 0 {
				grace = time.NewTimer(remaining)
				graceC = grace.C
			}
		}

		select {
		case <-changed:
		case <-graceC:
		case <-timeoutC:
			return !g.IsMuted()
		case <-ctx.Done():
			return false
		}
		if grace != nil {
			grace.Stop()
		}
	}
}

// elapsed returns the monotonic time since the gate was created.
func (g *Gate) elapsed() time.Duration {
	return time.Since(g.base)
}

// notify wakes every goroutine blocked in WaitForUnmute.
func (g *Gate) notify() {
	g.mu.Lock()
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
}

package audio

// Ring is a bounded FIFO that keeps the most recent items pushed into it,
// overwriting the oldest once full. The wake detector keeps one as its
// pre-roll buffer.
//
// Ring is not safe for concurrent use; it is owned by a single listener.
type Ring[T any] struct {
	buf  []T
	next int
	full bool
}

// NewRing returns a ring holding at most capacity items. A non-positive
// capacity yields a ring that never retains anything.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when the ring is full.
func (r *Ring[T]) Push(v T) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of items currently held.
func (r *Ring[T]) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Full reports whether the ring holds Cap items.
func (r *Ring[T]) Full() bool { return r.full }

// Snapshot returns a copy of the held items ordered oldest to newest. The
// ring itself is left untouched and keeps rolling.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, 0, r.Len())
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	return append(out, r.buf[:r.next]...)
}

// Clear drops every held item.
func (r *Ring[T]) Clear() {
	clear(r.buf)
	r.next = 0
	r.full = false
}

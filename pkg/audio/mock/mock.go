// Package mock provides in-memory implementations of [audio.Source] and frame
// generators for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(16000, 20*time.Millisecond)
//	src.Push(mock.Tone(16000, 20*time.Millisecond, 8000)...)
//	src.CloseAfterDrain()
//	f, err := src.ReadFrame(ctx)
package mock

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a scripted [audio.Source]. Frames pushed with [Source.Push] are
// returned in order; once the queue is empty ReadFrame blocks until more
// frames arrive, the source is closed, or ctx is cancelled.
type Source struct {
	mu       sync.Mutex
	cond     chan struct{}
	queue    []audio.Frame
	errs     []error
	closed   bool
	format   audio.StreamFormat
	nextTS   time.Duration
	draining bool

	// CloseError is returned by Close.
	CloseError error

	// CallCountReadFrame records how many times ReadFrame was called.
	CallCountReadFrame int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSource returns an empty scripted source.
func NewSource(sampleRate int, frameDuration time.Duration) *Source {
	return &Source{
		cond:   make(chan struct{}),
		format: audio.StreamFormat{SampleRate: sampleRate, FrameDuration: frameDuration},
	}
}

// Push appends frames to the queue, stamping consecutive timestamps.
func (s *Source) Push(frames ...audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range frames {
		f.Timestamp = s.nextTS
		s.nextTS += f.Duration()
		s.queue = append(s.queue, f)
		s.errs = append(s.errs, nil)
	}
	s.wake()
}

// PushError queues a transient read error at the current position.
func (s *Source) PushError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, audio.Frame{})
	s.errs = append(s.errs, err)
	s.wake()
}

// CloseAfterDrain makes ReadFrame return [audio.ErrSourceClosed] once every
// queued frame has been delivered.
func (s *Source) CloseAfterDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
	s.wake()
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.Frame, error) {
	for {
		s.mu.Lock()
		s.CallCountReadFrame++
		if len(s.queue) > 0 {
			f, err := s.queue[0], s.errs[0]
			s.queue, s.errs = s.queue[1:], s.errs[1:]
			s.mu.Unlock()
			return f, err
		}
		if s.closed || s.draining {
			s.mu.Unlock()
			return audio.Frame{}, audio.ErrSourceClosed
		}
		wait := s.cond
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		}
	}
}

// Format implements [audio.Source].
func (s *Source) Format() audio.StreamFormat { return s.format }

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	s.wake()
	return s.CloseError
}

// Pending returns the number of queued frames not yet read.
func (s *Source) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// wake must be called with s.mu held.
func (s *Source) wake() {
	close(s.cond)
	s.cond = make(chan struct{})
}

var _ audio.Source = (*Source)(nil)

// ErrDevice is a convenience transient error for tests.
var ErrDevice = errors.New("mock: device read failed")

// ─── Frame generators ─────────────────────────────────────────────────────────

// Silence returns n zeroed frames.
func Silence(sampleRate int, frameDuration time.Duration, n int) []audio.Frame {
	out := make([]audio.Frame, n)
	size := audio.FrameBytes(sampleRate, frameDuration)
	for i := range out {
		out[i] = audio.Frame{Data: make([]byte, size), SampleRate: sampleRate}
	}
	return out
}

// Tone returns n frames of a 440 Hz sine with the given peak amplitude.
func Tone(sampleRate int, frameDuration time.Duration, amplitude float64, n int) []audio.Frame {
	out := make([]audio.Frame, n)
	samples := audio.FrameBytes(sampleRate, frameDuration) / audio.BytesPerSample
	phase := 0
	for i := range out {
		pcm := make([]int16, samples)
		for j := range pcm {
			pcm[j] = int16(amplitude * math.Sin(2*math.Pi*440*float64(phase)/float64(sampleRate)))
			phase++
		}
		out[i] = audio.Frame{Data: audio.SamplesToBytes(pcm), SampleRate: sampleRate}
	}
	return out
}

// Constant returns a single frame whose samples all equal v.
func Constant(sampleRate int, frameDuration time.Duration, v int16) audio.Frame {
	pcm := make([]int16, audio.FrameBytes(sampleRate, frameDuration)/audio.BytesPerSample)
	for i := range pcm {
		pcm[i] = v
	}
	return audio.Frame{Data: audio.SamplesToBytes(pcm), SampleRate: sampleRate}
}

// Package mock provides a test double for the tts.Synthesizer interface.
//
// Synthesizer records every spoken text and can be told to fail, to block
// until released, or to take a fixed amount of time, so tests can exercise the
// speech arbiter's retry and gating behaviour.
//
// Example:
//
//	s := &mock.Synthesizer{Errs: []error{errBoom}}
//	f := mock.Factory(s)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/tts"
)

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Errs is consumed one entry per Speak call; a nil entry or an exhausted
	// list means success.
	Errs []error

	// AlwaysErr, if non-nil, is returned by every Speak call.
	AlwaysErr error

	// Delay makes every Speak call take this long (or until ctx is done).
	Delay time.Duration

	// OnSpeak, if set, is invoked at the start of every Speak call.
	OnSpeak func(text string)

	// --- Call records ---

	// Spoken records the text of every Speak call in order.
	Spoken []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	active    int
	maxActive int
}

// Speak records the call and returns the scripted result.
func (s *Synthesizer) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.Spoken = append(s.Spoken, text)
	s.active++
	s.maxActive = max(s.maxActive, s.active)
	var err error
	if len(s.Errs) > 0 {
		err, s.Errs = s.Errs[0], s.Errs[1:]
	}
	if s.AlwaysErr != nil {
		err = s.AlwaysErr
	}
	delay, hook := s.Delay, s.OnSpeak
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if hook != nil {
		hook(text)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Close records the call.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// SpokenTexts returns a copy of the recorded texts. Thread-safe.
func (s *Synthesizer) SpokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Spoken...)
}

// MaxConcurrent returns the highest number of overlapping Speak calls seen.
func (s *Synthesizer) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// FactoryRecorder counts factory invocations.
type FactoryRecorder struct {
	mu    sync.Mutex
	calls int

	// Err, if non-nil, is returned instead of a synthesizer.
	Err error
}

// Calls returns how many times the factory ran.
func (f *FactoryRecorder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Factory returns a tts.Factory that always hands out s.
func Factory(s *Synthesizer) tts.Factory {
	return RecordingFactory(s, &FactoryRecorder{})
}

// RecordingFactory is like Factory but counts calls on rec.
func RecordingFactory(s *Synthesizer, rec *FactoryRecorder) tts.Factory {
	return func(context.Context) (tts.Synthesizer, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.calls++
		if rec.Err != nil {
			return nil, rec.Err
		}
		return s, nil
	}
}

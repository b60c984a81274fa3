// Package speech plays replies through the synthesizer while keeping the
// microphone closed. [Voice] owns the synthesizer lifecycle; [Arbiter] wraps
// every utterance in a gate mute so the capture loop never hears the device
// talk.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/provider/tts"
)

// ErrDegraded is returned by [Voice.Speak] when the synthesizer failed twice
// in a row for the same text. The text was not spoken.
var ErrDegraded = errors.New("speech: synthesizer degraded")

// Voice serialises synthesis and recreates the synthesizer after a failure.
// All methods are safe for concurrent use; Speak calls never overlap.
type Voice struct {
	factory tts.Factory
	metrics *observe.Metrics
	name    string

	mu    sync.Mutex
	synth tts.Synthesizer
	inits int
}

// VoiceOption configures a [Voice].
type VoiceOption func(*Voice)

// WithMetrics records synthesis latency and provider counters on m.
func WithMetrics(m *observe.Metrics) VoiceOption {
	return func(v *Voice) { v.metrics = m }
}

// WithProviderName sets the provider label used for metrics. Default: "tts".
func WithProviderName(name string) VoiceOption {
	return func(v *Voice) { v.name = name }
}

// NewVoice returns a Voice that obtains synthesizers from factory. No
// synthesizer is created until [Voice.EnsureReady] or the first Speak.
func NewVoice(factory tts.Factory, opts ...VoiceOption) *Voice {
	v := &Voice{factory: factory, name: "tts"}
	for _, o := range opts {
		o(v)
	}
	return v
}

// EnsureReady creates the synthesizer unless one is already live.
func (v *Voice) EnsureReady(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ensureLocked(ctx)
}

func (v *Voice) ensureLocked(ctx context.Context) error {
	if v.synth != nil {
		return nil
	}
	s, err := v.factory(ctx)
	if err != nil {
		return fmt.Errorf("speech: init synthesizer: %w", err)
	}
	v.synth = s
	v.inits++
	return nil
}

// Reset closes the live synthesizer. The next call creates a fresh one.
func (v *Voice) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resetLocked()
}

func (v *Voice) resetLocked() error {
	if v.synth == nil {
		return nil
	}
	err := v.synth.Close()
	v.synth = nil
	if err != nil {
		return fmt.Errorf("speech: close synthesizer: %w", err)
	}
	return nil
}

// Inits returns how many synthesizers were created so far.
func (v *Voice) Inits() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.inits
}

// Speak plays text and blocks until playback finished. A failed attempt is
// retried once on a freshly created synthesizer; if that fails too the error
// wraps [ErrDegraded]. A cancelled ctx is returned as is and never retried.
func (v *Voice) Speak(ctx context.Context, text string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	start := time.Now()
	err := v.attempt(ctx, text)
	if err == nil || ctx.Err() != nil {
		v.record(ctx, start, err)
		return err
	}

	observe.Logger(ctx).Warn("speech: synthesis failed, reinitialising", "err", err)
	if rerr := v.resetLocked(); rerr != nil {
		slog.Debug("speech: close failed synthesizer", "err", rerr)
	}
	err = v.attempt(ctx, text)
	v.record(ctx, start, err)
	if err == nil || ctx.Err() != nil {
		return err
	}
	// Drop the broken instance so the next turn starts clean.
	_ = v.resetLocked()
	return fmt.Errorf("%w: %w", ErrDegraded, err)
}

func (v *Voice) attempt(ctx context.Context, text string) error {
	if err := v.ensureLocked(ctx); err != nil {
		return err
	}
	return v.synth.Speak(ctx, text)
}

func (v *Voice) record(ctx context.Context, start time.Time, err error) {
	if v.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		v.metrics.RecordProviderError(ctx, v.name, "tts")
	}
	v.metrics.RecordProviderRequest(ctx, v.name, "tts", status)
	v.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
}

// Close releases the synthesizer.
func (v *Voice) Close() error {
	return v.Reset()
}

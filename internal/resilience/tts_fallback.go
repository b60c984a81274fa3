package resilience

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/tts"
)

// lazySynth creates its synthesizer on first use and forgets it after a
// failure so the next attempt starts from a fresh instance.
type lazySynth struct {
	factory tts.Factory

	mu    sync.Mutex
	synth tts.Synthesizer
}

func (l *lazySynth) speak(ctx context.Context, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.synth == nil {
		s, err := l.factory(ctx)
		if err != nil {
			return err
		}
		l.synth = s
	}
	err := l.synth.Speak(ctx, text)
	if err != nil && !errors.Is(err, context.Canceled) {
		_ = l.synth.Close()
		l.synth = nil
	}
	return err
}

func (l *lazySynth) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.synth == nil {
		return nil
	}
	err := l.synth.Close()
	l.synth = nil
	return err
}

// TTSFallback is a [tts.Synthesizer] that speaks through the first healthy of
// several synthesizer backends. Each backend is created on demand from its
// [tts.Factory].
type TTSFallback struct {
	group *FallbackGroup[*lazySynth]
}

var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Factory, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(&lazySynth{factory: primary}, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesizer backend.
func (f *TTSFallback) AddFallback(name string, factory tts.Factory) {
	f.group.AddFallback(name, &lazySynth{factory: factory})
}

// Speak plays text on the first backend that succeeds.
func (f *TTSFallback) Speak(ctx context.Context, text string) error {
	return f.group.Execute(func(l *lazySynth) error {
		return l.speak(ctx, text)
	})
}

// Close releases every backend that has been created. Backends are created
// again on the next Speak.
func (f *TTSFallback) Close() error {
	var errs []error
	for _, e := range f.group.entries {
		errs = append(errs, e.value.close())
	}
	return errors.Join(errs...)
}

// Factory returns a [tts.Factory] handing out f itself, for use by the voice
// that owns the synthesizer lifecycle.
func (f *TTSFallback) Factory() tts.Factory {
	return func(context.Context) (tts.Synthesizer, error) { return f, nil }
}

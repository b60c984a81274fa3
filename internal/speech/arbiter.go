package speech

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Speaker plays text. *Voice satisfies it.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Arbiter owns the microphone gate for the duration of synthesis.
type Arbiter struct {
	gate   *audio.Gate
	voice  Speaker
	grace  time.Duration
	events events.Sink
}

// NewArbiter returns an Arbiter that mutes gate while voice speaks and keeps
// it closed for grace afterwards.
func NewArbiter(gate *audio.Gate, voice Speaker, grace time.Duration, sink events.Sink) *Arbiter {
	if sink == nil {
		sink = events.Discard
	}
	return &Arbiter{gate: gate, voice: voice, grace: grace, events: sink}
}

// Gate returns the gate the arbiter controls.
func (a *Arbiter) Gate() *audio.Gate { return a.gate }

// Speak mutes the microphone, plays text and schedules the unmute after the
// grace period on every exit path. A degraded synthesizer emits
// [events.KindTTSDegraded] and is reported as a nil error so the caller's
// state machine moves on; other errors (cancellation) are returned.
func (a *Arbiter) Speak(ctx context.Context, text string) error {
	a.gate.Mute()
	defer a.gate.UnmuteAfter(a.grace)

	sid := observe.SessionID(ctx)
	a.events.Emit(ctx, events.New(events.KindTTSStart, sid, "chars", strconv.Itoa(len(text))))
	err := a.voice.Speak(ctx, text)
	switch {
	case err == nil:
		a.events.Emit(ctx, events.New(events.KindTTSDone, sid))
		return nil
	case errors.Is(err, ErrDegraded):
		a.events.Emit(ctx, events.New(events.KindTTSDegraded, sid, "err", err.Error()))
		return nil
	default:
		return err
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Classifier labels a frame as speech. An error is fatal.
type Classifier interface {
	IsSpeech(f audio.Frame) (bool, error)
}

// FollowupConfig holds the follow-up listening parameters.
type FollowupConfig struct {
	// Timeout ends the session when no qualifying speech arrives.
	// Default: 15s.
	Timeout time.Duration

	// Cooldown is the audio time after entering the state during which no
	// classification is attempted, so synthesizer echo cannot start a turn.
	Cooldown time.Duration

	// RequiredSpeechFrames consecutive speech frames start the next turn.
	// Default: 8.
	RequiredSpeechFrames int
}

// Validate reports configuration errors.
func (c FollowupConfig) Validate() error {
	var errs []error
	if c.Timeout < 0 || c.Cooldown < 0 {
		errs = append(errs, errors.New("session: follow-up timeout and cooldown must not be negative"))
	}
	if c.RequiredSpeechFrames < 0 {
		errs = append(errs, errors.New("session: required speech frames must not be negative"))
	}
	if c.Timeout > 0 && c.Cooldown >= c.Timeout {
		errs = append(errs, fmt.Errorf("session: follow-up cooldown %v must be shorter than timeout %v", c.Cooldown, c.Timeout))
	}
	return errors.Join(errs...)
}

func (c FollowupConfig) withDefaults() FollowupConfig {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RequiredSpeechFrames == 0 {
		c.RequiredSpeechFrames = 8
	}
	return c
}

// FollowupOutcome is how a follow-up wait ended.
type FollowupOutcome int

const (
	// FollowupSpeech means sustained speech arrived; the next turn starts.
	FollowupSpeech FollowupOutcome = iota
	// FollowupTimeout means the wait ran out.
	FollowupTimeout
	// FollowupStopped means a manual stop, cancellation or the end of the
	// frame stream.
	FollowupStopped
)

// FollowupResult is returned by [Followup.Listen].
type FollowupResult struct {
	Outcome FollowupOutcome

	// PreRoll holds the speech run that triggered the next turn.
	PreRoll []audio.LabeledFrame

	// Heard is the audio time consumed while waiting.
	Heard time.Duration
}

// Followup waits for the user to keep talking after a reply. It uses its own
// classifier so it can be stricter than the wake listener.
type Followup struct {
	cfg FollowupConfig
	vad Classifier
	now func() time.Time
}

// NewFollowup validates cfg and returns a listener.
func NewFollowup(cfg FollowupConfig, vad Classifier) (*Followup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Followup{cfg: cfg.withDefaults(), vad: vad, now: time.Now}, nil
}

// Config returns the configuration in use.
func (f *Followup) Config() FollowupConfig { return f.cfg }

// Listen consumes frames until RequiredSpeechFrames consecutive speech frames
// arrive after the cooldown, or Timeout passes. The timeout is checked against
// both the audio consumed and the monotonic clock, so a stalled stream still
// times out. Only a classifier failure is returned as an error.
func (f *Followup) Listen(ctx context.Context, frames <-chan audio.Frame, stop <-chan struct{}) (FollowupResult, error) {
	start := f.now()
	timer := time.NewTimer(f.cfg.Timeout)
	defer timer.Stop()

	var (
		heard time.Duration
		run   []audio.LabeledFrame
	)
	for {
		select {
		case <-stop:
			return FollowupResult{Outcome: FollowupStopped, Heard: heard}, nil
		default:
		}

		var fr audio.Frame
		select {
		case <-ctx.Done():
			return FollowupResult{Outcome: FollowupStopped, Heard: heard}, nil
		case <-stop:
			return FollowupResult{Outcome: FollowupStopped, Heard: heard}, nil
		case <-timer.C:
			return FollowupResult{Outcome: FollowupTimeout, Heard: heard}, nil
		case got, ok := <-frames:
			if !ok {
				return FollowupResult{Outcome: FollowupStopped, Heard: heard}, nil
			}
			fr = got
		}

		heard += fr.Duration()
		if heard >= f.cfg.Timeout || f.now().Sub(start) >= f.cfg.Timeout {
			return FollowupResult{Outcome: FollowupTimeout, Heard: heard}, nil
		}
		if heard <= f.cfg.Cooldown {
			run = run[:0]
			continue
		}

		speech, err := f.vad.IsSpeech(fr)
		if err != nil {
			return FollowupResult{Outcome: FollowupStopped, Heard: heard}, fmt.Errorf("session: classify follow-up frame: %w", err)
		}
		if !speech {
			run = run[:0]
			continue
		}
		run = append(run, audio.LabeledFrame{Frame: fr, Speech: true})
		if len(run) >= f.cfg.RequiredSpeechFrames {
			return FollowupResult{Outcome: FollowupSpeech, PreRoll: run, Heard: heard}, nil
		}
	}
}

// Package agc implements per-frame automatic gain control for mono PCM16
// audio.
//
// A [Normalizer] scales each frame toward a target RMS loudness. The gain
// moves toward target/RMS by a fraction of the remaining gap every frame:
// quickly when it has to rise (quiet speech should be audible at once) and
// slowly when it has to fall (so loud transients do not make the level pump).
// Frames at or below the silence floor leave the gain untouched.
//
// A Normalizer belongs to one pipeline. It is not safe for concurrent use.
package agc

import (
	"fmt"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Config holds the gain control parameters.
type Config struct {
	// TargetRMS is the loudness the normalizer steers toward, in sample units.
	TargetRMS float64

	// MinGain and MaxGain bound the applied gain.
	MinGain float64
	MaxGain float64

	// AttackRate is the fraction (0, 1] of the gap closed per frame while
	// the gain increases.
	AttackRate float64

	// ReleaseRate is the fraction (0, 1] of the gap closed per frame while
	// the gain decreases.
	ReleaseRate float64

	// SilenceFloor is the RMS at or below which a frame counts as silence.
	SilenceFloor float64
}

// DefaultConfig returns the parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		TargetRMS:    3000,
		MinGain:      0.25,
		MaxGain:      8,
		AttackRate:   0.5,
		ReleaseRate:  0.05,
		SilenceFloor: 40,
	}
}

// Validate reports an error for parameters that would break the gain bounds.
func (c Config) Validate() error {
	switch {
	case c.TargetRMS <= 0:
		return fmt.Errorf("agc: target_rms must be > 0, got %v", c.TargetRMS)
	case c.MinGain <= 0:
		return fmt.Errorf("agc: min_gain must be > 0, got %v", c.MinGain)
	case c.MaxGain < c.MinGain:
		return fmt.Errorf("agc: max_gain %v is below min_gain %v", c.MaxGain, c.MinGain)
	case c.AttackRate <= 0 || c.AttackRate > 1:
		return fmt.Errorf("agc: attack_rate must be in (0, 1], got %v", c.AttackRate)
	case c.ReleaseRate <= 0 || c.ReleaseRate > 1:
		return fmt.Errorf("agc: release_rate must be in (0, 1], got %v", c.ReleaseRate)
	case c.SilenceFloor < 0:
		return fmt.Errorf("agc: silence_floor_rms must be >= 0, got %v", c.SilenceFloor)
	}
	return nil
}

// State is a snapshot of the normalizer's adaptive state.
type State struct {
	CurrentGain float64
	TargetRMS   float64
	MinGain     float64
	MaxGain     float64
	AttackRate  float64
	ReleaseRate float64
}

// Normalizer applies gain control frame by frame.
type Normalizer struct {
	cfg  Config
	gain float64
}

// New returns a Normalizer starting at unity gain clamped into the bounds.
func New(cfg Config) (*Normalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Normalizer{cfg: cfg, gain: clamp(1, cfg.MinGain, cfg.MaxGain)}, nil
}

// Process returns f scaled by the updated gain. The output has the same
// length, sample rate and timestamp as f and records the applied factor in
// Gain; f itself is not modified.
func (n *Normalizer) Process(f audio.Frame) audio.Frame {
	rms := audio.RMS(f.Data)
	if rms > n.cfg.SilenceFloor {
		desired := clamp(n.cfg.TargetRMS/rms, n.cfg.MinGain, n.cfg.MaxGain)
		rate := n.cfg.ReleaseRate
		if desired > n.gain {
			rate = n.cfg.AttackRate
		}
		n.gain = clamp(n.gain+(desired-n.gain)*rate, n.cfg.MinGain, n.cfg.MaxGain)
	}

	out := f
	if n.gain == 1 {
		out.Data = append([]byte(nil), f.Data...)
	} else {
		out.Data = audio.Scale(f.Data, n.gain)
	}
	out.Gain = n.gain
	if f.Gain > 0 {
		out.Gain *= f.Gain
	}
	return out
}

// Gain returns the current gain.
func (n *Normalizer) Gain() float64 { return n.gain }

// State returns a snapshot of the adaptive state.
func (n *Normalizer) State() State {
	return State{
		CurrentGain: n.gain,
		TargetRMS:   n.cfg.TargetRMS,
		MinGain:     n.cfg.MinGain,
		MaxGain:     n.cfg.MaxGain,
		AttackRate:  n.cfg.AttackRate,
		ReleaseRate: n.cfg.ReleaseRate,
	}
}

// SetTarget changes the target loudness and gain ceiling, e.g. after a
// configuration reload. The current gain is clamped into the new bounds.
func (n *Normalizer) SetTarget(targetRMS, maxGain float64) error {
	cfg := n.cfg
	cfg.TargetRMS = targetRMS
	cfg.MaxGain = maxGain
	if err := cfg.Validate(); err != nil {
		return err
	}
	n.cfg = cfg
	n.gain = clamp(n.gain, cfg.MinGain, cfg.MaxGain)
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

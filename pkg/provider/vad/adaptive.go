package vad

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// AdaptiveLevel is the Aggressiveness value that asks [Adaptive] to pick the
// level itself from the ambient noise it measures during calibration.
const AdaptiveLevel = -1

// AdaptiveConfig configures an [Adaptive] classifier.
type AdaptiveConfig struct {
	SampleRate    int
	FrameDuration time.Duration

	// Aggressiveness is a fixed level 0-3, or [AdaptiveLevel] to calibrate.
	Aggressiveness int

	// Calibration is the warm-up window. Frames inside it are measured and
	// classified as silence. Ignored for a fixed level.
	Calibration time.Duration

	// QuietRMS and NoisyRMS split the measured noise floor into quiet
	// (level 0), moderate (level 2) and noisy (level 3) rooms.
	QuietRMS float64
	NoisyRMS float64
}

// Adaptive is the voice activity classifier used by every listening stage. It
// self-calibrates the engine's aggressiveness to the room during a warm-up
// window and afterwards delegates each frame to an engine session.
//
// IsSpeech must be called from a single goroutine. Calibrated and Level may be
// read from any goroutine.
type Adaptive struct {
	engine     Engine
	cfg        AdaptiveConfig
	frameBytes int
	frameMs    int

	calFrames int
	calSeen   int
	calSum    float64

	mu   sync.Mutex // guards sess during Close
	sess SessionHandle

	calibrated atomic.Bool
	level      atomic.Int32
	noiseFloor atomic.Uint64 // math.Float64bits of the calibrated mean RMS
}

// NewAdaptive validates cfg and returns a classifier. A fixed aggressiveness
// opens the engine session immediately and skips calibration.
func NewAdaptive(engine Engine, cfg AdaptiveConfig) (*Adaptive, error) {
	frameMs := int(cfg.FrameDuration / time.Millisecond)
	if cfg.FrameDuration%time.Millisecond != 0 {
		frameMs = 0
	}
	frameCfg := Config{SampleRate: cfg.SampleRate, FrameSizeMs: frameMs}
	if err := frameCfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Aggressiveness != AdaptiveLevel && (cfg.Aggressiveness < 0 || cfg.Aggressiveness > 3) {
		return nil, fmt.Errorf("vad: aggressiveness must be 0-3 or adaptive, got %d", cfg.Aggressiveness)
	}
	if cfg.NoisyRMS < cfg.QuietRMS {
		return nil, fmt.Errorf("vad: noisy_rms %v is below quiet_rms %v", cfg.NoisyRMS, cfg.QuietRMS)
	}

	a := &Adaptive{
		engine:     engine,
		cfg:        cfg,
		frameBytes: frameCfg.FrameBytes(),
		frameMs:    frameMs,
		calFrames:  max(1, audio.FramesAtLeast(cfg.Calibration, cfg.FrameDuration)),
	}
	a.level.Store(-1)

	if cfg.Aggressiveness != AdaptiveLevel {
		if err := a.open(cfg.Aggressiveness); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// IsSpeech classifies f. Until calibration completes it returns false. A frame
// whose length does not match the configured duration returns an error
// wrapping [ErrFrameSize]; the caller must treat it as fatal.
func (a *Adaptive) IsSpeech(f audio.Frame) (bool, error) {
	if len(f.Data) != a.frameBytes {
		return false, fmt.Errorf("%w: got %d bytes, want %d (%d ms at %d Hz)",
			ErrFrameSize, len(f.Data), a.frameBytes, a.frameMs, a.cfg.SampleRate)
	}

	if !a.calibrated.Load() {
		// The room is measured as captured, not as the normaliser boosted it.
		a.calSum += f.RawRMS()
		a.calSeen++
		if a.calSeen < a.calFrames {
			return false, nil
		}
		mean := a.calSum / float64(a.calSeen)
		level := SelectLevel(mean, a.cfg.QuietRMS, a.cfg.NoisyRMS)
		if err := a.open(level); err != nil {
			return false, err
		}
		a.noiseFloor.Store(floatBits(mean))
		slog.Info("vad calibrated",
			"noise_floor_rms", mean,
			"level", level,
			"frames", a.calSeen,
		)
		return false, nil
	}

	if a.sess == nil {
		return false, ErrClosed
	}
	ev, err := a.sess.ProcessFrame(f.Data)
	if err != nil {
		return false, err
	}
	return ev.IsSpeech(), nil
}

// SelectLevel maps a measured noise floor to an aggressiveness level: below
// quiet → 0, below noisy → 2, otherwise 3.
func SelectLevel(meanRMS, quiet, noisy float64) int {
	switch {
	case meanRMS < quiet:
		return 0
	case meanRMS < noisy:
		return 2
	default:
		return 3
	}
}

// Calibrated reports whether classification is trusted yet.
func (a *Adaptive) Calibrated() bool { return a.calibrated.Load() }

// Level returns the active aggressiveness, or -1 before calibration.
func (a *Adaptive) Level() int { return int(a.level.Load()) }

// NoiseFloor returns the mean RMS measured during calibration. It is zero for
// a fixed level or before calibration.
func (a *Adaptive) NoiseFloor() float64 { return floatFromBits(a.noiseFloor.Load()) }

// FrameDuration returns the frame duration the classifier expects.
func (a *Adaptive) FrameDuration() time.Duration { return a.cfg.FrameDuration }

// Reset clears the engine session's detection history. Calibration is kept.
func (a *Adaptive) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		a.sess.Reset()
	}
}

// Close releases the engine session.
func (a *Adaptive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil
	}
	err := a.sess.Close()
	a.sess = nil
	return err
}

func (a *Adaptive) open(level int) error {
	sess, err := a.engine.NewSession(Config{
		SampleRate:     a.cfg.SampleRate,
		FrameSizeMs:    a.frameMs,
		Aggressiveness: level,
	})
	if err != nil {
		return fmt.Errorf("vad: open session at level %d: %w", level, err)
	}
	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()
	a.level.Store(int32(level))
	a.calibrated.Store(true)
	return nil
}

// Package vad defines the Engine interface for Voice Activity Detection backends
// and the adaptive classifier the listening pipeline runs on top of them.
//
// A VAD engine wraps a fixed-frame speech detector (e.g., WebRTC VAD) and
// surfaces it as a stateful, per-stream session. Each session keeps its own
// detection history so that independent streams can be processed side by side.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection result,
// making it suitable for the per-frame loop of the wake detector, the segment
// recorder and the follow-up listener.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
	"slices"
)

// Sentinel configuration errors. They are fatal for the pipeline: a frame size
// mismatch cannot be fixed by retrying the next frame.
var (
	// ErrFrameSize is returned when a frame's length does not match the
	// configured 10, 20 or 30 ms frame duration.
	ErrFrameSize = errors.New("vad: frame size mismatch")

	// ErrSampleRate is returned for sample rates the classifier cannot handle.
	ErrSampleRate = errors.New("vad: unsupported sample rate")

	// ErrClosed is returned when classifying after Close.
	ErrClosed = errors.New("vad: classifier closed")
)

// SupportedSampleRates lists the sample rates every engine accepts.
var SupportedSampleRates = []int{8000, 16000, 32000, 48000}

// SupportedFrameSizesMs lists the frame durations every engine accepts.
var SupportedFrameSizesMs = []int{10, 20, 30}

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame and be one of [SupportedSampleRates].
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds: 10, 20
	// or 30. ProcessFrame returns [ErrFrameSize] for any other length.
	FrameSizeMs int

	// Aggressiveness selects how eagerly non-speech is rejected, from 0 (most
	// sensitive, classifies more frames as speech) to 3 (least sensitive).
	Aggressiveness int
}

// Validate checks the configuration against the supported ranges.
func (c Config) Validate() error {
	if !slices.Contains(SupportedSampleRates, c.SampleRate) {
		return fmt.Errorf("%w: %d Hz", ErrSampleRate, c.SampleRate)
	}
	if !slices.Contains(SupportedFrameSizesMs, c.FrameSizeMs) {
		return fmt.Errorf("%w: %d ms (want 10, 20 or 30)", ErrFrameSize, c.FrameSizeMs)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return fmt.Errorf("vad: aggressiveness must be 0-3, got %d", c.Aggressiveness)
	}
	return nil
}

// FrameBytes returns the byte length of one PCM16 mono frame for c.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection result.
	// The frame must be raw little-endian PCM at the SampleRate and FrameSizeMs
	// configured when the session was created; any other length yields
	// [ErrFrameSize].
	//
	// This method is called synchronously in the audio loop; it must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. Returns
	// an error wrapping [ErrSampleRate] or [ErrFrameSize] if the configuration
	// is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}

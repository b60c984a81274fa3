// Package audio defines the frame types, capture abstraction and shared I/O
// primitives of the earshot pipeline.
//
// The primary abstractions are:
//
//   - [Source]: the sole producer of raw microphone frames.
//   - [Gate]: the shared mute gate consulted before any frame is handed to a
//     listener, so the device never hears its own synthesised voice.
//   - [Ring]: the rolling pre-roll buffer kept by the wake detector.
//
// Capture implementations live in adapter packages (audio/malgo for real
// devices, audio/mock for tests). The interfaces are intentionally narrow to
// keep the session layer decoupled from device details.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrSourceClosed is returned by [Source.ReadFrame] once the source has been
// closed and every buffered frame has been delivered.
var ErrSourceClosed = errors.New("audio: source closed")

// Source produces fixed-duration mono PCM16 frames at a fixed sample rate.
//
// ReadFrame blocks until the next frame is available, ctx is cancelled, or the
// source is closed. An error other than [ErrSourceClosed] or a context error is
// transient: the caller logs it, skips the frame and keeps reading.
//
// A Source has exactly one reader. Close may be called from any goroutine.
type Source interface {
	// ReadFrame returns the next captured frame.
	ReadFrame(ctx context.Context) (Frame, error)

	// Format returns the sample rate and frame size the source produces.
	Format() StreamFormat

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// StreamFormat describes the frames a [Source] emits.
type StreamFormat struct {
	SampleRate    int
	FrameDuration time.Duration
}

// GatedSource wraps a [Source] and replaces every frame read while the
// [Gate] is muted with a zeroed frame of the same length and timestamp. It
// never blocks on the gate, which keeps frame timing monotonic while speech
// is being synthesised.
type GatedSource struct {
	Source Source
	Gate   *Gate
}

// ReadFrame reads from the wrapped source and applies the gate.
func (g *GatedSource) ReadFrame(ctx context.Context) (Frame, error) {
	f, err := g.Source.ReadFrame(ctx)
	if err != nil {
		return Frame{}, err
	}
	if g.Gate != nil && g.Gate.IsMuted() {
		return f.Silent(), nil
	}
	return f, nil
}

// Format returns the wrapped source's format.
func (g *GatedSource) Format() StreamFormat { return g.Source.Format() }

// Close closes the wrapped source.
func (g *GatedSource) Close() error { return g.Source.Close() }

var _ Source = (*GatedSource)(nil)

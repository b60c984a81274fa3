// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A Synthesizer speaks a piece of text out loud and blocks until playback has
// finished. The session layer never calls a Synthesizer directly: the speech
// voice owns its lifecycle, serialises calls and retries a failed call once
// with a fresh instance obtained from a [Factory].
package tts

import "context"

// Synthesizer turns text into audible speech.
//
// Implementations need not be safe for concurrent use; callers serialise
// Speak calls.
type Synthesizer interface {
	// Speak synthesises and plays text, returning once playback has finished,
	// synthesis failed, or ctx was cancelled.
	Speak(ctx context.Context, text string) error

	// Close releases the synthesizer. Calling Close more than once is safe.
	Close() error
}

// Factory creates a ready Synthesizer. It is called once at start-up and again
// whenever a failed Synthesizer has to be reinitialised.
type Factory func(ctx context.Context) (Synthesizer, error)

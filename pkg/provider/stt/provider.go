// Package stt defines the Provider interface for Speech-to-Text backends and
// the [Transcriber] that the listening stages drive.
//
// An STT provider wraps a streaming transcription engine (Deepgram over a
// WebSocket, or whisper.cpp in-process) and exposes a uniform interface. Once a
// session is opened it accepts raw PCM frames and emits two streams of
// Transcript values: low-latency partials and authoritative finals.
//
// The pipeline never talks to a SessionHandle directly. [Transcriber] owns the
// session lifecycle so a session is opened exactly once per need and reset
// between uses without leaking partials from the previous utterance.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by optional operations a backend lacks.
var ErrNotSupported = errors.New("stt: operation not supported by provider")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz, e.g. 16000.
	SampleRate int

	// Channels is the number of audio channels. The pipeline always sends mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider pick its default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for the configured wake and exit phrases.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. Close flushes
// pending audio: any final transcript for it is delivered on Finals before the
// channels are closed. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits interim Transcript
	// values. Each partial replaces the previous one. The channel is closed
	// when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits committed Transcript
	// values. The channel is closed when the session ends.
	Finals() <-chan Transcript

	// SetKeywords replaces the active keyword boost list without restarting the
	// session. Providers that do not support mid-session keyword updates return
	// an error wrapping [ErrNotSupported].
	SetKeywords(keywords []KeywordBoost) error

	// Close terminates the session, flushes any pending audio, and releases all
	// associated resources. After Close returns, the Partials and Finals channels
	// will be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately. The caller owns the
	// SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

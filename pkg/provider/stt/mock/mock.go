// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out Sessions whose transcripts are scripted by a function of
// the audio received so far, so pipeline tests can make a transcript "appear"
// after a given number of speech frames. Session also exposes EmitPartial and
// EmitFinal to inject late results, the way a streaming engine delivers them
// after the speaker has stopped.
//
// Example:
//
//	p := &mock.Provider{
//	    Transcribe: func(session, chunks int) string {
//	        if chunks >= 5 {
//	            return "hey earshot"
//	        }
//	        return ""
//	    },
//	}
//	tr := stt.NewTranscriber(p, stt.StreamConfig{SampleRate: 16000})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// ErrClosed is returned by Session.SendAudio after Close.
var ErrClosed = errors.New("mock stt: session closed")

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Transcribe returns the running text of the session-th session (0-based)
	// after it received chunks audio chunks. A non-empty result that differs
	// from the previous one is emitted as a partial. On Close the last text
	// is emitted as a final. Nil never produces text.
	Transcribe func(session, chunks int) string

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// SendAudioErr, if non-nil, is returned by every SendAudio of new sessions.
	SendAudioErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	sessions []*Session
}

// StartStream records the call and returns a new Session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	s := &Session{
		index:        len(p.sessions),
		transcribe:   p.Transcribe,
		SendAudioErr: p.SendAudioErr,
		partials:     make(chan stt.Transcript, 256),
		finals:       make(chan stt.Transcript, 256),
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Sessions returns every session opened so far, oldest first. Thread-safe.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Last returns the most recently opened session, or nil. Thread-safe.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu         sync.Mutex
	index      int
	transcribe func(session, chunks int) string
	partials   chan stt.Transcript
	finals     chan stt.Transcript
	last       string
	closed     bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SetKeywordsErr, if non-nil, is returned by every SetKeywords call.
	SetKeywordsErr error

	// --- Call records ---

	// Chunks records a copy of every chunk passed to SendAudio in order.
	Chunks [][]byte

	// Keywords records the last list passed to SetKeywords.
	Keywords []stt.KeywordBoost

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// SendAudio records the chunk and emits the scripted partial, if any.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.Chunks = append(s.Chunks, append([]byte(nil), chunk...))
	if s.transcribe == nil {
		return nil
	}
	if text := s.transcribe(s.index, len(s.Chunks)); text != "" && text != s.last {
		s.last = text
		s.partials <- stt.Transcript{Text: text}
	}
	return nil
}

// EmitPartial injects a partial result as if the engine produced it late.
func (s *Session) EmitPartial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.last = text
	s.partials <- stt.Transcript{Text: text}
}

// EmitFinal injects a committed result.
func (s *Session) EmitFinal(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.last = ""
	s.finals <- stt.Transcript{Text: text, IsFinal: true}
}

// Partials returns the partial transcript channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords records the call and returns SetKeywordsErr.
func (s *Session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Keywords = append([]stt.KeywordBoost(nil), keywords...)
	return s.SetKeywordsErr
}

// ChunkCount returns the number of SendAudio calls recorded. Thread-safe.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Chunks)
}

// Closed reports whether Close was called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close emits the pending text as a final and closes both channels.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	if s.last != "" {
		s.finals <- stt.Transcript{Text: s.last, IsFinal: true}
	}
	close(s.partials)
	close(s.finals)
	return nil
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)

// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Session classifies frames by energy by default, so tests can drive the
// pipeline with synthetic tones and silence. Set Script to force a verdict
// sequence instead.
//
// Example:
//
//	eng := &mock.Engine{}
//	a, _ := vad.NewAdaptive(eng, vad.AdaptiveConfig{...})
//	speech, _ := a.IsSpeech(tone)
package mock

import (
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// DefaultThreshold is the RMS above which Session reports speech when no
// Threshold is set.
const DefaultThreshold = 500

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new energy-threshold Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Calls returns a copy of the recorded NewSession calls. Thread-safe.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]NewSessionCall(nil), e.NewSessionCalls...)
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Threshold is the RMS above which a frame is speech. Zero means
	// DefaultThreshold.
	Threshold float64

	// Script, when non-empty, overrides the energy rule: the n-th call returns
	// Script[n]. Calls past the end repeat the last entry.
	Script []bool

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	wasSpeech bool

	// --- Call records ---

	// ProcessFrameCount is the number of times ProcessFrame was called.
	ProcessFrameCount int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// ProcessFrame records the call and classifies the frame.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ProcessFrameCount
	s.ProcessFrameCount++
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}

	var speech bool
	if len(s.Script) > 0 {
		speech = s.Script[min(n, len(s.Script)-1)]
	} else {
		th := s.Threshold
		if th == 0 {
			th = DefaultThreshold
		}
		speech = audio.RMS(frame) > th
	}

	ev := vad.VADEvent{Type: vad.Transition(s.wasSpeech, speech)}
	if speech {
		ev.Probability = 1
	}
	s.wasSpeech = speech
	return ev, nil
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
	s.wasSpeech = false
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)

// Package webrtc provides a VAD engine backed by the WebRTC voice activity
// detector (github.com/maxhawkins/go-webrtcvad).
//
// The detector is a binary GMM classifier operating on 10, 20 or 30 ms frames of
// 16-bit mono PCM at 8, 16, 32 or 48 kHz. Its aggressiveness mode (0–3) maps
// directly onto [vad.Config.Aggressiveness].
package webrtc

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/earshot/pkg/provider/vad"
)

// Engine creates WebRTC VAD sessions. It is stateless and safe for
// concurrent use.
type Engine struct{}

// New returns a WebRTC VAD engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and allocates a detector at the requested mode.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create detector: %w", err)
	}
	if err := v.SetMode(cfg.Aggressiveness); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", cfg.Aggressiveness, err)
	}
	return &session{vad: v, cfg: cfg, frameBytes: cfg.FrameBytes()}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	mu         sync.Mutex
	vad        *webrtcvad.VAD
	cfg        vad.Config
	frameBytes int
	wasSpeech  bool
	closed     bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}
	active, err := s.vad.Process(s.cfg.SampleRate, frame)
	if err != nil {
		return vad.VADEvent{}, fmt.Errorf("webrtc vad: process: %w", err)
	}
	ev := vad.VADEvent{Type: vad.Transition(s.wasSpeech, active)}
	if active {
		ev.Probability = 1
	}
	s.wasSpeech = active
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wasSpeech = false
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrTranscriberClosed is returned by operations on a closed [Transcriber].
var ErrTranscriberClosed = errors.New("stt: transcriber closed")

// Transcriber adapts a streaming [Provider] to the synchronous, frame-by-frame
// use of the listening stages. It owns at most one open session at a time:
//
//   - [Transcriber.EnsureReady] opens the session if none is open.
//   - [Transcriber.AcceptAudio] streams a frame and returns the running text.
//   - [Transcriber.Finalize] flushes the session and returns the final text.
//   - [Transcriber.Reset] discards the session and its text.
//
// Transcripts are collected without a background goroutine: every call drains
// whatever the session has emitted so far, so the running text only changes
// inside Transcriber calls and tests stay deterministic.
//
// Transcriber is safe for concurrent use, though the pipeline drives each
// instance from a single goroutine.
type Transcriber struct {
	provider Provider
	cfg      StreamConfig

	mu       sync.Mutex
	sess     SessionHandle
	finals   []string
	partial  string
	closed   bool
	opened   int
	keywords []KeywordBoost
}

// NewTranscriber returns a Transcriber that opens sessions on p with cfg.
// No session is opened until the first EnsureReady or AcceptAudio call.
func NewTranscriber(p Provider, cfg StreamConfig) *Transcriber {
	return &Transcriber{provider: p, cfg: cfg, keywords: cfg.Keywords}
}

// EnsureReady opens a session unless one is already open. It is cheap to call
// repeatedly.
func (t *Transcriber) EnsureReady(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(ctx)
}

func (t *Transcriber) ensureLocked(ctx context.Context) error {
	if t.closed {
		return ErrTranscriberClosed
	}
	if t.sess != nil {
		return nil
	}
	cfg := t.cfg
	cfg.Keywords = t.keywords
	sess, err := t.provider.StartStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("stt: start stream: %w", err)
	}
	t.sess = sess
	t.opened++
	return nil
}

// AcceptAudio streams pcm to the session, opening one if needed, and returns
// the running transcript. A send failure discards the session so the next call
// starts a fresh one; the text gathered so far is kept.
func (t *Transcriber) AcceptAudio(ctx context.Context, pcm []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLocked(ctx); err != nil {
		return t.combinedLocked(), err
	}
	if err := t.sess.SendAudio(pcm); err != nil {
		t.discardLocked()
		return t.combinedLocked(), fmt.Errorf("stt: send audio: %w", err)
	}
	t.drainLocked()
	return t.combinedLocked(), nil
}

// Poll collects transcripts the session emitted since the last call without
// sending audio. It reports whether the running text changed.
func (t *Transcriber) Poll() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := t.combinedLocked()
	t.drainLocked()
	after := t.combinedLocked()
	return after, after != before
}

// Finalize closes the open session, waits for its last transcripts and returns
// the complete text. Without an open session it returns the text gathered so
// far. The gathered text is kept until [Transcriber.Reset].
func (t *Transcriber) Finalize(ctx context.Context) (string, error) {
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()

	if sess == nil {
		return t.CombinedText(), nil
	}

	closeErr := make(chan error, 1)
	go func() { closeErr <- sess.Close() }()

	partials, finals := sess.Partials(), sess.Finals()
	var lastPartial string
	for partials != nil || finals != nil {
		select {
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			t.addFinal(tr.Text)
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			lastPartial = tr.Text
		case <-ctx.Done():
			go drainSession(sess)
			return t.CombinedText(), fmt.Errorf("stt: finalize: %w", ctx.Err())
		}
	}

	t.mu.Lock()
	// A provider that never committed a final still heard the audio.
	if len(t.finals) == 0 && strings.TrimSpace(t.partial) == "" {
		t.partial = strings.TrimSpace(lastPartial)
	}
	text := t.combinedLocked()
	t.mu.Unlock()

	if err := <-closeErr; err != nil {
		return text, fmt.Errorf("stt: close session: %w", err)
	}
	return text, nil
}

// CombinedText returns the committed finals followed by the latest partial.
func (t *Transcriber) CombinedText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.combinedLocked()
}

// Reset discards the open session and all gathered text. The old session is
// closed in the background so a slow provider never stalls the audio loop.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discardLocked()
	t.finals = nil
	t.partial = ""
}

// SetKeywords changes the boost list. An open session is updated in place when
// the provider supports it; otherwise the list applies from the next session.
func (t *Transcriber) SetKeywords(keywords []KeywordBoost) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keywords = append([]KeywordBoost(nil), keywords...)
	if t.sess == nil {
		return
	}
	if err := t.sess.SetKeywords(t.keywords); err != nil && !errors.Is(err, ErrNotSupported) {
		slog.Warn("stt: failed to update keywords", "err", err)
	}
}

// SessionsOpened returns how many sessions have been opened in total.
func (t *Transcriber) SessionsOpened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

// Close discards the session. Further calls return [ErrTranscriberClosed].
func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discardLocked()
	t.closed = true
	return nil
}

func (t *Transcriber) addFinal(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendFinalLocked(text)
}

func (t *Transcriber) appendFinalLocked(text string) {
	t.partial = ""
	if text = strings.TrimSpace(text); text != "" {
		t.finals = append(t.finals, text)
	}
}

// drainLocked consumes everything currently buffered on the session channels.
func (t *Transcriber) drainLocked() {
	if t.sess == nil {
		return
	}
	partials, finals := t.sess.Partials(), t.sess.Finals()
	for {
		select {
		case tr, ok := <-finals:
			if !ok {
				return
			}
			t.appendFinalLocked(tr.Text)
			continue
		default:
		}
		select {
		case tr, ok := <-partials:
			if !ok {
				return
			}
			t.partial = strings.TrimSpace(tr.Text)
		default:
			return
		}
	}
}

func (t *Transcriber) discardLocked() {
	if t.sess == nil {
		return
	}
	old := t.sess
	t.sess = nil
	go func() {
		if err := old.Close(); err != nil {
			slog.Debug("stt: close discarded session", "err", err)
		}
		drainSession(old)
	}()
}

func (t *Transcriber) combinedLocked() string {
	parts := t.finals
	if t.partial != "" {
		parts = append(parts[:len(parts):len(parts)], t.partial)
	}
	return strings.Join(parts, " ")
}

// drainSession empties both channels until the provider closes them.
func drainSession(s SessionHandle) {
	go audio.Drain(s.Partials())
	audio.Drain(s.Finals())
}

// Package wake listens to the idle audio stream for a spoken activation
// phrase. Only frames classified as speech reach the transcription engine;
// every frame, speech or not, enters a rolling pre-roll buffer so the moments
// before the phrase can be handed to segment capture.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Classifier labels a frame as speech or not. An error is fatal to the
// listening loop.
type Classifier interface {
	IsSpeech(f audio.Frame) (bool, error)
}

// Transcriber is the running transcription engine the detector feeds.
// *stt.Transcriber satisfies it.
type Transcriber interface {
	AcceptAudio(ctx context.Context, pcm []byte) (string, error)
	Poll() (string, bool)
	Reset()
}

// Config controls the detector's buffering and recovery behaviour.
type Config struct {
	// FrameDuration is the length of every frame fed to Process.
	FrameDuration time.Duration

	// PreRoll is how much audio before the activation is kept.
	PreRoll time.Duration

	// ResetAfterSilence resets the transcriber once this much non-speech has
	// followed forwarded speech without a match. Zero disables the reset.
	ResetAfterSilence time.Duration

	// MaxConsecutiveErrors is the number of back-to-back transcription
	// failures after which a transcription_degraded event is emitted.
	// Default: 20.
	MaxConsecutiveErrors int
}

// Activation is the value produced when a wake phrase is heard.
type Activation struct {
	// PreRoll is a copy of the rolling buffer at the activation instant,
	// oldest frame first.
	PreRoll []audio.LabeledFrame

	// Phrase is the configured variant that matched.
	Phrase string

	// Transcript is the running text that contained the phrase.
	Transcript string

	// Score is the match score in [threshold, 1].
	Score float64

	// At is the capture timestamp of the frame that completed the match.
	At time.Duration
}

// Option is a functional option for [NewDetector].
type Option func(*Detector)

// WithEvents sets the sink for transcription_degraded events.
func WithEvents(s events.Sink) Option {
	return func(d *Detector) { d.events = s }
}

// Detector is the per-frame wake word state machine. Process must be called
// from a single goroutine; SetMatcher may be called from any goroutine.
type Detector struct {
	cfg     Config
	vad     Classifier
	tr      Transcriber
	matcher atomic.Pointer[Matcher]
	events  events.Sink

	ring        *audio.Ring[audio.LabeledFrame]
	heardSpeech bool
	silence     time.Duration
	errRun      int
	degraded    bool
}

// NewDetector returns a detector listening for m's phrases.
func NewDetector(cfg Config, vad Classifier, tr Transcriber, m *Matcher, opts ...Option) (*Detector, error) {
	if cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("wake: frame duration must be positive")
	}
	if cfg.PreRoll < 0 {
		return nil, fmt.Errorf("wake: pre-roll must not be negative")
	}
	if m == nil {
		return nil, fmt.Errorf("wake: matcher must not be nil")
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 20
	}
	d := &Detector{
		cfg:    cfg,
		vad:    vad,
		tr:     tr,
		events: events.Discard,
		ring:   audio.NewRing[audio.LabeledFrame](audio.FramesFor(cfg.PreRoll, cfg.FrameDuration)),
	}
	d.matcher.Store(m)
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// SetMatcher swaps the phrase set. The next processed frame uses it.
func (d *Detector) SetMatcher(m *Matcher) {
	if m != nil {
		d.matcher.Store(m)
	}
}

// Matcher returns the phrase set in use.
func (d *Detector) Matcher() *Matcher { return d.matcher.Load() }

// PreRollCapacity returns the pre-roll buffer size in frames.
func (d *Detector) PreRollCapacity() int { return d.ring.Cap() }

// Process consumes one normalised frame. It returns a non-nil Activation when
// the running transcript matches a phrase. The only errors are classifier
// failures, which the caller must treat as fatal; transcription errors are
// logged and absorbed.
func (d *Detector) Process(ctx context.Context, f audio.Frame) (*Activation, error) {
	speech, err := d.vad.IsSpeech(f)
	if err != nil {
		return nil, fmt.Errorf("wake: classify frame: %w", err)
	}
	d.ring.Push(audio.LabeledFrame{Frame: f, Speech: speech})

	var (
		text    string
		changed bool
	)
	if speech {
		d.heardSpeech = true
		d.silence = 0
		text, err = d.tr.AcceptAudio(ctx, f.Data)
		if err != nil {
			d.transcriptionFailed(ctx, err)
			return nil, nil
		}
		d.transcriptionRecovered()
		changed = true
	} else {
		// Streaming engines often deliver the last words after the speaker
		// stopped.
		text, changed = d.tr.Poll()
		if d.heardSpeech && !changed {
			d.silence += f.Duration()
			if d.cfg.ResetAfterSilence > 0 && d.silence >= d.cfg.ResetAfterSilence {
				slog.Debug("wake: resetting transcriber after silence",
					"silence", d.silence, "discarded", text)
				d.tr.Reset()
				d.heardSpeech = false
				d.silence = 0
				return nil, nil
			}
		}
	}

	if !changed || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	match, ok := d.matcher.Load().Match(text)
	if !ok {
		return nil, nil
	}

	act := &Activation{
		PreRoll:    d.ring.Snapshot(),
		Phrase:     match.Phrase,
		Transcript: text,
		Score:      match.Score,
		At:         f.Timestamp,
	}
	d.tr.Reset()
	d.heardSpeech = false
	d.silence = 0
	slog.Info("wake phrase detected",
		"phrase", act.Phrase,
		"score", strconv.FormatFloat(act.Score, 'f', 3, 64),
		"transcript", act.Transcript,
		"pre_roll_frames", len(act.PreRoll),
	)
	return act, nil
}

// Reset clears the pre-roll buffer and the transcriber. The session manager
// calls it whenever listening resumes after a conversation, so audio from
// before the conversation never leaks into the next pre-roll.
func (d *Detector) Reset() {
	d.ring.Clear()
	d.tr.Reset()
	d.heardSpeech = false
	d.silence = 0
}

func (d *Detector) transcriptionFailed(ctx context.Context, err error) {
	d.errRun++
	slog.Warn("wake: transcription failed", "err", err, "consecutive", d.errRun)
	if d.errRun >= d.cfg.MaxConsecutiveErrors && !d.degraded {
		d.degraded = true
		slog.Error("wake: transcription engine keeps failing, still listening",
			"consecutive", d.errRun, "err", err)
		d.events.Emit(ctx, events.New(events.KindTranscriptionDegraded, "",
			"stage", "wake",
			"consecutive_errors", strconv.Itoa(d.errRun),
			"err", err.Error(),
		))
	}
}

func (d *Detector) transcriptionRecovered() {
	if d.degraded {
		slog.Info("wake: transcription recovered", "after_errors", d.errRun)
	}
	d.errRun = 0
	d.degraded = false
}

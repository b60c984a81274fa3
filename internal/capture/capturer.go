package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/internal/wake"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Classifier labels a frame as speech or not. An error is fatal.
type Classifier interface {
	IsSpeech(f audio.Frame) (bool, error)
}

// Transcriber is the engine that renders the segment as text.
// *stt.Transcriber satisfies it.
type Transcriber interface {
	Reset()
	AcceptAudio(ctx context.Context, pcm []byte) (string, error)
	Finalize(ctx context.Context) (string, error)
	CombinedText() string
}

// Config holds the segmentation parameters.
type Config struct {
	FrameDuration time.Duration

	// Silence is the run of non-speech that ends the utterance.
	Silence time.Duration

	// MinSpeechFrames must be reached before silence may end the segment.
	MinSpeechFrames int

	// TailPadding is extra audio drained after the silence decision.
	TailPadding time.Duration

	// MaxSegment caps the total segment length, pre-roll included.
	MaxSegment time.Duration

	// Grace protects the start of capture: silence inside it never ends the
	// segment.
	Grace time.Duration

	// FinalizeTimeout bounds the wait for the final transcript.
	// Default: 5s.
	FinalizeTimeout time.Duration
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("capture: frame duration must be positive"))
	}
	if c.Silence <= 0 {
		errs = append(errs, fmt.Errorf("capture: silence must be positive"))
	}
	if c.MaxSegment <= 0 {
		errs = append(errs, fmt.Errorf("capture: max segment must be positive"))
	}
	if c.MinSpeechFrames < 0 {
		errs = append(errs, fmt.Errorf("capture: min speech frames must not be negative"))
	}
	if c.TailPadding < 0 || c.Grace < 0 {
		errs = append(errs, fmt.Errorf("capture: tail padding and grace must not be negative"))
	}
	return errors.Join(errs...)
}

// Capturer implements segment capture. A Capturer is reused across turns but
// Capture must not be called concurrently.
type Capturer struct {
	cfg  Config
	vad  Classifier
	tr   Transcriber
	exit atomic.Pointer[wake.Matcher]

	silenceFrames int
	tailFrames    int
	maxFrames     int
	graceFrames   int
}

// New validates cfg and returns a Capturer.
func New(cfg Config, vad Classifier, tr Transcriber) (*Capturer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 5 * time.Second
	}
	fd := cfg.FrameDuration
	return &Capturer{
		cfg:           cfg,
		vad:           vad,
		tr:            tr,
		silenceFrames: max(1, audio.FramesAtLeast(cfg.Silence, fd)),
		tailFrames:    audio.FramesAtLeast(cfg.TailPadding, fd),
		maxFrames:     max(1, audio.FramesAtLeast(cfg.MaxSegment, fd)),
		graceFrames:   audio.FramesAtLeast(cfg.Grace, fd),
	}, nil
}

// SetExitPhrases installs the matcher checked against the running transcript.
// Nil disables exit phrase detection.
func (c *Capturer) SetExitPhrases(m *wake.Matcher) { c.exit.Store(m) }

// Config returns the configuration in use.
func (c *Capturer) Config() Config { return c.cfg }

// capture is the state of one Capture call.
type capture struct {
	seg        Segment
	live       int
	silentRun  int
	exitPhrase bool
	trErrs     int
}

// Capture records one segment. It blocks until the segment seals:
//
//   - sustained silence after enough speech (then tail padding is drained),
//   - the MaxSegment ceiling,
//   - stop being closed, an exit phrase, or frames being closed (manual).
//
// A cancelled ctx seals the segment as manual and returns ctx's error. The
// only other error is a classifier failure.
func (c *Capturer) Capture(ctx context.Context, preRoll []audio.LabeledFrame, frames <-chan audio.Frame, stop <-chan struct{}) (Segment, error) {
	st := &capture{seg: Segment{
		Frames:        make([]audio.LabeledFrame, 0, len(preRoll)+c.maxFrames),
		PreRollFrames: len(preRoll),
		OnsetOffset:   -1,
	}}

	c.tr.Reset()
	for _, lf := range preRoll {
		c.append(ctx, st, lf)
	}
	if st.exitPhrase {
		return c.seal(ctx, st, ReasonManual), nil
	}
	if len(st.seg.Frames) >= c.maxFrames {
		return c.seal(ctx, st, ReasonMaxDuration), nil
	}

	for {
		f, intr := c.next(ctx, frames, stop)
		switch intr {
		case cancelled:
			return c.seal(ctx, st, ReasonManual), ctx.Err()
		case stopped, closed:
			return c.seal(ctx, st, ReasonManual), nil
		}
		speech, err := c.vad.IsSpeech(f)
		if err != nil {
			return c.seal(ctx, st, ReasonManual), fmt.Errorf("capture: classify frame: %w", err)
		}
		st.live++
		c.append(ctx, st, audio.LabeledFrame{Frame: f, Speech: speech})

		switch {
		case st.exitPhrase:
			return c.seal(ctx, st, ReasonManual), nil
		case len(st.seg.Frames) >= c.maxFrames:
			return c.seal(ctx, st, ReasonMaxDuration), nil
		case c.silenceEnds(st):
			return c.drainTail(ctx, st, frames, stop)
		}
	}
}

// silenceEnds reports whether the silence rule terminates the segment.
func (c *Capturer) silenceEnds(st *capture) bool {
	return st.live >= c.graceFrames &&
		st.seg.SpeechFrameCount >= c.cfg.MinSpeechFrames &&
		st.silentRun >= c.silenceFrames
}

// drainTail appends the tail padding and seals with ReasonSilence, unless the
// ceiling, a stop or an exit phrase interrupts it.
func (c *Capturer) drainTail(ctx context.Context, st *capture, frames <-chan audio.Frame, stop <-chan struct{}) (Segment, error) {
	for range c.tailFrames {
		f, intr := c.next(ctx, frames, stop)
		switch intr {
		case cancelled:
			return c.seal(ctx, st, ReasonManual), ctx.Err()
		case stopped:
			return c.seal(ctx, st, ReasonManual), nil
		case closed:
			// Nothing more to pad with; the silence decision stands.
			return c.seal(ctx, st, ReasonSilence), nil
		}
		speech, err := c.vad.IsSpeech(f)
		if err != nil {
			return c.seal(ctx, st, ReasonManual), fmt.Errorf("capture: classify frame: %w", err)
		}
		st.live++
		c.append(ctx, st, audio.LabeledFrame{Frame: f, Speech: speech})
		if st.exitPhrase {
			return c.seal(ctx, st, ReasonManual), nil
		}
		if len(st.seg.Frames) >= c.maxFrames {
			return c.seal(ctx, st, ReasonMaxDuration), nil
		}
	}
	return c.seal(ctx, st, ReasonSilence), nil
}

type interruption int

const (
	none interruption = iota
	stopped
	closed
	cancelled
)

// next waits for the next live frame. A pending stop wins over a ready frame
// so a manual stop is honoured within one frame period.
func (c *Capturer) next(ctx context.Context, frames <-chan audio.Frame, stop <-chan struct{}) (audio.Frame, interruption) {
	select {
	case <-stop:
		return audio.Frame{}, stopped
	default:
	}
	select {
	case <-ctx.Done():
		return audio.Frame{}, cancelled
	case <-stop:
		return audio.Frame{}, stopped
	case f, ok := <-frames:
		if !ok {
			return audio.Frame{}, closed
		}
		return f, none
	}
}

// append adds lf to the segment, updates the counters and streams it to the
// transcriber.
func (c *Capturer) append(ctx context.Context, st *capture, lf audio.LabeledFrame) {
	if lf.Speech {
		if st.seg.OnsetOffset < 0 {
			st.seg.OnsetOffset = st.seg.Duration()
		}
		st.seg.SpeechFrameCount++
		st.silentRun = 0
	} else {
		st.silentRun++
	}
	st.seg.Frames = append(st.seg.Frames, lf)

	text, err := c.tr.AcceptAudio(ctx, lf.Data)
	if err != nil {
		st.trErrs++
		if st.trErrs == 1 {
			slog.Warn("capture: transcription failed, continuing without live transcript", "err", err)
		} else {
			slog.Debug("capture: transcription failed", "err", err, "count", st.trErrs)
		}
		return
	}
	if m := c.exit.Load(); m != nil && strings.TrimSpace(text) != "" {
		if match, ok := m.Match(text); ok {
			slog.Info("capture: exit phrase heard", "phrase", match.Phrase, "transcript", text)
			st.exitPhrase = true
		}
	}
}

// seal finalizes the transcript and returns the finished segment.
func (c *Capturer) seal(ctx context.Context, st *capture, reason Reason) Segment {
	st.seg.Reason = reason
	st.seg.ExitPhrase = st.exitPhrase

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FinalizeTimeout)
	defer cancel()
	if ctx.Err() != nil {
		// Cancelled captures are discarded by the caller; skip the wait.
		c.tr.Reset()
	} else {
		text, err := c.tr.Finalize(fctx)
		if err != nil {
			slog.Warn("capture: finalize transcript", "err", err)
		}
		st.seg.Transcript = strings.TrimSpace(text)
	}

	slog.Debug("capture: segment sealed",
		"reason", string(reason),
		"frames", len(st.seg.Frames),
		"pre_roll_frames", st.seg.PreRollFrames,
		"speech_frames", st.seg.SpeechFrameCount,
		"duration", st.seg.Duration(),
		"exit_phrase", st.seg.ExitPhrase,
	)
	return st.seg
}

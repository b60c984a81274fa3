package wake_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/events"
	evmock "github.com/MrWong99/earshot/internal/events/mock"
	"github.com/MrWong99/earshot/internal/wake"
	"github.com/MrWong99/earshot/pkg/audio"
	audiomock "github.com/MrWong99/earshot/pkg/audio/mock"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	sttmock "github.com/MrWong99/earshot/pkg/provider/stt/mock"
	"github.com/MrWong99/earshot/pkg/provider/vad"
	vadmock "github.com/MrWong99/earshot/pkg/provider/vad/mock"
)

const (
	rate     = 16000
	frameDur = 20 * time.Millisecond
)

type fixture struct {
	det      *wake.Detector
	provider *sttmock.Provider
	tr       *stt.Transcriber
	rec      *evmock.Recorder
	ts       time.Duration
}

func newFixture(t *testing.T, cfg wake.Config, transcribe func(session, chunks int) string, phrases ...string) *fixture {
	t.Helper()
	if len(phrases) == 0 {
		phrases = []string{"hey earshot", "activate system"}
	}
	classifier, err := vad.NewAdaptive(&vadmock.Engine{}, vad.AdaptiveConfig{
		SampleRate:     rate,
		FrameDuration:  frameDur,
		Aggressiveness: 2,
	})
	if err != nil {
		t.Fatalf("NewAdaptive: %v", err)
	}
	m, err := wake.NewMatcher(phrases, 0.5)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	p := &sttmock.Provider{Transcribe: transcribe}
	tr := stt.NewTranscriber(p, stt.StreamConfig{SampleRate: rate, Channels: 1})
	t.Cleanup(func() { _ = tr.Close() })

	if cfg.FrameDuration == 0 {
		cfg.FrameDuration = frameDur
	}
	rec := &evmock.Recorder{}
	det, err := wake.NewDetector(cfg, classifier, tr, m, wake.WithEvents(rec))
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return &fixture{det: det, provider: p, tr: tr, rec: rec}
}

// feed processes frames in order and returns the first activation.
func (f *fixture) feed(t *testing.T, frames []audio.Frame) *wake.Activation {
	t.Helper()
	for _, fr := range frames {
		fr.Timestamp = f.ts
		f.ts += frameDur
		act, err := f.det.Process(context.Background(), fr)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if act != nil {
			return act
		}
	}
	return nil
}

func speech(n int) []audio.Frame  { return audiomock.Tone(rate, frameDur, 8000, n) }
func silence(n int) []audio.Frame { return audiomock.Silence(rate, frameDur, n) }

func TestNewDetector_Validation(t *testing.T) {
	t.Parallel()

	m, _ := wake.NewMatcher([]string{"hey"}, 0)
	if _, err := wake.NewDetector(wake.Config{}, nil, nil, m); err == nil {
		t.Error("expected error for zero frame duration")
	}
	if _, err := wake.NewDetector(wake.Config{FrameDuration: frameDur}, nil, nil, nil); err == nil {
		t.Error("expected error for nil matcher")
	}
	if _, err := wake.NewDetector(wake.Config{FrameDuration: frameDur, PreRoll: -time.Second}, nil, nil, m); err == nil {
		t.Error("expected error for negative pre-roll")
	}
}

func TestDetector_ForwardsOnlySpeech(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wake.Config{PreRoll: 600 * time.Millisecond}, nil)
	frames := append(append(silence(3), speech(4)...), silence(2)...)
	if act := f.feed(t, frames); act != nil {
		t.Fatalf("unexpected activation %+v", act)
	}
	sess := f.provider.Last()
	if sess == nil {
		t.Fatal("no transcription session opened")
	}
	if got := sess.ChunkCount(); got != 4 {
		t.Errorf("forwarded %d frames, want 4", got)
	}
}

func TestDetector_ActivatesOnPhrase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wake.Config{PreRoll: 600 * time.Millisecond}, func(session, chunks int) string {
		if session == 0 && chunks >= 5 {
			return "um hey earshot"
		}
		return "um"
	})

	act := f.feed(t, append(silence(10), speech(8)...))
	if act == nil {
		t.Fatal("expected activation")
	}
	if act.Phrase != "hey earshot" || act.Score != 1 {
		t.Errorf("match = %q (%v)", act.Phrase, act.Score)
	}
	if act.Transcript != "um hey earshot" {
		t.Errorf("transcript = %q", act.Transcript)
	}
	if len(act.PreRoll) != 15 {
		t.Fatalf("pre-roll = %d frames, want 15", len(act.PreRoll))
	}
	for i, lf := range act.PreRoll {
		if want := i >= 10; lf.Speech != want {
			t.Errorf("pre-roll[%d].Speech = %v, want %v", i, lf.Speech, want)
		}
		if want := time.Duration(i) * frameDur; lf.Timestamp != want {
			t.Errorf("pre-roll[%d] out of order: ts %v, want %v", i, lf.Timestamp, want)
		}
	}
	if act.At != 14*frameDur {
		t.Errorf("At = %v, want %v", act.At, 14*frameDur)
	}

	// The transcriber was reset: the next speech frame opens a new session.
	if got := f.tr.CombinedText(); got != "" {
		t.Errorf("transcript not reset: %q", got)
	}
	f.feed(t, speech(1))
	if got := len(f.provider.Sessions()); got != 2 {
		t.Errorf("sessions = %d, want 2", got)
	}
}

// A full pre-roll of silence at detection time yields exactly
// round(pre_roll / frame) frames, all flagged non-speech.
func TestDetector_PreRollFullOfSilence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wake.Config{
		PreRoll:           600 * time.Millisecond,
		ResetAfterSilence: 2 * time.Second,
	}, nil)

	if act := f.feed(t, append(speech(5), silence(35)...)); act != nil {
		t.Fatalf("unexpected early activation %+v", act)
	}
	// The engine delivers the phrase only after the speaker stopped.
	f.provider.Last().EmitPartial("please activate system now")

	act := f.feed(t, silence(1))
	if act == nil {
		t.Fatal("expected activation on late transcript")
	}
	if act.Phrase != "activate system" {
		t.Errorf("phrase = %q", act.Phrase)
	}
	want := audio.FramesFor(600*time.Millisecond, frameDur)
	if len(act.PreRoll) != want || want != 30 {
		t.Fatalf("pre-roll = %d frames, want %d", len(act.PreRoll), want)
	}
	var total time.Duration
	for i, lf := range act.PreRoll {
		if lf.Speech {
			t.Errorf("pre-roll[%d] flagged as speech", i)
		}
		total += lf.Duration()
	}
	if total < 600*time.Millisecond-frameDur {
		t.Errorf("pre-roll covers %v, want at least %v", total, 600*time.Millisecond-frameDur)
	}
}

func TestDetector_ResetsTranscriberAfterSilence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wake.Config{
		PreRoll:           200 * time.Millisecond,
		ResetAfterSilence: 100 * time.Millisecond,
	}, func(_, _ int) string { return "some unrelated words" })

	f.feed(t, append(speech(3), silence(4)...))
	if got := f.tr.CombinedText(); got != "some unrelated words" {
		t.Fatalf("transcript = %q before reset window elapsed", got)
	}
	f.feed(t, silence(1))
	if got := f.tr.CombinedText(); got != "" {
		t.Errorf("transcript = %q, want empty after reset", got)
	}
	if f.det.PreRollCapacity() != 10 {
		t.Errorf("pre-roll capacity = %d, want 10", f.det.PreRollCapacity())
	}
}

func TestDetector_TranscriptionErrorsAreAbsorbed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wake.Config{MaxConsecutiveErrors: 3}, nil)
	f.provider.StartStreamErr = errors.New("engine offline")

	if act := f.feed(t, speech(6)); act != nil {
		t.Fatal("unexpected activation")
	}
	degraded := f.rec.OfKind(events.KindTranscriptionDegraded)
	if len(degraded) != 1 {
		t.Fatalf("degraded events = %d, want 1", len(degraded))
	}
	if got := degraded[0].Attr("consecutive_errors"); got != "3" {
		t.Errorf("consecutive_errors = %q, want 3", got)
	}
}

func TestDetector_FrameSizeIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wake.Config{}, nil)
	_, err := f.det.Process(context.Background(), audio.Frame{Data: make([]byte, 100), SampleRate: rate})
	if !errors.Is(err, vad.ErrFrameSize) {
		t.Errorf("err = %v, want ErrFrameSize", err)
	}
}

func TestDetector_SetMatcher(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wake.Config{}, func(_, _ int) string { return "computer" })
	if act := f.feed(t, speech(2)); act != nil {
		t.Fatal("matched before phrase set was changed")
	}

	m, err := wake.NewMatcher([]string{"computer"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.det.SetMatcher(m)
	f.provider.Last().EmitPartial("computer please")
	if act := f.feed(t, silence(1)); act == nil || act.Phrase != "computer" {
		t.Errorf("activation = %+v, want phrase computer", act)
	}
}

func TestDetector_ResetClearsPreRoll(t *testing.T) {
	t.Parallel()

	f := newFixture(t, wake.Config{PreRoll: time.Second}, func(session, chunks int) string {
		if chunks >= 2 {
			return "hey earshot"
		}
		return ""
	})
	f.feed(t, silence(20))
	f.det.Reset()

	act := f.feed(t, append(silence(3), speech(2)...))
	if act == nil {
		t.Fatal("expected activation")
	}
	if len(act.PreRoll) != 5 {
		t.Errorf("pre-roll = %d frames, want 5 after reset", len(act.PreRoll))
	}
}

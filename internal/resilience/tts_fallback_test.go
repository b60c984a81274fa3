package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/earshot/pkg/provider/tts"
	ttsmock "github.com/MrWong99/earshot/pkg/provider/tts/mock"
)

func TestTTSFallback_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Synthesizer{}
	secondary := &ttsmock.Synthesizer{}
	rec := &ttsmock.FactoryRecorder{}

	fb := NewTTSFallback(ttsmock.RecordingFactory(primary, rec), "exec", FallbackConfig{})
	fb.AddFallback("exec-backup", ttsmock.Factory(secondary))

	for _, text := range []string{"one", "two"} {
		if err := fb.Speak(context.Background(), text); err != nil {
			t.Fatalf("Speak(%q): %v", text, err)
		}
	}
	if got := primary.SpokenTexts(); !slices.Equal(got, []string{"one", "two"}) {
		t.Fatalf("primary spoke %v", got)
	}
	if rec.Calls() != 1 {
		t.Fatalf("primary factory called %d times, want 1 (lazy, reused)", rec.Calls())
	}
	if len(secondary.SpokenTexts()) != 0 {
		t.Fatal("secondary should not have been used")
	}
}

func TestTTSFallback_Failover(t *testing.T) {
	primary := &ttsmock.Synthesizer{AlwaysErr: errors.New("device busy")}
	secondary := &ttsmock.Synthesizer{}

	fb := NewTTSFallback(ttsmock.Factory(primary), "exec", FallbackConfig{})
	fb.AddFallback("exec-backup", ttsmock.Factory(secondary))

	if err := fb.Speak(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := secondary.SpokenTexts(); !slices.Equal(got, []string{"hello"}) {
		t.Fatalf("secondary spoke %v", got)
	}
	if primary.CloseCallCount != 1 {
		t.Fatalf("failed primary closed %d times, want 1", primary.CloseCallCount)
	}
}

func TestTTSFallback_FactoryErrorFailsOver(t *testing.T) {
	broken := func(context.Context) (tts.Synthesizer, error) { return nil, errors.New("no binary") }
	secondary := &ttsmock.Synthesizer{}

	fb := NewTTSFallback(broken, "exec", FallbackConfig{})
	fb.AddFallback("exec-backup", ttsmock.Factory(secondary))

	if err := fb.Speak(context.Background(), "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(secondary.SpokenTexts()) != 1 {
		t.Fatal("secondary should have spoken")
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	primary := &ttsmock.Synthesizer{AlwaysErr: errors.New("a")}
	fb := NewTTSFallback(ttsmock.Factory(primary), "exec", FallbackConfig{})

	if err := fb.Speak(context.Background(), "hi"); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_CloseAndFactory(t *testing.T) {
	primary := &ttsmock.Synthesizer{}
	rec := &ttsmock.FactoryRecorder{}
	fb := NewTTSFallback(ttsmock.RecordingFactory(primary, rec), "exec", FallbackConfig{})

	s, err := fb.Factory()(context.Background())
	if err != nil || s != tts.Synthesizer(fb) {
		t.Fatalf("Factory() returned %v, %v", s, err)
	}
	if err := fb.Close(); err != nil {
		t.Fatalf("Close before use: %v", err)
	}
	_ = fb.Speak(context.Background(), "a")
	if err := fb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if primary.CloseCallCount != 1 {
		t.Fatalf("primary closed %d times, want 1", primary.CloseCallCount)
	}
	_ = fb.Speak(context.Background(), "b")
	if rec.Calls() != 2 {
		t.Fatalf("factory called %d times, want 2 (recreated after Close)", rec.Calls())
	}
}

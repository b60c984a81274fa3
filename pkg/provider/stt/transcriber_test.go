package stt_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/mock"
)

func countingProvider() *mock.Provider {
	return &mock.Provider{
		Transcribe: func(session, chunks int) string {
			return fmt.Sprintf("s%d c%d", session, chunks)
		},
	}
}

func TestTranscriber_LazyOpenAndRunningText(t *testing.T) {
	t.Parallel()
	p := countingProvider()
	tr := stt.NewTranscriber(p, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	ctx := context.Background()

	if tr.SessionsOpened() != 0 {
		t.Fatal("session opened before first use")
	}
	for i := 1; i <= 3; i++ {
		text, err := tr.AcceptAudio(ctx, make([]byte, 640))
		if err != nil {
			t.Fatalf("AcceptAudio: %v", err)
		}
		if want := fmt.Sprintf("s0 c%d", i); text != want {
			t.Errorf("chunk %d: text = %q, want %q", i, text, want)
		}
	}
	if tr.SessionsOpened() != 1 {
		t.Errorf("SessionsOpened() = %d, want 1", tr.SessionsOpened())
	}
	if err := tr.EnsureReady(ctx); err != nil || tr.SessionsOpened() != 1 {
		t.Errorf("EnsureReady reopened: err=%v opened=%d", err, tr.SessionsOpened())
	}
}

func TestTranscriber_FinalizeReturnsFinalText(t *testing.T) {
	t.Parallel()
	p := countingProvider()
	tr := stt.NewTranscriber(p, stt.StreamConfig{SampleRate: 16000})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for range 4 {
		_, _ = tr.AcceptAudio(ctx, make([]byte, 640))
	}
	text, err := tr.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if text != "s0 c4" {
		t.Errorf("Finalize() = %q, want %q", text, "s0 c4")
	}
	if !p.Last().Closed() {
		t.Error("session not closed by Finalize")
	}
	// Text survives until Reset.
	if got := tr.CombinedText(); got != "s0 c4" {
		t.Errorf("CombinedText() after Finalize = %q", got)
	}
}

func TestTranscriber_ResetDoesNotLeakPriorText(t *testing.T) {
	t.Parallel()
	p := countingProvider()
	tr := stt.NewTranscriber(p, stt.StreamConfig{SampleRate: 16000})
	ctx := context.Background()

	_, _ = tr.AcceptAudio(ctx, make([]byte, 640))
	_, _ = tr.AcceptAudio(ctx, make([]byte, 640))
	first := p.Last()
	// A late result from the old session must not surface after Reset.
	first.EmitPartial("stale words")
	tr.Reset()

	if got := tr.CombinedText(); got != "" {
		t.Fatalf("CombinedText() after Reset = %q, want empty", got)
	}
	text, err := tr.AcceptAudio(ctx, make([]byte, 640))
	if err != nil {
		t.Fatalf("AcceptAudio: %v", err)
	}
	if text != "s1 c1" {
		t.Errorf("text = %q, want %q", text, "s1 c1")
	}
	if tr.SessionsOpened() != 2 {
		t.Errorf("SessionsOpened() = %d, want 2", tr.SessionsOpened())
	}
	deadline := time.Now().Add(time.Second)
	for !first.Closed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !first.Closed() {
		t.Error("discarded session was never closed")
	}
}

func TestTranscriber_FinalsAccumulate(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	tr := stt.NewTranscriber(p, stt.StreamConfig{SampleRate: 16000})
	ctx := context.Background()

	_, _ = tr.AcceptAudio(ctx, make([]byte, 640))
	sess := p.Last()
	sess.EmitFinal("please activate")
	sess.EmitPartial("system")

	text, changed := tr.Poll()
	if !changed {
		t.Error("Poll() reported no change")
	}
	if text != "please activate system" {
		t.Errorf("text = %q", text)
	}
	if _, changed := tr.Poll(); changed {
		t.Error("second Poll() reported a change")
	}
}

func TestTranscriber_SendErrorDropsSession(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	p := &mock.Provider{SendAudioErr: boom}
	tr := stt.NewTranscriber(p, stt.StreamConfig{SampleRate: 16000})
	ctx := context.Background()

	if _, err := tr.AcceptAudio(ctx, make([]byte, 640)); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	_, _ = tr.AcceptAudio(ctx, make([]byte, 640))
	if tr.SessionsOpened() != 2 {
		t.Errorf("SessionsOpened() = %d, want 2 (reopen after failure)", tr.SessionsOpened())
	}
}

func TestTranscriber_StartError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no network")
	tr := stt.NewTranscriber(&mock.Provider{StartStreamErr: boom}, stt.StreamConfig{})
	if err := tr.EnsureReady(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}

func TestTranscriber_Closed(t *testing.T) {
	t.Parallel()
	tr := stt.NewTranscriber(countingProvider(), stt.StreamConfig{})
	_ = tr.Close()
	if _, err := tr.AcceptAudio(context.Background(), nil); !errors.Is(err, stt.ErrTranscriberClosed) {
		t.Errorf("err = %v, want ErrTranscriberClosed", err)
	}
}

func TestTranscriber_SetKeywordsAppliesToNextSession(t *testing.T) {
	t.Parallel()
	p := countingProvider()
	tr := stt.NewTranscriber(p, stt.StreamConfig{Keywords: []stt.KeywordBoost{{Keyword: "old", Boost: 1}}})
	ctx := context.Background()

	_, _ = tr.AcceptAudio(ctx, nil)
	tr.SetKeywords([]stt.KeywordBoost{{Keyword: "new", Boost: 2}})
	if kw := p.Last().Keywords; len(kw) != 1 || kw[0].Keyword != "new" {
		t.Errorf("live session keywords = %+v", kw)
	}
	tr.Reset()
	_, _ = tr.AcceptAudio(ctx, nil)
	calls := p.StartStreamCalls
	if got := calls[len(calls)-1].Cfg.Keywords; len(got) != 1 || got[0].Keyword != "new" {
		t.Errorf("next session keywords = %+v", got)
	}
}

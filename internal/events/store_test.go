package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, cfg StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "data", "events.db")
	}
	s, err := OpenStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return s
}

func TestStore_AppendAndList(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, StoreConfig{})
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	base := time.Now()
	in := []Event{
		{Kind: KindSessionStart, SessionID: "a", Time: base},
		{Kind: KindStateChange, SessionID: "a", Time: base.Add(time.Second), Attrs: map[string]string{"from": "idle", "to": "recording"}},
		{Kind: KindSessionStart, SessionID: "b", Time: base},
	}
	for _, e := range in {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.ListSession(ctx, "a", 0)
	if err != nil {
		t.Fatalf("ListSession: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Kind != KindSessionStart || got[1].Kind != KindStateChange {
		t.Errorf("order = %v, %v", got[0].Kind, got[1].Kind)
	}
	if got[1].Attr("to") != "recording" {
		t.Errorf("attrs = %v", got[1].Attrs)
	}
	if !got[1].Time.Equal(in[1].Time) {
		t.Errorf("time = %v, want %v", got[1].Time, in[1].Time)
	}
}

func TestStore_EmitFlushedOnClose(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.db")
	s := openTestStore(t, StoreConfig{Path: path})
	for range 10 {
		s.Emit(context.Background(), New(KindActivation, "x", "phrase", "hey"))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Emit after close is a no-op.
	s.Emit(context.Background(), New(KindActivation, "x"))

	s2 := openTestStore(t, StoreConfig{Path: path})
	t.Cleanup(func() { _ = s2.Close() })
	got, err := s2.ListSession(context.Background(), "x", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Errorf("got %d events, want 10", len(got))
	}
}

func TestStore_Prune(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, StoreConfig{RetentionDays: 7})
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	now := time.Now()
	_ = s.Append(ctx, Event{Kind: KindSessionEnd, SessionID: "p", Time: now.Add(-8 * 24 * time.Hour)})
	_ = s.Append(ctx, Event{Kind: KindSessionEnd, SessionID: "p", Time: now.Add(-6 * 24 * time.Hour)})

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	got, err := s.ListSession(ctx, "p", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("got %d events after prune, want 1", len(got))
	}
}

func TestOpenStore_EmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := OpenStore(context.Background(), StoreConfig{}); err == nil {
		t.Error("expected error for empty path")
	}
}

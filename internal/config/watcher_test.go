package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
)

const watcherUpdatedYAML = `
log_level: debug
wake:
  phrases: ["hey jarvis", "ok jarvis"]
providers:
  stt:
    name: whisper-native
    model: /models/ggml-base.en.bin
  tts:
    name: exec
  reply:
    name: openai
reply:
  error_text: "Sorry."
`

const watcherInvalidYAML = `
log_level: bananas
`

// writeFile writes content and pushes the mtime forward so coarse filesystem
// timestamps still register the change.
func writeFile(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	if bump > 0 {
		ts := time.Now().Add(bump)
		if err := os.Chtimes(path, ts, ts); err != nil {
			t.Fatalf("failed to touch file: %v", err)
		}
	}
}

// startWatcher creates a watcher over a fresh minimal config and runs it
// until the test ends.
func startWatcher(t *testing.T, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "earshot.yaml")
	writeFile(t, path, minimalYAML, 0)

	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	w, _ := startWatcher(t, nil)
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotOld, gotNew *config.Config
	called := make(chan struct{}, 1)

	w, path := startWatcher(t, func(old, new *config.Config) {
		mu.Lock()
		gotOld, gotNew = old, new
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	})

	writeFile(t, path, watcherUpdatedYAML, 2*time.Second)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOld == nil || gotNew == nil {
		t.Fatal("callback received nil configs")
	}
	d := config.Diff(gotOld, gotNew)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff: %+v", d)
	}
	if !d.WakeChanged {
		t.Error("wake phrases change not detected")
	}
	if cur := w.Current(); cur.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q, want %q", cur.LogLevel, config.LogDebug)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	w, path := startWatcher(t, func(old, new *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	writeFile(t, path, watcherInvalidYAML, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for w.Rejected() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if w.Rejected() == 0 {
		t.Fatal("invalid revision was never rejected")
	}

	// A few more ticks must not reject the same revision again.
	time.Sleep(100 * time.Millisecond)
	if got := w.Rejected(); got != 1 {
		t.Errorf("Rejected() = %d, want 1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if cur := w.Current(); cur.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	_, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, watcherInvalidYAML, 0)
	_, err = config.NewWatcher(path, nil)
	if err == nil || !strings.Contains(err.Error(), "initial load") {
		t.Fatalf("expected initial load error, got %v", err)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	_, path := startWatcher(t, func(old, new *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	ts := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", calls)
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "earshot.yaml")
	writeFile(t, path, minimalYAML, 0)
	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run after cancel: got %v, want nil", err)
	}
}

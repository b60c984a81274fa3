package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/events"
	eventsmock "github.com/MrWong99/earshot/internal/events/mock"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/audio"
	audiomock "github.com/MrWong99/earshot/pkg/audio/mock"
	"github.com/MrWong99/earshot/pkg/provider/reply"
	replymock "github.com/MrWong99/earshot/pkg/provider/reply/mock"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	sttmock "github.com/MrWong99/earshot/pkg/provider/stt/mock"
	"github.com/MrWong99/earshot/pkg/provider/tts"
	ttsmock "github.com/MrWong99/earshot/pkg/provider/tts/mock"
	"github.com/MrWong99/earshot/pkg/provider/vad"
	vadmock "github.com/MrWong99/earshot/pkg/provider/vad/mock"
)

const testYAML = `
wake:
  phrases: ["hey jarvis"]
followup:
  exit_phrases: ["goodbye"]
providers:
  stt:
    name: mock
  tts:
    name: mock
  reply:
    name: mock
reply:
  error_text: "Sorry."
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("test config rejected: %v", err)
	}
	return cfg
}

type fixture struct {
	src       *audiomock.Source
	stt       *sttmock.Provider
	synth     *ttsmock.Synthesizer
	backend   *replymock.Backend
	providers *app.Providers
}

func newFixture(cfg *config.Config) *fixture {
	fx := &fixture{
		src:     audiomock.NewSource(cfg.Audio.SampleRateHz, cfg.Audio.FrameDuration()),
		stt:     &sttmock.Provider{},
		synth:   &ttsmock.Synthesizer{},
		backend: &replymock.Backend{Replies: []string{"hello there"}},
	}
	fx.providers = &app.Providers{
		STT:   fx.stt,
		TTS:   ttsmock.Factory(fx.synth),
		Reply: fx.backend,
		VAD:   &vadmock.Engine{},
		Open: func(context.Context) (audio.Source, error) {
			return fx.src, nil
		},
		STTName:   "mock",
		TTSName:   "mock",
		ReplyName: "mock",
	}
	return fx
}

func newApp(t *testing.T, cfg *config.Config, fx *fixture, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, fx.providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

// runApp runs a until the test ends and returns a channel with Run's result.
func runApp(t *testing.T, a *app.App) (cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*app.Providers)
		wantErr string
	}{
		{"stt", func(p *app.Providers) { p.STT = nil }, "stt provider"},
		{"tts", func(p *app.Providers) { p.TTS = nil }, "tts factory"},
		{"reply", func(p *app.Providers) { p.Reply = nil }, "reply backend"},
		{"vad", func(p *app.Providers) { p.VAD = nil }, "vad engine"},
		{"opener", func(p *app.Providers) { p.Open = nil }, "audio opener"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			fx := newFixture(cfg)
			tt.mutate(fx.providers)
			_, err := app.New(context.Background(), cfg, fx.providers)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}

	cfg := testConfig(t)
	if _, err := app.New(context.Background(), cfg, nil); err == nil {
		t.Error("expected error for nil providers")
	}
}

func TestNew_VADEngineFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	fx := newFixture(cfg)
	fx.providers.VAD = &vadmock.Engine{NewSessionErr: errors.New("no engine")}
	_, err := app.New(context.Background(), cfg, fx.providers)
	if err == nil || !strings.Contains(err.Error(), "init listeners") {
		t.Fatalf("expected listener init error, got %v", err)
	}
}

func TestApp_TriggerAndStop(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Events.StorePath = filepath.Join(t.TempDir(), "events.db")
	fx := newFixture(cfg)
	rec := &eventsmock.Recorder{}
	a := newApp(t, cfg, fx, app.WithEventSink(rec))

	cancel, done := runApp(t, a)

	if err := a.Trigger(); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "session start", func() bool { return rec.Count(events.KindSessionStart) == 1 })

	if a.Status().SessionID == "" {
		t.Error("status should report the running session")
	}
	if err := a.Trigger(); err == nil {
		t.Error("second Trigger during a conversation should fail")
	}

	if !a.StopConversation() {
		t.Fatal("StopConversation reported no running conversation")
	}
	waitFor(t, "session end", func() bool { return rec.Count(events.KindSessionEnd) == 1 })
	waitFor(t, "idle", func() bool { return a.Status().State == "idle" })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	fx := newFixture(cfg)
	lv := new(slog.LevelVar)
	a := newApp(t, cfg, fx, app.WithLevelVar(lv))

	next := testConfig(t)
	next.LogLevel = config.LogDebug
	next.Wake.Phrases = []string{"hey jarvis", "ok jarvis"}
	next.Followup.ExitPhrases = nil
	next.Segment.SilenceMs = 1200 // restart only

	if err := a.ApplyConfig(next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level: got %v, want debug", lv.Level())
	}

	// A revision the matcher rejects leaves the previous one in place and
	// is retried on the next call.
	broken := testConfig(t)
	broken.LogLevel = config.LogDebug
	broken.Wake.Phrases = nil
	if err := a.ApplyConfig(broken); err == nil {
		t.Fatal("expected error for empty wake phrases")
	}
	if err := a.ApplyConfig(broken); err == nil {
		t.Error("rejected revision should not become the live config")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestApp_Handler(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	fx := newFixture(cfg)
	a := newApp(t, cfg, fx)
	h := a.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	if rr := get("/healthz"); rr.Code != http.StatusOK {
		t.Errorf("/healthz: got %d, want 200", rr.Code)
	}

	// Nothing is running and the VAD has not calibrated yet.
	rr := get("/readyz")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz: got %d, want 503", rr.Code)
	}
	for _, name := range []string{`"vad"`, `"capture"`} {
		if !strings.Contains(rr.Body.String(), name) {
			t.Errorf("/readyz body should list %s: %s", name, rr.Body.String())
		}
	}

	rr = get("/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("/status: got %d, want 200", rr.Code)
	}
	var st app.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State != "idle" {
		t.Errorf("state: got %q, want idle", st.State)
	}
	if st.Calibrated {
		t.Error("vad should not be calibrated before any audio")
	}

	if rr := get("/metrics"); rr.Code != http.StatusOK {
		t.Errorf("/metrics: got %d, want 200", rr.Code)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	primary := &replymock.Backend{Err: errors.New("primary down")}
	backup := &replymock.Backend{Replies: []string{"from backup"}}

	reg := config.NewRegistry()
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Factory, error) {
		return ttsmock.Factory(&ttsmock.Synthesizer{}), nil
	})
	reg.RegisterReply("mock", func(e config.ProviderEntry) (reply.Backend, error) {
		if e.Model == "backup" {
			return backup, nil
		}
		return primary, nil
	})
	reg.RegisterVAD("webrtc", func() (vad.Engine, error) { return &vadmock.Engine{}, nil })
	src := audiomock.NewSource(16000, 20*time.Millisecond)
	reg.RegisterSource("malgo", func(config.AudioConfig) (audio.Source, error) { return src, nil })

	cfg := testConfig(t)
	cfg.Providers.ReplyFallbacks = []config.ProviderEntry{{Name: "mock", Model: "backup"}}

	p, err := app.BuildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if _, ok := p.Reply.(*resilience.ReplyFallback); !ok {
		t.Fatalf("reply backend should be a fallback group, got %T", p.Reply)
	}
	if _, ok := p.STT.(*sttmock.Provider); !ok {
		t.Errorf("stt without fallbacks should be the primary, got %T", p.STT)
	}

	got, err := p.Reply.Reply(context.Background(), reply.Request{Transcript: "hi"})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "from backup" {
		t.Errorf("Reply: got %q, want %q", got, "from backup")
	}

	opened, err := p.Open(context.Background())
	if err != nil || opened != src {
		t.Errorf("Open: got %v, %v", opened, err)
	}

	cfg.Providers.TTSFallbacks = []config.ProviderEntry{{Name: "piper"}}
	if _, err := app.BuildProviders(cfg, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unregistered fallback: got %v, want ErrProviderNotRegistered", err)
	}
}

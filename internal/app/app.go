// Package app wires the earshot subsystems into a running listener.
//
// New builds every component from the configuration and the providers that
// main.go created through the registry. Run supervises the capture pump, the
// conversation manager, the event-log pruner and the telemetry endpoint with
// an errgroup. ApplyConfig applies a hot-reloaded configuration.
//
// For tests, inject doubles through [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/internal/speech"
	"github.com/MrWong99/earshot/internal/wake"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/agc"
	"github.com/MrWong99/earshot/pkg/provider/reply"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/tts"
	"github.com/MrWong99/earshot/pkg/provider/vad"
)

const (
	// followupLevel is the fixed aggressiveness of the follow-up classifier,
	// stricter than anything calibration picks for a quiet room.
	followupLevel = 3

	// captureMaxAge is how long the pump may go without a frame before the
	// readiness check fails.
	captureMaxAge = 3 * time.Second

	pruneInterval = time.Hour
)

// Providers holds the external services. All fields are required.
type Providers struct {
	STT   stt.Provider
	TTS   tts.Factory
	Reply reply.Backend
	VAD   vad.Engine
	Open  pipeline.Opener

	// Names are used for metrics labels and logging.
	STTName, TTSName, ReplyName string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	level    *slog.LevelVar
	sinks    []events.Sink
	store    *events.Store
	sink     events.Sink
	listener net.Listener

	hub         *pipeline.Hub
	gate        *audio.Gate
	pump        *pipeline.Pump
	classifier  *vad.Adaptive
	followVAD   *vad.Adaptive
	transcriber *stt.Transcriber
	detector    *wake.Detector
	capturer    *capture.Capturer
	voice       *speech.Voice
	manager     *session.Manager

	// reloadMu serialises ApplyConfig.
	reloadMu sync.Mutex
	live     *config.Config

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics replaces the global-provider metrics, e.g. with a manual reader
// in tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets ApplyConfig change the level of the process logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithEventSink adds a sink that receives every event next to the log,
// metrics and store sinks.
func WithEventSink(s events.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s) }
}

// WithListener serves telemetry on l instead of listening on
// cfg.Telemetry.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing runs until
// [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := providers.validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, providers: providers, live: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Event sinks ───────────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 2. Capture pipeline ──────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 3. Listening stages ──────────────────────────────────────────────
	if err := a.initListeners(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init listeners: %w", err)
	}

	// ── 4. Conversation manager ──────────────────────────────────────────
	if err := a.initManager(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session manager: %w", err)
	}
	return a, nil
}

func (p *Providers) validate() error {
	switch {
	case p == nil:
		return errors.New("app: providers are required")
	case p.STT == nil:
		return errors.New("app: stt provider is required")
	case p.TTS == nil:
		return errors.New("app: tts factory is required")
	case p.Reply == nil:
		return errors.New("app: reply backend is required")
	case p.VAD == nil:
		return errors.New("app: vad engine is required")
	case p.Open == nil:
		return errors.New("app: audio opener is required")
	}
	return nil
}

// initEvents builds the fan-out of log, metrics, store and injected sinks.
func (a *App) initEvents(ctx context.Context) error {
	fan := events.Fanout{events.LogSink{}, events.MetricsSink{Metrics: a.metrics}}
	if path := a.cfg.Events.StorePath; path != "" {
		store, err := events.OpenStore(ctx, events.StoreConfig{
			Path:          path,
			RetentionDays: a.cfg.Events.RetentionDays,
		})
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
		fan = append(fan, store)
	}
	fan = append(fan, a.sinks...)
	a.sink = fan
	return nil
}

func (a *App) initPipeline() error {
	ac := a.cfg.AGC
	norm, err := agc.New(agc.Config{
		TargetRMS:    ac.TargetRMS,
		MinGain:      ac.MinGain,
		MaxGain:      ac.MaxGain,
		AttackRate:   ac.AttackRate,
		ReleaseRate:  ac.ReleaseRate,
		SilenceFloor: ac.SilenceFloorRMS,
	})
	if err != nil {
		return err
	}

	a.hub = pipeline.NewHub(a.metrics)
	a.gate = audio.NewGate()
	a.pump, err = pipeline.NewPump(pipeline.PumpConfig{
		Open:    a.providers.Open,
		Gate:    a.gate,
		AGC:     norm,
		Hub:     a.hub,
		Metrics: a.metrics,
	})
	return err
}

func (a *App) initListeners() error {
	cfg := a.cfg
	frame := cfg.Audio.FrameDuration()

	level, err := cfg.VAD.Aggressiveness.Level()
	if err != nil {
		return err
	}
	a.classifier, err = vad.NewAdaptive(a.providers.VAD, vad.AdaptiveConfig{
		SampleRate:     cfg.Audio.SampleRateHz,
		FrameDuration:  frame,
		Aggressiveness: level,
		Calibration:    time.Duration(cfg.VAD.CalibrationMs) * time.Millisecond,
		QuietRMS:       cfg.VAD.QuietRMS,
		NoisyRMS:       cfg.VAD.NoisyRMS,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.classifier.Close)

	a.followVAD, err = vad.NewAdaptive(a.providers.VAD, vad.AdaptiveConfig{
		SampleRate:     cfg.Audio.SampleRateHz,
		FrameDuration:  frame,
		Aggressiveness: followupLevel,
		QuietRMS:       cfg.VAD.QuietRMS,
		NoisyRMS:       cfg.VAD.NoisyRMS,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.followVAD.Close)

	// One transcriber serves wake detection and capture; both run on the
	// manager goroutine and capture resets it before use.
	a.transcriber = stt.NewTranscriber(a.providers.STT, stt.StreamConfig{
		SampleRate: cfg.Audio.SampleRateHz,
		Channels:   1,
		Language:   a.cfg.Providers.STT.Option("language"),
		Keywords:   keywords(cfg),
	})
	a.closers = append(a.closers, a.transcriber.Close)

	wakeMatcher, err := wake.NewMatcher(cfg.Wake.Phrases, cfg.Wake.Sensitivity)
	if err != nil {
		return err
	}
	a.detector, err = wake.NewDetector(wake.Config{
		FrameDuration:        frame,
		PreRoll:              cfg.Wake.PreRoll(),
		ResetAfterSilence:    cfg.Wake.ResetAfterSilence(),
		MaxConsecutiveErrors: cfg.Wake.MaxConsecutiveErrors,
	}, a.classifier, a.transcriber, wakeMatcher, wake.WithEvents(a.sink))
	if err != nil {
		return err
	}

	a.capturer, err = capture.New(capture.Config{
		FrameDuration:   frame,
		Silence:         cfg.Segment.Silence(),
		MinSpeechFrames: cfg.Segment.MinSpeechFrames,
		TailPadding:     cfg.Segment.TailPadding(),
		MaxSegment:      cfg.Segment.MaxSegment(),
		Grace:           cfg.Segment.GracePeriod(),
	}, a.classifier, a.transcriber)
	if err != nil {
		return err
	}
	exit, err := exitMatcher(cfg)
	if err != nil {
		return err
	}
	a.capturer.SetExitPhrases(exit)
	return nil
}

func (a *App) initManager() error {
	cfg := a.cfg
	follow, err := session.NewFollowup(session.FollowupConfig{
		Timeout:              cfg.Followup.Timeout(),
		Cooldown:             cfg.Followup.Cooldown(),
		RequiredSpeechFrames: cfg.Followup.RequiredSpeechFrames,
	}, a.followVAD)
	if err != nil {
		return err
	}

	a.voice = speech.NewVoice(a.providers.TTS,
		speech.WithMetrics(a.metrics),
		speech.WithProviderName(a.providers.TTSName),
	)
	a.closers = append(a.closers, a.voice.Close)
	arbiter := speech.NewArbiter(a.gate, a.voice, cfg.Speech.UnmuteGrace(), a.sink)

	a.manager, err = session.New(session.Config{
		SystemPrompt:  cfg.Reply.SystemPrompt,
		ErrorText:     cfg.Reply.ErrorText,
		ReplyTimeout:  cfg.Reply.Timeout(),
		HistoryTokens: cfg.Reply.HistoryTokens,
	}, session.Deps{
		Hub:      a.hub,
		Wake:     a.detector,
		Capture:  a.capturer,
		Followup: follow,
		Backend:  a.providers.Reply,
		Speaker:  arbiter,
		Events:   a.sink,
		Metrics:  a.metrics,
	})
	return err
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every long-running component and blocks until ctx is cancelled
// or one of them fails. A clean cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	// Warm the providers up front so the first activation is not slowed by a
	// connection handshake. Failures are retried lazily.
	if err := a.transcriber.EnsureReady(ctx); err != nil {
		slog.Warn("app: transcription provider not ready yet", "provider", a.providers.STTName, "err", err)
	}
	if err := a.voice.EnsureReady(ctx); err != nil {
		slog.Warn("app: speech synthesizer not ready yet", "provider", a.providers.TTSName, "err", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.pump.Run(ctx) })
	g.Go(func() error {
		err := a.manager.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if a.store != nil && a.cfg.Events.RetentionDays > 0 {
		g.Go(func() error { return a.store.RunPruner(ctx, pruneInterval) })
	}
	if a.listener != nil || a.cfg.Telemetry.ListenAddr != "" {
		g.Go(func() error { return a.serve(ctx) })
	}

	slog.Info("earshot listening",
		"wake_phrases", a.cfg.Wake.Phrases,
		"sample_rate_hz", a.cfg.Audio.SampleRateHz,
		"frame_ms", a.cfg.Audio.FrameDurationMs,
	)
	err := g.Wait()
	a.hub.Close()
	return err
}

// serve runs the telemetry endpoint until ctx is cancelled.
func (a *App) serve(ctx context.Context) error {
	l := a.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", a.cfg.Telemetry.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: telemetry listen: %w", err)
		}
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	slog.Info("telemetry endpoint listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: telemetry server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Handler returns the telemetry mux: /metrics, /healthz, /readyz and
// /status, wrapped in the tracing middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Calibration(a.classifier),
		health.Capture(a.pump, captureMaxAge),
	).WithStatus(func() any { return a.Status() }).Register(mux)
	return observe.Middleware(a.metrics, slog.Default())(mux)
}

// Status is the JSON snapshot served on /status.
type Status struct {
	State         string              `json:"state"`
	SessionID     string              `json:"session_id,omitempty"`
	Turn          int                 `json:"turn"`
	Exchanges     int                 `json:"exchanges"`
	Capture       pipeline.PumpStatus `json:"capture"`
	Hub           pipeline.HubStats   `json:"hub"`
	VADLevel      int                 `json:"vad_level"`
	NoiseFloor    float64             `json:"noise_floor_rms"`
	Calibrated    bool                `json:"vad_calibrated"`
	VoiceInits    int                 `json:"voice_inits"`
	EventsDropped int64               `json:"events_dropped"`
}

// Status returns a snapshot of the listener.
func (a *App) Status() Status {
	s := Status{
		State:      a.manager.State().String(),
		Capture:    a.pump.Status(),
		Hub:        a.hub.Stats(),
		VADLevel:   a.classifier.Level(),
		NoiseFloor: a.classifier.NoiseFloor(),
		Calibrated: a.classifier.Calibrated(),
		VoiceInits: a.voice.Inits(),
	}
	if c, ok := a.manager.Conversation(); ok && c.Active() {
		s.SessionID = c.ID
		s.Turn = c.TurnIndex
		s.Exchanges = len(c.History)
	}
	if a.store != nil {
		s.EventsDropped = a.store.Dropped()
	}
	return s
}

// Trigger starts a conversation without a wake phrase.
func (a *App) Trigger() error { return a.manager.Trigger() }

// StopConversation ends the running conversation. It reports whether one was
// running.
func (a *App) StopConversation() bool { return a.manager.Stop() }

// Manager exposes the conversation state machine.
func (a *App) Manager() *session.Manager { return a.manager }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next: wake phrases,
// sensitivity, exit phrases and the log level. Other changes are logged and
// take effect after a restart.
func (a *App) ApplyConfig(next *config.Config) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(a.live, next)
	if d.Empty() {
		return nil
	}

	var errs []error
	if d.WakeChanged {
		m, err := wake.NewMatcher(next.Wake.Phrases, next.Wake.Sensitivity)
		if err != nil {
			errs = append(errs, err)
		} else {
			a.detector.SetMatcher(m)
			slog.Info("wake phrases reloaded", "phrases", next.Wake.Phrases, "sensitivity", next.Wake.Sensitivity)
		}
	}
	if d.WakeChanged || d.ExitPhrasesChanged {
		m, err := exitMatcher(next)
		if err != nil {
			errs = append(errs, err)
		} else {
			a.capturer.SetExitPhrases(m)
		}
		a.transcriber.SetKeywords(keywords(next))
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart to take effect",
			"sections", strings.Join(d.RestartRequired, ","))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: apply config: %w", err)
	}
	a.live = next
	return nil
}

// SlogLevel maps a configured level onto slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// exitMatcher builds the exit phrase matcher, or nil when none are set.
func exitMatcher(cfg *config.Config) (*wake.Matcher, error) {
	if len(cfg.Followup.ExitPhrases) == 0 {
		return nil, nil
	}
	return wake.NewMatcher(cfg.Followup.ExitPhrases, cfg.Wake.Sensitivity)
}

// keywords boosts the wake and exit phrases in the transcription engine.
func keywords(cfg *config.Config) []stt.KeywordBoost {
	var out []stt.KeywordBoost
	for _, p := range cfg.Wake.Phrases {
		out = append(out, stt.KeywordBoost{Keyword: p, Boost: 2})
	}
	for _, p := range cfg.Followup.ExitPhrases {
		out = append(out, stt.KeywordBoost{Keyword: p, Boost: 1})
	}
	return out
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the providers, classifiers and the event store. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New managed to create before failing.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// Command earshot is a hands-free voice front-end: it listens for a wake
// phrase, records what follows, asks a reply backend and speaks the answer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/malgo"
	"github.com/MrWong99/earshot/pkg/provider/reply"
	"github.com/MrWong99/earshot/pkg/provider/reply/anyllm"
	"github.com/MrWong99/earshot/pkg/provider/reply/openai"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/deepgram"
	"github.com/MrWong99/earshot/pkg/provider/stt/whisper"
	"github.com/MrWong99/earshot/pkg/provider/tts"
	ttsexec "github.com/MrWong99/earshot/pkg/provider/tts/exec"
	"github.com/MrWong99/earshot/pkg/provider/vad"
	"github.com/MrWong99/earshot/pkg/provider/vad/webrtc"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "earshot.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available capture devices and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher performs the initial load; Run later polls for edits.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		if application == nil {
			return
		}
		if err := application.ApplyConfig(next); err != nil {
			slog.Error("config reload rejected", "err", err)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		AudioSource:    cfg.Audio.Source,
		STTProvider:    cfg.Providers.STT.Name,
		VADEngine:      cfg.VAD.Engine,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, providers, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		handleControlSignals(gctx, application)
		return nil
	})

	slog.Info("ready, say one of the wake phrases or send SIGUSR1", "phrases", cfg.Wake.Phrases)

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// handleControlSignals maps SIGUSR1 to a manual activation and SIGUSR2 to
// ending the running conversation until ctx is done.
func handleControlSignals(ctx context.Context, a *app.App) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			switch sig {
			case syscall.SIGUSR1:
				if err := a.Trigger(); err != nil {
					slog.Info("manual trigger ignored", "err", err)
				}
			case syscall.SIGUSR2:
				if !a.StopConversation() {
					slog.Info("stop ignored, no conversation running")
				}
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.Option("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if ms := optInt(entry, "silence_threshold_ms"); ms > 0 {
			opts = append(opts, whisper.WithNativeSilenceThresholdMs(ms))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("exec", func(entry config.ProviderEntry) (tts.Factory, error) {
		command := entry.Option("command")
		if command == "" {
			return nil, errors.New("tts exec: options.command is required")
		}
		var opts []ttsexec.Option
		if voice := entry.Option("voice"); voice != "" {
			opts = append(opts, ttsexec.WithVoice(voice))
		}
		// Parse once up front so a broken command fails at startup.
		if _, err := ttsexec.New(command, opts...); err != nil {
			return nil, err
		}
		return ttsexec.Factory(command, opts...), nil
	})

	// ── Reply ─────────────────────────────────────────────────────────────────

	reg.RegisterReply("openai", func(entry config.ProviderEntry) (reply.Backend, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if n := optInt(entry, "max_tokens"); n > 0 {
			opts = append(opts, openai.WithMaxTokens(n))
		}
		key := entry.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return openai.New(key, entry.Model, opts...)
	})

	// anyllm reaches the other vendors; options.vendor picks which one.
	reg.RegisterReply("anyllm", func(entry config.ProviderEntry) (reply.Backend, error) {
		vendor := entry.Option("vendor")
		if vendor == "" {
			return nil, errors.New("anyllm: options.vendor is required")
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		b, err := anyllm.New(vendor, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		if n := optInt(entry, "max_tokens"); n > 0 {
			b = b.WithMaxTokens(n)
		}
		return b, nil
	})

	// ── VAD and capture ───────────────────────────────────────────────────────

	reg.RegisterVAD("webrtc", func() (vad.Engine, error) {
		return webrtc.New(), nil
	})

	reg.RegisterSource("malgo", func(ac config.AudioConfig) (audio.Source, error) {
		return malgo.New(malgo.Config{
			Device:        ac.Device,
			SampleRate:    ac.SampleRateHz,
			FrameDuration: ac.FrameDuration(),
			Channels:      ac.Channels,
			BufferFrames:  ac.BufferFrames,
		})
	})

	for _, kind := range []string{"stt", "tts", "reply", "vad", "source"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         earshot: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Reply", cfg.Providers.Reply.Name, cfg.Providers.Reply.Model)
	printProvider("VAD", cfg.VAD.Engine, string(cfg.VAD.Aggressiveness))
	printProvider("Audio", cfg.Audio.Source, cfg.Audio.Device)
	fmt.Printf("║  Wake phrases    : %-19d ║\n", len(cfg.Wake.Phrases))
	fmt.Printf("║  Exit phrases    : %-19d ║\n", len(cfg.Followup.ExitPhrases))
	fallbacks := len(cfg.Providers.STTFallbacks) + len(cfg.Providers.TTSFallbacks) + len(cfg.Providers.ReplyFallbacks)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", fallbacks)
	if cfg.Events.StorePath != "" {
		printProvider("Event log", cfg.Events.StorePath, "")
	}
	if cfg.Telemetry.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Telemetry.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func printDevices() int {
	devices, err := malgo.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot: list devices: %v\n", err)
		return 1
	}
	for _, d := range devices {
		fmt.Printf("%s\t%s\n", d.ID, d.Name)
	}
	return 0
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optInt reads an integer option. YAML decodes numbers as int, quoted ones
// arrive as strings. Anything else reads as 0.
func optInt(entry config.ProviderEntry, key string) int {
	switch v := entry.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

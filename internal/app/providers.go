package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/audio"
)

// BuildProviders instantiates every provider named in cfg through reg. When
// fallbacks are configured the primary and its fallbacks are wrapped in a
// circuit-breaking fallback group.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	p := &Providers{
		STTName:   cfg.Providers.STT.Name,
		TTSName:   cfg.Providers.TTS.Name,
		ReplyName: cfg.Providers.Reply.Name,
	}
	fb := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{OnStateChange: logBreaker},
	}

	// ── STT ──────────────────────────────────────────────────────────────
	primarySTT, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("app: stt: %w", err)
	}
	p.STT = primarySTT
	if len(cfg.Providers.STTFallbacks) > 0 {
		group := resilience.NewSTTFallback(primarySTT, cfg.Providers.STT.Name, fb)
		for i, e := range cfg.Providers.STTFallbacks {
			alt, err := reg.CreateSTT(e)
			if err != nil {
				return nil, fmt.Errorf("app: stt_fallbacks[%d]: %w", i, err)
			}
			group.AddFallback(e.Name, alt)
		}
		p.STT = group
	}

	// ── TTS ──────────────────────────────────────────────────────────────
	primaryTTS, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: tts: %w", err)
	}
	p.TTS = primaryTTS
	if len(cfg.Providers.TTSFallbacks) > 0 {
		group := resilience.NewTTSFallback(primaryTTS, cfg.Providers.TTS.Name, fb)
		for i, e := range cfg.Providers.TTSFallbacks {
			alt, err := reg.CreateTTS(e)
			if err != nil {
				return nil, fmt.Errorf("app: tts_fallbacks[%d]: %w", i, err)
			}
			group.AddFallback(e.Name, alt)
		}
		p.TTS = group.Factory()
	}

	// ── Reply ────────────────────────────────────────────────────────────
	primaryReply, err := reg.CreateReply(cfg.Providers.Reply)
	if err != nil {
		return nil, fmt.Errorf("app: reply: %w", err)
	}
	p.Reply = primaryReply
	if len(cfg.Providers.ReplyFallbacks) > 0 {
		group := resilience.NewReplyFallback(primaryReply, cfg.Providers.Reply.Name, fb)
		for i, e := range cfg.Providers.ReplyFallbacks {
			alt, err := reg.CreateReply(e)
			if err != nil {
				return nil, fmt.Errorf("app: reply_fallbacks[%d]: %w", i, err)
			}
			group.AddFallback(e.Name, alt)
		}
		p.Reply = group
	}

	// ── VAD and capture device ───────────────────────────────────────────
	p.VAD, err = reg.CreateVAD(cfg.VAD.Engine)
	if err != nil {
		return nil, fmt.Errorf("app: vad: %w", err)
	}
	audioCfg := cfg.Audio
	p.Open = func(context.Context) (audio.Source, error) {
		return reg.OpenSource(audioCfg)
	}
	return p, nil
}

func logBreaker(name string, from, to resilience.State) {
	level := slog.LevelInfo
	if to == resilience.StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "provider circuit breaker changed state",
		"provider", name, "from", from.String(), "to", to.String())
}

// Package config provides the configuration schema, loader, hot-reload watcher
// and provider registry for earshot.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	AGC       AGCConfig       `yaml:"agc"`
	Wake      WakeConfig      `yaml:"wake"`
	Segment   SegmentConfig   `yaml:"segment"`
	Followup  FollowupConfig  `yaml:"followup"`
	Speech    SpeechConfig    `yaml:"speech"`
	Providers ProvidersConfig `yaml:"providers"`
	Reply     ReplyConfig     `yaml:"reply"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AudioConfig selects and shapes the capture source.
type AudioConfig struct {
	// Source is the registered audio source name (e.g., "malgo").
	Source string `yaml:"source"`

	// Device is a case-insensitive name substring or hex ID. Empty selects
	// the system default.
	Device string `yaml:"device"`

	SampleRateHz    int `yaml:"sample_rate_hz"`
	FrameDurationMs int `yaml:"frame_duration_ms"`
	Channels        int `yaml:"channels"`

	// BufferFrames bounds the source's internal hand-off queue.
	BufferFrames int `yaml:"buffer_frames"`
}

// FrameDuration returns the configured frame length.
func (a AudioConfig) FrameDuration() time.Duration {
	return ms(a.FrameDurationMs)
}

// Aggressiveness is either the literal "adaptive" or a fixed level 0-3.
type Aggressiveness string

// AggressivenessAdaptive enables room calibration.
const AggressivenessAdaptive Aggressiveness = "adaptive"

// UnmarshalYAML accepts both the string form and a bare integer.
func (a *Aggressiveness) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("vad aggressiveness must be a scalar")
	}
	*a = Aggressiveness(strings.TrimSpace(n.Value))
	return nil
}

// Level returns the fixed level, or -1 for adaptive. Empty means adaptive.
func (a Aggressiveness) Level() (int, error) {
	if a == "" || strings.EqualFold(string(a), string(AggressivenessAdaptive)) {
		return -1, nil
	}
	n, err := strconv.Atoi(string(a))
	if err != nil || n < 0 || n > 3 {
		return 0, fmt.Errorf("vad aggressiveness must be %q or 0-3, got %q", AggressivenessAdaptive, string(a))
	}
	return n, nil
}

// VADConfig configures the voice activity classifier.
type VADConfig struct {
	// Engine is the registered VAD engine name (e.g., "webrtc").
	Engine string `yaml:"engine"`

	Aggressiveness Aggressiveness `yaml:"aggressiveness"`

	// CalibrationMs is the warm-up window for adaptive mode.
	CalibrationMs int `yaml:"calibration_ms"`

	QuietRMS float64 `yaml:"quiet_rms"`
	NoisyRMS float64 `yaml:"noisy_rms"`
}

// AGCConfig configures the gain normaliser.
type AGCConfig struct {
	TargetRMS       float64 `yaml:"target_rms"`
	MinGain         float64 `yaml:"min_gain"`
	MaxGain         float64 `yaml:"max_gain"`
	AttackRate      float64 `yaml:"attack_rate"`
	ReleaseRate     float64 `yaml:"release_rate"`
	SilenceFloorRMS float64 `yaml:"silence_floor_rms"`
}

// WakeConfig configures wake phrase detection.
type WakeConfig struct {
	// Phrases lists every accepted spelling of the wake phrase.
	Phrases []string `yaml:"phrases"`

	// Sensitivity in [0, 1]; higher accepts looser matches.
	Sensitivity float64 `yaml:"sensitivity"`

	PreRollMs            int `yaml:"pre_roll_ms"`
	ResetAfterSilenceMs  int `yaml:"reset_after_silence_ms"`
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
}

// PreRoll returns the rolling buffer length.
func (w WakeConfig) PreRoll() time.Duration { return ms(w.PreRollMs) }

// ResetAfterSilence returns the transcriber reset delay.
func (w WakeConfig) ResetAfterSilence() time.Duration { return ms(w.ResetAfterSilenceMs) }

// SegmentConfig configures utterance capture.
type SegmentConfig struct {
	SilenceMs       int `yaml:"silence_ms"`
	MinSpeechFrames int `yaml:"min_speech_frames"`
	TailPaddingMs   int `yaml:"tail_padding_ms"`
	MaxSegmentS     int `yaml:"max_segment_s"`
	GracePeriodMs   int `yaml:"grace_period_ms"`
}

func (s SegmentConfig) Silence() time.Duration     { return ms(s.SilenceMs) }
func (s SegmentConfig) TailPadding() time.Duration { return ms(s.TailPaddingMs) }
func (s SegmentConfig) GracePeriod() time.Duration { return ms(s.GracePeriodMs) }

// MaxSegment returns the hard cap on a segment, pre-roll included.
func (s SegmentConfig) MaxSegment() time.Duration {
	return time.Duration(s.MaxSegmentS) * time.Second
}

// FollowupConfig configures the follow-up listening window.
type FollowupConfig struct {
	TimeoutMs            int      `yaml:"timeout_ms"`
	CooldownMs           int      `yaml:"cooldown_ms"`
	RequiredSpeechFrames int      `yaml:"required_speech_frames"`
	ExitPhrases          []string `yaml:"exit_phrases"`
}

func (f FollowupConfig) Timeout() time.Duration  { return ms(f.TimeoutMs) }
func (f FollowupConfig) Cooldown() time.Duration { return ms(f.CooldownMs) }

// SpeechConfig configures reply playback.
type SpeechConfig struct {
	// UnmuteGraceMs keeps the microphone muted after playback ends so the
	// tail of the reply is not heard back.
	UnmuteGraceMs int `yaml:"unmute_grace_ms"`
}

// UnmuteGrace returns the post-playback mute window.
func (s SpeechConfig) UnmuteGrace() time.Duration { return ms(s.UnmuteGraceMs) }

// ProvidersConfig selects the concrete provider for each external service.
// The fallback lists are tried in order when the primary fails.
type ProvidersConfig struct {
	STT   ProviderEntry `yaml:"stt"`
	TTS   ProviderEntry `yaml:"tts"`
	Reply ProviderEntry `yaml:"reply"`

	STTFallbacks   []ProviderEntry `yaml:"stt_fallbacks"`
	TTSFallbacks   []ProviderEntry `yaml:"tts_fallbacks"`
	ReplyFallbacks []ProviderEntry `yaml:"reply_fallbacks"`
}

// ProviderEntry is the common configuration block for any provider.
type ProviderEntry struct {
	// Name is the registered provider name (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model (or a model file for local providers).
	Model string `yaml:"model"`

	// Options holds provider-specific key/value pairs (e.g. "voice" or
	// "command" for the exec synthesizer, "vendor" for anyllm).
	Options map[string]any `yaml:"options"`
}

// Option returns the string form of Options[key], or "" when unset.
func (p ProviderEntry) Option(key string) string {
	v, ok := p.Options[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ReplyConfig configures the reply backend request.
type ReplyConfig struct {
	SystemPrompt string `yaml:"system_prompt"`

	// ErrorText is spoken when the backend fails. Empty stays silent.
	ErrorText string `yaml:"error_text"`

	TimeoutMs int `yaml:"timeout_ms"`

	// HistoryTokens caps the approximate size of prior exchanges sent with
	// each request. Default: 1024.
	HistoryTokens int `yaml:"history_tokens"`
}

// Timeout returns the reply deadline.
func (r ReplyConfig) Timeout() time.Duration { return ms(r.TimeoutMs) }

// EventsConfig configures the persistent event timeline.
type EventsConfig struct {
	// StorePath is the SQLite file. Empty disables persistence.
	StorePath string `yaml:"store_path"`

	RetentionDays int `yaml:"retention_days"`
}

// TelemetryConfig configures the HTTP endpoint for /metrics, /healthz and
// /readyz.
type TelemetryConfig struct {
	// ListenAddr is the TCP address (e.g., ":9464"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"deepgram", "whisper-native"},
	"tts":   {"exec"},
	"reply": {"openai", "anyllm"},
	"vad":   {"webrtc"},
	"audio": {"malgo"},
}

// Load reads the YAML configuration file at path, fills in defaults and
// returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued tunable with its documented default.
// Provider selections and wake phrases have no defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.LogLevel, LogInfo)

	setDefault(&cfg.Audio.Source, "malgo")
	setDefault(&cfg.Audio.SampleRateHz, 16000)
	setDefault(&cfg.Audio.FrameDurationMs, 20)
	setDefault(&cfg.Audio.Channels, 1)
	setDefault(&cfg.Audio.BufferFrames, 50)

	setDefault(&cfg.VAD.Engine, "webrtc")
	setDefault(&cfg.VAD.Aggressiveness, AggressivenessAdaptive)
	setDefault(&cfg.VAD.CalibrationMs, 1500)
	setDefault(&cfg.VAD.QuietRMS, 150)
	setDefault(&cfg.VAD.NoisyRMS, 900)

	setDefault(&cfg.AGC.TargetRMS, 3000)
	setDefault(&cfg.AGC.MinGain, 0.25)
	setDefault(&cfg.AGC.MaxGain, 8)
	setDefault(&cfg.AGC.AttackRate, 0.5)
	setDefault(&cfg.AGC.ReleaseRate, 0.05)
	setDefault(&cfg.AGC.SilenceFloorRMS, 40)

	setDefault(&cfg.Wake.Sensitivity, 0.8)
	setDefault(&cfg.Wake.PreRollMs, 600)
	setDefault(&cfg.Wake.ResetAfterSilenceMs, 2000)
	setDefault(&cfg.Wake.MaxConsecutiveErrors, 20)

	setDefault(&cfg.Segment.SilenceMs, 800)
	setDefault(&cfg.Segment.MinSpeechFrames, 10)
	setDefault(&cfg.Segment.TailPaddingMs, 300)
	setDefault(&cfg.Segment.MaxSegmentS, 15)
	setDefault(&cfg.Segment.GracePeriodMs, 600)

	setDefault(&cfg.Followup.TimeoutMs, 15000)
	setDefault(&cfg.Followup.CooldownMs, 700)
	setDefault(&cfg.Followup.RequiredSpeechFrames, 8)

	setDefault(&cfg.Speech.UnmuteGraceMs, 300)

	setDefault(&cfg.Reply.TimeoutMs, 20000)
	setDefault(&cfg.Reply.HistoryTokens, 1024)

	setDefault(&cfg.Events.RetentionDays, 30)
}

func setDefault[T comparable](p *T, v T) {
	var zero T
	if *p == zero {
		*p = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Audio
	switch cfg.Audio.SampleRateHz {
	case 8000, 16000, 32000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate_hz %d is invalid; valid values: 8000, 16000, 32000, 48000", cfg.Audio.SampleRateHz))
	}
	switch cfg.Audio.FrameDurationMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is invalid; valid values: 10, 20, 30", cfg.Audio.FrameDurationMs))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_frames must not be negative"))
	}

	// VAD
	if _, err := cfg.VAD.Aggressiveness.Level(); err != nil {
		errs = append(errs, fmt.Errorf("vad.aggressiveness: %w", err))
	}
	if cfg.VAD.CalibrationMs < 0 {
		errs = append(errs, fmt.Errorf("vad.calibration_ms must not be negative"))
	}
	if cfg.VAD.QuietRMS >= cfg.VAD.NoisyRMS {
		errs = append(errs, fmt.Errorf("vad.quiet_rms %.0f must be below vad.noisy_rms %.0f", cfg.VAD.QuietRMS, cfg.VAD.NoisyRMS))
	}

	// AGC
	a := cfg.AGC
	if a.MinGain <= 0 || a.MaxGain < a.MinGain {
		errs = append(errs, fmt.Errorf("agc: need 0 < min_gain <= max_gain, got %.2f and %.2f", a.MinGain, a.MaxGain))
	}
	if a.AttackRate <= 0 || a.AttackRate > 1 || a.ReleaseRate <= 0 || a.ReleaseRate > 1 {
		errs = append(errs, fmt.Errorf("agc: attack_rate and release_rate must be in (0, 1]"))
	}
	if a.TargetRMS <= 0 || a.SilenceFloorRMS < 0 {
		errs = append(errs, fmt.Errorf("agc: target_rms must be positive and silence_floor_rms non-negative"))
	}

	// Wake
	if len(cfg.Wake.Phrases) == 0 {
		errs = append(errs, fmt.Errorf("wake.phrases must list at least one phrase"))
	}
	for i, p := range cfg.Wake.Phrases {
		if p == "" {
			errs = append(errs, fmt.Errorf("wake.phrases[%d] is empty", i))
		}
	}
	if cfg.Wake.Sensitivity < 0 || cfg.Wake.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("wake.sensitivity %.2f is out of range [0, 1]", cfg.Wake.Sensitivity))
	}
	if cfg.Wake.PreRollMs < 0 || cfg.Wake.ResetAfterSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("wake.pre_roll_ms and wake.reset_after_silence_ms must not be negative"))
	}

	// Segment
	s := cfg.Segment
	if s.SilenceMs <= 0 || s.MaxSegmentS <= 0 {
		errs = append(errs, fmt.Errorf("segment.silence_ms and segment.max_segment_s must be positive"))
	}
	if s.MinSpeechFrames < 0 || s.TailPaddingMs < 0 || s.GracePeriodMs < 0 {
		errs = append(errs, fmt.Errorf("segment: min_speech_frames, tail_padding_ms and grace_period_ms must not be negative"))
	}

	// Follow-up
	f := cfg.Followup
	if f.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("followup.timeout_ms must be positive"))
	}
	if f.CooldownMs < 0 || f.CooldownMs >= f.TimeoutMs {
		errs = append(errs, fmt.Errorf("followup.cooldown_ms %d must be in [0, timeout_ms)", f.CooldownMs))
	}
	if f.RequiredSpeechFrames <= 0 {
		errs = append(errs, fmt.Errorf("followup.required_speech_frames must be positive"))
	}

	if cfg.Speech.UnmuteGraceMs < 0 {
		errs = append(errs, fmt.Errorf("speech.unmute_grace_ms must not be negative"))
	}
	if cfg.Reply.TimeoutMs <= 0 || cfg.Reply.HistoryTokens < 0 {
		errs = append(errs, fmt.Errorf("reply: timeout_ms must be positive and history_tokens non-negative"))
	}
	if cfg.Events.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("events.retention_days must not be negative"))
	}

	// Providers
	for _, p := range []struct{ kind, name string }{
		{"stt", cfg.Providers.STT.Name},
		{"tts", cfg.Providers.TTS.Name},
		{"reply", cfg.Providers.Reply.Name},
	} {
		if p.name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
		}
		validateProviderName(p.kind, p.name)
	}
	validateFallbacks("stt", cfg.Providers.STTFallbacks, &errs)
	validateFallbacks("tts", cfg.Providers.TTSFallbacks, &errs)
	validateFallbacks("reply", cfg.Providers.ReplyFallbacks, &errs)
	validateProviderName("vad", cfg.VAD.Engine)
	validateProviderName("audio", cfg.Audio.Source)

	if cfg.Reply.ErrorText == "" {
		slog.Warn("reply.error_text is empty; backend failures will be silent")
	}

	return errors.Join(errs...)
}

func validateFallbacks(kind string, entries []ProviderEntry, errs *[]error) {
	for i, e := range entries {
		if e.Name == "" {
			*errs = append(*errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, e.Name)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only wake phrases, sensitivity, exit phrases and the log level are applied
// live; every other changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// WakeChanged is true when the wake phrases or sensitivity differ.
	WakeChanged        bool
	ExitPhrasesChanged bool

	// RestartRequired names the top-level sections that changed but only
	// take effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.WakeChanged && !d.ExitPhrasesChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if !slices.Equal(old.Wake.Phrases, new.Wake.Phrases) || old.Wake.Sensitivity != new.Wake.Sensitivity {
		d.WakeChanged = true
	}
	if !slices.Equal(old.Followup.ExitPhrases, new.Followup.ExitPhrases) {
		d.ExitPhrasesChanged = true
	}

	// Compare the rest of the wake section with the live fields masked out.
	ow, nw := old.Wake, new.Wake
	ow.Phrases, nw.Phrases = nil, nil
	ow.Sensitivity, nw.Sensitivity = 0, 0
	of, nf := old.Followup, new.Followup
	of.ExitPhrases, nf.ExitPhrases = nil, nil

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"audio", old.Audio, new.Audio},
		{"vad", old.VAD, new.VAD},
		{"agc", old.AGC, new.AGC},
		{"wake", ow, nw},
		{"segment", old.Segment, new.Segment},
		{"followup", of, nf},
		{"speech", old.Speech, new.Speech},
		{"providers", old.Providers, new.Providers},
		{"reply", old.Reply, new.Reply},
		{"events", old.Events, new.Events},
		{"telemetry", old.Telemetry, new.Telemetry},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

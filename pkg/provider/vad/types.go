package vad

import "math"

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0). Binary engines
	// report 0 or 1.
	Probability float64
}

// IsSpeech reports whether the frame was classified as voice.
func (e VADEvent) IsSpeech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// Transition derives the event type from the previous and current binary
// verdicts. Engines that only know speech/non-speech use it to report edges.
func Transition(wasSpeech, isSpeech bool) VADEventType {
	switch {
	case isSpeech && !wasSpeech:
		return VADSpeechStart
	case isSpeech:
		return VADSpeechContinue
	case wasSpeech:
		return VADSpeechEnd
	default:
		return VADSilence
	}
}

// String returns the event type name.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }

func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

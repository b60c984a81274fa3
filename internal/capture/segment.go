// Package capture records one user utterance: it seeds a segment with the
// wake pre-roll, appends live frames until end of speech, a hard ceiling or an
// external stop, and returns the sealed segment with its transcript.
package capture

import (
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Reason is why a segment was sealed.
type Reason string

const (
	// ReasonSilence means sustained silence followed enough speech.
	ReasonSilence Reason = "silence"

	// ReasonManual means an operator stop, an exit phrase or the end of the
	// frame stream.
	ReasonManual Reason = "manual"

	// ReasonMaxDuration means the segment reached the length ceiling.
	ReasonMaxDuration Reason = "max_duration"
)

// Segment is a sealed utterance.
type Segment struct {
	// Frames are the pre-roll followed by the captured frames, in order.
	Frames []audio.LabeledFrame

	// PreRollFrames is how many leading frames came from the pre-roll.
	PreRollFrames int

	// OnsetOffset is the offset of the first speech frame from the start of
	// the segment, or -1 when no frame was speech.
	OnsetOffset time.Duration

	Reason           Reason
	SpeechFrameCount int

	// ExitPhrase is set when the speaker said an exit phrase. Reason is
	// then [ReasonManual].
	ExitPhrase bool

	// Transcript is the final text of the whole segment.
	Transcript string
}

// Duration returns the total audio length of the segment.
func (s Segment) Duration() time.Duration {
	var d time.Duration
	for _, f := range s.Frames {
		d += f.Duration()
	}
	return d
}

// TailAfterSpeech returns how much audio follows the last speech frame. A
// segment without speech returns its full duration.
func (s Segment) TailAfterSpeech() time.Duration {
	var d time.Duration
	for i := len(s.Frames) - 1; i >= 0 && !s.Frames[i].Speech; i-- {
		d += s.Frames[i].Duration()
	}
	return d
}

// PCM concatenates the segment's audio.
func (s Segment) PCM() []byte {
	n := 0
	for _, f := range s.Frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range s.Frames {
		out = append(out, f.Data...)
	}
	return out
}

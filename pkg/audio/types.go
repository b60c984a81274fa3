package audio

import "time"

// BytesPerSample is the width of a single PCM16 sample.
const BytesPerSample = 2

// Frame is a single fixed-duration chunk of mono audio flowing through the
// pipeline. Frames are the atomic unit of audio transport: produced by a
// [Source], normalised by the AGC, classified by VAD and consumed by exactly
// one listener per pipeline tick.
//
// A Frame must be treated as immutable once produced. Stages that change the
// samples (gain normalisation, muting) return a new Frame.
type Frame struct {
	// Data is little-endian signed 16-bit mono PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration

	// Gain is the factor the normaliser applied to Data. Zero means the
	// samples are as captured.
	Gain float64
}

// Samples returns the number of PCM samples in the frame.
func (f Frame) Samples() int {
	return len(f.Data) / BytesPerSample
}

// Duration returns the playback duration implied by the sample count and rate.
// A frame without a valid sample rate has zero duration.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// RawRMS returns the RMS level of the frame before normalisation.
func (f Frame) RawRMS() float64 {
	rms := RMS(f.Data)
	if f.Gain > 0 {
		rms /= f.Gain
	}
	return rms
}

// Silent returns a zeroed frame with the same length, rate and timestamp.
func (f Frame) Silent() Frame {
	return Frame{
		Data:       make([]byte, len(f.Data)),
		SampleRate: f.SampleRate,
		Timestamp:  f.Timestamp,
	}
}

// LabeledFrame pairs a frame with the voice-activity verdict it received when
// it was classified. Pre-roll buffers and segments carry labeled frames so the
// verdict does not have to be recomputed downstream.
type LabeledFrame struct {
	Frame

	// Speech is true when the classifier flagged this frame as voice.
	Speech bool
}

// FrameBytes returns the byte length of a mono PCM16 frame of the given
// duration at sampleRate.
func FrameBytes(sampleRate int, frameDuration time.Duration) int {
	return int(int64(sampleRate)*int64(frameDuration)/int64(time.Second)) * BytesPerSample
}

// FramesFor returns how many whole frames of frameDuration are needed to
// cover d, rounding to the nearest frame. It never returns a negative value.
func FramesFor(d, frameDuration time.Duration) int {
	if d <= 0 || frameDuration <= 0 {
		return 0
	}
	return int((d + frameDuration/2) / frameDuration)
}

// FramesAtLeast returns the smallest frame count whose total duration is at
// least d.
func FramesAtLeast(d, frameDuration time.Duration) int {
	if d <= 0 || frameDuration <= 0 {
		return 0
	}
	return int((d + frameDuration - 1) / frameDuration)
}

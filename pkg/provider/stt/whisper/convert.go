package whisper

import "github.com/MrWong99/earshot/pkg/audio"

// toFloat32 decodes mono PCM16 into the [-1, 1) float samples whisper.cpp
// takes. A trailing odd byte is dropped.
func toFloat32(pcm []byte) []float32 {
	samples := audio.BytesToSamples(pcm)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

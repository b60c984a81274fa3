package audio

// Drain discards values from ch until it is closed. Closing a transcription
// session without draining its result channels can block the provider's
// reader goroutine forever.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// Package whisper provides an in-process STT provider backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.
//
// whisper.cpp is not a streaming recogniser, so each session buffers audio and
// runs inference in three situations:
//
//   - every partial interval of new audio, over the whole buffer, emitting a
//     partial (the wake detector needs a running transcript);
//   - after a stretch of silence following speech, or when the buffer reaches
//     its maximum duration, emitting a final and starting a new buffer;
//   - on Close, emitting a final for whatever is still buffered.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the RMS energy (16-bit PCM units) below which a
	// chunk counts as silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
	defaultPartialIntervalMs   = 400
	minInferenceDurationMs     = 200
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// recognizer turns mono float32 samples into text.
type recognizer interface {
	transcribe(samples []float32, language string) (string, error)
}

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO). The model is loaded once at startup and shared across all sessions.
type NativeProvider struct {
	rec      recognizer
	closer   io.Closer
	language string

	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
	partialIntervalMs   int
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate sets the audio sample rate in Hz. This must match the
// actual sample rate of PCM data delivered via SendAudio. Defaults to 16000.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.sampleRate = rate }
}

// WithNativeSilenceThresholdMs sets the consecutive-silence duration (ms) that
// commits the buffered speech as a final. Defaults to 500 ms.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.silenceThresholdMs = ms }
}

// WithNativeMaxBufferDurationMs sets the maximum buffered audio duration (ms)
// before a forced final. Defaults to 10 000 ms (10 s).
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufferDurationMs = ms }
}

// WithNativePartialIntervalMs sets how much new speech audio (ms) triggers a
// partial inference over the buffer. Zero disables partials. Defaults to
// 400 ms.
func WithNativePartialIntervalMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.partialIntervalMs = ms }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	return newProvider(&modelRecognizer{model: model}, model, opts...), nil
}

func newProvider(rec recognizer, closer io.Closer, opts ...NativeOption) *NativeProvider {
	p := &NativeProvider{
		rec:                 rec,
		closer:              closer,
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		partialIntervalMs:   defaultPartialIntervalMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// StartStream opens a new transcription session. It respects cfg.SampleRate
// and cfg.Language; zero values fall back to the provider defaults. whisper.cpp
// only takes mono input, so cfg.Channels above one is rejected.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("whisper: %d channel input: %w", cfg.Channels, stt.ErrNotSupported)
	}

	s := &nativeSession{
		rec:                 p.rec,
		language:            lang,
		sampleRate:          sr,
		silenceThresholdMs:  p.silenceThresholdMs,
		maxBufferDurationMs: p.maxBufferDurationMs,
		partialIntervalMs:   p.partialIntervalMs,

		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(context.WithoutCancel(ctx))

	return s, nil
}

// ---- nativeSession ----------------------------------------------------------

// nativeSession is a live whisper transcription session. All mutable state
// that drives buffering is confined to the processLoop goroutine.
type nativeSession struct {
	rec                 recognizer
	language            string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
	partialIntervalMs   int

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var errSessionClosed = errors.New("whisper: session is closed")

// SendAudio queues a chunk of raw 16-bit little-endian signed PCM audio.
func (s *nativeSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// Partials returns a read-only channel that emits interim Transcript values.
func (s *nativeSession) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns a read-only channel that emits authoritative Transcript values.
func (s *nativeSession) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords always returns an error because whisper.cpp does not expose a
// keyword-boosting API.
func (s *nativeSession) SetKeywords(_ []stt.KeywordBoost) error {
	return fmt.Errorf("whisper: keyword boosting: %w", stt.ErrNotSupported)
}

// Close flushes pending audio as a final, closes the Partials and Finals
// channels, and releases all associated resources.
func (s *nativeSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for buffering and inference.
func (s *nativeSession) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer       []byte
		hadSpeech    bool
		silenceMs    int
		sincePartial int
	)

	bytesPerMs := s.sampleRate * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.maxBufferDurationMs * bytesPerMs
	minBytes := minInferenceDurationMs * bytesPerMs

	commit := func() {
		pcm, speech := buffer, hadSpeech
		buffer, hadSpeech, silenceMs, sincePartial = nil, false, 0, 0
		if !speech || len(pcm) == 0 {
			return
		}
		text, err := s.infer(pcm)
		if err != nil {
			slog.Error("whisper native inference failed", "error", err)
			return
		}
		if text == "" {
			return
		}
		s.finals <- stt.Transcript{Text: text, IsFinal: true, Duration: durationOf(len(pcm), bytesPerMs)}
	}

	partial := func() {
		sincePartial = 0
		if len(buffer) < minBytes {
			return
		}
		text, err := s.infer(buffer)
		if err != nil {
			slog.Warn("whisper native partial inference failed", "error", err)
			return
		}
		if text == "" {
			return
		}
		select {
		case s.partials <- stt.Transcript{Text: text, Duration: durationOf(len(buffer), bytesPerMs)}:
		default:
			// The reader has not caught up; a newer partial follows.
		}
	}

	drainAndCommit := func() {
		for {
			select {
			case chunk := <-s.audioCh:
				buffer = append(buffer, chunk...)
				if computeRMS(chunk) >= defaultRMSThreshold {
					hadSpeech = true
				}
			default:
				commit()
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			commit()
			return

		case <-s.done:
			drainAndCommit()
			return

		case chunk := <-s.audioCh:
			chunkMs := chunkDurationMs(chunk, s.sampleRate)

			if computeRMS(chunk) < defaultRMSThreshold {
				if !hadSpeech {
					continue
				}
				silenceMs += chunkMs
				buffer = append(buffer, chunk...)
				if silenceMs >= s.silenceThresholdMs {
					commit()
				}
				continue
			}

			hadSpeech = true
			silenceMs = 0
			buffer = append(buffer, chunk...)
			sincePartial += chunkMs
			switch {
			case maxBufferBytes > 0 && len(buffer) >= maxBufferBytes:
				commit()
			case s.partialIntervalMs > 0 && sincePartial >= s.partialIntervalMs:
				partial()
			}
		}
	}
}

// infer converts the buffered PCM audio to float32 and runs the recognizer.
func (s *nativeSession) infer(pcm []byte) (string, error) {
	return s.rec.transcribe(toFloat32(pcm), s.language)
}

// Compile-time assertion that nativeSession satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*nativeSession)(nil)

// modelRecognizer runs whisper.cpp inference with a fresh context per call.
// Contexts are not thread-safe, but the model can be shared.
type modelRecognizer struct {
	model whisperlib.Model
}

func (m *modelRecognizer) transcribe(samples []float32, language string) (string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

func durationOf(n, bytesPerMs int) time.Duration {
	return time.Duration(n/bytesPerMs) * time.Millisecond
}

// computeRMS returns the root-mean-square energy of a 16-bit PCM buffer.
func computeRMS(pcm []byte) float64 {
	return audio.RMS(pcm)
}

// chunkDurationMs returns the duration of a mono PCM chunk in milliseconds,
// or 0 for a non-positive rate.
func chunkDurationMs(chunk []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return len(chunk) * 1000 / (sampleRate * bitsPerSample / 8)
}

// Package malgo implements [audio.Source] on top of the miniaudio bindings in
// github.com/gen2brain/malgo.
//
// The device callback delivers arbitrarily sized buffers on a miniaudio
// thread. The source converts them to mono PCM16 at the configured rate,
// slices them into fixed-duration frames and hands the frames to the single
// reader through a bounded queue. When the reader falls behind, the oldest
// queued frame is dropped so that capture latency stays bounded.
package malgo

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Config controls device selection and frame shape.
type Config struct {
	// Device selects a capture device by case-insensitive name substring or
	// hex-encoded ID. Empty picks the system default.
	Device string

	SampleRate    int
	FrameDuration time.Duration

	// Channels requested from the device. Stereo input is downmixed.
	Channels int

	// BufferFrames bounds the hand-off queue. Zero means 50 frames.
	BufferFrames int
}

// DeviceInfo describes an available capture device.
type DeviceInfo struct {
	ID   string
	Name string
}

// Source captures frames from a miniaudio device.
type Source struct {
	cfg     Config
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	conv    audio.FormatConverter
	srcFmt  audio.Format
	frameSz int

	frames  chan audio.Frame
	done    chan struct{}
	closeMu sync.Once

	// pending and produced are only touched on the device callback thread.
	pending  []byte
	produced int64

	dropped atomic.Int64
}

// Devices lists the capture devices known to the default backend.
func Devices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()
	return listDevices(ctx)
}

func listDevices(ctx *malgo.AllocatedContext) ([]DeviceInfo, error) {
	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo: devices: %w", err)
	}
	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID.Pointer()[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

// New opens the capture device and starts streaming.
func New(cfg Config) (*Source, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("malgo: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("malgo: invalid frame duration %v", cfg.FrameDuration)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = 50
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}

	s := &Source{
		cfg:     cfg,
		ctx:     ctx,
		conv:    audio.FormatConverter{Target: cfg.SampleRate},
		srcFmt:  audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		frameSz: audio.FrameBytes(cfg.SampleRate, cfg.FrameDuration),
		frames:  make(chan audio.Frame, cfg.BufferFrames),
		done:    make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)

	if cfg.Device != "" {
		id, err := s.resolveDevice(cfg.Device)
		if err != nil {
			s.freeContext()
			return nil, err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			s.onData(data)
		},
	}
	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		s.freeContext()
		return nil, fmt.Errorf("malgo: init device: %w", err)
	}
	s.device = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		s.freeContext()
		return nil, fmt.Errorf("malgo: start device: %w", err)
	}

	slog.Info("audio capture started",
		"device", cfg.Device,
		"sample_rate", cfg.SampleRate,
		"frame_ms", cfg.FrameDuration.Milliseconds(),
		"channels", cfg.Channels,
	)
	return s, nil
}

func (s *Source) resolveDevice(want string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	devices, err := listDevices(s.ctx)
	if err != nil {
		return id, err
	}
	for _, d := range devices {
		if d.ID == want || strings.Contains(strings.ToLower(d.Name), strings.ToLower(want)) {
			idBytes, err := hex.DecodeString(d.ID)
			if err != nil {
				return id, fmt.Errorf("malgo: invalid device ID %q: %w", d.ID, err)
			}
			copy(id[:], idBytes)
			return id, nil
		}
	}
	return id, fmt.Errorf("malgo: capture device %q not found", want)
}

// onData runs on the miniaudio thread.
func (s *Source) onData(data []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	s.pending = append(s.pending, s.conv.Convert(data, s.srcFmt)...)
	for len(s.pending) >= s.frameSz {
		buf := make([]byte, s.frameSz)
		copy(buf, s.pending[:s.frameSz])
		s.pending = s.pending[s.frameSz:]

		f := audio.Frame{
			Data:       buf,
			SampleRate: s.cfg.SampleRate,
			Timestamp:  time.Duration(s.produced) * s.cfg.FrameDuration,
		}
		s.produced++
		s.enqueue(f)
	}
}

// enqueue never blocks the device thread: on a full queue the oldest frame
// is discarded.
func (s *Source) enqueue(f audio.Frame) {
	for {
		select {
		case s.frames <- f:
			return
		default:
		}
		select {
		case <-s.frames:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("audio capture: reader falling behind, dropping frames", "dropped", n)
			}
		default:
		}
	}
}

// ReadFrame implements [audio.Source].
func (s *Source) ReadFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return audio.Frame{}, audio.ErrSourceClosed
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Format implements [audio.Source].
func (s *Source) Format() audio.StreamFormat {
	return audio.StreamFormat{SampleRate: s.cfg.SampleRate, FrameDuration: s.cfg.FrameDuration}
}

// Dropped returns the number of frames discarded because the reader fell
// behind.
func (s *Source) Dropped() int64 { return s.dropped.Load() }

// Close stops the device and releases the backend context.
func (s *Source) Close() error {
	s.closeMu.Do(func() {
		close(s.done)
		if s.device != nil {
			_ = s.device.Stop()
			s.device.Uninit()
		}
		s.freeContext()
	})
	return nil
}

func (s *Source) freeContext() {
	if s.ctx == nil {
		return
	}
	_ = s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
}

var _ audio.Source = (*Source)(nil)

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/agc"
)

// defaultMaxReadErrors is the run of failed reads after which the device is
// considered lost and reopened.
const defaultMaxReadErrors = 50

// PumpConfig holds the dependencies of a [Pump].
type PumpConfig struct {
	// Open opens the capture device. Required.
	Open Opener

	// Gate silences frames while the device is speaking. May be nil.
	Gate *audio.Gate

	// AGC normalises every frame after the gate. May be nil.
	AGC *agc.Normalizer

	// Hub receives the processed frames. Required.
	Hub *Hub

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Reopen controls recovery from a lost device.
	Reopen ReopenPolicy

	// MaxReadErrors consecutive transient read errors make the pump reopen
	// the device. Default: 50.
	MaxReadErrors int
}

// Pump is the single owner of the capture device. Run reads frames until ctx
// is cancelled; everything downstream sees frames only through the hub.
type Pump struct {
	cfg PumpConfig
	src audio.Source

	running    atomic.Bool
	lastFrame  atomic.Int64 // unix nanos
	readErrs   atomic.Int64 // consecutive
	totalFrame atomic.Int64
	reopens    atomic.Int64
}

// NewPump validates cfg and returns a pump. The device is opened by Run.
func NewPump(cfg PumpConfig) (*Pump, error) {
	if cfg.Open == nil {
		return nil, errors.New("pipeline: pump needs an opener")
	}
	if cfg.Hub == nil {
		return nil, errors.New("pipeline: pump needs a hub")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MaxReadErrors <= 0 {
		cfg.MaxReadErrors = defaultMaxReadErrors
	}
	cfg.Reopen = cfg.Reopen.withDefaults()
	return &Pump{cfg: cfg}, nil
}

// Run opens the device and pumps frames into the hub. It returns nil when ctx
// is cancelled and an error when the device cannot be (re)opened. The source
// is closed on return.
func (p *Pump) Run(ctx context.Context) error {
	src, err := reopen(ctx, p.cfg.Open, p.cfg.Reopen)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	p.src = src
	p.running.Store(true)
	defer func() {
		p.running.Store(false)
		if p.src != nil {
			if cerr := p.src.Close(); cerr != nil {
				slog.Warn("pipeline: close capture device", "err", cerr)
			}
		}
	}()

	format := src.Format()
	slog.Info("pipeline: capture started",
		"sample_rate", format.SampleRate,
		"frame_duration", format.FrameDuration,
	)

	gated := &audio.GatedSource{Source: src, Gate: p.cfg.Gate}
	for {
		f, err := gated.ReadFrame(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			lost := errors.Is(err, audio.ErrSourceClosed) || p.readFailed(ctx, err)
			if !lost {
				continue
			}
			if err := p.recover(ctx, err); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			gated = &audio.GatedSource{Source: p.src, Gate: p.cfg.Gate}
			continue
		}
		p.readErrs.Store(0)
		p.deliver(ctx, f)
	}
}

// readFailed counts a transient error and reports whether the run of errors
// is long enough to treat the device as lost.
func (p *Pump) readFailed(ctx context.Context, err error) bool {
	n := p.readErrs.Add(1)
	p.cfg.Metrics.DeviceErrors.Add(ctx, 1)
	if n == 1 {
		slog.Warn("pipeline: frame read failed, skipping", "err", err)
	} else {
		slog.Debug("pipeline: frame read failed, skipping", "err", err, "consecutive", n)
	}
	return n >= int64(p.cfg.MaxReadErrors)
}

// recover closes the lost device and opens a new one.
func (p *Pump) recover(ctx context.Context, cause error) error {
	slog.Error("pipeline: capture device lost, reopening", "err", cause)
	if cerr := p.src.Close(); cerr != nil {
		slog.Debug("pipeline: close lost device", "err", cerr)
	}
	p.src = nil
	src, err := reopen(ctx, p.cfg.Open, p.cfg.Reopen)
	if err != nil {
		return fmt.Errorf("pipeline: capture device lost: %w", err)
	}
	p.src = src
	p.readErrs.Store(0)
	p.reopens.Add(1)
	return nil
}

func (p *Pump) deliver(ctx context.Context, f audio.Frame) {
	if p.cfg.AGC != nil {
		f = p.cfg.AGC.Process(f)
		p.cfg.Metrics.AGCGain.Record(ctx, p.cfg.AGC.Gain())
	}
	p.cfg.Metrics.FramesRead.Add(ctx, 1)
	p.totalFrame.Add(1)
	p.lastFrame.Store(time.Now().UnixNano())
	p.cfg.Hub.Publish(ctx, f)
}

// PumpStatus is a snapshot of the pump's health.
type PumpStatus struct {
	Running           bool
	Frames            int64
	LastFrame         time.Time
	ConsecutiveErrors int64
	Reopens           int64
}

// Status returns the current health snapshot. Safe for concurrent use.
func (p *Pump) Status() PumpStatus {
	st := PumpStatus{
		Running:           p.running.Load(),
		Frames:            p.totalFrame.Load(),
		ConsecutiveErrors: p.readErrs.Load(),
		Reopens:           p.reopens.Load(),
	}
	if ns := p.lastFrame.Load(); ns > 0 {
		st.LastFrame = time.Unix(0, ns)
	}
	return st
}

// Healthy returns an error unless the pump is running and delivered a frame
// within maxAge.
func (p *Pump) Healthy(maxAge time.Duration) error {
	st := p.Status()
	switch {
	case !st.Running:
		return errors.New("capture not running")
	case st.LastFrame.IsZero():
		return errors.New("no frames captured yet")
	case time.Since(st.LastFrame) > maxAge:
		return fmt.Errorf("last frame %s ago", time.Since(st.LastFrame).Round(time.Millisecond))
	}
	return nil
}

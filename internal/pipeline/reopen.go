package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Default reopen parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Opener opens the capture device. It is called once at start-up and again
// whenever the device disappears.
type Opener func(ctx context.Context) (audio.Source, error)

// ReopenPolicy bounds how hard the pump tries to get a lost device back.
type ReopenPolicy struct {
	// MaxRetries is the number of attempts before giving up. Default: 10.
	MaxRetries int

	// Backoff is the wait before the second attempt. It doubles every attempt
	// up to MaxBackoff. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts. Default: 30s.
	MaxBackoff time.Duration
}

func (p ReopenPolicy) withDefaults() ReopenPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	return p
}

// reopen calls open until it succeeds, ctx is done or the retries run out.
// The first attempt is immediate.
func reopen(ctx context.Context, open Opener, p ReopenPolicy) (audio.Source, error) {
	backoff := p.Backoff
	var lastErr error
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		src, err := open(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("pipeline: capture device reopened", "attempt", attempt)
			}
			return src, nil
		}
		lastErr = err
		slog.Warn("pipeline: open capture device failed",
			"attempt", attempt,
			"max_retries", p.MaxRetries,
			"retry_in", backoff,
			"err", err,
		)
		if attempt == p.MaxRetries {
			break
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, p.MaxBackoff)
	}
	return nil, fmt.Errorf("pipeline: open capture device: giving up after %d attempts: %w", p.MaxRetries, lastErr)
}

// Package events defines the operator-facing event stream: activations,
// sealed segments, state changes, synthesis progress and degradation
// notices. Events are fire-and-forget values delivered to one or more
// [Sink]s (structured log, metrics, SQLite timeline).
package events

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/earshot/internal/observe"
)

// Kind identifies what happened.
type Kind string

const (
	KindActivation            Kind = "activation"
	KindSegmentSealed         Kind = "segment_sealed"
	KindStateChange           Kind = "state_change"
	KindTTSStart              Kind = "tts_start"
	KindTTSDone               Kind = "tts_done"
	KindTTSDegraded           Kind = "tts_degraded"
	KindSessionStart          Kind = "session_start"
	KindSessionEnd            Kind = "session_end"
	KindTranscriptionDegraded Kind = "transcription_degraded"
)

// Event is a single timeline entry. Attrs holds kind-specific details such as
// {"from": "idle", "to": "recording"} for [KindStateChange].
type Event struct {
	Kind      Kind
	SessionID string
	Time      time.Time
	Attrs     map[string]string
}

// New builds an event stamped with the current time. kv is a flat list of
// key/value pairs; a trailing key without value is ignored.
func New(kind Kind, sessionID string, kv ...string) Event {
	e := Event{Kind: kind, SessionID: sessionID, Time: time.Now()}
	if len(kv) >= 2 {
		e.Attrs = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Attrs[kv[i]] = kv[i+1]
		}
	}
	return e
}

// Attr returns the attribute value for key, or "".
func (e Event) Attr(key string) string {
	return e.Attrs[key]
}

// logArgs flattens the event into slog key/value arguments with stable
// attribute order.
func (e Event) logArgs() []any {
	args := []any{"kind", string(e.Kind)}
	if e.SessionID != "" {
		args = append(args, "session_id", e.SessionID)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
		args = append(args, k, e.Attrs[k])
	}
	return args
}

// Sink receives events. Emit must not block the caller for long: the session
// manager emits from the goroutine that also consumes audio frames.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, e Event)

// Emit implements [Sink].
func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Fanout delivers each event to every sink in order. Nil entries are skipped.
type Fanout []Sink

// Emit implements [Sink].
func (f Fanout) Emit(ctx context.Context, e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// LogSink writes events as structured log records. Degradation events are
// logged at error level, everything else at info.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements [Sink].
func (s LogSink) Emit(ctx context.Context, e Event) {
	l := s.Logger
	if l == nil {
		l = observe.Logger(ctx)
	}
	level := slog.LevelInfo
	switch e.Kind {
	case KindTTSDegraded, KindTranscriptionDegraded:
		level = slog.LevelError
	}
	l.Log(ctx, level, "event", e.logArgs()...)
}

// MetricsSink counts events by kind and feeds the dedicated counters for
// activations and state transitions.
type MetricsSink struct {
	Metrics *observe.Metrics
}

// Emit implements [Sink].
func (s MetricsSink) Emit(ctx context.Context, e Event) {
	m := s.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	m.Events.Add(ctx, 1, metric.WithAttributes(observe.Attr("kind", string(e.Kind))))
	switch e.Kind {
	case KindActivation:
		m.RecordActivation(ctx, e.Attr("phrase"))
	case KindStateChange:
		m.RecordTransition(ctx, e.Attr("from"), e.Attr("to"))
	case KindSessionStart:
		m.ActiveSessions.Add(ctx, 1)
	case KindSessionEnd:
		m.ActiveSessions.Add(ctx, -1)
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/capture"
	"github.com/MrWong99/earshot/internal/events"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/pipeline"
	"github.com/MrWong99/earshot/internal/wake"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/reply"
)

// ErrBusy is returned by [Manager.Trigger] when a conversation is already
// running.
var ErrBusy = errors.New("session: conversation in progress")

// WakeDetector finds the activation phrase in the idle frame stream.
// *wake.Detector satisfies it.
type WakeDetector interface {
	Process(ctx context.Context, f audio.Frame) (*wake.Activation, error)
	Reset()
}

// SegmentCapturer records one utterance. *capture.Capturer satisfies it.
type SegmentCapturer interface {
	Capture(ctx context.Context, preRoll []audio.LabeledFrame, frames <-chan audio.Frame, stop <-chan struct{}) (capture.Segment, error)
}

// Speaker plays a reply with the microphone muted. *speech.Arbiter
// satisfies it.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Config holds the manager settings.
type Config struct {
	// SystemPrompt is sent with every reply request.
	SystemPrompt string

	// ErrorText is spoken when the reply backend fails. Empty skips
	// speaking and goes straight to follow-up listening.
	ErrorText string

	// ReplyTimeout bounds a single backend call. Default: 20s.
	ReplyTimeout time.Duration

	// HistoryTokens caps the estimated size of the history replayed to the
	// backend. Zero sends the whole history.
	HistoryTokens int

	// Buffer is the hub subscription capacity in frames. Default: 50.
	Buffer int
}

// Deps are the collaborators of a [Manager]. All are required except Events
// and Metrics.
type Deps struct {
	Hub      *pipeline.Hub
	Wake     WakeDetector
	Capture  SegmentCapturer
	Followup *Followup
	Backend  reply.Backend
	Speaker  Speaker
	Events   events.Sink
	Metrics  *observe.Metrics
}

// Manager is the conversation state machine. Run is the only writer of the
// state; State, Conversation, Trigger and Stop may be called from any
// goroutine.
type Manager struct {
	cfg  Config
	deps Deps

	trigger chan struct{}

	mu      sync.Mutex
	state   State
	conv    *Conversation // current, or the last one after it ended
	stop    chan struct{} // closed by Stop; nil while idle
	stopped bool
	cancel  context.CancelFunc
}

// New validates deps and returns an idle manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Hub == nil:
		return nil, errors.New("session: hub is required")
	case deps.Wake == nil:
		return nil, errors.New("session: wake detector is required")
	case deps.Capture == nil:
		return nil, errors.New("session: capturer is required")
	case deps.Followup == nil:
		return nil, errors.New("session: follow-up listener is required")
	case deps.Backend == nil:
		return nil, errors.New("session: reply backend is required")
	case deps.Speaker == nil:
		return nil, errors.New("session: speaker is required")
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 20 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 50
	}
	return &Manager{cfg: cfg, deps: deps, trigger: make(chan struct{}, 1)}, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Conversation returns a copy of the running conversation, or of the last
// one if none is running. ok is false before the first activation.
func (m *Manager) Conversation() (c Conversation, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv == nil {
		return Conversation{}, false
	}
	return m.conv.clone(), true
}

// Trigger starts a conversation with an empty pre-roll, as if the wake
// phrase had been heard. It returns [ErrBusy] unless the manager is idle.
func (m *Manager) Trigger() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return ErrBusy
	}
	select {
	case m.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Stop ends the running conversation from any state. Every blocking wait of
// the conversation observes it within one frame period. It reports whether a
// conversation was running.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil || m.stopped {
		return false
	}
	m.stopped = true
	close(m.stop)
	m.cancel()
	return true
}

// turn carries the state of one conversation through the loop.
type turn struct {
	ctx     context.Context
	stop    <-chan struct{}
	preRoll []audio.LabeledFrame
}

// Run drives the state machine until ctx is cancelled or the hub closes. It
// returns an error only for fatal classifier or configuration failures.
func (m *Manager) Run(ctx context.Context) error {
	sub, err := m.deps.Hub.Subscribe(m.cfg.Buffer)
	if err != nil {
		return fmt.Errorf("session: subscribe: %w", err)
	}
	defer func() { m.deps.Hub.Unsubscribe(sub) }()

	for {
		preRoll, ok, err := m.listenIdle(ctx, sub)
		if err != nil || !ok {
			return err
		}
		t := m.begin(ctx, preRoll)
		sub, err = m.converse(ctx, t, sub)
		if err != nil || sub == nil || ctx.Err() != nil {
			// No-op when the conversation already ended.
			m.end(ctx, EndShutdown)
			return err
		}
		// Back to Idle with a fresh transcript. The first pass keeps the
		// stream the caller already opened.
		m.deps.Wake.Reset()
	}
}

// listenIdle feeds the wake detector until an activation or a manual trigger.
// ok is false when ctx is done or the stream closed.
func (m *Manager) listenIdle(ctx context.Context, sub *pipeline.Subscription) (preRoll []audio.LabeledFrame, ok bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return nil, false, nil
		case <-m.trigger:
			slog.Info("session: manual trigger")
			m.deps.Events.Emit(ctx, events.New(events.KindActivation, "", "source", "manual"))
			return nil, true, nil
		case f, open := <-sub.C:
			if !open {
				return nil, false, nil
			}
			act, err := m.deps.Wake.Process(ctx, f)
			if err != nil {
				return nil, false, err
			}
			if act != nil {
				m.deps.Events.Emit(ctx, events.New(events.KindActivation, "",
					"source", "wake",
					"phrase", act.Phrase,
					"score", strconv.FormatFloat(act.Score, 'f', 2, 64),
					"pre_roll_frames", strconv.Itoa(len(act.PreRoll)),
				))
				return act.PreRoll, true, nil
			}
		}
	}
}

// begin creates a new conversation and moves to Recording.
func (m *Manager) begin(ctx context.Context, preRoll []audio.LabeledFrame) *turn {
	now := time.Now()
	conv := &Conversation{
		ID:           uuid.NewString(),
		StartedAt:    now,
		LastActivity: now,
	}
	sctx, cancel := context.WithCancel(observe.WithSession(ctx, conv.ID))
	stop := make(chan struct{})

	m.mu.Lock()
	// A trigger that raced with this activation belongs to it.
	drainTrigger(m.trigger)
	m.conv = conv
	m.stop = stop
	m.stopped = false
	m.cancel = cancel
	from := m.state
	m.state = StateRecording
	m.mu.Unlock()

	observe.Logger(sctx).Info("session: conversation started", "pre_roll_frames", len(preRoll))
	m.deps.Events.Emit(sctx, events.New(events.KindSessionStart, conv.ID))
	m.transitioned(sctx, conv.ID, from, StateRecording)
	return &turn{ctx: sctx, stop: stop, preRoll: preRoll}
}

// converse runs Recording → Thinking → Speaking → AwaitFollowup until the
// conversation ends. It returns the live subscription (nil if the stream
// closed) and a fatal error, if any.
func (m *Manager) converse(ctx context.Context, t *turn, sub *pipeline.Subscription) (*pipeline.Subscription, error) {
	for {
		seg, err := m.deps.Capture.Capture(t.ctx, t.preRoll, sub.C, t.stop)
		if m.interrupted(ctx, t) {
			return m.finish(ctx, t, sub, EndManualStop)
		}
		if err != nil {
			return sub, err
		}
		m.sealed(t.ctx, seg)
		if seg.ExitPhrase {
			// Recording goes straight to Idle; the exit phrase gets no reply.
			return m.finish(ctx, t, sub, EndExitPhrase)
		}

		// Nobody listens while the device thinks and talks.
		m.deps.Hub.Unsubscribe(sub)
		m.setState(t.ctx, StateThinking)
		m.respond(t, seg)
		if m.interrupted(ctx, t) {
			return m.resubscribe(ctx, t, EndManualStop)
		}

		sub, err = m.deps.Hub.Subscribe(m.cfg.Buffer)
		if err != nil {
			return nil, nil
		}
		m.setState(t.ctx, StateAwaitFollowup)
		res, err := m.deps.Followup.Listen(t.ctx, sub.C, t.stop)
		if err != nil {
			return sub, err
		}
		switch res.Outcome {
		case FollowupTimeout:
			return m.finish(ctx, t, sub, EndTimeout)
		case FollowupStopped:
			return m.finish(ctx, t, sub, EndManualStop)
		}

		m.mu.Lock()
		m.conv.TurnIndex++
		m.conv.LastActivity = time.Now()
		m.mu.Unlock()
		t.preRoll = res.PreRoll
		m.setState(t.ctx, StateRecording)
	}
}

// respond runs Thinking and Speaking for one segment. An empty transcript
// skips the backend. A failed backend call speaks the error text, if any.
func (m *Manager) respond(t *turn, seg capture.Segment) {
	text := seg.Transcript
	if text == "" {
		observe.Logger(t.ctx).Info("session: empty transcript, waiting for follow-up")
		return
	}

	m.mu.Lock()
	req := reply.Request{
		SystemPrompt: m.cfg.SystemPrompt,
		History:      m.conv.Messages(m.cfg.HistoryTokens),
		Transcript:   text,
	}
	turnIdx := m.conv.TurnIndex
	m.mu.Unlock()

	answer, err := m.ask(t.ctx, req)
	if t.ctx.Err() != nil {
		return
	}
	failed := err != nil
	if failed {
		observe.Logger(t.ctx).Error("session: reply backend failed", "err", err)
		answer = m.cfg.ErrorText
		if answer == "" {
			return
		}
	}

	m.mu.Lock()
	m.conv.History = append(m.conv.History, Exchange{
		Turn:      turnIdx,
		User:      text,
		Assistant: answer,
		Failed:    failed,
		Reason:    seg.Reason,
		At:        time.Now(),
	})
	m.conv.LastActivity = time.Now()
	m.mu.Unlock()

	m.setState(t.ctx, StateSpeaking)
	if err := m.deps.Speaker.Speak(t.ctx, answer); err != nil && t.ctx.Err() == nil {
		observe.Logger(t.ctx).Warn("session: speaking reply failed", "err", err)
	}
}

// ask calls the backend with the reply timeout and records latency.
func (m *Manager) ask(ctx context.Context, req reply.Request) (string, error) {
	ctx, span := observe.StartSpan(ctx, "session.reply")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ReplyTimeout)
	defer cancel()

	start := time.Now()
	answer, err := m.deps.Backend.Reply(ctx, req)
	m.deps.Metrics.ReplyDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("session: reply: %w", err)
	}
	return answer, nil
}

// sealed records a finished segment.
func (m *Manager) sealed(ctx context.Context, seg capture.Segment) {
	m.deps.Metrics.RecordSegment(ctx, seg.Duration().Seconds(), string(seg.Reason))
	m.deps.Events.Emit(ctx, events.New(events.KindSegmentSealed, observe.SessionID(ctx),
		"reason", string(seg.Reason),
		"frames", strconv.Itoa(len(seg.Frames)),
		"speech_frames", strconv.Itoa(seg.SpeechFrameCount),
		"exit_phrase", strconv.FormatBool(seg.ExitPhrase),
	))
	observe.Logger(ctx).Info("session: segment sealed",
		"reason", string(seg.Reason),
		"duration", seg.Duration(),
		"transcript", seg.Transcript,
	)
}

// interrupted reports whether the conversation was stopped or the manager is
// shutting down.
func (m *Manager) interrupted(ctx context.Context, t *turn) bool {
	if ctx.Err() != nil || t.ctx.Err() != nil {
		return true
	}
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// finish ends the conversation while keeping sub for the idle listener.
func (m *Manager) finish(ctx context.Context, t *turn, sub *pipeline.Subscription, reason string) (*pipeline.Subscription, error) {
	if ctx.Err() != nil {
		return sub, nil
	}
	m.end(t.ctx, reason)
	return sub, nil
}

// resubscribe ends the conversation after the subscription was released.
func (m *Manager) resubscribe(ctx context.Context, t *turn, reason string) (*pipeline.Subscription, error) {
	sub, err := m.deps.Hub.Subscribe(m.cfg.Buffer)
	if err != nil {
		sub = nil
	}
	if ctx.Err() != nil {
		return sub, nil
	}
	m.end(t.ctx, reason)
	return sub, nil
}

// end closes the running conversation, if any, and returns to Idle.
func (m *Manager) end(ctx context.Context, reason string) {
	m.mu.Lock()
	conv := m.conv
	running := m.stop != nil
	if running {
		if !m.stopped {
			close(m.stop)
			m.stopped = true
		}
		m.cancel()
		m.stop = nil
		conv.EndedAt = time.Now()
		conv.EndReason = reason
	}
	m.mu.Unlock()
	if !running {
		return
	}

	ctx = context.WithoutCancel(ctx)
	observe.Logger(ctx).Info("session: conversation ended",
		"reason", reason,
		"turns", conv.TurnIndex+1,
		"exchanges", len(conv.History),
	)
	m.deps.Events.Emit(ctx, events.New(events.KindSessionEnd, conv.ID,
		"reason", reason,
		"exchanges", strconv.Itoa(len(conv.History)),
	))
	m.setState(ctx, StateIdle)
}

// setState moves the machine and emits the transition.
func (m *Manager) setState(ctx context.Context, to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	id := ""
	if m.conv != nil {
		id = m.conv.ID
	}
	m.mu.Unlock()
	m.transitioned(ctx, id, from, to)
}

// transitioned logs and emits a state change.
func (m *Manager) transitioned(ctx context.Context, id string, from, to State) {
	if from == to {
		return
	}
	slog.Debug("session: state change", "session_id", id, "from", from.String(), "to", to.String())
	m.deps.Events.Emit(ctx, events.New(events.KindStateChange, id, "from", from.String(), "to", to.String()))
}

func drainTrigger(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

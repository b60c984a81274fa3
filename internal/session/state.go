// Package session runs the conversation state machine. A single [Manager]
// goroutine decides who listens to the microphone: the wake detector while
// idle, the segment capturer while recording, and the follow-up listener
// after a reply was spoken. Activations, sealed segments and follow-up speech
// are values returned to that goroutine, never callbacks.
package session

// State is the conversation state. Exactly one is active at a time.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateThinking
	StateSpeaking
	StateAwaitFollowup
)

// String returns the snake_case name used in logs, events and metrics.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateAwaitFollowup:
		return "await_followup"
	default:
		return "unknown"
	}
}

// End reasons recorded on [Conversation.EndReason] and session_end events.
const (
	EndTimeout    = "timeout"
	EndExitPhrase = "exit_phrase"
	EndManualStop = "manual_stop"
	EndShutdown   = "shutdown"
)

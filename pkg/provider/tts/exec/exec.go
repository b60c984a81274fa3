// Package exec implements a [tts.Synthesizer] that delegates to an external
// command, such as piper piped into aplay or espeak-ng.
//
// The command line is split with shell quoting rules. The placeholders {text}
// and {voice} inside any argument are replaced per call. When no argument
// contains {text}, the text is written to the command's standard input
// followed by a newline. A call is complete when the command exits.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/MrWong99/earshot/pkg/provider/tts"
)

// Synth runs one command per Speak call.
type Synth struct {
	args  []string
	voice string

	mu     sync.Mutex
	closed bool
}

// Option configures a Synth.
type Option func(*Synth)

// WithVoice sets the value substituted for {voice}.
func WithVoice(voice string) Option {
	return func(s *Synth) { s.voice = voice }
}

// New parses command and returns a synthesizer.
func New(command string, opts ...Option) (*Synth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("tts exec: parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts exec: command empty")
	}
	s := &Synth{args: args}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Factory returns a [tts.Factory] creating a Synth for command.
func Factory(command string, opts ...Option) tts.Factory {
	return func(context.Context) (tts.Synthesizer, error) {
		return New(command, opts...)
	}
}

// Speak runs the command and waits for it to exit. The command is killed when
// ctx is cancelled.
func (s *Synth) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("tts exec: synthesizer closed")
	}

	args, viaArg := s.expand(text)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if !viaArg {
		cmd.Stdin = strings.NewReader(text + "\n")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("tts exec: %w", ctxErr)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tts exec: %s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("tts exec: %s: %w", args[0], err)
	}
	return nil
}

// expand substitutes the placeholders and reports whether {text} was used.
func (s *Synth) expand(text string) ([]string, bool) {
	out := make([]string, len(s.args))
	viaArg := false
	for i, a := range s.args {
		if strings.Contains(a, "{text}") {
			viaArg = true
			a = strings.ReplaceAll(a, "{text}", text)
		}
		out[i] = strings.ReplaceAll(a, "{voice}", s.voice)
	}
	return out, viaArg
}

// Close marks the synthesizer closed.
func (s *Synth) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ tts.Synthesizer = (*Synth)(nil)

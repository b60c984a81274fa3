// Package anyllm provides a reply backend backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	b, err := anyllm.New("ollama", "llama3.2")
//	b, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/earshot/pkg/provider/reply"
)

// Backend implements reply.Backend by wrapping github.com/mozilla-ai/any-llm-go.
type Backend struct {
	backend   anyllmlib.Provider
	model     string
	maxTokens int
}

// New creates a Backend for the named vendor.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option the vendor's environment
// variable is used (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Backend, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Backend{backend: backend, model: model}, nil
}

// WithMaxTokens returns a copy of b that caps reply length at n tokens.
func (b *Backend) WithMaxTokens(n int) *Backend {
	cp := *b
	cp.maxTokens = n
	return &cp
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Reply implements reply.Backend. Image frames are not forwarded.
func (b *Backend) Reply(ctx context.Context, req reply.Request) (string, error) {
	if len(req.Frames) > 0 {
		slog.Debug("anyllm: dropping image frames", "model", b.model, "frames", len(req.Frames))
	}

	resp, err := b.backend.Completion(ctx, b.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: empty choices in response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if text == "" {
		return "", fmt.Errorf("anyllm: %w", reply.ErrEmptyReply)
	}
	return text, nil
}

// buildParams converts a reply.Request into anyllm CompletionParams.
func (b *Backend) buildParams(req reply.Request) anyllmlib.CompletionParams {
	msgs := req.Messages()
	messages := make([]anyllmlib.Message, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    b.model,
		Messages: messages,
	}
	if b.maxTokens > 0 {
		mt := b.maxTokens
		params.MaxTokens = &mt
	}
	return params
}

// convertMessage converts a reply.Message to an anyllm.Message. Role names
// are shared with the OpenAI wire format.
func convertMessage(m reply.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: m.Role, Content: m.Content}
}

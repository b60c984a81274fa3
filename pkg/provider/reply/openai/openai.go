// Package openai provides a reply backend backed by the OpenAI chat
// completions API.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/earshot/pkg/provider/reply"
)

// Backend implements reply.Backend using the OpenAI API.
type Backend struct {
	client    oai.Client
	model     string
	maxTokens int
}

// config holds optional configuration for the backend.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxTokens    int
}

// Option is a functional option for Backend.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Any server speaking
// the chat completions protocol works (llama.cpp, vLLM, LocalAI).
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxTokens caps the length of a reply. Spoken replies should be short.
func WithMaxTokens(n int) Option {
	return func(c *config) {
		c.maxTokens = n
	}
}

// New constructs a new OpenAI reply Backend.
func New(apiKey string, model string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Backend{client: client, model: model, maxTokens: cfg.maxTokens}, nil
}

// Reply implements reply.Backend.
func (b *Backend) Reply(ctx context.Context, req reply.Request) (string, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return "", fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("openai: %w", reply.ErrEmptyReply)
	}
	slog.Debug("openai reply",
		"model", b.model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return text, nil
}

// supportsVision reports whether model accepts image content parts.
func supportsVision(model string) bool {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"),
		strings.HasPrefix(lower, "gpt-4-turbo"),
		strings.HasPrefix(lower, "gpt-4.1"),
		strings.HasPrefix(lower, "gpt-5"):
		return true
	case strings.HasPrefix(lower, "o1-mini"), strings.HasPrefix(lower, "o3-mini"):
		return false
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return true
	}
	return false
}

// buildParams converts a reply.Request into OpenAI SDK params. Frames are
// attached to the final user message as data URLs when the model accepts
// images; otherwise they are dropped.
func (b *Backend) buildParams(req reply.Request) (oai.ChatCompletionNewParams, error) {
	msgs := req.Messages()
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(msgs))

	for _, m := range msgs[:len(msgs)-1] {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	last := msgs[len(msgs)-1]
	switch {
	case len(req.Frames) > 0 && supportsVision(b.model):
		parts := []oai.ChatCompletionContentPartUnionParam{oai.TextContentPart(last.Content)}
		for _, img := range req.Frames {
			parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL: dataURL(img),
			}))
		}
		messages = append(messages, oai.UserMessage(parts))
	default:
		if len(req.Frames) > 0 {
			slog.Debug("openai: model does not accept images, dropping frames",
				"model", b.model, "frames", len(req.Frames))
		}
		messages = append(messages, oai.UserMessage(last.Content))
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(b.model),
		Messages: messages,
	}
	if b.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(b.maxTokens))
	}
	return params, nil
}

// convertMessage converts a reply.Message to an OpenAI SDK message param.
func convertMessage(m reply.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case reply.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case reply.RoleUser:
		return oai.UserMessage(m.Content), nil

	case reply.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

func dataURL(img reply.Image) string {
	mime := img.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

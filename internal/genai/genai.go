// Package genai implements the reply-generation collaborator using the
// OpenAI API.
//
// The generator is architecturally isolated from the chat platform: it
// never makes a call across the rate-limited platform boundary, so reply
// generation keeps working even with that boundary entirely unreachable.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// DefaultSystemPrompt frames the model as a concise chat responder.
const DefaultSystemPrompt = "You are a helpful assistant replying inside a group chat. " +
	"Answer the latest message briefly and directly. Prior thread messages are context only."

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey       string
	Model        string
	SystemPrompt string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key (overrides the OPENAI_API_KEY env var).
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for generation.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) { o.SystemPrompt = prompt }
}

// Client wraps the OpenAI chat-completion service for generating replies.
type Client struct {
	client       openai.Client
	model        string
	systemPrompt string
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	slog.Debug("genai.NewClient: client initialized", "model", model)
	return &Client{
		client:       openai.NewClient(option.WithAPIKey(apiKey)),
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

// Generate produces reply text for one inbound item given the thread's
// recent history. The caller-supplied context bounds the call; a deadline
// hit surfaces as context.DeadlineExceeded.
func (c *Client) Generate(ctx context.Context, item models.InboundItem, history []models.ThreadMessage) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(c.systemPrompt))
	for _, m := range history {
		if m.FromSelf {
			messages = append(messages, openai.AssistantMessage(m.Text))
		} else {
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}
	messages = append(messages, openai.UserMessage(item.Text))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}

	text := resp.Choices[0].Message.Content
	slog.Debug("genai.Generate: reply generated", "itemID", item.ID, "length", len(text))
	return text, nil
}

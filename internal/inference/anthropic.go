// Package inference adapts the Anthropic Messages API to the resolver's
// oracle interface.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesAPI is the slice of the Anthropic client the adapter needs; tests
// substitute a deterministic stub.
type MessagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type messagesService struct {
	messages *anthropic.MessageService
}

func (m *messagesService) New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return m.messages.New(ctx, params)
}

// Client calls the model and extracts the structured JSON reply.
type Client struct {
	api       MessagesAPI
	model     string
	maxTokens int64
	timeout   time.Duration
}

// Options configure a Client.
type Options struct {
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// New builds a Client backed by the real Anthropic API. The API key falls
// back to the SDK's environment lookup when empty.
func New(opts Options) *Client {
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(reqOpts...)
	return NewWithAPI(&messagesService{messages: &client.Messages}, opts)
}

// NewWithAPI builds a Client over a custom MessagesAPI (for tests).
func NewWithAPI(api MessagesAPI, opts Options) *Client {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		api:       api,
		model:     opts.Model,
		maxTokens: int64(opts.MaxTokens),
		timeout:   opts.Timeout,
	}
}

// Infer sends the prompts and returns the first JSON object found in the
// model's reply.
func (c *Client) Infer(ctx context.Context, system, prompt string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	text := textContent(resp)
	if text == "" {
		return nil, fmt.Errorf("inference response has no text content")
	}
	jsonStr := extractJSONBlock(text)
	if jsonStr == "" {
		return nil, fmt.Errorf("inference response has no JSON object")
	}
	return json.RawMessage(jsonStr), nil
}

func textContent(resp *anthropic.Message) string {
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

// extractJSONBlock returns the first balanced top-level JSON object in text.
func extractJSONBlock(text string) string {
	start := -1
	depth := 0
	for i, r := range text {
		switch r {
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if start == -1 {
				continue
			}
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

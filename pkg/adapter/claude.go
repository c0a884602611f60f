package adapter

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
)

const (
	defaultClaudeModel     = "claude-sonnet-4-5"
	defaultClaudeMaxTokens = 1024
)

// Claude calls the Anthropic Messages API
type Claude struct {
	model     string
	baseURL   string
	maxTokens int64
}

type ClaudeOption func(*Claude)

func WithClaudeModel(name string) ClaudeOption {
	return func(c *Claude) {
		c.model = name
	}
}

func WithClaudeBaseURL(url string) ClaudeOption {
	return func(c *Claude) {
		c.baseURL = url
	}
}

// NewClaude creates a Claude oracle. The API key is taken from each request.
func NewClaude(opts ...ClaudeOption) *Claude {
	c := &Claude{
		model:     defaultClaudeModel,
		maxTokens: defaultClaudeMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ interfaces.Oracle = (*Claude)(nil)

func (c *Claude) Complete(ctx context.Context, req *interfaces.OracleRequest) (string, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(req.APIKey),
		option.WithMaxRetries(0),
	}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}
	client := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "failed to call claude", goerr.V("model", c.model))
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", goerr.Wrap(model.ErrEmptyReply, "claude returned no text block",
			goerr.V("model", c.model),
			goerr.V("stop_reason", msg.StopReason))
	}

	return b.String(), nil
}

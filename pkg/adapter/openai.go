package adapter

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel     = "gpt-4o"
	defaultOpenAIMaxTokens = 300

	// shared by the oracles that accept a sampling temperature
	defaultTemperature = 0.7
)

// OpenAI calls the chat completions endpoint. A client is built per request because the
// API key comes from the credential store and may change between calls.
type OpenAI struct {
	model       string
	baseURL     string
	maxTokens   int
	temperature float32
}

type OpenAIOption func(*OpenAI)

func WithOpenAIModel(name string) OpenAIOption {
	return func(o *OpenAI) {
		o.model = name
	}
}

// WithOpenAIBaseURL points the client at a compatible endpoint, e.g. "http://localhost:8080/v1"
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *OpenAI) {
		o.baseURL = url
	}
}

func WithOpenAIMaxTokens(n int) OpenAIOption {
	return func(o *OpenAI) {
		o.maxTokens = n
	}
}

func NewOpenAI(opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		model:       defaultOpenAIModel,
		maxTokens:   defaultOpenAIMaxTokens,
		temperature: defaultTemperature,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ interfaces.Oracle = (*OpenAI)(nil)

func (o *OpenAI) Complete(ctx context.Context, req *interfaces.OracleRequest) (string, error) {
	cfg := openai.DefaultConfig(req.APIKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	client := openai.NewClientWithConfig(cfg)

	chatReq := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}
	if req.Schema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", goerr.Wrap(err, "openai returned an error",
				goerr.V("status", apiErr.HTTPStatusCode),
				goerr.V("message", apiErr.Message),
				goerr.V("model", o.model))
		}
		return "", goerr.Wrap(err, "failed to call openai", goerr.V("model", o.model))
	}

	if len(resp.Choices) == 0 {
		return "", goerr.Wrap(model.ErrEmptyReply, "openai returned no choices", goerr.V("model", o.model))
	}

	return resp.Choices[0].Message.Content, nil
}

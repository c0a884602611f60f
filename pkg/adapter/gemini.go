package adapter

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/model"
	"google.golang.org/genai"
)

// GeminiClient calls Gemini on Vertex AI. It authenticates with application default
// credentials, so the request API key is not used.
type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	temperature     float32
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithGeminiTemperature(t float32) GeminiOption {
	return func(g *GeminiClient) {
		g.temperature = t
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: "gemini-2.5-flash",
		temperature:     defaultTemperature,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

var _ interfaces.Oracle = (*GeminiClient)(nil)

func (g *GeminiClient) Complete(ctx context.Context, req *interfaces.OracleRequest) (string, error) {
	config, err := geminiConfig(req, g.temperature)
	if err != nil {
		return "", err
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate content", goerr.V("model", g.generativeModel))
	}

	text := responseText(resp)
	if text == "" {
		return "", goerr.Wrap(model.ErrEmptyReply, "gemini returned no text", goerr.V("model", g.generativeModel))
	}
	return text, nil
}

func geminiConfig(req *interfaces.OracleRequest, temperature float32) (*genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Schema != nil {
		schema, err := convertSchema(req.Schema)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert reply schema")
		}
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = schema
	}
	return config, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

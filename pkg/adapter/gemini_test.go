package adapter_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/vibe/pkg/adapter"
	"github.com/m-mizutani/vibe/pkg/interfaces"
	"github.com/m-mizutani/vibe/pkg/usecase/reply"
	"google.golang.org/genai"
)

func TestGeminiConfig(t *testing.T) {
	config, err := adapter.GeminiConfig(&interfaces.OracleRequest{
		System: "be brief",
		Prompt: "hello",
		Schema: reply.Schema(),
	}, 0.7)
	gt.NoError(t, err)

	gt.Equal(t, *config.Temperature, float32(0.7))
	gt.Equal(t, config.ResponseMIMEType, "application/json")
	gt.Equal(t, config.SystemInstruction.Parts[0].Text, "be brief")

	schema := config.ResponseSchema
	gt.V(t, schema).NotNil()
	gt.Equal(t, schema.Type, genai.TypeObject)
	gt.A(t, schema.Required).Length(4)
	gt.Equal(t, schema.Properties["confidence"].Type, genai.TypeInteger)
	gt.Equal(t, *schema.Properties["confidence"].Minimum, float64(1))
	gt.Equal(t, *schema.Properties["confidence"].Maximum, float64(10))
	gt.A(t, schema.Properties["category"].Enum).Length(6)
}

func TestGeminiConfigWithoutSchema(t *testing.T) {
	config, err := adapter.GeminiConfig(&interfaces.OracleRequest{Prompt: "hello"}, 0.2)
	gt.NoError(t, err)
	gt.Equal(t, config.ResponseMIMEType, "")
	gt.True(t, config.ResponseSchema == nil)
	gt.True(t, config.SystemInstruction == nil)
}

func TestConvertSchemaUnsupportedType(t *testing.T) {
	_, err := adapter.ConvertSchema(&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"nothing": {Type: "null"},
		},
	})
	gt.Error(t, err)

	out, err := adapter.ConvertSchema(nil)
	gt.NoError(t, err)
	gt.True(t, out == nil)
}

func TestGeminiComplete(t *testing.T) {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	ctx := context.Background()
	client, err := adapter.NewGemini(ctx, projectID, "us-central1")
	gt.NoError(t, err)

	system, err := reply.SystemPrompt()
	gt.NoError(t, err)
	prompt, err := reply.UserPrompt("Is this too expensive for our budget?")
	gt.NoError(t, err)

	raw, err := client.Complete(ctx, &interfaces.OracleRequest{
		System: system,
		Prompt: prompt,
		Schema: reply.Schema(),
	})
	gt.NoError(t, err)
	gt.NoError(t, reply.Conforms(raw))

	res := reply.Parse(raw)
	t.Log("reply:", res.Reply, "category:", res.Category, "confidence:", res.Confidence)
}

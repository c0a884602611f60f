package reply

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/vibe/pkg/model"
)

// Schema describes the JSON object the oracle is asked to return
func Schema() *jsonschema.Schema {
	categories := make([]any, 0, len(model.Categories()))
	for _, c := range model.Categories() {
		categories = append(categories, string(c))
	}

	minConf := float64(model.MinConfidence)
	maxConf := float64(model.MaxConfidence)

	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"reply": {
				Type:        "string",
				Description: "Response to say to the customer, under 150 words",
			},
			"confidence": {
				Type:        "integer",
				Description: "How likely the response resolves the objection",
				Minimum:     &minConf,
				Maximum:     &maxConf,
			},
			"category": {
				Type:        "string",
				Description: "Objection category",
				Enum:        categories,
			},
			"subcategory": {
				Type:        "string",
				Description: "Short label narrowing the category",
			},
		},
		Required: []string{"reply", "confidence", "category", "subcategory"},
	}
}

package reply

import (
	"bytes"
	_ "embed"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/model"
)

//go:embed prompt/system.md
var systemPromptRaw string

//go:embed prompt/user.md
var userPromptRaw string

var (
	systemPromptTmpl = template.Must(template.New("system").Parse(systemPromptRaw))
	userPromptTmpl   = template.Must(template.New("user").Parse(userPromptRaw))
)

// SystemPrompt renders the fixed instruction contract sent with every request
func SystemPrompt() (string, error) {
	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, map[string]any{
		"Categories":    model.Categories(),
		"MinConfidence": model.MinConfidence,
		"MaxConfidence": model.MaxConfidence,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute system prompt template")
	}
	return buf.String(), nil
}

// UserPrompt renders the request for one objection text
func UserPrompt(objection string) (string, error) {
	var buf bytes.Buffer
	if err := userPromptTmpl.Execute(&buf, map[string]any{
		"Objection": objection,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute user prompt template")
	}
	return buf.String(), nil
}

package reply

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/model"
)

// Parse turns raw oracle text into a ReplyResult. It never fails: text that is not a
// JSON object with a non-empty "reply" string becomes a fallback result carrying the
// whole text. Category and confidence are normalized into their domains.
func Parse(raw string) *model.ReplyResult {
	text := strings.TrimSpace(raw)

	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(unwrapCodeFence(text)), &payload); err != nil {
		return model.FallbackReply(text)
	}

	var reply string
	if v, ok := payload["reply"]; !ok || json.Unmarshal(v, &reply) != nil || strings.TrimSpace(reply) == "" {
		return model.FallbackReply(text)
	}

	var subcategory string
	if v, ok := payload["subcategory"]; ok {
		_ = json.Unmarshal(v, &subcategory)
	}

	return &model.ReplyResult{
		Reply:       strings.TrimSpace(reply),
		Confidence:  parseConfidence(payload["confidence"]),
		Category:    parseCategory(payload["category"]),
		Subcategory: strings.TrimSpace(subcategory),
	}
}

func parseConfidence(v json.RawMessage) int {
	if len(v) == 0 || string(v) == "null" {
		return model.DefaultConfidence
	}

	var num float64
	if err := json.Unmarshal(v, &num); err == nil {
		return model.ClampConfidence(num)
	}

	var str string
	if err := json.Unmarshal(v, &str); err == nil {
		if num, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
			return model.ClampConfidence(num)
		}
	}

	return model.DefaultConfidence
}

func parseCategory(v json.RawMessage) model.Category {
	var str string
	if len(v) == 0 || json.Unmarshal(v, &str) != nil {
		return model.CategoryOther
	}
	return model.ParseCategory(str)
}

// unwrapCodeFence returns the body of a ```json ... ``` block if text is one
func unwrapCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") || !strings.HasSuffix(text, "```") || len(text) < 6 {
		return text
	}

	body := strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")
	// drop the language identifier line, e.g. "json"
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	}
	return strings.TrimSpace(body)
}

var resolvedSchema *jsonschema.Resolved

func init() {
	resolved, err := Schema().Resolve(nil)
	if err != nil {
		panic("reply schema does not resolve: " + err.Error())
	}
	resolvedSchema = resolved
}

// Conforms reports why raw does not strictly match Schema. Parse tolerates such
// payloads; this is used for diagnostics only.
func Conforms(raw string) error {
	var instance any
	if err := json.Unmarshal([]byte(unwrapCodeFence(strings.TrimSpace(raw))), &instance); err != nil {
		return goerr.Wrap(err, "oracle payload is not JSON")
	}
	if err := resolvedSchema.Validate(instance); err != nil {
		return goerr.Wrap(err, "oracle payload does not match reply schema")
	}
	return nil
}

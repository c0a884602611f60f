package policy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vibe/pkg/model"
	"github.com/m-mizutani/vibe/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// Query is the Rego document evaluated for every detected objection
const Query = "data.objection"

// Input is passed to the policy as `input`
type Input struct {
	Text    string                  `json:"text"`
	History []model.ObjectionRecord `json:"history"`
}

// Decision is read from the `objection` package. An undefined `accept` means true.
type Decision struct {
	Accept bool
	Reason string
}

// Policy vetoes detected objections before a reply is requested
type Policy struct {
	query *rego.PreparedEvalQuery
}

// regoPrintHook forwards Rego print() output to the logger
type regoPrintHook struct {
	logger *slog.Logger
}

func (h *regoPrintHook) Print(ctx print.Context, message string) error {
	h.logger.Debug("[rego] "+message, "location", ctx.Location)
	return nil
}

// Load reads every *.rego file in dir. It returns nil and no error if there is none.
func Load(ctx context.Context, dir string) (*Policy, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return nil, nil
	}

	options := make([]func(*rego.Rego), 0, len(files)+2)
	options = append(options, rego.Query(Query), rego.EnablePrintStatements(true))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare policy", goerr.V("query", Query))
	}

	return &Policy{query: &prepared}, nil
}

// Evaluate runs the policy for one objection. A nil Policy accepts everything.
func (p *Policy) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	if p == nil {
		return &Decision{Accept: true}, nil
	}
	if input.History == nil {
		input.History = []model.ObjectionRecord{}
	}

	rs, err := p.query.Eval(ctx,
		rego.EvalInput(input),
		rego.EvalPrintHook(&regoPrintHook{logger: logging.From(ctx)}),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate objection policy", goerr.V("text", input.Text))
	}

	decision := &Decision{Accept: true}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return decision, nil
	}

	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("invalid policy result: document is not an object")
	}

	if v, ok := doc["accept"]; ok {
		accept, ok := v.(bool)
		if !ok {
			return nil, goerr.New("invalid policy result: accept is not a boolean", goerr.V("accept", v))
		}
		decision.Accept = accept
	}
	if v, ok := doc["reason"].(string); ok {
		decision.Reason = v
	}

	return decision, nil
}

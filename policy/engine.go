package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"github.com/opengravity/opengravity/errors"
)

// Decision is the outcome of evaluating the tool policy for one call.
type Decision string

const (
	Allow           Decision = "allow"
	RequireApproval Decision = "require_approval"
	Block           Decision = "block"
)

// Input is the document exposed to the policy as `input`.
type Input struct {
	Server        string                 `json:"server"`
	Tool          string                 `json:"tool"`
	QualifiedName string                 `json:"qualified_name"`
	Args          map[string]interface{} `json:"args"`
	Mode          string                 `json:"mode"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query  rego.PreparedEvalQuery
	logger *slog.Logger
}

// NewEngine compiles a Rego module that defines data.tool_policy.decision.
func NewEngine(ctx context.Context, policyContent string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to prepare rego"), errors.ErrConfiguration)
	}
	return &Engine{query: query, logger: logger}, nil
}

// LoadEngine compiles the module at path, or DefaultPolicy when path is
// empty.
func LoadEngine(ctx context.Context, path string, logger *slog.Logger) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy, logger)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to read approval policy '%s'", path), errors.ErrConfiguration)
	}
	return NewEngine(ctx, string(data), logger)
}

// Decide evaluates the policy. Evaluation failures, undefined results and
// unknown values all resolve to RequireApproval.
func (e *Engine) Decide(ctx context.Context, input Input) Decision {
	if input.Args == nil {
		input.Args = map[string]interface{}{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		e.logger.Warn("tool policy evaluation failed, requiring approval", "tool", input.QualifiedName, "error", err)
		return RequireApproval
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return RequireApproval
	}

	val := results[0].Expressions[0].Value
	s, ok := val.(string)
	if !ok {
		e.logger.Warn("tool policy returned a non-string decision", "tool", input.QualifiedName, "value", fmt.Sprint(val))
		return RequireApproval
	}
	switch d := Decision(s); d {
	case Allow, RequireApproval, Block:
		return d
	default:
		e.logger.Warn("tool policy returned an unknown decision", "tool", input.QualifiedName, "decision", s)
		return RequireApproval
	}
}

// DefaultPolicy asks before every call unless the agent runs in auto mode.
const DefaultPolicy = `
package tool_policy

default decision = "require_approval"

decision = "allow" {
	input.mode == "auto"
}
`

package rules

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// CompiledRule holds a pre-compiled CEL program for an operator rule.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("subject_id", cel.StringType),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("evaluated_at", cel.TimestampType),
	)
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	if len(cfg.EventTypes) == 0 {
		return nil, fmt.Errorf("%w: rule %s: at least one event type is required", domain.ErrInvalidInput, cfg.ID)
	}
	if cfg.Contribution < 0 {
		return nil, fmt.Errorf("%w: rule %s: contribution must be non-negative", domain.ErrInvalidInput, cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if !outputType.IsExactType(cel.BoolType) && !outputType.IsExactType(cel.IntType) {
		return nil, fmt.Errorf("rule %s: expression must return bool or int, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

func (r *CompiledRule) Name() string { return r.Config.ID }

func (r *CompiledRule) AppliesTo(t domain.EventType) bool { return r.Config.AppliesTo(t) }

// Evaluate runs the CEL program. Runtime errors such as a missing map key
// mean the event lacks the data this rule needs, so the rule fails closed.
func (r *CompiledRule) Evaluate(_ context.Context, req *domain.RiskEvaluationRequest, _ History) (Outcome, error) {
	data := req.Raw
	if data == nil {
		data = map[string]any{}
	}

	out, _, err := r.Program.Eval(map[string]any{
		"event_type":   string(req.EventType),
		"subject_id":   req.SubjectID,
		"data":         data,
		"evaluated_at": req.EvaluatedAt,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: evaluation error: %v", domain.ErrMalformedInput, err)
	}

	points := r.toPoints(out)
	if points == 0 {
		return Outcome{}, nil
	}

	reason := r.Config.Description
	if reason == "" {
		reason = r.Config.Name
	}
	return Outcome{Contributions: []domain.Contribution{{
		Rule:   r.Config.ID,
		Points: points,
		Reason: reason,
	}}}, nil
}

// toPoints converts a CEL value to a non-negative contribution.
func (r *CompiledRule) toPoints(val ref.Val) int {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return r.Config.Contribution
		}
		return 0
	case types.Int:
		if v < 0 {
			return 0
		}
		if v > MaxScore {
			return MaxScore
		}
		return int(v)
	default:
		return 0
	}
}

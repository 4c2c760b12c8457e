package rules

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxScore is the saturation ceiling of a risk score.
const MaxScore = 100

// Rule is a single fraud heuristic. Rules are independent of each other and
// must never mutate state; History exposes read-only lookups only.
type Rule interface {
	// Name identifies the rule in contributions and warnings.
	Name() string

	// AppliesTo reports whether the rule should run for the event type.
	AppliesTo(t domain.EventType) bool

	// Evaluate computes the rule's contributions. Returning an error wrapping
	// domain.ErrMalformedInput fails the rule closed; any other error aborts
	// the evaluation.
	Evaluate(ctx context.Context, req *domain.RiskEvaluationRequest, history History) (Outcome, error)
}

// Outcome is what a rule reports back to the engine.
type Outcome struct {
	Contributions []domain.Contribution
	Warnings      []domain.Warning
}

// History is the read-only view of past data available to rules.
type History interface {
	// CountSharedIdentity counts other subjects whose recorded verification
	// context contains any of the identity needles.
	CountSharedIdentity(ctx context.Context, subjectID string, needles ...string) (int, error)
}

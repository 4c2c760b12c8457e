package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BuiltinRules returns the heuristics compiled into the service.
func BuiltinRules() []Rule {
	return []Rule{
		NewDuplicateIdentityRule(),
		NewAccountFreshnessRule(),
	}
}

// DuplicateIdentityRule flags signups whose IP or device fingerprint already
// appears in the verification context of several other accounts.
type DuplicateIdentityRule struct {
	// MaxShared is the number of other accounts tolerated before firing.
	MaxShared int
	Points    int
}

// NewDuplicateIdentityRule returns the rule with its default limits.
func NewDuplicateIdentityRule() *DuplicateIdentityRule {
	return &DuplicateIdentityRule{MaxShared: 2, Points: 40}
}

func (r *DuplicateIdentityRule) Name() string { return "duplicate_identity" }

func (r *DuplicateIdentityRule) AppliesTo(t domain.EventType) bool {
	return t == domain.EventSignup
}

func (r *DuplicateIdentityRule) Evaluate(ctx context.Context, req *domain.RiskEvaluationRequest, history History) (Outcome, error) {
	p, ok := req.Payload.(domain.SignupPayload)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: unexpected payload %T", domain.ErrMalformedInput, req.Payload)
	}
	if p.IP == "" && p.DeviceFingerprint == "" {
		return Outcome{}, fmt.Errorf("%w: ip or deviceFingerprint is required", domain.ErrMalformedInput)
	}
	if history == nil {
		return Outcome{}, fmt.Errorf("duplicate identity lookup unavailable")
	}

	count, err := history.CountSharedIdentity(ctx, req.SubjectID, p.IP, p.DeviceFingerprint)
	if err != nil {
		return Outcome{}, fmt.Errorf("count shared identity: %w", err)
	}

	if count <= r.MaxShared {
		return Outcome{}, nil
	}
	return Outcome{Contributions: []domain.Contribution{{
		Rule:   r.Name(),
		Points: r.Points,
		Reason: fmt.Sprintf("%d other accounts share this ip or device", count),
	}}}, nil
}

// monthLength is the month used for account age. Thirty days keeps the
// computation independent of calendar boundaries.
const monthLength = 30 * 24 * time.Hour

// AccountFreshnessRule scores externally verified accounts that are young or
// dormant. The two checks are additive.
type AccountFreshnessRule struct {
	MinAgeMonths     float64
	FreshPoints      int
	InactivityPoints int
}

// NewAccountFreshnessRule returns the rule with its default limits.
func NewAccountFreshnessRule() *AccountFreshnessRule {
	return &AccountFreshnessRule{MinAgeMonths: 3, FreshPoints: 60, InactivityPoints: 30}
}

func (r *AccountFreshnessRule) Name() string { return "account_freshness" }

func (r *AccountFreshnessRule) AppliesTo(t domain.EventType) bool {
	return t == domain.EventOAuthVerification
}

func (r *AccountFreshnessRule) Evaluate(ctx context.Context, req *domain.RiskEvaluationRequest, _ History) (Outcome, error) {
	p, ok := req.Payload.(domain.OAuthVerificationPayload)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: unexpected payload %T", domain.ErrMalformedInput, req.Payload)
	}
	if p.CreatedAt == nil && p.RecentActivity == nil {
		return Outcome{}, fmt.Errorf("%w: createdAt and recentActivity are missing", domain.ErrMalformedInput)
	}

	var out Outcome

	if p.CreatedAt == nil {
		out.Warnings = append(out.Warnings, domain.Warning{
			Rule:    r.Name(),
			Message: "createdAt is missing or not a valid timestamp",
		})
	} else {
		age := AgeInMonths(*p.CreatedAt, req.EvaluatedAt)
		if age < r.MinAgeMonths {
			out.Contributions = append(out.Contributions, domain.Contribution{
				Rule:   r.Name(),
				Points: r.FreshPoints,
				Reason: fmt.Sprintf("verified account is %.1f months old", age),
			})
		}
	}

	if p.RecentActivity == nil {
		out.Warnings = append(out.Warnings, domain.Warning{
			Rule:    r.Name(),
			Message: "recentActivity is missing or not a boolean",
		})
	} else if !*p.RecentActivity {
		out.Contributions = append(out.Contributions, domain.Contribution{
			Rule:   r.Name(),
			Points: r.InactivityPoints,
			Reason: "verified account has no recent activity",
		})
	}

	return out, nil
}

// AgeInMonths returns the age of createdAt at the given instant in 30-day
// months. Timestamps in the future count as age zero.
func AgeInMonths(createdAt, at time.Time) float64 {
	d := at.Sub(createdAt)
	if d < 0 {
		return 0
	}
	return float64(d) / float64(monthLength)
}

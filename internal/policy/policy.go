// Package policy maps risk scores onto enforcement actions and applies
// their side effects against the signal and account stores.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Policy decides what happens to a scored event.
type Policy struct {
	// Scores above ReviewThreshold are flagged for manual review.
	ReviewThreshold int

	// Scores above SuspendThreshold also deactivate the account.
	SuspendThreshold int

	signals  domain.SignalStore
	accounts domain.AccountStore
}

// New creates a policy with validated thresholds.
func New(cfg domain.PolicyConfig, signals domain.SignalStore, accounts domain.AccountStore) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if signals == nil || accounts == nil {
		return nil, fmt.Errorf("policy requires signal and account stores")
	}
	return &Policy{
		ReviewThreshold:  cfg.ReviewThreshold,
		SuspendThreshold: cfg.SuspendThreshold,
		signals:          signals,
		accounts:         accounts,
	}, nil
}

// Decision is the result of applying the policy.
type Decision struct {
	Action    domain.Action
	SignalID  string
	Suspended bool
}

// Classify maps a score onto an action. Thresholds are exclusive:
// a score equal to ReviewThreshold is approved.
func (p *Policy) Classify(score int) domain.Action {
	switch {
	case score > p.SuspendThreshold:
		return domain.ActionSuspend
	case score > p.ReviewThreshold:
		return domain.ActionFlag
	default:
		return domain.ActionApprove
	}
}

// Decide classifies the score and performs the side effects in order:
// the signal is written before any suspension, and a failed signal write
// leaves the account untouched. A subject with no account row is flagged
// but not suspended.
func (p *Policy) Decide(ctx context.Context, subjectID string, eventType domain.EventType, score int, details map[string]any) (*Decision, error) {
	decision := &Decision{Action: p.Classify(score)}
	if decision.Action == domain.ActionApprove {
		return decision, nil
	}

	signalID, err := p.signals.CreateSignal(ctx, &domain.FraudSignal{
		SubjectID:  subjectID,
		SignalType: eventType,
		RiskScore:  score,
		Details:    details,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record fraud signal: %w", err)
	}
	decision.SignalID = signalID

	slog.Info("fraud signal recorded",
		"signal_id", signalID,
		"subject_id", subjectID,
		"event_type", eventType,
		"risk_score", score,
	)

	if decision.Action != domain.ActionSuspend {
		return decision, nil
	}

	err = p.accounts.SetActive(ctx, subjectID, false)
	if errors.Is(err, domain.ErrNotFound) {
		// No account row to deactivate: the event stays flagged.
		slog.Warn("suspension skipped, account not found",
			"subject_id", subjectID,
			"signal_id", signalID,
			"risk_score", score,
		)
		return decision, nil
	}
	if err != nil {
		return decision, fmt.Errorf("failed to suspend account %s after signal %s: %w", subjectID, signalID, err)
	}
	decision.Suspended = true

	slog.Warn("account suspended",
		"subject_id", subjectID,
		"signal_id", signalID,
		"risk_score", score,
	)

	return decision, nil
}

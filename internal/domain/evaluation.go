package domain

import (
	"time"
)

// Action is the enforcement outcome chosen by the policy.
type Action string

const (
	ActionApprove Action = "approve"
	ActionFlag    Action = "flag"
	ActionSuspend Action = "suspend"
)

// Wire-level actions. Suspensions are reported as flagged; callers that need
// to tell them apart check the account state.
const (
	StatusApproved = "approved"
	StatusFlagged  = "flagged"
)

// WireStatus maps a policy action onto the collector-facing status.
func (a Action) WireStatus() string {
	if a == ActionApprove {
		return StatusApproved
	}
	return StatusFlagged
}

// Evaluation is the complete outcome of one evaluation request.
type Evaluation struct {
	ID            string         `json:"id"`
	SubjectID     string         `json:"subjectId"`
	EventType     EventType      `json:"eventType"`
	RiskScore     int            `json:"riskScore"`
	Action        Action         `json:"action"`
	SignalID      string         `json:"signalId,omitempty"`
	Suspended     bool           `json:"suspended"`
	Contributions []Contribution `json:"contributions,omitempty"`
	Warnings      []Warning      `json:"warnings,omitempty"`
	EvaluatedAt   time.Time      `json:"evaluatedAt"`

	// Processing metadata
	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	RulesMs        int64  `json:"rulesMs"`
	DecisionMs     int64  `json:"decisionMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}

// EvaluationResponse is the collector-facing response body.
type EvaluationResponse struct {
	RiskScore    int       `json:"riskScore"`
	Action       string    `json:"action"`
	EvaluationID string    `json:"evaluationId,omitempty"`
	SignalID     string    `json:"signalId,omitempty"`
	Warnings     []Warning `json:"warnings,omitempty"`
}

// ToResponse converts an Evaluation to the collector response.
func (e *Evaluation) ToResponse() *EvaluationResponse {
	return &EvaluationResponse{
		RiskScore:    e.RiskScore,
		Action:       e.Action.WireStatus(),
		EvaluationID: e.ID,
		SignalID:     e.SignalID,
		Warnings:     e.Warnings,
	}
}

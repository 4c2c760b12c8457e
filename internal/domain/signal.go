package domain

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a signal or account does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMalformedInput is returned by a rule whose required context field is
	// missing or unusable. The engine turns it into a warning.
	ErrMalformedInput = errors.New("malformed rule input")
)

// FraudSignal is the persisted record of an evaluation that exceeded the
// review threshold. Signals are never deleted.
type FraudSignal struct {
	ID         string         `json:"id"`
	SubjectID  string         `json:"subjectId"`
	SignalType EventType      `json:"signalType"`
	RiskScore  int            `json:"riskScore"`
	Details    map[string]any `json:"details,omitempty"`
	IsResolved bool           `json:"isResolved"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// SignalFilter narrows ListUnresolved. Zero value lists every subject.
type SignalFilter struct {
	SubjectID string
	Limit     int
}

// AccountState is the per-subject enforcement flag.
type AccountState struct {
	SubjectID          string    `json:"subjectId"`
	IsActive           bool      `json:"isActive"`
	VerificationStatus string    `json:"verificationStatus,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventType identifies the platform event being evaluated.
type EventType string

const (
	EventSignup             EventType = "signup"
	EventOAuthVerification  EventType = "oauth_verification"
	EventPaymentMethodAdded EventType = "payment_method_added"
)

// eventAliases maps legacy collector event names onto their canonical type.
var eventAliases = map[string]EventType{
	"github_verification": EventOAuthVerification,
	"figma_verification":  EventOAuthVerification,
}

// ParseEventType normalizes a collector-supplied event name.
// Unknown names are returned as-is so they flow through as opaque events.
func ParseEventType(s string) EventType {
	s = strings.TrimSpace(strings.ToLower(s))
	if alias, ok := eventAliases[s]; ok {
		return alias
	}
	return EventType(s)
}

// Known reports whether the event type has a dedicated payload shape.
func (t EventType) Known() bool {
	switch t {
	case EventSignup, EventOAuthVerification, EventPaymentMethodAdded:
		return true
	}
	return false
}

// Payload is the event-specific context attached to a request.
// The concrete type is selected by the request's EventType.
type Payload interface {
	payload()
}

// SignupPayload carries the identity signals captured at account creation.
type SignupPayload struct {
	IP                string `json:"ip,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
}

// OAuthVerificationPayload describes the externally verified account
// (GitHub, Figma, ...). Nil fields were absent or unparseable.
type OAuthVerificationPayload struct {
	Provider       string     `json:"provider,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	RecentActivity *bool      `json:"recentActivity,omitempty"`
}

// PaymentMethodPayload carries the signals of a newly attached payment method.
type PaymentMethodPayload struct {
	IP                string `json:"ip,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
	Fingerprint       string `json:"fingerprint,omitempty"`
}

// OpaquePayload is the catch-all for event types without a dedicated shape.
type OpaquePayload struct {
	Data map[string]any `json:"data,omitempty"`
}

func (SignupPayload) payload()            {}
func (OAuthVerificationPayload) payload() {}
func (PaymentMethodPayload) payload()     {}
func (OpaquePayload) payload()            {}

// RiskEvaluationRequest is the input to a single evaluation.
// It is built once per evaluation and never persisted verbatim.
type RiskEvaluationRequest struct {
	EventType   EventType
	SubjectID   string
	Payload     Payload
	Raw         map[string]any
	EvaluatedAt time.Time
}

// EventRequest is the wire shape sent by signal collectors.
type EventRequest struct {
	Event  string         `json:"event"`
	UserID string         `json:"userId"`
	Data   map[string]any `json:"data,omitempty"`
}

// ToRequest validates the wire request and builds the typed evaluation input.
func (r *EventRequest) ToRequest(evaluatedAt time.Time) (*RiskEvaluationRequest, error) {
	return NewRequest(r.Event, r.UserID, r.Data, evaluatedAt)
}

// NewRequest builds a RiskEvaluationRequest, decoding data into the payload
// shape for the event type.
func NewRequest(event, subjectID string, data map[string]any, evaluatedAt time.Time) (*RiskEvaluationRequest, error) {
	if strings.TrimSpace(event) == "" {
		return nil, fmt.Errorf("%w: event is required", ErrInvalidInput)
	}
	if strings.TrimSpace(subjectID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if evaluatedAt.IsZero() {
		return nil, fmt.Errorf("%w: evaluation time is required", ErrInvalidInput)
	}

	raw := make(map[string]any, len(data))
	for k, v := range data {
		raw[k] = v
	}

	eventType := ParseEventType(event)
	return &RiskEvaluationRequest{
		EventType:   eventType,
		SubjectID:   subjectID,
		Payload:     decodePayload(eventType, raw),
		Raw:         raw,
		EvaluatedAt: evaluatedAt.UTC(),
	}, nil
}

func decodePayload(t EventType, data map[string]any) Payload {
	switch t {
	case EventSignup:
		return SignupPayload{
			IP:                stringField(data, "ip", "ip_address", "ipAddress"),
			DeviceFingerprint: stringField(data, "deviceFingerprint", "device_fingerprint"),
		}
	case EventOAuthVerification:
		return OAuthVerificationPayload{
			Provider:       stringField(data, "provider"),
			CreatedAt:      timeField(data, "createdAt", "created_at"),
			RecentActivity: boolField(data, "recentActivity", "recent_activity"),
		}
	case EventPaymentMethodAdded:
		return PaymentMethodPayload{
			IP:                stringField(data, "ip", "ip_address", "ipAddress"),
			DeviceFingerprint: stringField(data, "deviceFingerprint", "device_fingerprint"),
			Fingerprint:       stringField(data, "fingerprint", "cardFingerprint", "card_fingerprint"),
		}
	default:
		return OpaquePayload{Data: data}
	}
}

func lookup(data map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(data map[string]any, keys ...string) string {
	v, ok := lookup(data, keys...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func boolField(data map[string]any, keys ...string) *bool {
	v, ok := lookup(data, keys...)
	if !ok {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func timeField(data map[string]any, keys ...string) *time.Time {
	v, ok := lookup(data, keys...)
	if !ok {
		return nil
	}

	switch val := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, strings.TrimSpace(val)); err == nil {
				ts = ts.UTC()
				return &ts
			}
		}
	case float64:
		// JSON numbers are unix seconds.
		ts := time.Unix(int64(val), 0).UTC()
		return &ts
	case time.Time:
		ts := val.UTC()
		return &ts
	}
	return nil
}

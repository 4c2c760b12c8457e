package domain

import "time"

// RuleConfig defines an operator-managed rule evaluated with CEL.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// EventTypes restricts the rule to these events. Empty never matches.
	EventTypes []EventType `json:"eventTypes"`

	// CEL expression to evaluate. Must return bool or int.
	Expression string `json:"expression"`

	// Contribution is added when a bool expression is true.
	// Int expressions contribute their own value.
	Contribution int `json:"contribution"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// AppliesTo reports whether the configuration targets the event type.
func (c *RuleConfig) AppliesTo(t EventType) bool {
	for _, et := range c.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Contribution is one rule's share of a risk score.
type Contribution struct {
	Rule   string `json:"rule"`
	Points int    `json:"points"`
	Reason string `json:"reason,omitempty"`
}

// Warning reports a rule that could not compute and contributed nothing.
type Warning struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

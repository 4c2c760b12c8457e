package domain

import (
	"context"
	"time"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup load-balances subscriptions across instances. Empty
	// means every instance receives every message.
	NATSQueueGroup string
}

// Standard topic names for the evaluation pipeline.
const (
	TopicEventIngested    = "kestrel.event.ingested"
	TopicDecision         = "kestrel.decision"
	TopicSignalCreated    = "kestrel.signal.created"
	TopicAccountSuspended = "kestrel.account.suspended"
)

// DecisionEvent is published on TopicDecision after every evaluation.
type DecisionEvent struct {
	EvaluationID string    `json:"evaluationId"`
	SubjectID    string    `json:"subjectId"`
	EventType    EventType `json:"eventType"`
	RiskScore    int       `json:"riskScore"`
	Action       Action    `json:"action"`
	SignalID     string    `json:"signalId,omitempty"`
	Suspended    bool      `json:"suspended"`
	EvaluatedAt  time.Time `json:"evaluatedAt"`
}

// SignalCreatedEvent is published on TopicSignalCreated for review queues.
type SignalCreatedEvent struct {
	SignalID   string    `json:"signalId"`
	SubjectID  string    `json:"subjectId"`
	SignalType EventType `json:"signalType"`
	RiskScore  int       `json:"riskScore"`
}

// AccountSuspendedEvent is published on TopicAccountSuspended.
type AccountSuspendedEvent struct {
	SubjectID string `json:"subjectId"`
	SignalID  string `json:"signalId"`
	RiskScore int    `json:"riskScore"`
}

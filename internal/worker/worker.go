// Package worker evaluates events published on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Evaluator runs one evaluation. *pipeline.Pipeline satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, in *domain.EventRequest) (*domain.Evaluation, error)
	EvaluateRequest(ctx context.Context, req *domain.RiskEvaluationRequest) (*domain.Evaluation, error)
}

// Worker consumes ingested events from the EventBus.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// IngestedEvent is the payload of kestrel.event.ingested. EvaluatedAt pins
// the evaluation time for replays; it defaults to the time of receipt.
type IngestedEvent struct {
	domain.EventRequest
	EvaluatedAt *time.Time `json:"evaluatedAt,omitempty"`
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, evaluator Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicEventIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicEventIngested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicEventIngested)
	return nil
}

// handleMessage evaluates one ingested event. Invalid payloads are logged and
// dropped; redelivering them cannot succeed.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var in IngestedEvent
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		metrics.EvaluationErrorsTotal.WithLabelValues("decode").Inc()
		slog.Error("failed to parse ingested event",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	eval, err := w.evaluate(ctx, &in)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			slog.Warn("dropping invalid ingested event",
				"message_id", msg.ID,
				"error", err,
			)
			return nil
		}
		slog.Error("evaluation failed",
			"message_id", msg.ID,
			"subject_id", in.UserID,
			"error", err,
		)
		return err
	}

	slog.Debug("ingested event processed",
		"message_id", msg.ID,
		"trace_id", msg.Metadata["trace_id"],
		"evaluation_id", eval.ID,
		"subject_id", eval.SubjectID,
		"action", eval.Action,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) evaluate(ctx context.Context, in *IngestedEvent) (*domain.Evaluation, error) {
	if in.EvaluatedAt == nil {
		return w.evaluator.Evaluate(ctx, &in.EventRequest)
	}
	req, err := in.ToRequest(*in.EvaluatedAt)
	if err != nil {
		return nil, err
	}
	return w.evaluator.EvaluateRequest(ctx, req)
}

// Stop unsubscribes from the bus.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

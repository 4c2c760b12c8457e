package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

func newPipeline(t *testing.T, repo *repository.MemoryRepository, eventBus domain.EventBus) *pipeline.Pipeline {
	t.Helper()

	engine, err := rules.NewEngine(history.NewService(repo), 5, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	pol, err := policy.New(domain.PolicyConfig{ReviewThreshold: 80, SuspendThreshold: 95}, repo, repo)
	if err != nil {
		t.Fatalf("policy.New failed: %v", err)
	}
	return pipeline.New(engine, pol, pipeline.Options{Bus: eventBus})
}

func publish(t *testing.T, b domain.EventBus, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), domain.TopicEventIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func waitForDecision(t *testing.T, decisions <-chan domain.DecisionEvent) domain.DecisionEvent {
	t.Helper()
	select {
	case d := <-decisions:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for decision")
	}
	return domain.DecisionEvent{}
}

func subscribeDecisions(t *testing.T, b domain.EventBus) <-chan domain.DecisionEvent {
	t.Helper()
	decisions := make(chan domain.DecisionEvent, 10)
	_, err := b.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		var d domain.DecisionEvent
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			return err
		}
		decisions <- d
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return decisions
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	repo := repository.NewMemoryRepository()
	worker := NewWorker(eventBus, newPipeline(t, repo, eventBus))

	t.Run("StartAndStop", func(t *testing.T) {
		if err := worker.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicEventIngested {
			t.Errorf("unexpected stats %+v", stats)
		}

		if err := worker.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		if stats := worker.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})
}

func TestWorkerProcessesEvents(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	repo := repository.NewMemoryRepository()
	worker := NewWorker(eventBus, newPipeline(t, repo, eventBus))
	if err := worker.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer worker.Stop()

	decisions := subscribeDecisions(t, eventBus)

	t.Run("Approve", func(t *testing.T) {
		publish(t, eventBus, IngestedEvent{
			EventRequest: domain.EventRequest{Event: "signup", UserID: "user-1", Data: map[string]any{"ip": "10.0.0.1"}},
		})

		d := waitForDecision(t, decisions)
		if d.SubjectID != "user-1" || d.Action != domain.ActionApprove || d.RiskScore != 0 {
			t.Errorf("unexpected decision %+v", d)
		}
	})

	t.Run("PinnedEvaluationTime", func(t *testing.T) {
		at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		publish(t, eventBus, IngestedEvent{
			EventRequest: domain.EventRequest{
				Event:  "github_verification",
				UserID: "user-2",
				Data: map[string]any{
					"createdAt":      "2025-02-01T00:00:00Z",
					"recentActivity": false,
				},
			},
			EvaluatedAt: &at,
		})

		d := waitForDecision(t, decisions)
		if d.RiskScore != 90 || d.Action != domain.ActionFlag {
			t.Errorf("expected 90/flag, got %d/%s", d.RiskScore, d.Action)
		}
		if !d.EvaluatedAt.Equal(at) {
			t.Errorf("expected evaluation time %v, got %v", at, d.EvaluatedAt)
		}

		open, _ := repo.ListUnresolved(context.Background(), domain.SignalFilter{SubjectID: "user-2"})
		if len(open) != 1 {
			t.Errorf("expected 1 signal, got %d", len(open))
		}
	})

	t.Run("InvalidPayloadIsDropped", func(t *testing.T) {
		if err := eventBus.Publish(context.Background(), domain.TopicEventIngested, []byte("not json")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		publish(t, eventBus, IngestedEvent{EventRequest: domain.EventRequest{Event: "signup"}})

		// The worker keeps consuming after bad input.
		publish(t, eventBus, IngestedEvent{
			EventRequest: domain.EventRequest{Event: "signup", UserID: "user-3"},
		})
		d := waitForDecision(t, decisions)
		if d.SubjectID != "user-3" {
			t.Errorf("expected decision for user-3, got %+v", d)
		}
	})
}

// Package pipeline runs one evaluation end to end: rules, policy, bus
// notifications and metrics. The HTTP handler and the bus worker share it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EngineVersion identifies the scoring logic in evaluation metadata.
const EngineVersion = "kestrel-1.0"

// Scorer is the rule engine contract.
type Scorer interface {
	Evaluate(ctx context.Context, req *domain.RiskEvaluationRequest) (*rules.Result, error)
}

// Decider is the enforcement policy contract.
type Decider interface {
	Decide(ctx context.Context, subjectID string, eventType domain.EventType, score int, details map[string]any) (*policy.Decision, error)
}

// Pipeline wires the engine to the policy.
type Pipeline struct {
	engine  Scorer
	policy  Decider
	bus     domain.EventBus
	timeout time.Duration
	tracer  trace.Tracer

	// Now supplies the evaluation time. Defaults to time.Now.
	Now func() time.Time
}

// Options configures a Pipeline.
type Options struct {
	// Bus receives decision notifications. Nil disables publishing.
	Bus domain.EventBus

	// Timeout bounds each evaluation. Zero means no extra bound.
	Timeout time.Duration
}

// New creates an evaluation pipeline.
func New(engine Scorer, decider Decider, opts Options) *Pipeline {
	return &Pipeline{
		engine:  engine,
		policy:  decider,
		bus:     opts.Bus,
		timeout: opts.Timeout,
		tracer:  otel.Tracer("kestrel/pipeline"),
		Now:     time.Now,
	}
}

// Evaluate validates a collector request and evaluates it at the current time.
func (p *Pipeline) Evaluate(ctx context.Context, in *domain.EventRequest) (*domain.Evaluation, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: request body is required", domain.ErrInvalidInput)
	}
	req, err := in.ToRequest(p.Now())
	if err != nil {
		return nil, err
	}
	return p.EvaluateRequest(ctx, req)
}

// EvaluateRequest scores a built request and applies the policy.
// Rule warnings do not fail the evaluation; storage errors do.
func (p *Pipeline) EvaluateRequest(ctx context.Context, req *domain.RiskEvaluationRequest) (*domain.Evaluation, error) {
	start := time.Now()

	evalCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	evalCtx, span := p.tracer.Start(evalCtx, "pipeline.Evaluate",
		trace.WithAttributes(
			attribute.String("kestrel.event_type", string(req.EventType)),
			attribute.String("kestrel.subject_id", req.SubjectID),
		),
	)
	defer span.End()

	eval := &domain.Evaluation{
		ID:          uuid.New().String(),
		SubjectID:   req.SubjectID,
		EventType:   req.EventType,
		EvaluatedAt: req.EvaluatedAt,
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		eval.Metadata.TraceID = sc.TraceID().String()
	}

	result, err := p.engine.Evaluate(evalCtx, req)
	if err != nil {
		metrics.EvaluationErrorsTotal.WithLabelValues("rules").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "rule evaluation failed")
		return nil, fmt.Errorf("rule evaluation failed: %w", err)
	}
	rulesDone := time.Now()

	eval.RiskScore = result.Score
	eval.Contributions = result.Contributions
	eval.Warnings = result.Warnings
	eval.Metadata.RulesEvaluated = result.RulesEvaluated
	eval.Metadata.RulesMs = rulesDone.Sub(start).Milliseconds()
	eval.Metadata.EngineVersion = EngineVersion

	for _, w := range result.Warnings {
		metrics.RuleWarningsTotal.WithLabelValues(w.Rule).Inc()
	}

	decision, err := p.policy.Decide(evalCtx, req.SubjectID, req.EventType, result.Score, signalDetails(req, result))
	if decision != nil && decision.SignalID != "" {
		// The signal is durable even if the suspension below failed.
		p.publish(ctx, domain.TopicSignalCreated, domain.SignalCreatedEvent{
			SignalID:   decision.SignalID,
			SubjectID:  req.SubjectID,
			SignalType: req.EventType,
			RiskScore:  result.Score,
		})
	}
	if err != nil {
		metrics.EvaluationErrorsTotal.WithLabelValues("policy").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "policy failed")
		return nil, fmt.Errorf("policy failed: %w", err)
	}

	eval.Action = decision.Action
	eval.SignalID = decision.SignalID
	eval.Suspended = decision.Suspended
	eval.Metadata.DecisionMs = time.Since(rulesDone).Milliseconds()
	eval.Metadata.TotalMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("kestrel.risk_score", eval.RiskScore),
		attribute.String("kestrel.action", string(eval.Action)),
	)

	if eval.Suspended {
		p.publish(ctx, domain.TopicAccountSuspended, domain.AccountSuspendedEvent{
			SubjectID: req.SubjectID,
			SignalID:  eval.SignalID,
			RiskScore: eval.RiskScore,
		})
	}
	p.publish(ctx, domain.TopicDecision, domain.DecisionEvent{
		EvaluationID: eval.ID,
		SubjectID:    eval.SubjectID,
		EventType:    eval.EventType,
		RiskScore:    eval.RiskScore,
		Action:       eval.Action,
		SignalID:     eval.SignalID,
		Suspended:    eval.Suspended,
		EvaluatedAt:  eval.EvaluatedAt,
	})

	metrics.EvaluationsTotal.WithLabelValues(string(eval.EventType), string(eval.Action)).Inc()
	metrics.EvaluationDuration.WithLabelValues(string(eval.EventType)).Observe(time.Since(start).Seconds())
	metrics.RiskScore.Observe(float64(eval.RiskScore))

	slog.Info("evaluation complete",
		"evaluation_id", eval.ID,
		"subject_id", eval.SubjectID,
		"event_type", eval.EventType,
		"risk_score", eval.RiskScore,
		"action", eval.Action,
		"warnings", len(eval.Warnings),
		"total_ms", eval.Metadata.TotalMs,
	)

	return eval, nil
}

// publish is best-effort: a notification failure never changes a decision.
func (p *Pipeline) publish(ctx context.Context, topic string, v any) {
	if p.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, p.bus, topic, v); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// signalDetails is the JSON context persisted with a signal: the event data
// plus what the rules found.
func signalDetails(req *domain.RiskEvaluationRequest, result *rules.Result) map[string]any {
	details := make(map[string]any, len(req.Raw)+2)
	for k, v := range req.Raw {
		details[k] = v
	}
	if len(result.Contributions) > 0 {
		contributions := make([]map[string]any, 0, len(result.Contributions))
		for _, c := range result.Contributions {
			contributions = append(contributions, map[string]any{
				"rule":   c.Rule,
				"points": c.Points,
				"reason": c.Reason,
			})
		}
		details["contributions"] = contributions
	}
	if len(result.Warnings) > 0 {
		warnings := make([]map[string]any, 0, len(result.Warnings))
		for _, w := range result.Warnings {
			warnings = append(warnings, map[string]any{
				"rule":    w.Rule,
				"message": w.Message,
			})
		}
		details["warnings"] = warnings
	}
	return details
}

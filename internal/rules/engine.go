// Package rules provides the risk rule engine: compiled Go heuristics plus
// operator-defined CEL rules, summed and saturated into a 0-100 score.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Engine evaluates every applicable rule for a request.
// The only mutable state is the rule set, swapped under a lock on reload.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	builtins      []Rule
	compiledRules map[string]*CompiledRule
	history       History
	maxWorkers    int
}

// Result is the engine's output for one request.
type Result struct {
	Score          int
	Contributions  []domain.Contribution
	Warnings       []domain.Warning
	RulesEvaluated int
}

// NewEngine creates a rule engine over the given history lookups.
// A nil builtins slice registers BuiltinRules.
func NewEngine(history History, maxWorkers int, builtins []Rule) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if builtins == nil {
		builtins = BuiltinRules()
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		builtins:      builtins,
		compiledRules: make(map[string]*CompiledRule),
		history:       history,
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules replaces all operator rules. Builtins are unaffected.
// On a compile error the previous rule set stays in place.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()

	return nil
}

// Evaluate runs every rule that applies to the request's event type and
// returns the saturated score. Unknown event types run no rules.
func (e *Engine) Evaluate(ctx context.Context, req *domain.RiskEvaluationRequest) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", domain.ErrInvalidInput)
	}

	applicable := e.applicableRules(req.EventType)
	result := &Result{RulesEvaluated: len(applicable)}
	if len(applicable) == 0 {
		return result, nil
	}

	type ruleRun struct {
		outcome Outcome
		err     error
	}
	runs := make([]ruleRun, len(applicable))

	// A storage failure cancels the rules still running; malformed input
	// only becomes a warning.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxWorkers)
	for i, rule := range applicable {
		g.Go(func() error {
			out, err := rule.Evaluate(gctx, req, e.history)
			if err != nil && !errors.Is(err, domain.ErrMalformedInput) {
				return fmt.Errorf("rule %s: %w", rule.Name(), err)
			}
			runs[i] = ruleRun{outcome: out, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Assemble in rule order so identical inputs give identical results.
	total := 0
	for i, run := range runs {
		name := applicable[i].Name()

		if run.err != nil {
			result.Warnings = append(result.Warnings, domain.Warning{Rule: name, Message: run.err.Error()})
			continue
		}

		result.Warnings = append(result.Warnings, run.outcome.Warnings...)
		for _, c := range run.outcome.Contributions {
			if c.Points <= 0 {
				continue
			}
			if c.Rule == "" {
				c.Rule = name
			}
			result.Contributions = append(result.Contributions, c)
			total = saturatingAdd(total, c.Points)
		}
	}

	for _, w := range result.Warnings {
		slog.Warn("rule could not evaluate",
			"rule", w.Rule,
			"subject_id", req.SubjectID,
			"event_type", req.EventType,
			"warning", w.Message,
		)
	}

	result.Score = total
	return result, nil
}

// applicableRules snapshots the builtins followed by CEL rules in ID order.
func (e *Engine) applicableRules(t domain.EventType) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Rule
	for _, r := range e.builtins {
		if r.AppliesTo(t) {
			out = append(out, r)
		}
	}

	ids := make([]string, 0, len(e.compiledRules))
	for id := range e.compiledRules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if r := e.compiledRules[id]; r.AppliesTo(t) {
			out = append(out, r)
		}
	}
	return out
}

// saturatingAdd adds non-negative points and clamps at MaxScore.
func saturatingAdd(total, points int) int {
	if points <= 0 {
		return total
	}
	if points >= MaxScore-total {
		return MaxScore
	}
	return total + points
}

// RulesCount returns the number of loaded operator rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// BuiltinNames lists the compiled-in rules.
func (e *Engine) BuiltinNames() []string {
	names := make([]string, 0, len(e.builtins))
	for _, r := range e.builtins {
		names = append(names, r.Name())
	}
	return names
}

// GetLoadedRules returns the currently loaded rule configurations, sorted by ID.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

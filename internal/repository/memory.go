package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryRepository implements domain.Repository in process memory.
// It backs tests and single-process demos; nothing survives a restart.
type MemoryRepository struct {
	mu       sync.RWMutex
	signals  map[string]*domain.FraudSignal
	accounts map[string]*domain.AccountState
	rules    map[string]*domain.RuleConfig
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		signals:  make(map[string]*domain.FraudSignal),
		accounts: make(map[string]*domain.AccountState),
		rules:    make(map[string]*domain.RuleConfig),
	}
}

// CreateSignal stores a copy of signal, assigning ID and CreatedAt when empty.
func (m *MemoryRepository) CreateSignal(ctx context.Context, signal *domain.FraudSignal) (string, error) {
	if signal == nil || signal.SubjectID == "" {
		return "", fmt.Errorf("%w: signal subject is required", domain.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prepareSignal(signal)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.signals[signal.ID]; exists {
		return "", fmt.Errorf("signal %s already exists", signal.ID)
	}
	m.signals[signal.ID] = copySignal(signal)
	return signal.ID, nil
}

// ResolveSignal marks a signal resolved, keeping the first resolution time.
func (m *MemoryRepository) ResolveSignal(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signals[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !s.IsResolved {
		now := time.Now().UTC().Truncate(time.Microsecond)
		s.IsResolved = true
		s.ResolvedAt = &now
	}
	return nil
}

// GetSignal returns a copy of the signal or ErrNotFound.
func (m *MemoryRepository) GetSignal(ctx context.Context, id string) (*domain.FraudSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.signals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copySignal(s), nil
}

// ListUnresolved returns open signals newest first, ties broken by ID.
func (m *MemoryRepository) ListUnresolved(ctx context.Context, filter domain.SignalFilter) ([]*domain.FraudSignal, error) {
	m.mu.RLock()
	out := []*domain.FraudSignal{}
	for _, s := range m.signals {
		if s.IsResolved {
			continue
		}
		if filter.SubjectID != "" && s.SubjectID != filter.SubjectID {
			continue
		}
		out = append(out, copySignal(s))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetActive updates an existing account; unknown subjects return ErrNotFound.
func (m *MemoryRepository) SetActive(ctx context.Context, subjectID string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[subjectID]
	if !ok {
		return domain.ErrNotFound
	}
	a.IsActive = active
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// IsActive reports the account flag or ErrNotFound.
func (m *MemoryRepository) IsActive(ctx context.Context, subjectID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[subjectID]
	if !ok {
		return false, domain.ErrNotFound
	}
	return a.IsActive, nil
}

// GetAccount returns a copy of the account state or ErrNotFound.
func (m *MemoryRepository) GetAccount(ctx context.Context, subjectID string) (*domain.AccountState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[subjectID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// UpsertAccount creates or replaces an account.
func (m *MemoryRepository) UpsertAccount(ctx context.Context, account *domain.AccountState) error {
	if account == nil || account.SubjectID == "" {
		return fmt.Errorf("%w: subject id is required", domain.ErrInvalidInput)
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *account
	m.accounts[account.SubjectID] = &cp
	return nil
}

// CountMatchingVerification counts other accounts whose verification status
// contains any needle.
func (m *MemoryRepository) CountMatchingVerification(ctx context.Context, excludeSubject string, needles ...string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	needles = compactNeedles(needles)
	if len(needles) == 0 {
		return 0, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Case-insensitive like SQLite LIKE.
	for i, n := range needles {
		needles[i] = strings.ToLower(n)
	}

	count := 0
	for id, a := range m.accounts {
		if id == excludeSubject {
			continue
		}
		status := strings.ToLower(a.VerificationStatus)
		for _, n := range needles {
			if strings.Contains(status, n) {
				count++
				break
			}
		}
	}
	return count, nil
}

// SaveRuleConfig creates or replaces an operator rule.
func (m *MemoryRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := *rule
	cp.EventTypes = append([]domain.EventType(nil), rule.EventTypes...)
	cp.CreatedAt = now
	if prev, ok := m.rules[rule.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	cp.UpdatedAt = now
	m.rules[rule.ID] = &cp
	return nil
}

// GetRuleConfig returns a rule by ID or ErrNotFound.
func (m *MemoryRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[ruleID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListRuleConfigs returns every stored rule ordered by ID.
func (m *MemoryRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.RuleConfig, 0, len(m.rules))
	for _, r := range m.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ping always succeeds.
func (m *MemoryRepository) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryRepository) Close() error { return nil }

func copySignal(s *domain.FraudSignal) *domain.FraudSignal {
	cp := *s
	if s.Details != nil {
		cp.Details = make(map[string]any, len(s.Details))
		for k, v := range s.Details {
			cp.Details[k] = v
		}
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

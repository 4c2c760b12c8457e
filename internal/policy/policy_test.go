package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeSignals struct {
	created []*domain.FraudSignal
	err     error
}

func (f *fakeSignals) CreateSignal(ctx context.Context, s *domain.FraudSignal) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, s)
	return fmt.Sprintf("sig-%d", len(f.created)), nil
}
func (f *fakeSignals) ResolveSignal(ctx context.Context, id string) error { return nil }
func (f *fakeSignals) GetSignal(ctx context.Context, id string) (*domain.FraudSignal, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeSignals) ListUnresolved(ctx context.Context, filter domain.SignalFilter) ([]*domain.FraudSignal, error) {
	return f.created, nil
}

type fakeAccounts struct {
	active   map[string]bool
	setCalls int
	setErr   error
}

func (f *fakeAccounts) SetActive(ctx context.Context, subjectID string, active bool) error {
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	if _, ok := f.active[subjectID]; !ok {
		return domain.ErrNotFound
	}
	f.active[subjectID] = active
	return nil
}
func (f *fakeAccounts) IsActive(ctx context.Context, subjectID string) (bool, error) {
	v, ok := f.active[subjectID]
	if !ok {
		return false, domain.ErrNotFound
	}
	return v, nil
}
func (f *fakeAccounts) GetAccount(ctx context.Context, subjectID string) (*domain.AccountState, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeAccounts) UpsertAccount(ctx context.Context, a *domain.AccountState) error { return nil }
func (f *fakeAccounts) CountMatchingVerification(ctx context.Context, exclude string, needles ...string) (int, error) {
	return 0, nil
}

func newPolicy(t *testing.T, signals *fakeSignals, accounts *fakeAccounts) *Policy {
	t.Helper()
	p, err := New(domain.PolicyConfig{ReviewThreshold: 80, SuspendThreshold: 95}, signals, accounts)
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	return p
}

func TestClassify(t *testing.T) {
	p := newPolicy(t, &fakeSignals{}, &fakeAccounts{})

	tests := []struct {
		score int
		want  domain.Action
	}{
		{0, domain.ActionApprove},
		{80, domain.ActionApprove},
		{81, domain.ActionFlag},
		{95, domain.ActionFlag},
		{96, domain.ActionSuspend},
		{100, domain.ActionSuspend},
	}

	for _, tt := range tests {
		if got := p.Classify(tt.score); got != tt.want {
			t.Errorf("score %d: expected %s, got %s", tt.score, tt.want, got)
		}
	}
}

func TestDecide(t *testing.T) {
	ctx := context.Background()

	t.Run("ApproveHasNoSideEffects", func(t *testing.T) {
		signals := &fakeSignals{}
		accounts := &fakeAccounts{active: map[string]bool{"user-1": true}}
		p := newPolicy(t, signals, accounts)

		d, err := p.Decide(ctx, "user-1", domain.EventSignup, 80, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Action != domain.ActionApprove || d.SignalID != "" {
			t.Errorf("unexpected decision %+v", d)
		}
		if len(signals.created) != 0 || accounts.setCalls != 0 {
			t.Error("approve must not touch the stores")
		}
	})

	t.Run("FlagCreatesSignal", func(t *testing.T) {
		signals := &fakeSignals{}
		accounts := &fakeAccounts{active: map[string]bool{"user-1": true}}
		p := newPolicy(t, signals, accounts)

		d, err := p.Decide(ctx, "user-1", domain.EventSignup, 81, map[string]any{"ip": "10.0.0.1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Action != domain.ActionFlag || d.SignalID == "" || d.Suspended {
			t.Errorf("unexpected decision %+v", d)
		}
		if len(signals.created) != 1 {
			t.Fatalf("expected 1 signal, got %d", len(signals.created))
		}
		s := signals.created[0]
		if s.SubjectID != "user-1" || s.RiskScore != 81 || s.SignalType != domain.EventSignup {
			t.Errorf("unexpected signal %+v", s)
		}
		if !accounts.active["user-1"] {
			t.Error("flag must not suspend")
		}
	})

	t.Run("SuspendDeactivatesAccount", func(t *testing.T) {
		signals := &fakeSignals{}
		accounts := &fakeAccounts{active: map[string]bool{"user-1": true}}
		p := newPolicy(t, signals, accounts)

		d, err := p.Decide(ctx, "user-1", domain.EventOAuthVerification, 96, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Action != domain.ActionSuspend || !d.Suspended || d.SignalID == "" {
			t.Errorf("unexpected decision %+v", d)
		}
		if accounts.active["user-1"] {
			t.Error("account should be inactive")
		}
	})

	t.Run("SignalFailureSkipsSuspension", func(t *testing.T) {
		signals := &fakeSignals{err: errors.New("disk full")}
		accounts := &fakeAccounts{active: map[string]bool{"user-1": true}}
		p := newPolicy(t, signals, accounts)

		if _, err := p.Decide(ctx, "user-1", domain.EventSignup, 97, nil); err == nil {
			t.Fatal("expected error")
		}
		if accounts.setCalls != 0 {
			t.Error("suspension must not run after a failed signal write")
		}
		if !accounts.active["user-1"] {
			t.Error("account should still be active")
		}
	})

	t.Run("SuspensionFailureKeepsSignal", func(t *testing.T) {
		signals := &fakeSignals{}
		accounts := &fakeAccounts{active: map[string]bool{"user-1": true}, setErr: errors.New("connection reset")}
		p := newPolicy(t, signals, accounts)

		d, err := p.Decide(ctx, "user-1", domain.EventSignup, 99, nil)
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected storage error, got %v", err)
		}
		if d == nil || d.SignalID == "" || d.Suspended {
			t.Fatalf("expected decision carrying the signal, got %+v", d)
		}
		if !strings.Contains(err.Error(), d.SignalID) {
			t.Errorf("error should mention signal %s: %v", d.SignalID, err)
		}
		if len(signals.created) != 1 {
			t.Error("signal should remain recorded")
		}
	})

	t.Run("UnknownAccountStaysFlagged", func(t *testing.T) {
		signals := &fakeSignals{}
		accounts := &fakeAccounts{active: map[string]bool{}}
		p := newPolicy(t, signals, accounts)

		d, err := p.Decide(ctx, "ghost", domain.EventSignup, 99, nil)
		if err != nil {
			t.Fatalf("expected no error for a missing account, got %v", err)
		}
		if d.Action != domain.ActionSuspend || d.SignalID == "" || d.Suspended {
			t.Errorf("expected unsuspended decision with a signal, got %+v", d)
		}
		if accounts.setCalls != 1 || len(signals.created) != 1 {
			t.Errorf("expected one suspension attempt and one signal, got %d/%d", accounts.setCalls, len(signals.created))
		}
	})
}

func TestNewRejectsInvalidThresholds(t *testing.T) {
	_, err := New(domain.PolicyConfig{ReviewThreshold: 96, SuspendThreshold: 95}, &fakeSignals{}, &fakeAccounts{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := New(domain.PolicyConfig{ReviewThreshold: 80, SuspendThreshold: 95}, nil, nil); err == nil {
		t.Error("expected error for missing stores")
	}
}

package repository

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newSQLiteRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	testRepository(t, newSQLiteRepo(t))
}

func TestMemoryRepository(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	testRepository(t, repo)
}

func testRepository(t *testing.T, repo domain.Repository) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CreateAndGetSignal", func(t *testing.T) {
		id, err := repo.CreateSignal(ctx, &domain.FraudSignal{
			SubjectID:  "user-001",
			SignalType: domain.EventSignup,
			RiskScore:  85,
			Details:    map[string]any{"ip": "10.0.0.1"},
			CreatedAt:  base,
		})
		if err != nil {
			t.Fatalf("CreateSignal failed: %v", err)
		}
		if id == "" {
			t.Fatal("expected generated ID")
		}

		s, err := repo.GetSignal(ctx, id)
		if err != nil {
			t.Fatalf("GetSignal failed: %v", err)
		}
		if s.SubjectID != "user-001" || s.RiskScore != 85 || s.SignalType != domain.EventSignup {
			t.Errorf("unexpected signal %+v", s)
		}
		if s.IsResolved || s.ResolvedAt != nil {
			t.Error("new signal should be unresolved")
		}
		if !s.CreatedAt.Equal(base) {
			t.Errorf("expected CreatedAt %v, got %v", base, s.CreatedAt)
		}
		if s.Details["ip"] != "10.0.0.1" {
			t.Errorf("expected details to round trip, got %v", s.Details)
		}
	})

	t.Run("CreateSignalRequiresSubject", func(t *testing.T) {
		_, err := repo.CreateSignal(ctx, &domain.FraudSignal{RiskScore: 90})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("ListUnresolvedOrder", func(t *testing.T) {
		ids := make([]string, 3)
		for i := range ids {
			id, err := repo.CreateSignal(ctx, &domain.FraudSignal{
				SubjectID:  "user-order",
				SignalType: domain.EventSignup,
				RiskScore:  81 + i,
				CreatedAt:  base.Add(time.Duration(i+1) * time.Minute),
			})
			if err != nil {
				t.Fatalf("CreateSignal failed: %v", err)
			}
			ids[i] = id
		}

		signals, err := repo.ListUnresolved(ctx, domain.SignalFilter{SubjectID: "user-order"})
		if err != nil {
			t.Fatalf("ListUnresolved failed: %v", err)
		}
		if len(signals) != 3 {
			t.Fatalf("expected 3 signals, got %d", len(signals))
		}
		for i, s := range signals {
			if s.ID != ids[2-i] {
				t.Errorf("position %d: expected %s, got %s", i, ids[2-i], s.ID)
			}
		}

		limited, _ := repo.ListUnresolved(ctx, domain.SignalFilter{SubjectID: "user-order", Limit: 2})
		if len(limited) != 2 {
			t.Errorf("expected 2 signals with limit, got %d", len(limited))
		}
	})

	t.Run("ListUnresolvedTieBreak", func(t *testing.T) {
		at := base.Add(time.Hour)
		for _, id := range []string{"tie-b", "tie-a"} {
			if _, err := repo.CreateSignal(ctx, &domain.FraudSignal{
				ID: id, SubjectID: "user-tie", SignalType: domain.EventSignup, RiskScore: 90, CreatedAt: at,
			}); err != nil {
				t.Fatalf("CreateSignal failed: %v", err)
			}
		}

		signals, _ := repo.ListUnresolved(ctx, domain.SignalFilter{SubjectID: "user-tie"})
		if len(signals) != 2 || signals[0].ID != "tie-a" || signals[1].ID != "tie-b" {
			t.Errorf("expected tie-a then tie-b, got %v", signals)
		}
	})

	t.Run("ResolveSignal", func(t *testing.T) {
		id, _ := repo.CreateSignal(ctx, &domain.FraudSignal{
			SubjectID: "user-resolve", SignalType: domain.EventSignup, RiskScore: 88,
		})

		if err := repo.ResolveSignal(ctx, id); err != nil {
			t.Fatalf("ResolveSignal failed: %v", err)
		}

		signals, _ := repo.ListUnresolved(ctx, domain.SignalFilter{SubjectID: "user-resolve"})
		if len(signals) != 0 {
			t.Errorf("resolved signal should not be listed, got %d", len(signals))
		}

		first, _ := repo.GetSignal(ctx, id)
		if !first.IsResolved || first.ResolvedAt == nil {
			t.Fatalf("expected resolved signal, got %+v", first)
		}

		// Resolving again is a no-op and keeps the first resolution time.
		if err := repo.ResolveSignal(ctx, id); err != nil {
			t.Fatalf("second ResolveSignal failed: %v", err)
		}
		second, _ := repo.GetSignal(ctx, id)
		if !second.ResolvedAt.Equal(*first.ResolvedAt) {
			t.Errorf("resolution time changed from %v to %v", first.ResolvedAt, second.ResolvedAt)
		}
	})

	t.Run("SignalNotFound", func(t *testing.T) {
		if err := repo.ResolveSignal(ctx, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.GetSignal(ctx, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("AccountState", func(t *testing.T) {
		err := repo.UpsertAccount(ctx, &domain.AccountState{
			SubjectID:          "user-acct",
			IsActive:           true,
			VerificationStatus: `{"ip":"192.168.1.7"}`,
		})
		if err != nil {
			t.Fatalf("UpsertAccount failed: %v", err)
		}

		active, err := repo.IsActive(ctx, "user-acct")
		if err != nil || !active {
			t.Fatalf("expected active account, got %v, %v", active, err)
		}

		if err := repo.SetActive(ctx, "user-acct", false); err != nil {
			t.Fatalf("SetActive failed: %v", err)
		}
		active, _ = repo.IsActive(ctx, "user-acct")
		if active {
			t.Error("expected inactive account")
		}

		a, err := repo.GetAccount(ctx, "user-acct")
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		if a.VerificationStatus != `{"ip":"192.168.1.7"}` || a.IsActive {
			t.Errorf("unexpected account %+v", a)
		}
	})

	t.Run("AccountNotFound", func(t *testing.T) {
		if err := repo.SetActive(ctx, "ghost", false); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.IsActive(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.GetAccount(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CountMatchingVerification", func(t *testing.T) {
		accounts := []domain.AccountState{
			{SubjectID: "dup-1", IsActive: true, VerificationStatus: "ip=203.0.113.9;device=abc"},
			{SubjectID: "dup-2", IsActive: true, VerificationStatus: "ip=203.0.113.9"},
			{SubjectID: "dup-3", IsActive: true, VerificationStatus: "device=fp-77"},
			{SubjectID: "dup-self", IsActive: true, VerificationStatus: "ip=203.0.113.9"},
			{SubjectID: "dup-other", IsActive: true, VerificationStatus: "ip=198.51.100.1"},
		}
		for i := range accounts {
			if err := repo.UpsertAccount(ctx, &accounts[i]); err != nil {
				t.Fatalf("UpsertAccount failed: %v", err)
			}
		}

		count, err := repo.CountMatchingVerification(ctx, "dup-self", "203.0.113.9")
		if err != nil {
			t.Fatalf("CountMatchingVerification failed: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 matches, got %d", count)
		}

		// An account matching both needles counts once.
		count, _ = repo.CountMatchingVerification(ctx, "dup-self", "203.0.113.9", "fp-77", "abc")
		if count != 3 {
			t.Errorf("expected 3 distinct matches, got %d", count)
		}

		count, _ = repo.CountMatchingVerification(ctx, "dup-self", "", "  ")
		if count != 0 {
			t.Errorf("expected 0 for empty needles, got %d", count)
		}
	})

	t.Run("MatchingIgnoresCase", func(t *testing.T) {
		repo.UpsertAccount(ctx, &domain.AccountState{SubjectID: "case-1", IsActive: true, VerificationStatus: "device=AbC-Fp-901"})

		count, err := repo.CountMatchingVerification(ctx, "nobody", "abc-fp-901")
		if err != nil {
			t.Fatalf("CountMatchingVerification failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected mixed-case needle to match, got %d", count)
		}
	})

	t.Run("LikeWildcardsAreLiteral", func(t *testing.T) {
		repo.UpsertAccount(ctx, &domain.AccountState{SubjectID: "wild-1", IsActive: true, VerificationStatus: "plain text"})

		count, _ := repo.CountMatchingVerification(ctx, "nobody", "%")
		if count != 0 {
			t.Errorf("%% should match literally, got %d", count)
		}
		count, _ = repo.CountMatchingVerification(ctx, "nobody", "plain_text")
		if count != 0 {
			t.Errorf("_ should match literally, got %d", count)
		}
	})

	t.Run("RuleConfigs", func(t *testing.T) {
		rule := &domain.RuleConfig{
			ID:           "rule-vpn",
			Name:         "VPN signup",
			Version:      "1.0.0",
			EventTypes:   []domain.EventType{domain.EventSignup},
			Expression:   `data.vpn == true`,
			Contribution: 20,
			Enabled:      true,
		}
		if err := repo.SaveRuleConfig(ctx, rule); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}

		got, err := repo.GetRuleConfig(ctx, "rule-vpn")
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Contribution != 20 || len(got.EventTypes) != 1 || got.EventTypes[0] != domain.EventSignup {
			t.Errorf("unexpected rule %+v", got)
		}

		rule.Contribution = 35
		rule.Version = "1.1.0"
		if err := repo.SaveRuleConfig(ctx, rule); err != nil {
			t.Fatalf("SaveRuleConfig update failed: %v", err)
		}

		list, err := repo.ListRuleConfigs(ctx)
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(list) != 1 || list[0].Contribution != 35 || list[0].Version != "1.1.0" {
			t.Errorf("expected updated rule, got %+v", list)
		}

		if _, err := repo.GetRuleConfig(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentSignals", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.CreateSignal(ctx, &domain.FraudSignal{
					SubjectID: "user-concurrent", SignalType: domain.EventSignup, RiskScore: 90,
				})
				if err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent CreateSignal failed: %v", err)
		}

		signals, _ := repo.ListUnresolved(ctx, domain.SignalFilter{SubjectID: "user-concurrent"})
		if len(signals) != 10 {
			t.Errorf("expected 10 duplicate signals, got %d", len(signals))
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"10.0.0.1":  "10.0.0.1",
		"50%":       `50\%`,
		"a_b":       `a\_b`,
		`back\path`: `back\\path`,
	}
	for in, want := range tests {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/k.db")
	if !strings.HasPrefix(dsn, "file:/tmp/k.db?") {
		t.Errorf("unexpected dsn prefix: %s", dsn)
	}
	for _, want := range []string{"journal_mode%28WAL%29", "busy_timeout%285000%29"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %s missing %s", dsn, want)
		}
	}
	if !strings.HasPrefix(sqliteDSN(""), "file:./kestrel.db?") {
		t.Errorf("expected default path, got %s", sqliteDSN(""))
	}
}

func TestPostgresDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.RepositoryConfig
		want string
	}{
		{
			name: "Defaults",
			cfg:  domain.RepositoryConfig{},
			want: "postgres://localhost:5432/kestrel?sslmode=disable",
		},
		{
			name: "EscapedPassword",
			cfg: domain.RepositoryConfig{
				PostgresHost:     "db",
				PostgresPort:     6543,
				PostgresUser:     "kestrel",
				PostgresPassword: "p@ss word",
				PostgresDB:       "risk",
				PostgresSSLMode:  "require",
			},
			want: "postgres://kestrel:p%40ss%20word@db:6543/risk?sslmode=require",
		},
		{
			name: "UserOnly",
			cfg:  domain.RepositoryConfig{PostgresUser: "ro"},
			want: "postgres://ro@localhost:5432/kestrel?sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postgresDSN(tt.cfg); got != tt.want {
				t.Errorf("postgresDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInMemorySQLite(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	if err := repo.UpsertAccount(ctx, &domain.AccountState{SubjectID: "m", IsActive: true}); err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}
	if active, err := repo.IsActive(ctx, "m"); err != nil || !active {
		t.Errorf("expected active account on the shared connection, got %v, %v", active, err)
	}
}

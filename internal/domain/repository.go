// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// SignalStore is the durable record of flagged evaluations.
type SignalStore interface {
	// CreateSignal persists a signal and returns its ID. ID and CreatedAt are
	// generated when empty.
	CreateSignal(ctx context.Context, signal *FraudSignal) (string, error)

	// ResolveSignal marks a signal resolved. Returns ErrNotFound for an
	// unknown ID. Resolving twice is not an error.
	ResolveSignal(ctx context.Context, id string) error

	// GetSignal retrieves a single signal.
	GetSignal(ctx context.Context, id string) (*FraudSignal, error)

	// ListUnresolved returns open signals, newest first.
	ListUnresolved(ctx context.Context, filter SignalFilter) ([]*FraudSignal, error)
}

// AccountStore holds per-subject enforcement state.
// The evaluation path never creates accounts.
type AccountStore interface {
	// SetActive updates the active flag. Returns ErrNotFound for an unknown subject.
	SetActive(ctx context.Context, subjectID string, active bool) error

	// IsActive returns the active flag. Returns ErrNotFound for an unknown subject.
	IsActive(ctx context.Context, subjectID string) (bool, error)

	// GetAccount returns the full account state.
	GetAccount(ctx context.Context, subjectID string) (*AccountState, error)

	// UpsertAccount creates or replaces an account. Administrative surface only.
	UpsertAccount(ctx context.Context, account *AccountState) error

	// CountMatchingVerification counts distinct subjects other than
	// excludeSubject whose verification status contains any of the needles.
	CountMatchingVerification(ctx context.Context, excludeSubject string, needles ...string) (int, error)
}

// RuleStore persists operator-defined rule configurations.
type RuleStore interface {
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)
}

// Repository bundles every store behind a single connection.
type Repository interface {
	SignalStore
	AccountStore
	RuleStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "memory"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

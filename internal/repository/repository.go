// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// CreateSignal stores a fraud signal and returns its ID.
func (r *SQLRepository) CreateSignal(ctx context.Context, signal *domain.FraudSignal) (string, error) {
	if signal == nil || signal.SubjectID == "" {
		return "", fmt.Errorf("%w: signal subject is required", domain.ErrInvalidInput)
	}
	prepareSignal(signal)

	details, err := json.Marshal(signal.Details)
	if err != nil {
		return "", fmt.Errorf("failed to encode signal details: %w", err)
	}

	query := `
		INSERT INTO fraud_signals (
			id, subject_id, signal_type, risk_score, details, is_resolved, created_at
		) VALUES (?, ?, ?, ?, ?, 0, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		signal.ID, signal.SubjectID, string(signal.SignalType),
		signal.RiskScore, string(details), signal.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert fraud signal: %w", err)
	}
	return signal.ID, nil
}

// prepareSignal fills the generated fields of a new signal.
func prepareSignal(signal *domain.FraudSignal) {
	if signal.ID == "" {
		signal.ID = uuid.New().String()
	}
	if signal.CreatedAt.IsZero() {
		signal.CreatedAt = time.Now().UTC()
	}
	// Postgres keeps microseconds; truncate so both drivers order identically.
	signal.CreatedAt = signal.CreatedAt.UTC().Truncate(time.Microsecond)
	signal.IsResolved = false
	signal.ResolvedAt = nil
}

// ResolveSignal marks a signal resolved. The first resolution time is kept.
func (r *SQLRepository) ResolveSignal(ctx context.Context, id string) error {
	query := `
		UPDATE fraud_signals
		SET is_resolved = 1, resolved_at = COALESCE(resolved_at, ?)
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC().Truncate(time.Microsecond), id)
	if err != nil {
		return fmt.Errorf("failed to resolve signal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

const signalColumns = `id, subject_id, signal_type, risk_score, details, is_resolved, created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*domain.FraudSignal, error) {
	var s domain.FraudSignal
	var signalType string
	var details sql.NullString
	var resolved int
	var resolvedAt sql.NullTime

	if err := row.Scan(
		&s.ID, &s.SubjectID, &signalType, &s.RiskScore,
		&details, &resolved, &s.CreatedAt, &resolvedAt,
	); err != nil {
		return nil, err
	}

	s.SignalType = domain.EventType(signalType)
	s.IsResolved = resolved == 1
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		s.ResolvedAt = &t
	}
	s.CreatedAt = s.CreatedAt.UTC()
	if details.Valid && details.String != "" && details.String != "null" {
		if err := json.Unmarshal([]byte(details.String), &s.Details); err != nil {
			return nil, fmt.Errorf("failed to parse details of signal %s: %w", s.ID, err)
		}
	}

	return &s, nil
}

// GetSignal retrieves a signal by ID.
func (r *SQLRepository) GetSignal(ctx context.Context, id string) (*domain.FraudSignal, error) {
	query := `SELECT ` + signalColumns + ` FROM fraud_signals WHERE id = ?`

	s, err := scanSignal(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListUnresolved returns open signals newest first, ties broken by ID.
func (r *SQLRepository) ListUnresolved(ctx context.Context, filter domain.SignalFilter) ([]*domain.FraudSignal, error) {
	query := `SELECT ` + signalColumns + ` FROM fraud_signals WHERE is_resolved = 0`
	var args []any

	if filter.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, filter.SubjectID)
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	signals := []*domain.FraudSignal{}
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}

	return signals, rows.Err()
}

// SetActive updates the active flag of an existing account.
func (r *SQLRepository) SetActive(ctx context.Context, subjectID string, active bool) error {
	query := `UPDATE accounts SET is_active = ?, updated_at = ? WHERE subject_id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), boolToInt(active), time.Now().UTC(), subjectID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// IsActive returns the active flag of an account.
func (r *SQLRepository) IsActive(ctx context.Context, subjectID string) (bool, error) {
	var active int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT is_active FROM accounts WHERE subject_id = ?`), subjectID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return active == 1, nil
}

// GetAccount retrieves the full state of an account.
func (r *SQLRepository) GetAccount(ctx context.Context, subjectID string) (*domain.AccountState, error) {
	query := `
		SELECT subject_id, is_active, verification_status, updated_at
		FROM accounts
		WHERE subject_id = ?
	`

	var a domain.AccountState
	var active int
	var status sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), subjectID).Scan(
		&a.SubjectID, &active, &status, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.IsActive = active == 1
	a.VerificationStatus = status.String
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// UpsertAccount creates or replaces an account.
func (r *SQLRepository) UpsertAccount(ctx context.Context, account *domain.AccountState) error {
	if account == nil || account.SubjectID == "" {
		return fmt.Errorf("%w: subject id is required", domain.ErrInvalidInput)
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO accounts (subject_id, is_active, verification_status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			is_active = excluded.is_active,
			verification_status = excluded.verification_status,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		account.SubjectID, boolToInt(account.IsActive),
		account.VerificationStatus, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// CountMatchingVerification counts distinct other subjects whose
// verification status contains any needle. Needles match literally.
func (r *SQLRepository) CountMatchingVerification(ctx context.Context, excludeSubject string, needles ...string) (int, error) {
	needles = compactNeedles(needles)
	if len(needles) == 0 {
		return 0, nil
	}

	args := []any{excludeSubject}
	clauses := make([]string, 0, len(needles))
	for _, n := range needles {
		clauses = append(clauses, `verification_status LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(n)+"%")
	}

	query := `
		SELECT COUNT(DISTINCT subject_id) FROM accounts
		WHERE subject_id <> ? AND (` + strings.Join(clauses, " OR ") + `)
	`

	var count int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count matching accounts: %w", err)
	}
	return count, nil
}

// SaveRuleConfig stores a rule configuration.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	eventTypes, _ := json.Marshal(rule.EventTypes)
	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, event_types, expression, contribution, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			event_types = excluded.event_types,
			expression = excluded.expression,
			contribution = excluded.contribution,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		string(eventTypes), rule.Expression, rule.Contribution, boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

const ruleColumns = `id, name, description, version, event_types, expression, contribution, enabled, created_at, updated_at`

func scanRule(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var eventTypes string
	var enabled int

	if err := row.Scan(
		&cfg.ID, &cfg.Name, &description, &cfg.Version, &eventTypes,
		&cfg.Expression, &cfg.Contribution, &enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(eventTypes), &cfg.EventTypes); err != nil {
		return nil, fmt.Errorf("failed to parse event types of rule %s: %w", cfg.ID, err)
	}
	return &cfg, nil
}

// GetRuleConfig retrieves a rule configuration by ID.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `SELECT ` + ruleColumns + ` FROM rule_configs WHERE id = ?`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs retrieves every stored rule configuration, enabled or not.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `SELECT ` + ruleColumns + ` FROM rule_configs ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// DB exposes the connection pool for stats collection.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// compactNeedles drops empty needles and duplicates, keeping order.
func compactNeedles(needles []string) []string {
	seen := make(map[string]bool, len(needles))
	out := needles[:0:0]
	for _, n := range needles {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes a needle match literally inside a LIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

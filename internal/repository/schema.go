package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// schemaAccounts holds per-subject enforcement state. Rows are created by the
// account owner service or the admin surface, never by evaluation.
const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    subject_id TEXT PRIMARY KEY,
    is_active INTEGER NOT NULL DEFAULT 1,
    verification_status TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaFraudSignals = `
CREATE TABLE IF NOT EXISTS fraud_signals (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    signal_type TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    details TEXT,
    is_resolved INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_fraud_signals_subject ON fraud_signals(subject_id);
CREATE INDEX IF NOT EXISTS idx_fraud_signals_open ON fraud_signals(is_resolved, created_at);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    event_types TEXT NOT NULL,
    expression TEXT NOT NULL,
    contribution INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAccounts,
		schemaFraudSignals,
		schemaRuleConfigs,
	}
}

package repository

import (
	"fmt"
)

// Schema definitions for CardGuard.
// Compatible with both SQLite and PostgreSQL. Table names in braces are
// substituted with the configured, allow-listed names before execution.

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS {customers} (
    id TEXT PRIMARY KEY,
    first_name TEXT NOT NULL,
    last_name TEXT NOT NULL,
    age INTEGER NOT NULL DEFAULT 0,
    location TEXT NOT NULL DEFAULT 'Unknown',
    phone_number TEXT NOT NULL DEFAULT '000-000-0000',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS {transactions} (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    merchant_name TEXT NOT NULL,
    category TEXT NOT NULL,
    amount_cents BIGINT NOT NULL,
    location TEXT NOT NULL,
    card_type TEXT NOT NULL,
    approval_status TEXT NOT NULL,
    payment_method TEXT NOT NULL,
    fraud_status TEXT NOT NULL DEFAULT 'Undetermined',
    fraud_score INTEGER NOT NULL DEFAULT 0,
    fraud_reasons TEXT NOT NULL DEFAULT '[]',
    note TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_{transactions}_customer ON {transactions}(customer_id);
CREATE INDEX IF NOT EXISTS idx_{transactions}_fingerprint ON {transactions}(customer_id, merchant_name, location, card_type);
CREATE INDEX IF NOT EXISTS idx_{transactions}_status ON {transactions}(fraud_status);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    disposition TEXT NOT NULL,
    score INTEGER NOT NULL,
    reasons TEXT NOT NULL,
    rule_results TEXT NOT NULL,
    trace_id TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tx ON evaluations(tx_id);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    reason TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCustomers,
		schemaTransactions,
		schemaEvaluations,
		schemaRuleConfigs,
	}
}

// allowedTables are the only identifiers ever interpolated into SQL text.
var allowedTables = map[string]string{
	"transactions":      "transactions",
	"transactions_test": "transactions",
	"customers":         "customers",
	"customers_test":    "customers",
}

// ValidateTableName checks name against the allow-list for the given kind
// ("transactions" or "customers").
func ValidateTableName(kind, name string) error {
	if k, ok := allowedTables[name]; !ok || k != kind {
		return fmt.Errorf("%w: table %q is not an allowed %s table", ErrInvalidInput, name, kind)
	}
	return nil
}

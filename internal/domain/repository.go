// Package domain defines the core interfaces and types for CardGuard.
package domain

import (
	"context"
	"time"
)

// Repository is the transaction store.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	DeleteTransaction(ctx context.Context, txID string) error
	ListTransactionsByCustomer(ctx context.Context, customerID string) ([]*Transaction, error)
	ListFraudByCustomer(ctx context.Context, customerID string) ([]*Transaction, error)
	ListDeclinedByCustomer(ctx context.Context, customerID string) ([]*Transaction, error)
	ListUndetermined(ctx context.Context, afterID string, limit int) ([]*Transaction, error)
	ListMissingTimestamps(ctx context.Context) ([]*Transaction, error)

	// Customer operations
	SaveCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	UpdateCustomer(ctx context.Context, c *Customer) error
	DeleteCustomer(ctx context.Context, customerID string) error
	ListCustomerIDs(ctx context.Context) ([]string, error)

	// Aggregates used by the fraud rules. excludeTxID is left out of the
	// statistics so a charge is never compared against itself.
	CustomerStats(ctx context.Context, customerID, excludeTxID string) (AmountStats, error)
	FindDuplicates(ctx context.Context, tx *Transaction) ([]string, error)

	// CommitDisposition writes every field of tx together with its audit
	// Evaluation in one database transaction. It only succeeds while the
	// stored row is still Undetermined.
	CommitDisposition(ctx context.Context, tx *Transaction, eval *Evaluation) error
	GetEvaluation(ctx context.Context, evalID string) (*Evaluation, error)
	ListEvaluations(ctx context.Context, txID string) ([]*Evaluation, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AmountStats summarises a customer's recorded amounts in dollars.
type AmountStats struct {
	Count  int64   `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
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

	// Table names, checked against an allow-list
	TransactionsTable string
	CustomersTable    string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

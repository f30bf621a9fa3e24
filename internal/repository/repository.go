// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
	ErrConflict     = domain.ErrConflict
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	tables *strings.Replacer
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	txTable := cfg.TransactionsTable
	if txTable == "" {
		txTable = "transactions"
	}
	custTable := cfg.CustomersTable
	if custTable == "" {
		custTable = "customers"
	}
	if err := ValidateTableName("transactions", txTable); err != nil {
		return nil, err
	}
	if err := ValidateTableName("customers", custTable); err != nil {
		return nil, err
	}

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
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
		tables: strings.NewReplacer("{transactions}", txTable, "{customers}", custTable),
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
		if _, err := r.db.Exec(r.tables.Replace(schema)); err != nil {
			return err
		}
	}
	return nil
}

const txColumns = `id, customer_id, timestamp, merchant_name, category, amount_cents,
	location, card_type, approval_status, payment_method,
	fraud_status, fraud_score, fraud_reasons, note, created_at, updated_at`

// SaveTransaction inserts a transaction. An existing id yields ErrConflict
// and leaves the stored row untouched.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := validateTransaction(tx); err != nil {
		return err
	}

	reasons, err := encodeReasons(tx.FraudReasons)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	if tx.Timestamp.IsZero() {
		tx.Timestamp = domain.UnknownTimestamp
	}
	if tx.Disposition == "" {
		tx.Disposition = domain.DispositionUndetermined
	}

	query := `
		INSERT INTO {transactions} (` + txColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.sql(query),
		tx.ID, tx.CustomerID, tx.Timestamp.UTC(), tx.MerchantName, string(tx.Category),
		toCents(tx.Amount), tx.Location, string(tx.CardType), string(tx.ApprovalStatus),
		string(tx.PaymentMethod), string(tx.Disposition), tx.FraudScore, reasons, tx.Note,
		tx.CreatedAt.UTC(), tx.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: transaction %s", ErrConflict, tx.ID)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM {transactions} WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.sql(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// UpdateTransaction overwrites every stored field of tx.
func (r *SQLRepository) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := validateTransaction(tx); err != nil {
		return err
	}
	res, err := r.updateTransaction(ctx, r.db, tx, false)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLRepository) updateTransaction(ctx context.Context, ex execer, tx *domain.Transaction, onlyUndetermined bool) (sql.Result, error) {
	reasons, err := encodeReasons(tx.FraudReasons)
	if err != nil {
		return nil, err
	}
	tx.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE {transactions} SET
			customer_id = ?, timestamp = ?, merchant_name = ?, category = ?,
			amount_cents = ?, location = ?, card_type = ?, approval_status = ?,
			payment_method = ?, fraud_status = ?, fraud_score = ?, fraud_reasons = ?,
			note = ?, updated_at = ?
		WHERE id = ?
	`
	args := []any{
		tx.CustomerID, tx.Timestamp.UTC(), tx.MerchantName, string(tx.Category),
		toCents(tx.Amount), tx.Location, string(tx.CardType), string(tx.ApprovalStatus),
		string(tx.PaymentMethod), string(tx.Disposition), tx.FraudScore, reasons,
		tx.Note, tx.UpdatedAt, tx.ID,
	}
	if onlyUndetermined {
		query += ` AND fraud_status = ?`
		args = append(args, string(domain.DispositionUndetermined))
	}

	return ex.ExecContext(ctx, r.sql(query), args...)
}

// DeleteTransaction removes a transaction.
func (r *SQLRepository) DeleteTransaction(ctx context.Context, txID string) error {
	return r.deleteByID(ctx, `DELETE FROM {transactions} WHERE id = ?`, txID)
}

// ListTransactionsByCustomer returns a customer's transactions, newest first.
func (r *SQLRepository) ListTransactionsByCustomer(ctx context.Context, customerID string) ([]*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM {transactions}
		WHERE customer_id = ?
		ORDER BY timestamp DESC, id`
	return r.queryTransactions(ctx, query, customerID)
}

// ListFraudByCustomer returns a customer's transactions classified as Fraud.
func (r *SQLRepository) ListFraudByCustomer(ctx context.Context, customerID string) ([]*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM {transactions}
		WHERE customer_id = ? AND fraud_status = ?
		ORDER BY timestamp DESC, id`
	return r.queryTransactions(ctx, query, customerID, string(domain.DispositionFraud))
}

// ListDeclinedByCustomer returns a customer's declined charges.
func (r *SQLRepository) ListDeclinedByCustomer(ctx context.Context, customerID string) ([]*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM {transactions}
		WHERE customer_id = ? AND approval_status = ?
		ORDER BY timestamp DESC, id`
	return r.queryTransactions(ctx, query, customerID, string(domain.StatusDeclined))
}

// ListUndetermined pages through unclassified transactions in id order,
// starting after afterID.
func (r *SQLRepository) ListUndetermined(ctx context.Context, afterID string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + txColumns + ` FROM {transactions}
		WHERE fraud_status = ? AND id > ?
		ORDER BY id
		LIMIT ` + strconv.Itoa(limit)
	return r.queryTransactions(ctx, query, string(domain.DispositionUndetermined), afterID)
}

// ListMissingTimestamps returns transactions stored with the sentinel timestamp.
func (r *SQLRepository) ListMissingTimestamps(ctx context.Context) ([]*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM {transactions}
		WHERE timestamp <= ?
		ORDER BY id`
	return r.queryTransactions(ctx, query, domain.UnknownTimestamp)
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.sql(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// CustomerStats returns the count, mean and sample standard deviation of a
// customer's amounts, leaving out excludeTxID. One statement computes the
// mean and then the squared deviations from it in double precision, so both
// come from the same snapshot and large balances cannot overflow integer sums.
func (r *SQLRepository) CustomerStats(ctx context.Context, customerID, excludeTxID string) (domain.AmountStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(AVG(t.x), 0), COALESCE(SUM((t.x - m.mean) * (t.x - m.mean)), 0)
		FROM (
			SELECT CAST(amount_cents AS DOUBLE PRECISION) AS x
			FROM {transactions}
			WHERE customer_id = ? AND id <> ?
		) t
		CROSS JOIN (
			SELECT AVG(CAST(amount_cents AS DOUBLE PRECISION)) AS mean
			FROM {transactions}
			WHERE customer_id = ? AND id <> ?
		) m
	`

	var count int64
	var mean, sqDev float64
	err := r.db.QueryRowContext(ctx, r.sql(query),
		customerID, excludeTxID, customerID, excludeTxID,
	).Scan(&count, &mean, &sqDev)
	if err != nil {
		return domain.AmountStats{}, err
	}

	return centStats(count, mean, sqDev), nil
}

// centStats converts a cent mean and sum of squared cent deviations into
// dollar mean and sample stddev.
func centStats(count int64, meanCents, sqDev float64) domain.AmountStats {
	stats := domain.AmountStats{Count: count}
	if count == 0 {
		return stats
	}
	stats.Mean = meanCents / 100
	if count < 2 || sqDev <= 0 {
		return stats
	}
	stats.StdDev = math.Sqrt(sqDev/float64(count-1)) / 100
	return stats
}

// FindDuplicates returns the ids of other transactions that share the
// customer, merchant, location and card type of tx.
func (r *SQLRepository) FindDuplicates(ctx context.Context, tx *domain.Transaction) ([]string, error) {
	query := `
		SELECT id FROM {transactions}
		WHERE customer_id = ? AND merchant_name = ? AND location = ? AND card_type = ? AND id <> ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.sql(query),
		tx.CustomerID, tx.MerchantName, tx.Location, string(tx.CardType), tx.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CommitDisposition overwrites the stored row with tx and appends eval to
// the audit trail inside one database transaction. The update is guarded on
// the row still being Undetermined; a terminal row yields
// domain.ErrAlreadyDetermined and a missing row ErrNotFound.
func (r *SQLRepository) CommitDisposition(ctx context.Context, tx *domain.Transaction, eval *domain.Evaluation) error {
	if !tx.Disposition.Terminal() {
		return fmt.Errorf("%w: disposition %q is not terminal", ErrInvalidInput, tx.Disposition)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	res, err := r.updateTransaction(ctx, dbTx, tx, true)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var status string
		err := dbTx.QueryRowContext(ctx, r.sql(`SELECT fraud_status FROM {transactions} WHERE id = ?`), tx.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", domain.ErrAlreadyDetermined, tx.ID, status)
	}

	if eval != nil {
		if err := r.insertEvaluation(ctx, dbTx, eval); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

func (r *SQLRepository) insertEvaluation(ctx context.Context, ex execer, eval *domain.Evaluation) error {
	reasons, err := encodeReasons(eval.Reasons)
	if err != nil {
		return err
	}
	ruleResults, err := json.Marshal(eval.Rules)
	if err != nil {
		return fmt.Errorf("encode rule results: %w", err)
	}

	query := `
		INSERT INTO evaluations (
			id, tx_id, disposition, score, reasons, rule_results, trace_id, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = ex.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.TxID, string(eval.Disposition), eval.Score,
		reasons, string(ruleResults), eval.TraceID, eval.Timestamp.UTC(),
	)
	return err
}

const evalColumns = `id, tx_id, disposition, score, reasons, rule_results, trace_id, timestamp`

// GetEvaluation retrieves an evaluation by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error) {
	query := `SELECT ` + evalColumns + ` FROM evaluations WHERE id = ?`

	eval, err := scanEvaluation(r.db.QueryRowContext(ctx, r.rebind(query), evalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return eval, err
}

// ListEvaluations returns the audit trail of a transaction, oldest first.
func (r *SQLRepository) ListEvaluations(ctx context.Context, txID string) ([]*domain.Evaluation, error) {
	query := `SELECT ` + evalColumns + ` FROM evaluations WHERE tx_id = ? ORDER BY timestamp, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*domain.Evaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, eval)
	}
	return evals, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) deleteByID(ctx context.Context, query, id string) error {
	result, err := r.db.ExecContext(ctx, r.sql(query), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// sql substitutes configured table names and rebinds placeholders.
func (r *SQLRepository) sql(query string) string {
	return r.rebind(r.tables.Replace(query))
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// DBStats exposes connection pool statistics for the metrics collector.
func (r *SQLRepository) DBStats() sql.DBStats {
	return r.db.Stats()
}

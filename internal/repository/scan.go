package repository

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/shopspring/decimal"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var category, cardType, status, method, disposition, reasons string
	var cents int64

	if err := row.Scan(
		&tx.ID, &tx.CustomerID, &tx.Timestamp, &tx.MerchantName, &category, &cents,
		&tx.Location, &cardType, &status, &method,
		&disposition, &tx.FraudScore, &reasons, &tx.Note, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		return nil, err
	}

	tx.Category = domain.Category(category)
	tx.Amount = fromCents(cents)
	tx.CardType = domain.CardType(cardType)
	tx.ApprovalStatus = domain.ApprovalStatus(status)
	tx.PaymentMethod = domain.PaymentMethod(method)
	tx.Disposition = domain.Disposition(disposition)
	tx.Timestamp = tx.Timestamp.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()

	if reasons != "" {
		if err := json.Unmarshal([]byte(reasons), &tx.FraudReasons); err != nil {
			return nil, fmt.Errorf("failed to parse fraud reasons for %s: %w", tx.ID, err)
		}
	}

	return &tx, nil
}

func scanEvaluation(row rowScanner) (*domain.Evaluation, error) {
	var eval domain.Evaluation
	var disposition, reasons, ruleResults string

	if err := row.Scan(
		&eval.ID, &eval.TxID, &disposition, &eval.Score,
		&reasons, &ruleResults, &eval.TraceID, &eval.Timestamp,
	); err != nil {
		return nil, err
	}

	eval.Disposition = domain.Disposition(disposition)
	eval.Timestamp = eval.Timestamp.UTC()
	if err := json.Unmarshal([]byte(reasons), &eval.Reasons); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation reasons for %s: %w", eval.ID, err)
	}
	if err := json.Unmarshal([]byte(ruleResults), &eval.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse rule results for %s: %w", eval.ID, err)
	}

	return &eval, nil
}

// MaxAmount is the largest amount whose cent value fits the amount_cents column.
var MaxAmount = decimal.New(math.MaxInt64, -2)

// toCents stores amounts as integer cents so they round-trip exactly.
func toCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func encodeReasons(reasons []string) (string, error) {
	if reasons == nil {
		reasons = []string{}
	}
	b, err := json.Marshal(reasons)
	if err != nil {
		return "", fmt.Errorf("encode reasons: %w", err)
	}
	return string(b), nil
}

func validateTransaction(tx *domain.Transaction) error {
	switch {
	case tx == nil:
		return fmt.Errorf("%w: transaction is required", ErrInvalidInput)
	case tx.ID == "":
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	case tx.CustomerID == "":
		return fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	case tx.Amount.IsNegative():
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	case tx.Amount.Round(2).GreaterThan(MaxAmount):
		return fmt.Errorf("%w: amount %s exceeds the storable maximum %s", ErrInvalidInput, tx.Amount, MaxAmount)
	}
	return nil
}

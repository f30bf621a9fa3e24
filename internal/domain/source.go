package domain

import "context"

// TransactionSource yields candidate transactions one at a time.
// Next returns ErrSourceExhausted once nothing is left.
type TransactionSource interface {
	Next(ctx context.Context) (*Transaction, error)
}

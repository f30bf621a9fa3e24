package domain

import "errors"

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("record already exists")

	// ErrAlreadyDetermined is returned when a disposition commit finds the
	// stored transaction already classified.
	ErrAlreadyDetermined = errors.New("transaction already has a terminal disposition")

	// ErrSourceExhausted is returned by a TransactionSource with nothing left to yield.
	ErrSourceExhausted = errors.New("transaction source exhausted")
)

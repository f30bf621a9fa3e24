// Package source provides the transaction sources the worker pool drains.
package source

import (
	"context"
	"sync"

	"github.com/opensource-finance/cardguard/internal/domain"
)

// Slice yields a fixed list of transactions in order.
type Slice struct {
	mu  sync.Mutex
	txs []*domain.Transaction
	pos int
}

// NewSlice creates a source over txs. The transactions are cloned as they
// are yielded so the caller's copies are never mutated.
func NewSlice(txs ...*domain.Transaction) *Slice {
	return &Slice{txs: txs}
}

// Next returns the next transaction or domain.ErrSourceExhausted.
func (s *Slice) Next(ctx context.Context) (*domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.pos < len(s.txs) {
		tx := s.txs[s.pos]
		s.pos++
		if tx != nil {
			return tx.Clone(), nil
		}
	}
	return nil, domain.ErrSourceExhausted
}

// PendingLister pages through undetermined transactions by id.
type PendingLister interface {
	ListUndetermined(ctx context.Context, afterID string, limit int) ([]*domain.Transaction, error)
}

// DefaultPageSize is the number of rows Pending fetches per query.
const DefaultPageSize = 100

// Pending yields every Undetermined transaction in the store, in id order.
// It pages by the last id seen, so rows classified mid-run are not skipped.
type Pending struct {
	mu       sync.Mutex
	store    PendingLister
	pageSize int
	buf      []*domain.Transaction
	after    string
	done     bool
}

// NewPending creates a paging source over store.
func NewPending(store PendingLister, pageSize int) *Pending {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pending{store: store, pageSize: pageSize}
}

// Next returns the next pending transaction or domain.ErrSourceExhausted.
func (p *Pending) Next(ctx context.Context) (*domain.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 && !p.done {
		page, err := p.store.ListUndetermined(ctx, p.after, p.pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) < p.pageSize {
			p.done = true
		}
		if len(page) > 0 {
			p.after = page[len(page)-1].ID
		}
		p.buf = page
	}

	if len(p.buf) == 0 {
		return nil, domain.ErrSourceExhausted
	}

	tx := p.buf[0]
	p.buf = p.buf[1:]
	return tx, nil
}

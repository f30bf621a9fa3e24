package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/cardguard/internal/domain"
)

// Bus yields transactions published on the ingested topic. It never runs
// dry on its own; Close ends it.
type Bus struct {
	sub  domain.Subscription
	ch   chan *domain.Transaction
	done chan struct{}
	once sync.Once
}

// NewBus subscribes to domain.TopicTransactionIngested on eventBus.
// Decoded transactions are buffered up to buffer before the subscription
// handler blocks.
func NewBus(ctx context.Context, eventBus domain.EventBus, buffer int) (*Bus, error) {
	if buffer <= 0 {
		buffer = 1
	}
	b := &Bus{
		ch:   make(chan *domain.Transaction, buffer),
		done: make(chan struct{}),
	}

	sub, err := eventBus.Subscribe(ctx, domain.TopicTransactionIngested, b.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", domain.TopicTransactionIngested, err)
	}
	b.sub = sub
	return b, nil
}

func (b *Bus) handle(ctx context.Context, msg *domain.Message) error {
	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		slog.Warn("dropping undecodable transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	select {
	case b.ch <- &tx:
		return nil
	case <-b.done:
		return domain.ErrSourceExhausted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next blocks until a transaction arrives, ctx ends or the source is closed.
func (b *Bus) Next(ctx context.Context) (*domain.Transaction, error) {
	select {
	case tx := <-b.ch:
		return tx, nil
	case <-b.done:
		return nil, domain.ErrSourceExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes and makes Next report domain.ErrSourceExhausted.
// Buffered transactions that were not yet yielded are dropped.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.sub.Unsubscribe()
	})
	return err
}

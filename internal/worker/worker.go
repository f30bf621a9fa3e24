// Package worker evaluates transactions in the background with a bounded pool.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/fraud"
	"github.com/opensource-finance/cardguard/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Evaluator scores one transaction.
type Evaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.EvaluationResult, error)
}

// Summary counts what a Run did.
type Summary struct {
	Total             int           `json:"total"`
	Fraud             int           `json:"fraud"`
	NotFraud          int           `json:"notFraud"`
	AlreadyDetermined int           `json:"alreadyDetermined"`
	Skipped           int           `json:"skipped"`
	Rejected          int           `json:"rejected"`
	Failed            int           `json:"failed"`
	Duration          time.Duration `json:"duration"`
}

// ResultFunc is called once per transaction after it is evaluated. res is
// nil when err is set.
type ResultFunc func(tx *domain.Transaction, res *domain.EvaluationResult, err error)

// Pool drains a TransactionSource into a fixed number of workers.
type Pool struct {
	eval     Evaluator
	workers  int
	onResult ResultFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPool creates a pool of workers goroutines; workers below 1 means 1.
func NewPool(eval Evaluator, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{eval: eval, workers: workers}
}

// OnResult registers fn to observe every evaluation. It must be set before Run.
func (p *Pool) OnResult(fn ResultFunc) {
	p.onResult = fn
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// Run pulls transactions from src one at a time and evaluates them until
// src is exhausted or ctx ends. Per-transaction failures are counted, not
// returned; the error is non-nil only when src fails or ctx is cancelled.
// Dispositions committed before cancellation stay committed.
func (p *Pool) Run(ctx context.Context, src domain.TransactionSource) (Summary, error) {
	start := time.Now()
	var (
		mu      sync.Mutex
		summary Summary
	)

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan *domain.Transaction, p.workers)

	g.Go(func() error {
		defer close(jobs)
		for {
			tx, err := src.Next(gctx)
			if errors.Is(err, domain.ErrSourceExhausted) {
				return nil
			}
			if err != nil {
				return err
			}

			select {
			case jobs <- tx:
				metrics.WorkerQueueDepth.Set(float64(len(jobs)))
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for tx := range jobs {
				metrics.WorkerQueueDepth.Set(float64(len(jobs)))

				res, err := p.eval.Evaluate(gctx, tx)

				mu.Lock()
				tally(&summary, res, err)
				mu.Unlock()

				if err != nil {
					slog.Warn("batch evaluation failed",
						"tx_id", tx.ID,
						"customer_id", tx.CustomerID,
						"error", err,
					)
				}
				if p.onResult != nil {
					p.onResult(tx, res, err)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	metrics.WorkerQueueDepth.Set(0)

	summary.Duration = time.Since(start)
	slog.Info("batch finished",
		"total", summary.Total,
		"fraud", summary.Fraud,
		"not_fraud", summary.NotFraud,
		"failed", summary.Failed,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	return summary, err
}

func tally(s *Summary, res *domain.EvaluationResult, err error) {
	s.Total++
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		s.Rejected++
	case err != nil:
		s.Failed++
	case res.Outcome == domain.OutcomeSkipped:
		s.Skipped++
	case res.Outcome == domain.OutcomeAlreadyDetermined:
		s.AlreadyDetermined++
	case res.Disposition == domain.DispositionFraud:
		s.Fraud++
	default:
		s.NotFraud++
	}
}

// Start runs the pool over src in the background until Stop. It is meant
// for sources that never run dry, such as the ingested-topic subscription.
func (p *Pool) Start(src domain.TransactionSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		_, err := p.Run(ctx, src)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker pool stopped", "error", err)
		}
	}()

	slog.Info("worker pool started", "workers", p.workers)
	return nil
}

// Stop cancels a background run and waits for in-flight evaluations.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done

	slog.Info("worker pool stopped")
	return nil
}

var _ Evaluator = (*fraud.Evaluator)(nil)

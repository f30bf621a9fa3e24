// Package fraud implements the CardGuard evaluation engine: the built-in
// rule battery, score aggregation and the disposition commit.
package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/metrics"
	"github.com/opensource-finance/cardguard/internal/rules"
	"github.com/opensource-finance/cardguard/internal/syncutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInvalidAmount rejects charges whose amount is not strictly positive.
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)

	// ErrCommitFailed means the disposition could not be persisted. The
	// stored transaction is still Undetermined and may be re-evaluated.
	ErrCommitFailed = errors.New("disposition commit failed")
)

var tracer = otel.Tracer("cardguard-fraud")

// StatsProvider returns a customer's spending mean and sample stddev.
type StatsProvider interface {
	Stats(ctx context.Context, customerID, excludeTxID string) (mean, stddev float64)
}

// DuplicateFinder returns ids of charges sharing a transaction's fingerprint.
type DuplicateFinder interface {
	Duplicates(ctx context.Context, tx *domain.Transaction) []string
}

// ProfileLookup resolves a customer's registered location and age. The
// returned profile is never nil.
type ProfileLookup interface {
	Profile(ctx context.Context, customerID string) *domain.CustomerProfile
}

// RuleEvaluator runs operator-defined rules.
type RuleEvaluator interface {
	EvaluateAll(ctx context.Context, in *rules.Input) []domain.RuleResult
}

// Committer persists a decided transaction.
type Committer interface {
	Commit(ctx context.Context, tx *domain.Transaction, result *domain.EvaluationResult) error
}

// TransactionReader re-reads a stored transaction.
type TransactionReader interface {
	GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error)
}

// Publisher sends notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Deps are the collaborators of an Evaluator. Rules and Bus are optional.
type Deps struct {
	Stats      StatsProvider
	Duplicates DuplicateFinder
	Profiles   ProfileLookup
	Rules      RuleEvaluator
	Writer     Committer
	Reader     TransactionReader
	Bus        Publisher
}

// Evaluator classifies transactions. It keeps no per-transaction state
// between calls and is safe for concurrent use; evaluations of the same
// customer are serialised.
type Evaluator struct {
	deps       Deps
	cfg        domain.EvaluationConfig
	restricted map[domain.Category]bool
	locks      *syncutil.KeyedMutex
}

// NewEvaluator creates an evaluator. Zero thresholds take their defaults.
func NewEvaluator(deps Deps, cfg domain.EvaluationConfig) *Evaluator {
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = 2.0
	}
	if cfg.MinimumAge <= 0 {
		cfg.MinimumAge = 21
	}
	if cfg.RestrictedCategories == nil {
		cfg.RestrictedCategories = domain.DefaultRestrictedCategories
	}

	restricted := make(map[domain.Category]bool, len(cfg.RestrictedCategories))
	for _, c := range cfg.RestrictedCategories {
		restricted[c] = true
	}

	return &Evaluator{
		deps:       deps,
		cfg:        cfg,
		restricted: restricted,
		locks:      syncutil.NewKeyedMutex(syncutil.DefaultShards),
	}
}

// Evaluate scores one transaction and commits its disposition.
//
// A non-positive amount returns ErrInvalidAmount. A terminal transaction
// is returned unchanged with OutcomeAlreadyDetermined, a declined one with
// OutcomeSkipped. Otherwise every check runs, the score is the number that
// failed and the result is committed; a failed commit returns
// ErrCommitFailed. in is never modified.
func (e *Evaluator) Evaluate(ctx context.Context, in *domain.Transaction) (*domain.EvaluationResult, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: transaction is required", domain.ErrInvalidInput)
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "fraud.evaluate",
		trace.WithAttributes(
			attribute.String("tx.id", in.ID),
			attribute.String("customer.id", in.CustomerID),
		),
	)
	defer span.End()

	tx := in.Clone()
	result := &domain.EvaluationResult{
		TxID:        tx.ID,
		CustomerID:  tx.CustomerID,
		Disposition: tx.Disposition,
		Score:       tx.FraudScore,
		Reasons:     tx.FraudReasons,
	}

	if !tx.Amount.IsPositive() {
		span.SetStatus(codes.Error, "invalid amount")
		slog.Warn("Transaction amount is invalid",
			"tx_id", tx.ID,
			"amount", tx.Amount.StringFixed(2),
		)
		return nil, fmt.Errorf("%w: %s has amount %s", ErrInvalidAmount, tx.ID, tx.Amount.StringFixed(2))
	}

	if tx.Disposition.Terminal() {
		slog.Debug("transaction already set",
			"tx_id", tx.ID,
			"disposition", tx.Disposition,
		)
		return e.finish(span, result, domain.OutcomeAlreadyDetermined, start), nil
	}

	if tx.ApprovalStatus == domain.StatusDeclined {
		result.Note = tx.Note
		e.notifyDeclined(ctx, tx)
		return e.finish(span, result, domain.OutcomeSkipped, start), nil
	}

	unlock, err := e.locks.LockContext(ctx, tx.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("waiting for customer %s: %w", tx.CustomerID, err)
	}
	defer unlock()

	s, err := e.gather(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("gathering signals for %s: %w", tx.ID, err)
	}

	result.Rules = make([]domain.RuleResult, 0, 5)
	for _, b := range e.battery() {
		checkStart := time.Now()
		failed, reason := b.run(tx, s)
		result.Rules = append(result.Rules, domain.RuleResult{
			RuleID:    b.id,
			Failed:    failed,
			Reason:    reason,
			ProcessMs: time.Since(checkStart).Milliseconds(),
		})
	}
	if e.deps.Rules != nil {
		result.Rules = append(result.Rules, e.deps.Rules.EvaluateAll(ctx, ruleInput(tx, s))...)
	}

	result.Score = 0
	result.Reasons = nil
	for _, r := range result.Rules {
		if !r.Failed {
			continue
		}
		result.Score++
		result.Reasons = append(result.Reasons, r.Reason)
		metrics.RuleFailuresTotal.WithLabelValues(r.RuleID).Inc()
	}

	result.Disposition = domain.DispositionNotFraud
	if result.Score > 0 {
		result.Disposition = domain.DispositionFraud
	}

	tx.Disposition = result.Disposition
	tx.FraudScore = result.Score
	tx.FraudReasons = result.Reasons

	if err := e.deps.Writer.Commit(ctx, tx, result); err != nil {
		if errors.Is(err, domain.ErrAlreadyDetermined) {
			return e.reread(ctx, span, result, start)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		slog.Error("failed to commit disposition",
			"tx_id", tx.ID,
			"disposition", tx.Disposition,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s: %w", ErrCommitFailed, tx.ID, err)
	}

	return e.finish(span, result, domain.OutcomeEvaluated, start), nil
}

// gather runs the three lookups concurrently. Each absorbs its own store
// failure, but a cancelled ctx aborts the evaluation: signals degraded by
// cancellation must not be committed.
func (e *Evaluator) gather(ctx context.Context, tx *domain.Transaction) (*signals, error) {
	s := &signals{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.mean, s.stddev = e.deps.Stats.Stats(gctx, tx.CustomerID, tx.ID)
		return ctx.Err()
	})
	g.Go(func() error {
		s.duplicates = e.deps.Duplicates.Duplicates(gctx, tx)
		return ctx.Err()
	})
	g.Go(func() error {
		p := e.deps.Profiles.Profile(gctx, tx.CustomerID)
		s.home, s.age = p.Location, p.Age
		if s.home == "" {
			s.home = domain.UnknownLocation
		}
		return ctx.Err()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

// reread reports the stored disposition after losing a commit race.
func (e *Evaluator) reread(ctx context.Context, span trace.Span, result *domain.EvaluationResult, start time.Time) (*domain.EvaluationResult, error) {
	stored, err := e.deps.Reader.GetTransaction(ctx, result.TxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: re-read after conflict: %w", ErrCommitFailed, result.TxID, err)
	}

	out := &domain.EvaluationResult{
		TxID:        stored.ID,
		CustomerID:  stored.CustomerID,
		Disposition: stored.Disposition,
		Score:       stored.FraudScore,
		Reasons:     stored.FraudReasons,
	}
	slog.Info("transaction already set by another evaluation",
		"tx_id", stored.ID,
		"disposition", stored.Disposition,
	)
	return e.finish(span, out, domain.OutcomeAlreadyDetermined, start), nil
}

func (e *Evaluator) notifyDeclined(ctx context.Context, tx *domain.Transaction) {
	slog.Info("declined transaction will not be processed",
		"tx_id", tx.ID,
		"customer_id", tx.CustomerID,
		"note", tx.Note,
	)
	if e.deps.Bus == nil {
		return
	}

	payload, err := json.Marshal(domain.DeclineNotice{
		TxID:       tx.ID,
		CustomerID: tx.CustomerID,
		Merchant:   tx.MerchantName,
		Amount:     tx.Amount.StringFixed(2),
		Note:       tx.Note,
	})
	if err != nil {
		slog.Error("failed to encode decline notice", "tx_id", tx.ID, "error", err)
		return
	}
	if err := e.deps.Bus.Publish(ctx, domain.TopicDeclined, payload); err != nil {
		slog.Error("failed to publish decline notice", "tx_id", tx.ID, "error", err)
	}
}

func (e *Evaluator) finish(span trace.Span, result *domain.EvaluationResult, outcome domain.Outcome, start time.Time) *domain.EvaluationResult {
	elapsed := time.Since(start)
	result.Outcome = outcome
	result.EvaluatedAt = time.Now().UTC()
	result.DurationMs = elapsed.Milliseconds()

	span.SetAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("disposition", string(result.Disposition)),
		attribute.Int("score", result.Score),
	)
	metrics.EvaluationsTotal.WithLabelValues(string(outcome), string(result.Disposition)).Inc()
	metrics.EvaluationDuration.Observe(elapsed.Seconds())

	if outcome == domain.OutcomeEvaluated {
		slog.Info("transaction evaluated",
			"tx_id", result.TxID,
			"customer_id", result.CustomerID,
			"disposition", result.Disposition,
			"score", result.Score,
			"duration_ms", result.DurationMs,
		)
	}
	return result
}

package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/cardguard/internal/bus"
	"github.com/opensource-finance/cardguard/internal/cache"
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/history"
	"github.com/opensource-finance/cardguard/internal/repository"
	"github.com/shopspring/decimal"
)

type stack struct {
	repo      *repository.SQLRepository
	bus       *bus.ChannelBus
	evaluator *Evaluator
}

func newStack(t *testing.T) *stack {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "fraud-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	lookups := history.NewService(repo, cache.NewLRUCache(100), time.Second, time.Minute)
	e := NewEvaluator(Deps{
		Stats:      lookups,
		Duplicates: lookups,
		Profiles:   lookups,
		Writer:     NewWriter(repo, b),
		Reader:     repo,
		Bus:        b,
	}, domain.DefaultConfig().Evaluation)

	return &stack{repo: repo, bus: b, evaluator: e}
}

func (s *stack) charge(t *testing.T, id, customerID, amount string, mutate func(*domain.Transaction)) *domain.Transaction {
	t.Helper()
	tx := &domain.Transaction{
		ID:             id,
		CustomerID:     customerID,
		Timestamp:      time.Now().UTC(),
		MerchantName:   "Merchant " + id,
		Category:       domain.CategoryDining,
		Amount:         decimal.RequireFromString(amount),
		Location:       "Austin, TX",
		CardType:       domain.CardVisa,
		ApprovalStatus: domain.StatusApproved,
		PaymentMethod:  domain.PaymentChip,
	}
	if mutate != nil {
		mutate(tx)
	}
	if err := s.repo.SaveTransaction(context.Background(), tx); err != nil {
		t.Fatalf("SaveTransaction %s: %v", id, err)
	}
	return tx
}

func TestEvaluateAgainstStore(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_ = s.repo.SaveCustomer(ctx, &domain.Customer{ID: "austin", FirstName: "Sam", LastName: "Hill", Age: 40, Location: "Austin, TX"})
	_ = s.repo.SaveCustomer(ctx, &domain.Customer{ID: "teen", FirstName: "Lee", LastName: "Park", Age: 19, Location: "Austin, TX"})

	t.Run("CategoryBoundRoundTrip", func(t *testing.T) {
		tx := s.charge(t, "g-1", "austin", "700.00", func(tx *domain.Transaction) { tx.Category = domain.CategoryGroceries })

		res, err := s.evaluator.Evaluate(ctx, tx)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if res.Disposition != domain.DispositionFraud || res.Score < 1 {
			t.Fatalf("expected Fraud, got %s/%d", res.Disposition, res.Score)
		}

		stored, _ := s.repo.GetTransaction(ctx, "g-1")
		if stored.Disposition != res.Disposition {
			t.Errorf("stored disposition %s, result %s", stored.Disposition, res.Disposition)
		}
		if strings.Join(stored.FraudReasons, "|") != strings.Join(res.Reasons, "|") {
			t.Errorf("stored reasons %v, result %v", stored.FraudReasons, res.Reasons)
		}
		if !stored.Amount.Equal(decimal.RequireFromString("700.00")) {
			t.Errorf("amount drifted to %s", stored.Amount)
		}

		evals, _ := s.repo.ListEvaluations(ctx, "g-1")
		if len(evals) != 1 || evals[0].Score != res.Score {
			t.Errorf("expected one audit record, got %v", evals)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		stored, _ := s.repo.GetTransaction(ctx, "g-1")
		res, err := s.evaluator.Evaluate(ctx, stored)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != domain.OutcomeAlreadyDetermined || res.Disposition != domain.DispositionFraud {
			t.Errorf("expected no-op, got %s/%s", res.Outcome, res.Disposition)
		}

		// a stale undetermined copy loses against the stored row
		stale := stored.Clone()
		stale.Disposition = domain.DispositionUndetermined
		res, err = s.evaluator.Evaluate(ctx, stale)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != domain.OutcomeAlreadyDetermined {
			t.Errorf("expected stale copy to report already_determined, got %s", res.Outcome)
		}
		if evals, _ := s.repo.ListEvaluations(ctx, "g-1"); len(evals) != 1 {
			t.Errorf("expected audit trail untouched, got %d records", len(evals))
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		same := func(tx *domain.Transaction) { tx.MerchantName = "Taco Stand" }
		first := s.charge(t, "d-1", "austin", "12.00", same)
		second := s.charge(t, "d-2", "austin", "14.00", same)

		res, _ := s.evaluator.Evaluate(ctx, first)
		if res == nil || res.Disposition != domain.DispositionFraud {
			t.Fatalf("first charge sees its sibling as duplicate, got %+v", res)
		}
		res, err := s.evaluator.Evaluate(ctx, second)
		if err != nil {
			t.Fatal(err)
		}
		if failed := res.Failed(); !slices.Contains(failed, domain.RuleDuplicate) {
			t.Errorf("expected duplicate rule, got %v", failed)
		}
		if !strings.Contains(strings.Join(res.Reasons, " "), "d-1") {
			t.Errorf("expected reason to name d-1, got %v", res.Reasons)
		}
	})

	t.Run("Location", func(t *testing.T) {
		tx := s.charge(t, "l-1", "austin", "20.00", func(tx *domain.Transaction) { tx.Location = "London, UK" })
		res, _ := s.evaluator.Evaluate(ctx, tx)
		joined := strings.Join(res.Reasons, " ")
		if res.Disposition != domain.DispositionFraud || !strings.Contains(joined, "London, UK") || !strings.Contains(joined, "Austin, TX") {
			t.Errorf("expected location anomaly naming both places, got %v", res.Reasons)
		}
	})

	t.Run("AgeRestricted", func(t *testing.T) {
		tx := s.charge(t, "a-1", "teen", "10.00", func(tx *domain.Transaction) { tx.Category = domain.CategoryGambling })
		res, _ := s.evaluator.Evaluate(ctx, tx)
		if res.Disposition != domain.DispositionFraud {
			t.Fatalf("expected Fraud, got %s", res.Disposition)
		}
		if failed := res.Failed(); len(failed) != 1 || failed[0] != domain.RuleAgeCategory {
			t.Errorf("expected only the age rule, got %v", failed)
		}
	})

	t.Run("UnregisteredCustomer", func(t *testing.T) {
		tx := s.charge(t, "u-1", "walk-in", "20.00", func(tx *domain.Transaction) { tx.Location = domain.UnknownLocation })
		res, err := s.evaluator.Evaluate(ctx, tx)
		if err != nil {
			t.Fatal(err)
		}
		if res.Disposition != domain.DispositionNotFraud {
			t.Errorf("expected NotFraud for an unremarkable walk-in, got %v", res.Reasons)
		}
	})

	t.Run("Declined", func(t *testing.T) {
		tx := s.charge(t, "x-1", "austin", "50.00", func(tx *domain.Transaction) {
			tx.ApprovalStatus = domain.StatusDeclined
			tx.Note = "Card Reported Lost"
		})
		res, _ := s.evaluator.Evaluate(ctx, tx)
		if res.Outcome != domain.OutcomeSkipped {
			t.Errorf("expected skipped, got %s", res.Outcome)
		}
		stored, _ := s.repo.GetTransaction(ctx, "x-1")
		if stored.Disposition != domain.DispositionUndetermined {
			t.Errorf("declined charge classified as %s", stored.Disposition)
		}
	})
}

func TestOutlierExcludesCurrent(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	_ = s.repo.SaveCustomer(ctx, &domain.Customer{ID: "c", Age: 30, Location: "Austin, TX"})

	for i, amt := range []string{"20.00", "22.00", "18.00", "21.00", "19.00"} {
		s.charge(t, fmt.Sprintf("h-%d", i), "c", amt, nil)
	}

	tx := s.charge(t, "h-new", "c", "90.00", nil)
	res, err := s.evaluator.Evaluate(ctx, tx)
	if err != nil {
		t.Fatal(err)
	}
	if failed := res.Failed(); len(failed) != 1 || failed[0] != domain.RuleOutlier {
		t.Errorf("expected the outlier rule alone, got %v", failed)
	}
}

func TestWriterPublishes(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	_ = s.repo.SaveCustomer(ctx, &domain.Customer{ID: "p", Age: 30, Location: "Austin, TX"})

	var mu sync.Mutex
	var decisions, alerts []domain.Evaluation
	var wg sync.WaitGroup
	wg.Add(3)

	collect := func(into *[]domain.Evaluation) domain.MessageHandler {
		return func(ctx context.Context, msg *domain.Message) error {
			var e domain.Evaluation
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				return err
			}
			mu.Lock()
			*into = append(*into, e)
			mu.Unlock()
			wg.Done()
			return nil
		}
	}
	_, _ = s.bus.Subscribe(ctx, domain.TopicDecision, collect(&decisions))
	_, _ = s.bus.Subscribe(ctx, domain.TopicAlert, collect(&alerts))

	_, _ = s.evaluator.Evaluate(ctx, s.charge(t, "ok", "p", "20.00", nil))
	_, _ = s.evaluator.Evaluate(ctx, s.charge(t, "bad", "p", "9000.00", nil))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for decision events")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(decisions) != 2 {
		t.Errorf("expected 2 decisions, got %d", len(decisions))
	}
	if len(alerts) != 1 || alerts[0].TxID != "bad" || alerts[0].Disposition != domain.DispositionFraud {
		t.Errorf("expected one alert for bad, got %+v", alerts)
	}
}

func TestCommitErrorLeavesUndetermined(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	tx := s.charge(t, "f-1", "nobody", "20.00", nil)
	broken := NewEvaluator(Deps{
		Stats:      history.NewService(s.repo, nil, time.Second, time.Minute),
		Duplicates: history.NewService(s.repo, nil, time.Second, time.Minute),
		Profiles:   history.NewService(s.repo, nil, time.Second, time.Minute),
		Writer:     &fakeWriter{err: errors.New("connection reset")},
		Reader:     s.repo,
	}, domain.EvaluationConfig{})

	if _, err := broken.Evaluate(ctx, tx); !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("expected ErrCommitFailed, got %v", err)
	}
	stored, _ := s.repo.GetTransaction(ctx, "f-1")
	if stored.Disposition != domain.DispositionUndetermined {
		t.Errorf("expected Undetermined after failed commit, got %s", stored.Disposition)
	}

	// a retry with a healthy writer succeeds
	res, err := s.evaluator.Evaluate(ctx, stored)
	if err != nil || res.Outcome != domain.OutcomeEvaluated {
		t.Errorf("expected retry to evaluate, got %v %v", res, err)
	}
}

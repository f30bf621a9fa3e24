package fraud

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/rules"
	"github.com/shopspring/decimal"
)

type fakeLookups struct {
	mean, stddev float64
	duplicates   []string
	home         string
	age          int
}

func (f *fakeLookups) Stats(ctx context.Context, customerID, excludeTxID string) (float64, float64) {
	return f.mean, f.stddev
}

func (f *fakeLookups) Duplicates(ctx context.Context, tx *domain.Transaction) []string {
	return f.duplicates
}

func (f *fakeLookups) Profile(ctx context.Context, customerID string) *domain.CustomerProfile {
	return &domain.CustomerProfile{CustomerID: customerID, Location: f.home, Age: f.age}
}

type fakeWriter struct {
	mu      sync.Mutex
	commits []*domain.Transaction
	err     error
}

func (w *fakeWriter) Commit(ctx context.Context, tx *domain.Transaction, result *domain.EvaluationResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.commits = append(w.commits, tx.Clone())
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.commits)
}

type fakeReader struct {
	tx *domain.Transaction
}

func (r *fakeReader) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	if r.tx == nil {
		return nil, domain.ErrNotFound
	}
	return r.tx, nil
}

type fakeBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (b *fakeBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = make(map[string][][]byte)
	}
	b.messages[topic] = append(b.messages[topic], payload)
	return nil
}

func (b *fakeBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[topic])
}

// healthy returns lookups under which a modest Austin grocery charge passes.
func healthy() *fakeLookups {
	return &fakeLookups{mean: 50, stddev: 20, home: "Austin, TX", age: 35}
}

func newEvaluator(l *fakeLookups, w *fakeWriter) *Evaluator {
	return NewEvaluator(Deps{
		Stats:      l,
		Duplicates: l,
		Profiles:   l,
		Writer:     w,
		Reader:     &fakeReader{},
	}, domain.EvaluationConfig{})
}

func grocery(amount string) *domain.Transaction {
	return &domain.Transaction{
		ID:             "tx-001",
		CustomerID:     "cust-001",
		Timestamp:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		MerchantName:   "Fresh Foods",
		Category:       domain.CategoryGroceries,
		Amount:         decimal.RequireFromString(amount),
		Location:       "Austin, TX",
		CardType:       domain.CardMastercard,
		ApprovalStatus: domain.StatusApproved,
		PaymentMethod:  domain.PaymentContactless,
		Disposition:    domain.DispositionUndetermined,
	}
}

func TestEvaluatePreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("NonPositiveAmount", func(t *testing.T) {
		for _, amt := range []string{"0", "0.00", "-12.50"} {
			w := &fakeWriter{}
			tx := grocery(amt)
			res, err := newEvaluator(healthy(), w).Evaluate(ctx, tx)
			if !errors.Is(err, ErrInvalidAmount) || !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amt, err)
			}
			if res != nil {
				t.Errorf("amount %s: expected nil result", amt)
			}
			if w.count() != 0 || tx.Disposition != domain.DispositionUndetermined {
				t.Errorf("amount %s: state changed", amt)
			}
		}
	})

	t.Run("NilTransaction", func(t *testing.T) {
		if _, err := newEvaluator(healthy(), &fakeWriter{}).Evaluate(ctx, nil); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("AlreadyDetermined", func(t *testing.T) {
		for _, d := range []domain.Disposition{domain.DispositionFraud, domain.DispositionNotFraud} {
			w := &fakeWriter{}
			tx := grocery("9999.00")
			tx.Disposition = d
			tx.FraudScore = 2
			tx.FraudReasons = []string{"earlier"}

			res, err := newEvaluator(healthy(), w).Evaluate(ctx, tx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != domain.OutcomeAlreadyDetermined || res.Disposition != d {
				t.Errorf("expected already_determined/%s, got %s/%s", d, res.Outcome, res.Disposition)
			}
			if res.Score != 2 || len(res.Reasons) != 1 {
				t.Errorf("expected stored score and reasons, got %d %v", res.Score, res.Reasons)
			}
			if w.count() != 0 {
				t.Error("terminal transaction was re-committed")
			}
		}
	})

	t.Run("DeclinedSkipped", func(t *testing.T) {
		w := &fakeWriter{}
		bus := &fakeBus{}
		e := NewEvaluator(Deps{Stats: healthy(), Duplicates: healthy(), Profiles: healthy(), Writer: w, Bus: bus}, domain.EvaluationConfig{})

		tx := grocery("9999.00")
		tx.ApprovalStatus = domain.StatusDeclined
		tx.Note = "Insufficient Funds"

		res, err := e.Evaluate(ctx, tx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != domain.OutcomeSkipped {
			t.Errorf("expected skipped, got %s", res.Outcome)
		}
		if res.Disposition.Terminal() {
			t.Errorf("declined charge was classified %s", res.Disposition)
		}
		if res.Note != "Insufficient Funds" {
			t.Errorf("expected decline note, got %q", res.Note)
		}
		if w.count() != 0 {
			t.Error("declined charge was committed")
		}
		if bus.count(domain.TopicDeclined) != 1 {
			t.Error("expected a decline notice")
		}
	})
}

func TestRuleBattery(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		lookups  func(*fakeLookups)
		tx       func(*domain.Transaction)
		wantRule string
		contains []string
	}{
		{
			name:     "CategoryBound",
			tx:       func(tx *domain.Transaction) { tx.Amount = decimal.RequireFromString("700.00") },
			lookups:  func(l *fakeLookups) { l.stddev = 0 },
			wantRule: domain.RuleCategoryBound,
			contains: []string{"$700.00", "Groceries", "$300.00"},
		},
		{
			name:     "Outlier",
			tx:       func(tx *domain.Transaction) { tx.Amount = decimal.RequireFromString("150.00") },
			lookups:  func(l *fakeLookups) { l.mean, l.stddev = 100, 10 },
			wantRule: domain.RuleOutlier,
			contains: []string{"Outlier in spending", "$150.00", "Z-Score: 5.00"},
		},
		{
			name:     "NegativeOutlier",
			tx:       func(tx *domain.Transaction) { tx.Amount = decimal.RequireFromString("1.00") },
			lookups:  func(l *fakeLookups) { l.mean, l.stddev = 200, 50 },
			wantRule: domain.RuleOutlier,
			contains: []string{"Z-Score: -3.98"},
		},
		{
			name:     "Duplicate",
			lookups:  func(l *fakeLookups) { l.duplicates = []string{"tx-a", "tx-b"} },
			wantRule: domain.RuleDuplicate,
			contains: []string{"Found 2 identical transaction(s): tx-a, tx-b"},
		},
		{
			name:     "Location",
			tx:       func(tx *domain.Transaction) { tx.Location = "London, UK" },
			wantRule: domain.RuleLocation,
			contains: []string{"London, UK", "Austin, TX"},
		},
		{
			name:     "AgeCategory",
			tx:       func(tx *domain.Transaction) { tx.Category = domain.CategoryGambling },
			lookups:  func(l *fakeLookups) { l.age = 19 },
			wantRule: domain.RuleAgeCategory,
			contains: []string{"Gambling", "age: 19"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := healthy()
			if tt.lookups != nil {
				tt.lookups(l)
			}
			tx := grocery("40.00")
			if tt.tx != nil {
				tt.tx(tx)
			}

			w := &fakeWriter{}
			res, err := newEvaluator(l, w).Evaluate(ctx, tx)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if res.Disposition != domain.DispositionFraud || res.Score != 1 {
				t.Fatalf("expected Fraud with score 1, got %s/%d %v", res.Disposition, res.Score, res.Reasons)
			}
			if failed := res.Failed(); len(failed) != 1 || failed[0] != tt.wantRule {
				t.Errorf("expected %s to fail, got %v", tt.wantRule, failed)
			}
			for _, s := range tt.contains {
				if !strings.Contains(res.Reasons[0], s) {
					t.Errorf("reason %q missing %q", res.Reasons[0], s)
				}
			}
			if w.count() != 1 || w.commits[0].Disposition != domain.DispositionFraud {
				t.Error("expected one Fraud commit")
			}
		})
	}
}

func TestRuleBatteryPasses(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		lookups func(*fakeLookups)
		tx      func(*domain.Transaction)
	}{
		{"Clean", nil, nil},
		{"AtBound", func(l *fakeLookups) { l.stddev = 0 }, func(tx *domain.Transaction) { tx.Amount = decimal.RequireFromString("300.00") }},
		{"ZAtThreshold", func(l *fakeLookups) { l.mean, l.stddev = 20, 10 }, nil},
		{"UnknownTxLocation", nil, func(tx *domain.Transaction) { tx.Location = domain.UnknownLocation }},
		{"UnregisteredHome", func(l *fakeLookups) { l.home = "" }, func(tx *domain.Transaction) { tx.Location = domain.UnknownLocation }},
		{"AdultGambling", nil, func(tx *domain.Transaction) { tx.Category = domain.CategoryGambling }},
		{"MinorGroceries", func(l *fakeLookups) { l.age = 17 }, nil},
		{"AgeExactlyMinimum", func(l *fakeLookups) { l.age = 21 }, func(tx *domain.Transaction) { tx.Category = domain.CategoryBarService }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := healthy()
			if tt.lookups != nil {
				tt.lookups(l)
			}
			tx := grocery("40.00")
			if tt.tx != nil {
				tt.tx(tx)
			}

			res, err := newEvaluator(l, &fakeWriter{}).Evaluate(ctx, tx)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if res.Disposition != domain.DispositionNotFraud || res.Score != 0 || len(res.Reasons) != 0 {
				t.Errorf("expected NotFraud, got %s/%d %v", res.Disposition, res.Score, res.Reasons)
			}
			if res.Outcome != domain.OutcomeEvaluated || len(res.Rules) != 5 {
				t.Errorf("expected 5 evaluated rules, got %s %d", res.Outcome, len(res.Rules))
			}
		})
	}
}

func TestConstantSpendingGuard(t *testing.T) {
	// prior amounts [100, 100, 100, 100] give stddev 0
	l := healthy()
	l.mean, l.stddev = 100, 0

	res, err := newEvaluator(l, &fakeWriter{}).Evaluate(context.Background(), grocery("9999.00"))
	if err != nil {
		t.Fatal(err)
	}
	failed := res.Failed()
	if len(failed) != 1 || failed[0] != domain.RuleCategoryBound {
		t.Errorf("expected only the category bound to fire, got %v", failed)
	}
}

func TestReasonsAreUnion(t *testing.T) {
	l := healthy()
	l.mean, l.stddev = 10, 5
	l.duplicates = []string{"tx-0"}
	l.age = 18

	tx := grocery("800.00")
	tx.Category = domain.CategoryNightClub
	tx.Location = "Paris, FR"

	res, err := newEvaluator(l, &fakeWriter{}).Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 5 || len(res.Reasons) != 5 {
		t.Fatalf("expected every rule to fire, got %d %v", res.Score, res.Reasons)
	}
	prefixes := []string{"Transaction Amount", "Outlier", "Duplicate", "Location", "Unexpected Category"}
	for i, p := range prefixes {
		if !strings.HasPrefix(res.Reasons[i], p) {
			t.Errorf("reason %d: expected prefix %q, got %q", i, p, res.Reasons[i])
		}
	}
}

func TestConfiguredThresholds(t *testing.T) {
	l := healthy()
	l.age = 22
	w := &fakeWriter{}
	e := NewEvaluator(Deps{Stats: l, Duplicates: l, Profiles: l, Writer: w}, domain.EvaluationConfig{
		ZScoreThreshold:      1.0,
		MinimumAge:           25,
		RestrictedCategories: []domain.Category{domain.CategoryTravel},
	})

	tx := grocery("75.00") // z = 1.25
	tx.Category = domain.CategoryTravel

	res, err := e.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatal(err)
	}
	failed := res.Failed()
	if len(failed) != 2 || failed[0] != domain.RuleOutlier || failed[1] != domain.RuleAgeCategory {
		t.Errorf("expected outlier and age rules under configured thresholds, got %v", failed)
	}
}

func TestOperatorRules(t *testing.T) {
	engine, err := rules.NewEngine(2)
	if err != nil {
		t.Fatal(err)
	}
	_ = engine.LoadRule(&domain.RuleConfig{
		ID:         "contactless-groceries",
		Expression: `payment_method == "Contactless" && category == "Groceries" && amount > 30.0`,
		Reason:     "Large contactless grocery charge",
		Enabled:    true,
	})

	l := healthy()
	e := NewEvaluator(Deps{Stats: l, Duplicates: l, Profiles: l, Rules: engine, Writer: &fakeWriter{}}, domain.EvaluationConfig{})

	res, err := e.Evaluate(context.Background(), grocery("40.00"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Disposition != domain.DispositionFraud || res.Score != 1 {
		t.Fatalf("expected operator rule to fire, got %s/%d", res.Disposition, res.Score)
	}
	if res.Reasons[0] != "Large contactless grocery charge" || len(res.Rules) != 6 {
		t.Errorf("unexpected result: %v (%d rules)", res.Reasons, len(res.Rules))
	}
}

func TestCommitFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("Surfaced", func(t *testing.T) {
		boom := errors.New("disk full")
		e := newEvaluator(healthy(), &fakeWriter{err: boom})

		res, err := e.Evaluate(ctx, grocery("40.00"))
		if !errors.Is(err, ErrCommitFailed) || !errors.Is(err, boom) {
			t.Fatalf("expected ErrCommitFailed wrapping cause, got %v", err)
		}
		if res != nil {
			t.Error("expected nil result on commit failure")
		}
	})

	t.Run("LostRace", func(t *testing.T) {
		stored := grocery("40.00")
		stored.Disposition = domain.DispositionFraud
		stored.FraudScore = 1
		stored.FraudReasons = []string{"first writer"}

		l := healthy()
		e := NewEvaluator(Deps{
			Stats: l, Duplicates: l, Profiles: l,
			Writer: &fakeWriter{err: domain.ErrAlreadyDetermined},
			Reader: &fakeReader{tx: stored},
		}, domain.EvaluationConfig{})

		res, err := e.Evaluate(ctx, grocery("40.00"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Outcome != domain.OutcomeAlreadyDetermined || res.Disposition != domain.DispositionFraud {
			t.Errorf("expected stored Fraud, got %s/%s", res.Outcome, res.Disposition)
		}
		if len(res.Reasons) != 1 || res.Reasons[0] != "first writer" {
			t.Errorf("expected stored reasons, got %v", res.Reasons)
		}
	})
}

func TestInputNotMutated(t *testing.T) {
	tx := grocery("700.00")
	if _, err := newEvaluator(healthy(), &fakeWriter{}).Evaluate(context.Background(), tx); err != nil {
		t.Fatal(err)
	}
	if tx.Disposition != domain.DispositionUndetermined || tx.FraudScore != 0 || tx.FraudReasons != nil {
		t.Errorf("caller's transaction was modified: %+v", tx)
	}
}

// slowStats records the peak number of concurrent lookups per customer.
type slowStats struct {
	fakeLookups
	active atomic.Int32
	peak   atomic.Int32
}

func (s *slowStats) Stats(ctx context.Context, customerID, excludeTxID string) (float64, float64) {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	s.active.Add(-1)
	return 0, 0
}

func TestPerCustomerSerialisation(t *testing.T) {
	s := &slowStats{fakeLookups: *healthy()}
	e := NewEvaluator(Deps{Stats: s, Duplicates: s, Profiles: s, Writer: &fakeWriter{}}, domain.EvaluationConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Evaluate(context.Background(), grocery("40.00")); err != nil {
				t.Errorf("Evaluate failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if p := s.peak.Load(); p != 1 {
		t.Errorf("expected same-customer evaluations to run one at a time, peak %d", p)
	}
}

func TestMaxAllowed(t *testing.T) {
	tests := map[domain.Category]string{
		domain.CategoryGroceries:         "300",
		domain.CategorySubscriptions:     "100",
		domain.CategoryLuxuryItems:       "5000",
		domain.CategoryFinancialServices: "200",
		domain.CategoryGambling:          "500",
		domain.CategoryOther:             "500",
		domain.Category("Pet Supplies"):  "500",
	}
	for c, want := range tests {
		if got := MaxAllowed(c); !got.Equal(decimal.RequireFromString(want)) {
			t.Errorf("MaxAllowed(%s) = %s, want %s", c, got, want)
		}
	}
}

// cancellingStats cancels the evaluation while its lookup is in flight.
type cancellingStats struct {
	fakeLookups
	cancel context.CancelFunc
}

func (c *cancellingStats) Stats(ctx context.Context, customerID, excludeTxID string) (float64, float64) {
	c.cancel()
	return 0, 0
}

func TestCancelledDuringLookups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &cancellingStats{fakeLookups: *healthy(), cancel: cancel}
	w := &fakeWriter{}
	e := NewEvaluator(Deps{Stats: s, Duplicates: s, Profiles: s, Writer: w}, domain.EvaluationConfig{})

	_, err := e.Evaluate(ctx, grocery("40.00"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if w.count() != 0 {
		t.Errorf("expected no commit after cancellation, got %d", w.count())
	}
}

type countingProfiles struct {
	fakeLookups
	calls atomic.Int32
}

func (c *countingProfiles) Profile(ctx context.Context, customerID string) *domain.CustomerProfile {
	c.calls.Add(1)
	return c.fakeLookups.Profile(ctx, customerID)
}

func TestProfileResolvedOnce(t *testing.T) {
	p := &countingProfiles{fakeLookups: *healthy()}
	p.age = 19
	e := NewEvaluator(Deps{Stats: p, Duplicates: p, Profiles: p, Writer: &fakeWriter{}}, domain.EvaluationConfig{})

	tx := grocery("40.00")
	tx.Category = domain.CategoryGambling
	tx.Location = "London, UK"
	res, err := e.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("expected one profile lookup per evaluation, got %d", got)
	}
	// Both the location and age checks read from that one profile.
	if res.Score != 2 {
		t.Errorf("expected location and age failures, got score %d: %v", res.Score, res.Reasons)
	}
}

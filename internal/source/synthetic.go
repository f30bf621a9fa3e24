package source

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/shopspring/decimal"
)

// SyntheticStore is what Synthetic needs to pick customers and record swipes.
type SyntheticStore interface {
	ListCustomerIDs(ctx context.Context) ([]string, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	SaveTransaction(ctx context.Context, tx *domain.Transaction) error
}

// SyntheticConfig tunes the generator.
type SyntheticConfig struct {
	// Count is how many swipes to produce. Zero or less means no limit.
	Count int

	// Seed makes runs reproducible. Zero seeds from the clock.
	Seed uint64

	// History is the number of recent swipes kept for duplicate replay.
	History int

	// AnomalyChance is the probability of an out-of-range amount, an
	// unusual location or an age-gated category for an ineligible customer.
	AnomalyChance float64

	// DuplicateChance is the probability a swipe replays a recent one.
	DuplicateChance float64
}

// DefaultSyntheticConfig mirrors the rates of the swipe simulator.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		History:         32,
		AnomalyChance:   0.02,
		DuplicateChance: 0.05,
	}
}

type amountRange struct{ lo, hi float64 }

var normalAmounts = map[domain.Category]amountRange{
	domain.CategoryGroceries:         {10, 300},
	domain.CategoryUtilities:         {10, 300},
	domain.CategoryCharity:           {10, 300},
	domain.CategoryInsurance:         {10, 300},
	domain.CategoryMiscellaneous:     {10, 300},
	domain.CategoryDining:            {50, 500},
	domain.CategoryTravel:            {200, 3000},
	domain.CategoryRetail:            {50, 500},
	domain.CategoryHealthcare:        {100, 1500},
	domain.CategorySubscriptions:     {10, 100},
	domain.CategoryEducation:         {100, 2500},
	domain.CategoryAutomobile:        {200, 1000},
	domain.CategoryEntertainment:     {20, 300},
	domain.CategoryLuxuryItems:       {100, 5000},
	domain.CategoryFinancialServices: {10, 200},
}

var adultCategories = []domain.Category{
	domain.CategoryNightClub, domain.CategoryBarService, domain.CategoryGambling, domain.CategoryCarRental,
}

// Synthetic generates random card swipes for stored customers and records
// each one before yielding it. A bounded ring of recent swipes is replayed
// now and then to exercise the duplicate rule.
type Synthetic struct {
	mu        sync.Mutex
	store     SyntheticStore
	cfg       SyntheticConfig
	rnd       *rand.Rand
	fake      *gofakeit.Faker
	recent    *ring
	customers []string
	produced  int
}

// NewSynthetic creates a generator over store.
func NewSynthetic(store SyntheticStore, cfg SyntheticConfig) *Synthetic {
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Synthetic{
		store:  store,
		cfg:    cfg,
		rnd:    rand.New(rand.NewPCG(seed, seed>>1|1)),
		fake:   gofakeit.New(seed),
		recent: newRing(cfg.History),
	}
}

// Next generates, stores and returns one swipe.
func (s *Synthetic) Next(ctx context.Context) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Count > 0 && s.produced >= s.cfg.Count {
		return nil, domain.ErrSourceExhausted
	}

	tx, err := s.generate(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("store swipe %s: %w", tx.ID, err)
	}

	s.produced++
	s.recent.push(tx)
	return tx.Clone(), nil
}

func (s *Synthetic) generate(ctx context.Context) (*domain.Transaction, error) {
	if prev := s.recent.pick(s.rnd); prev != nil && s.chance(s.cfg.DuplicateChance) {
		dup := prev.Clone()
		dup.ID = newTxID()
		dup.Timestamp = s.timestamp()
		dup.Disposition = domain.DispositionUndetermined
		dup.FraudScore = 0
		dup.FraudReasons = nil
		return dup, nil
	}

	c, err := s.customer(ctx)
	if err != nil {
		return nil, err
	}

	category := s.category(c.Age)
	location := c.Location
	if location == "" || s.chance(s.cfg.AnomalyChance) {
		location = s.city()
	}

	status := s.status()
	var note string
	if status == domain.StatusDeclined {
		note = pick(s.rnd, domain.DeclineNotes)
	}

	return &domain.Transaction{
		ID:             newTxID(),
		CustomerID:     c.ID,
		Timestamp:      s.timestamp(),
		MerchantName:   s.fake.Company(),
		Category:       category,
		Amount:         s.amount(category),
		Location:       location,
		CardType:       pick(s.rnd, domain.CardTypes),
		ApprovalStatus: status,
		PaymentMethod:  pick(s.rnd, domain.PaymentMethods),
		Disposition:    domain.DispositionUndetermined,
		Note:           note,
	}, nil
}

func (s *Synthetic) customer(ctx context.Context) (*domain.Customer, error) {
	if len(s.customers) == 0 {
		ids, err := s.store.ListCustomerIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list customers: %w", err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: no customers registered", domain.ErrNotFound)
		}
		s.customers = ids
	}
	return s.store.GetCustomer(ctx, pick(s.rnd, s.customers))
}

// category skips age-gated categories for customers under 21 or over 75
// unless an anomaly is drawn.
func (s *Synthetic) category(age int) domain.Category {
	c := pick(s.rnd, domain.Categories[:len(domain.Categories)-1])
	if slices.Contains(adultCategories, c) && (age < 21 || age > 75) && !s.chance(s.cfg.AnomalyChance) {
		for slices.Contains(adultCategories, c) {
			c = pick(s.rnd, domain.Categories[:len(domain.Categories)-1])
		}
	}
	return c
}

func (s *Synthetic) amount(c domain.Category) decimal.Decimal {
	r, ok := normalAmounts[c]
	switch {
	case !ok && s.chance(s.cfg.AnomalyChance):
		r = amountRange{5000, 10000}
	case !ok:
		r = amountRange{20, 500}
	case s.chance(s.cfg.AnomalyChance):
		r = amountRange{1, r.hi * 3}
	}
	v := r.lo + s.rnd.Float64()*(r.hi-r.lo)
	return decimal.NewFromFloat(v).Round(2)
}

// status draws Approved, Declined and Pending at 75/10/15.
func (s *Synthetic) status() domain.ApprovalStatus {
	switch n := s.rnd.IntN(100); {
	case n < 75:
		return domain.StatusApproved
	case n < 85:
		return domain.StatusDeclined
	default:
		return domain.StatusPending
	}
}

func (s *Synthetic) timestamp() time.Time {
	back := time.Duration(s.rnd.Int64N(int64(365 * 24 * time.Hour)))
	return time.Now().UTC().Add(-back).Truncate(time.Second)
}

// city renders a fake location as "City, ST".
func (s *Synthetic) city() string {
	return s.fake.City() + ", " + s.fake.StateAbr()
}

func (s *Synthetic) chance(p float64) bool {
	return p > 0 && s.rnd.Float64() < p
}

func pick[T any](rnd *rand.Rand, items []T) T {
	return items[rnd.IntN(len(items))]
}

func newTxID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ring keeps the last n transactions.
type ring struct {
	buf  []*domain.Transaction
	next int
	size int
}

func newRing(n int) *ring {
	if n < 0 {
		n = 0
	}
	return &ring{buf: make([]*domain.Transaction, n)}
}

func (r *ring) push(tx *domain.Transaction) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = tx.Clone()
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) pick(rnd *rand.Rand) *domain.Transaction {
	if r.size == 0 {
		return nil
	}
	return r.buf[rnd.IntN(r.size)]
}

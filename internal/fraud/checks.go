package fraud

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/rules"
)

// signals are the lookups one evaluation reads, gathered before any check runs.
type signals struct {
	mean       float64
	stddev     float64
	duplicates []string
	home       string
	age        int
}

// zScore returns the z-score of amount, and false when stddev gives no signal.
func (s *signals) zScore(amount float64) (float64, bool) {
	if s.stddev <= 0 {
		return 0, false
	}
	return (amount - s.mean) / s.stddev, true
}

type check func(tx *domain.Transaction, s *signals) (failed bool, reason string)

type builtin struct {
	id  string
	run check
}

// battery lists the built-in checks in reporting order.
func (e *Evaluator) battery() []builtin {
	return []builtin{
		{domain.RuleCategoryBound, checkCategoryBound},
		{domain.RuleOutlier, e.checkOutlier},
		{domain.RuleDuplicate, checkDuplicate},
		{domain.RuleLocation, checkLocation},
		{domain.RuleAgeCategory, e.checkAgeCategory},
	}
}

func checkCategoryBound(tx *domain.Transaction, _ *signals) (bool, string) {
	if IsAmountValid(tx) {
		return false, ""
	}
	return true, fmt.Sprintf("Transaction Amount: $%s out of bounds for Category: %s (max $%s)",
		tx.Amount.StringFixed(2), tx.Category, MaxAllowed(tx.Category).StringFixed(2))
}

func (e *Evaluator) checkOutlier(tx *domain.Transaction, s *signals) (bool, string) {
	z, ok := s.zScore(tx.Amount.InexactFloat64())
	if !ok || math.Abs(z) <= e.cfg.ZScoreThreshold {
		return false, ""
	}
	return true, fmt.Sprintf("Outlier in spending: Amount $%s, Z-Score: %.2f", tx.Amount.StringFixed(2), z)
}

func checkDuplicate(_ *domain.Transaction, s *signals) (bool, string) {
	if len(s.duplicates) == 0 {
		return false, ""
	}
	return true, fmt.Sprintf("Duplicate transaction. Found %d identical transaction(s): %s",
		len(s.duplicates), strings.Join(s.duplicates, ", "))
}

func checkLocation(tx *domain.Transaction, s *signals) (bool, string) {
	if tx.Location == s.home || tx.Location == domain.UnknownLocation {
		return false, ""
	}
	return true, fmt.Sprintf("Location anomaly: %s (Expected: %s)", tx.Location, s.home)
}

func (e *Evaluator) checkAgeCategory(tx *domain.Transaction, s *signals) (bool, string) {
	if s.age >= e.cfg.MinimumAge || !e.restricted[tx.Category] {
		return false, ""
	}
	return true, fmt.Sprintf("Unexpected Category: %s for customer's age: %d", tx.Category, s.age)
}

// ruleInput exposes the same signals to operator-defined rules.
func ruleInput(tx *domain.Transaction, s *signals) *rules.Input {
	z, _ := s.zScore(tx.Amount.InexactFloat64())
	return &rules.Input{
		TxID:           tx.ID,
		Amount:         tx.Amount.InexactFloat64(),
		Category:       string(tx.Category),
		Merchant:       tx.MerchantName,
		Location:       tx.Location,
		HomeLocation:   s.home,
		CardType:       string(tx.CardType),
		PaymentMethod:  string(tx.PaymentMethod),
		Age:            s.age,
		ZScore:         z,
		DuplicateCount: len(s.duplicates),
	}
}

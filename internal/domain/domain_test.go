package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseCategory(t *testing.T) {
	cases := map[string]Category{
		"Groceries":    CategoryGroceries,
		"  groceries ": CategoryGroceries,
		"LUXURY ITEMS": CategoryLuxuryItems,
		"Night Club":   CategoryNightClub,
		"Pet Supplies": CategoryOther,
		"":             CategoryOther,
	}
	for in, want := range cases {
		if got := ParseCategory(in); got != want {
			t.Errorf("ParseCategory(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisposition(t *testing.T) {
	if DispositionUndetermined.Terminal() {
		t.Error("Undetermined must not be terminal")
	}
	if !DispositionFraud.Terminal() || !DispositionNotFraud.Terminal() {
		t.Error("Fraud and NotFraud must be terminal")
	}
}

func TestTransactionRequest(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		req := &TransactionRequest{
			CustomerID: "c1",
			Category:   "dining",
			Amount:     decimal.RequireFromString("12.345"),
		}
		tx := req.ToTransaction()

		if tx.Timestamp != UnknownTimestamp {
			t.Errorf("expected sentinel timestamp, got %v", tx.Timestamp)
		}
		if tx.HasTimestamp() {
			t.Error("expected HasTimestamp false for sentinel")
		}
		if tx.ApprovalStatus != StatusPending {
			t.Errorf("expected Pending, got %s", tx.ApprovalStatus)
		}
		if tx.Disposition != DispositionUndetermined {
			t.Errorf("expected Undetermined, got %s", tx.Disposition)
		}
		if tx.Category != CategoryDining {
			t.Errorf("expected Dining, got %s", tx.Category)
		}
		if !tx.Amount.Equal(decimal.RequireFromString("12.35")) {
			t.Errorf("expected amount rounded to 12.35, got %s", tx.Amount)
		}
	})

	t.Run("Timestamp", func(t *testing.T) {
		ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
		tx := (&TransactionRequest{Timestamp: &ts}).ToTransaction()
		if !tx.HasTimestamp() {
			t.Fatal("expected a real timestamp")
		}
		if tx.Timestamp.Location() != time.UTC {
			t.Error("expected timestamp normalised to UTC")
		}
	})
}

func TestClone(t *testing.T) {
	orig := &Transaction{ID: "t1", FraudReasons: []string{"a"}}
	c := orig.Clone()
	c.FraudReasons[0] = "b"
	c.ID = "t2"
	if orig.FraudReasons[0] != "a" || orig.ID != "t1" {
		t.Error("clone shares state with original")
	}
}

func TestApplyEnv(t *testing.T) {
	env := func(m map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := m[k]
			return v, ok
		}
	}

	t.Run("Overrides", func(t *testing.T) {
		cfg := DefaultConfig()
		err := ApplyEnv(cfg, env(map[string]string{
			"CARDGUARD_SERVER_PORT":           "9090",
			"CARDGUARD_ZSCORE_THRESHOLD":      "3.5",
			"CARDGUARD_MIN_AGE":               "18",
			"CARDGUARD_LOOKUP_TIMEOUT":        "500ms",
			"CARDGUARD_RESTRICTED_CATEGORIES": "Gambling, bar service, Bogus",
			"CARDGUARD_TRANSACTIONS_TABLE":    "transactions_test",
			"CARDGUARD_DEBUG":                 "true",
		}))
		if err != nil {
			t.Fatalf("ApplyEnv failed: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Evaluation.ZScoreThreshold != 3.5 {
			t.Errorf("expected threshold 3.5, got %v", cfg.Evaluation.ZScoreThreshold)
		}
		if cfg.Evaluation.MinimumAge != 18 {
			t.Errorf("expected min age 18, got %d", cfg.Evaluation.MinimumAge)
		}
		if cfg.Evaluation.LookupTimeout != 500*time.Millisecond {
			t.Errorf("expected 500ms, got %v", cfg.Evaluation.LookupTimeout)
		}
		rc := cfg.Evaluation.RestrictedCategories
		if len(rc) != 2 || rc[0] != CategoryGambling || rc[1] != CategoryBarService {
			t.Errorf("unexpected restricted categories: %v", rc)
		}
		if cfg.Repository.TransactionsTable != "transactions_test" {
			t.Errorf("unexpected table %q", cfg.Repository.TransactionsTable)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected debug level, got %q", cfg.Logging.Level)
		}
	})

	t.Run("BadNumber", func(t *testing.T) {
		err := ApplyEnv(DefaultConfig(), env(map[string]string{"CARDGUARD_WORKERS": "many"}))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("DefaultsUntouched", func(t *testing.T) {
		cfg := DefaultConfig()
		if err := ApplyEnv(cfg, env(nil)); err != nil {
			t.Fatal(err)
		}
		if len(cfg.Evaluation.RestrictedCategories) != 4 {
			t.Errorf("expected 4 default restricted categories, got %d", len(cfg.Evaluation.RestrictedCategories))
		}
	})
}

package fraud

import (
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/shopspring/decimal"
)

// otherBound applies to every category without an explicit entry.
var otherBound = decimal.RequireFromString("500.00")

var categoryBounds = map[domain.Category]decimal.Decimal{
	domain.CategoryGroceries:         decimal.RequireFromString("300.00"),
	domain.CategoryUtilities:         decimal.RequireFromString("300.00"),
	domain.CategoryCharity:           decimal.RequireFromString("300.00"),
	domain.CategoryInsurance:         decimal.RequireFromString("300.00"),
	domain.CategoryMiscellaneous:     decimal.RequireFromString("300.00"),
	domain.CategoryEntertainment:     decimal.RequireFromString("300.00"),
	domain.CategoryDining:            decimal.RequireFromString("500.00"),
	domain.CategoryRetail:            decimal.RequireFromString("500.00"),
	domain.CategoryTravel:            decimal.RequireFromString("3000.00"),
	domain.CategoryHealthcare:        decimal.RequireFromString("1500.00"),
	domain.CategorySubscriptions:     decimal.RequireFromString("100.00"),
	domain.CategoryEducation:         decimal.RequireFromString("2500.00"),
	domain.CategoryAutomobile:        decimal.RequireFromString("1000.00"),
	domain.CategoryLuxuryItems:       decimal.RequireFromString("5000.00"),
	domain.CategoryFinancialServices: decimal.RequireFromString("200.00"),
}

// MaxAllowed returns the largest normal amount for a category.
func MaxAllowed(c domain.Category) decimal.Decimal {
	if b, ok := categoryBounds[c]; ok {
		return b
	}
	return otherBound
}

// IsAmountValid reports whether tx stays within its category bound.
func IsAmountValid(tx *domain.Transaction) bool {
	return tx.Amount.LessThanOrEqual(MaxAllowed(tx.Category))
}

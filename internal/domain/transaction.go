package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UnknownTimestamp marks a transaction whose timestamp was never captured.
// Stored rows always carry a timestamp; this sentinel stands in for "missing".
var UnknownTimestamp = time.Unix(0, 0).UTC()

// Category is a merchant spending category.
type Category string

const (
	CategoryGroceries         Category = "Groceries"
	CategoryUtilities         Category = "Utilities"
	CategoryCharity           Category = "Charity"
	CategoryInsurance         Category = "Insurance"
	CategoryMiscellaneous     Category = "Miscellaneous"
	CategoryEntertainment     Category = "Entertainment"
	CategoryDining            Category = "Dining"
	CategoryRetail            Category = "Retail"
	CategoryTravel            Category = "Travel"
	CategoryHealthcare        Category = "Healthcare"
	CategorySubscriptions     Category = "Subscriptions"
	CategoryEducation         Category = "Education"
	CategoryAutomobile        Category = "Automobile"
	CategoryLuxuryItems       Category = "Luxury Items"
	CategoryFinancialServices Category = "Financial Services"
	CategoryNightClub         Category = "Night Club"
	CategoryBarService        Category = "Bar Service"
	CategoryGambling          Category = "Gambling"
	CategoryCarRental         Category = "Car Rental"
	CategoryOther             Category = "Other"
)

// Categories lists every known category in display order.
var Categories = []Category{
	CategoryGroceries, CategoryUtilities, CategoryCharity, CategoryInsurance,
	CategoryMiscellaneous, CategoryEntertainment, CategoryDining, CategoryRetail,
	CategoryTravel, CategoryHealthcare, CategorySubscriptions, CategoryEducation,
	CategoryAutomobile, CategoryLuxuryItems, CategoryFinancialServices,
	CategoryNightClub, CategoryBarService, CategoryGambling, CategoryCarRental,
	CategoryOther,
}

// ParseCategory maps free text onto a known category, case-insensitively.
// Anything unrecognised becomes CategoryOther.
func ParseCategory(s string) Category {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(s, string(c)) {
			return c
		}
	}
	return CategoryOther
}

// CardType is the card network.
type CardType string

const (
	CardVisa            CardType = "Visa"
	CardMastercard      CardType = "Mastercard"
	CardAmericanExpress CardType = "American Express"
	CardDiscover        CardType = "Discover"
)

// CardTypes lists the accepted card networks.
var CardTypes = []CardType{CardVisa, CardMastercard, CardAmericanExpress, CardDiscover}

// Valid reports whether c is an accepted card network.
func (c CardType) Valid() bool {
	for _, k := range CardTypes {
		if c == k {
			return true
		}
	}
	return false
}

// ApprovalStatus is the issuer's authorization outcome.
type ApprovalStatus string

const (
	StatusApproved ApprovalStatus = "Approved"
	StatusDeclined ApprovalStatus = "Declined"
	StatusPending  ApprovalStatus = "Pending"
)

// Valid reports whether s is a known approval status.
func (s ApprovalStatus) Valid() bool {
	return s == StatusApproved || s == StatusDeclined || s == StatusPending
}

// PaymentMethod is how the card was presented.
type PaymentMethod string

const (
	PaymentChip         PaymentMethod = "Chip"
	PaymentSwipe        PaymentMethod = "Swipe"
	PaymentContactless  PaymentMethod = "Contactless"
	PaymentOnline       PaymentMethod = "Online Payment"
	PaymentMobileWallet PaymentMethod = "Mobile Wallet"
)

// PaymentMethods lists the accepted presentation methods.
var PaymentMethods = []PaymentMethod{PaymentChip, PaymentSwipe, PaymentContactless, PaymentOnline, PaymentMobileWallet}

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	for _, k := range PaymentMethods {
		if m == k {
			return true
		}
	}
	return false
}

// DeclineNotes are the issuer notes attached to declined charges.
var DeclineNotes = []string{
	"Insufficient Balance",
	"Expired Card",
	"Incorrect Security Code",
	"Card Not Activated",
	"Invalid Card Number",
	"Suspended Card",
	"Do Not Honor",
	"Exceeded Credit Limit",
}

// Disposition is the fraud classification of a transaction.
type Disposition string

const (
	DispositionUndetermined Disposition = "Undetermined"
	DispositionFraud        Disposition = "Fraud"
	DispositionNotFraud     Disposition = "NotFraud"
)

// Terminal reports whether d is a final classification.
func (d Disposition) Terminal() bool {
	return d == DispositionFraud || d == DispositionNotFraud
}

// Transaction is a single card charge.
type Transaction struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customerId"`
	Timestamp      time.Time       `json:"timestamp"`
	MerchantName   string          `json:"merchantName"`
	Category       Category        `json:"category"`
	Amount         decimal.Decimal `json:"amount"`
	Location       string          `json:"location"`
	CardType       CardType        `json:"cardType"`
	ApprovalStatus ApprovalStatus  `json:"approvalStatus"`
	PaymentMethod  PaymentMethod   `json:"paymentMethod"`
	Disposition    Disposition     `json:"disposition"`
	Note           string          `json:"note,omitempty"`

	// Written by the last evaluation
	FraudScore   int      `json:"fraudScore"`
	FraudReasons []string `json:"fraudReasons,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasTimestamp reports whether the charge carries a real timestamp.
func (t *Transaction) HasTimestamp() bool {
	return !t.Timestamp.IsZero() && !t.Timestamp.Equal(UnknownTimestamp)
}

// Clone returns a deep copy so callers can mutate it freely.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.FraudReasons != nil {
		c.FraudReasons = append([]string(nil), t.FraudReasons...)
	}
	return &c
}

// Customer is a card holder.
type Customer struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	Age         int       `json:"age"`
	Location    string    `json:"location"`
	PhoneNumber string    `json:"phoneNumber"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Defaults for customers registered without a profile.
const (
	UnknownLocation    = "Unknown"
	DefaultPhoneNumber = "000-000-0000"
)

// TransactionRequest is the API payload for recording a charge.
type TransactionRequest struct {
	ID             string          `json:"id,omitempty"`
	CustomerID     string          `json:"customerId"`
	Timestamp      *time.Time      `json:"timestamp,omitempty"`
	MerchantName   string          `json:"merchantName"`
	Category       string          `json:"category"`
	Amount         decimal.Decimal `json:"amount"`
	Location       string          `json:"location"`
	CardType       CardType        `json:"cardType"`
	ApprovalStatus ApprovalStatus  `json:"approvalStatus"`
	PaymentMethod  PaymentMethod   `json:"paymentMethod"`
	Note           string          `json:"note,omitempty"`
}

// ToTransaction converts a request to a Transaction. A missing timestamp
// becomes UnknownTimestamp and a missing approval status becomes Pending.
func (r *TransactionRequest) ToTransaction() *Transaction {
	now := time.Now().UTC()
	ts := UnknownTimestamp
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		ts = r.Timestamp.UTC()
	}
	status := r.ApprovalStatus
	if status == "" {
		status = StatusPending
	}
	return &Transaction{
		ID:             r.ID,
		CustomerID:     r.CustomerID,
		Timestamp:      ts,
		MerchantName:   r.MerchantName,
		Category:       ParseCategory(r.Category),
		Amount:         r.Amount.Round(2),
		Location:       r.Location,
		CardType:       r.CardType,
		ApprovalStatus: status,
		PaymentMethod:  r.PaymentMethod,
		Disposition:    DispositionUndetermined,
		Note:           r.Note,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

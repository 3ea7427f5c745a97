package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyETH Currency = "ETH"
	CurrencySOL Currency = "SOL"
)

var ErrUnknownCurrency = errors.New("unknown currency")

func ParseCurrency(s string) (Currency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ETH":
		return CurrencyETH, nil
	case "SOL":
		return CurrencySOL, nil
	}
	return "", ErrUnknownCurrency
}

// Decimals is the number of base-unit digits (wei, lamports).
func (c Currency) Decimals() int32 {
	switch c {
	case CurrencyETH:
		return 18
	case CurrencySOL:
		return 9
	}
	return 0
}

// JSON is the lower-case wire name.
func (c Currency) JSON() string {
	return strings.ToLower(string(c))
}

// Round rounds an amount up to the currency's smallest unit.
func (c Currency) Round(amount decimal.Decimal) decimal.Decimal {
	return amount.RoundUp(c.Decimals())
}

type Purpose string

const (
	PurposePurchase   Purpose = "purchase"
	PurposeListingFee Purpose = "listing_fee"
	PurposeBoost      Purpose = "boost"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposePurchase, PurposeListingFee, PurposeBoost:
		return true
	}
	return false
}

type IntentStatus string

const (
	IntentCreated            IntentStatus = "created"
	IntentAwaitingSignature  IntentStatus = "awaiting_signature"
	IntentSubmitted          IntentStatus = "submitted"
	IntentVerifying          IntentStatus = "verifying"
	IntentVerified           IntentStatus = "verified"
	IntentVerificationFailed IntentStatus = "verification_failed"
	IntentExpired            IntentStatus = "expired"
	IntentConflict           IntentStatus = "conflict"
)

var intentTransitions = map[IntentStatus][]IntentStatus{
	IntentCreated:            {IntentAwaitingSignature},
	IntentAwaitingSignature:  {IntentSubmitted, IntentExpired},
	IntentExpired:            {IntentSubmitted},
	IntentSubmitted:          {IntentVerifying},
	IntentVerifying:          {IntentVerified, IntentVerificationFailed, IntentConflict, IntentSubmitted},
	IntentVerificationFailed: {IntentSubmitted},
}

// CanTransition reports whether an intent may move from s to next.
func (s IntentStatus) CanTransition(next IntentStatus) bool {
	for _, allowed := range intentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s IntentStatus) Terminal() bool {
	return s == IntentVerified || s == IntentConflict
}

type PaymentIntent struct {
	ID             string
	CorrelationID  string
	PayerID        string
	Purpose        Purpose
	SubjectRef     string
	Keywords       []string
	Currency       Currency
	RequiredAmount decimal.Decimal
	Status         IntentStatus
	TxHash         *string
	FailureReason  *string
	PaymentID      *string
	PriceSnapshot  string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Payment struct {
	ID          string
	IntentID    string
	PayerID     string
	SubjectRef  *string
	Bound       bool
	Amount      decimal.Decimal
	Currency    Currency
	Purpose     Purpose
	TxHash      string
	FromAddress string
	Verified    bool
	CreatedAt   time.Time
	ReboundAt   *time.Time
}

type OrderStatus string

const OrderCompleted OrderStatus = "completed"

type Order struct {
	ID          string
	PaymentID   string
	BuyerID     string
	SellerID    string
	SubjectRef  string
	Amount      decimal.Decimal
	Currency    Currency
	Status      OrderStatus
	Claimed     bool
	ClaimedAt   *time.Time
	ClaimTxHash *string
	ClaimID     *string
	CreatedAt   time.Time
}

type ClaimStatus string

const (
	ClaimPending   ClaimStatus = "pending"
	ClaimCompleted ClaimStatus = "completed"
)

type Claim struct {
	ID            string
	SellerID      string
	Currency      Currency
	WalletAddress string
	Amount        decimal.Decimal
	OrderIDs      []string
	TxHash        *string
	Status        ClaimStatus
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

type SubjectStatus string

const (
	SubjectDraft  SubjectStatus = "draft"
	SubjectActive SubjectStatus = "active"
	SubjectSold   SubjectStatus = "sold"
)

// Subject is the projection of a catalog listing that settlement reads and writes.
type Subject struct {
	Ref            string
	SellerID       string
	Price          decimal.Decimal
	Status         SubjectStatus
	BoostKeywords  []string
	BoostExpiresAt *time.Time
	UpdatedAt      time.Time
}

// CurrencyTotals holds per-currency sums for a seller.
type CurrencyTotals struct {
	Total     decimal.Decimal
	Unclaimed decimal.Decimal
	Claimed   decimal.Decimal
}

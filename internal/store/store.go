// Package store is the settlement ledger. It shapes queries and applies
// conditional writes; settlement rules live in the services package.
package store

import (
	"context"
	"errors"
	"time"

	"CampusPay/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type Ledger interface {
	// InTx runs fn atomically. fn must only use the Tx it is given.
	InTx(ctx context.Context, fn func(Tx) error) error

	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntentByCorrelation(ctx context.Context, correlationID string) (*models.PaymentIntent, error)
	UpdateIntent(ctx context.Context, intent *models.PaymentIntent) error
	ExpireIntents(ctx context.Context, now time.Time) (int64, error)
	ListIntents(ctx context.Context, statuses []models.IntentStatus, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error)

	GetSubject(ctx context.Context, ref string) (*models.Subject, error)
	UpsertSubject(ctx context.Context, s *models.Subject) error

	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	PaymentsByPayer(ctx context.Context, payerID string) ([]*models.Payment, error)
	OrdersBySeller(ctx context.Context, sellerID string) ([]*models.Order, error)
	UnclaimedOrders(ctx context.Context, sellerID string, currency models.Currency) ([]*models.Order, error)
	ClaimsBySeller(ctx context.Context, sellerID string) ([]*models.Claim, error)
	EarningsBySeller(ctx context.Context, sellerID string) (map[models.Currency]models.CurrencyTotals, error)
	ListPendingClaims(ctx context.Context, createdBefore time.Time) ([]*models.Claim, error)

	Ping(ctx context.Context) error
}

// Tx holds the write primitives that must run inside one ledger transaction.
type Tx interface {
	PaymentByTxHash(ctx context.Context, currency models.Currency, txHash string) (*models.Payment, error)
	// InsertPayment returns ErrDuplicate when (currency, tx hash) is taken.
	InsertPayment(ctx context.Context, p *models.Payment) error
	InsertOrder(ctx context.Context, o *models.Order) error
	PaymentForUpdate(ctx context.Context, id string) (*models.Payment, error)
	// RebindPayment binds an unbound payment; false means it was already bound.
	RebindPayment(ctx context.Context, id, subjectRef string, at time.Time) (bool, error)

	SubjectForUpdate(ctx context.Context, ref string) (*models.Subject, error)
	SetSubjectStatus(ctx context.Context, ref string, status models.SubjectStatus) error
	SetBoost(ctx context.Context, ref string, keywords []string, expiresAt time.Time) error

	// ReserveOrders stamps every unclaimed, unreserved completed order of the
	// seller in currency with claimID and returns them.
	ReserveOrders(ctx context.Context, sellerID string, currency models.Currency, claimID string) ([]*models.Order, error)
	InsertClaim(ctx context.Context, c *models.Claim) error
	// CompleteClaim flips the reserved orders to claimed and returns how many
	// orders changed.
	CompleteClaim(ctx context.Context, claimID, txHash string, at time.Time) (int64, error)
	// SetClaimTxHash records the payout hash on a pending claim whose
	// broadcast could not be confirmed. It reports whether a claim changed.
	SetClaimTxHash(ctx context.Context, claimID, txHash string) (bool, error)
	// ReleaseClaim drops a pending reservation.
	ReleaseClaim(ctx context.Context, claimID string) error
}

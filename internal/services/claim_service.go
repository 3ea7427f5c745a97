package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"CampusPay/internal/apperr"
	"CampusPay/internal/chain"
	"CampusPay/internal/metrics"
	"CampusPay/internal/models"
	"CampusPay/internal/notify"
	"CampusPay/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ClaimService pays sellers their unclaimed earnings from custody.
type ClaimService struct {
	Ledger        store.Ledger
	Chains        chain.Registry
	Locks         *KeyedMutex
	PayoutTimeout time.Duration
	Notifier      notify.Sink
	Metrics       *metrics.Registry
	Log           *zap.Logger
	Now           func() time.Time
}

type ClaimResult struct {
	ClaimID    string
	Currency   models.Currency
	Amount     decimal.Decimal
	OrderCount int
	OrderIDs   []string
	TxHash     string
}

type Earnings struct {
	Total     map[models.Currency]decimal.Decimal
	Unclaimed map[models.Currency]decimal.Decimal
	Claimed   map[models.Currency]decimal.Decimal
	Orders    []*models.Order
}

var supportedCurrencies = []models.Currency{models.CurrencyETH, models.CurrencySOL}

func (s ClaimService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s ClaimService) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Claim reserves the seller's unclaimed orders in currency, pays their sum to
// walletAddress and finalizes the orders with the payout hash. A payout that
// was refused releases the reservation and leaves no trace. A payout that may
// have been broadcast keeps the orders reserved under its hash until
// Reconcile settles it.
func (s ClaimService) Claim(ctx context.Context, sellerID string, currency models.Currency, walletAddress string) (*ClaimResult, error) {
	if sellerID == "" {
		return nil, apperr.ErrUnauthorized
	}
	client, err := s.Chains.For(currency)
	if err != nil {
		return nil, err
	}
	walletAddress = strings.TrimSpace(walletAddress)
	if err := client.ValidateAddress(walletAddress); err != nil {
		s.Metrics.IncClaim(string(currency), "invalid_address")
		return nil, err
	}

	if s.Locks != nil {
		unlock := s.Locks.Lock(sellerID + "|" + string(currency))
		defer unlock()
	}

	logger := s.log().With(zap.String("seller", sellerID), zap.String("currency", string(currency)))
	claim, err := s.reserve(ctx, sellerID, currency, walletAddress)
	if err != nil {
		if errors.Is(err, apperr.ErrNothingToClaim) {
			s.Metrics.IncClaim(string(currency), "nothing_to_claim")
		}
		return nil, err
	}
	logger = logger.With(zap.String("claim_id", claim.ID))

	pctx, cancel := ctx, context.CancelFunc(func() {})
	if s.PayoutTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, s.PayoutTimeout)
	}
	txHash, err := client.Payout(pctx, walletAddress, claim.Amount)
	cancel()
	if err != nil && errors.Is(err, apperr.ErrPayoutUnconfirmed) {
		return nil, s.holdUnconfirmed(ctx, logger, claim, txHash, err)
	}
	if err != nil {
		if _, ok := apperr.As(err); !ok {
			err = apperr.Wrap(apperr.ErrPayoutNetwork, err)
		}
		s.Metrics.IncClaim(string(currency), "payout_failed")
		logger.Warn("payout failed, releasing reservation", zap.Error(err))
		bg := context.WithoutCancel(ctx)
		if rerr := s.Ledger.InTx(bg, func(tx store.Tx) error {
			return tx.ReleaseClaim(bg, claim.ID)
		}); rerr != nil {
			logger.Error("release claim reservation", zap.Error(rerr))
		}
		return nil, err
	}

	// The payout is on chain; finalize even if the caller went away.
	bg := context.WithoutCancel(ctx)
	at := s.now()
	err = s.Ledger.InTx(bg, func(tx store.Tx) error {
		n, err := tx.CompleteClaim(bg, claim.ID, txHash, at)
		if err != nil {
			return err
		}
		if int(n) != len(claim.OrderIDs) {
			return fmt.Errorf("finalized %d of %d orders", n, len(claim.OrderIDs))
		}
		return nil
	})
	if err != nil {
		s.Metrics.IncClaim(string(currency), "finalize_failed")
		logger.Error("payout sent but claim not finalized", zap.String("tx_hash", txHash), zap.Error(err))
		return nil, apperr.Wrap(apperr.ErrClaimFinalizeFailed, fmt.Errorf("payout tx %s: %w", txHash, err))
	}

	s.Metrics.IncClaim(string(currency), "completed")
	logger.Info("claim completed",
		zap.String("tx_hash", txHash),
		zap.String("amount", claim.Amount.String()),
		zap.Int("orders", len(claim.OrderIDs)),
	)
	if s.Notifier != nil {
		s.Notifier.Notify(ctx, sellerID, notify.Event{
			Type:     notify.EventClaimCompleted,
			ClaimID:  claim.ID,
			Currency: currency.JSON(),
			Amount:   claim.Amount.String(),
			TxHash:   txHash,
		})
	}
	return &ClaimResult{
		ClaimID:    claim.ID,
		Currency:   currency,
		Amount:     claim.Amount,
		OrderCount: len(claim.OrderIDs),
		OrderIDs:   claim.OrderIDs,
		TxHash:     txHash,
	}, nil
}

// holdUnconfirmed keeps the reservation of a payout that may be on chain and
// records its hash so Reconcile can check it later.
func (s ClaimService) holdUnconfirmed(ctx context.Context, logger *zap.Logger, claim *models.Claim, txHash string, cause error) error {
	s.Metrics.IncClaim(string(claim.Currency), "payout_unconfirmed")
	logger.Warn("payout unconfirmed, keeping reservation", zap.String("tx_hash", txHash), zap.Error(cause))
	if txHash == "" {
		return cause
	}
	bg := context.WithoutCancel(ctx)
	if err := s.Ledger.InTx(bg, func(tx store.Tx) error {
		_, err := tx.SetClaimTxHash(bg, claim.ID, txHash)
		return err
	}); err != nil {
		logger.Error("record unconfirmed payout hash", zap.String("tx_hash", txHash), zap.Error(err))
	}
	return apperr.Wrap(apperr.ErrPayoutUnconfirmed, fmt.Errorf("payout tx %s: %w", txHash, cause))
}

// ReconcileOutcome is what Reconcile did with a pending claim.
type ReconcileOutcome string

const (
	ReconcileCompleted ReconcileOutcome = "completed"
	ReconcileReleased  ReconcileOutcome = "released"
	ReconcilePending   ReconcileOutcome = "pending"
)

// Reconcile settles a pending claim against the chain. A claim without a
// payout hash, or whose payout is not yet final, stays pending. A finalized
// payout completes the claim. A reverted payout, or one the chain has not
// seen after releaseAfter, releases the orders for another claim.
func (s ClaimService) Reconcile(ctx context.Context, claim *models.Claim, releaseAfter time.Duration) (ReconcileOutcome, error) {
	if claim.Status != models.ClaimPending || claim.TxHash == nil || *claim.TxHash == "" {
		return ReconcilePending, nil
	}
	client, err := s.Chains.For(claim.Currency)
	if err != nil {
		return ReconcilePending, err
	}
	txHash := *claim.TxHash
	logger := s.log().With(
		zap.String("claim_id", claim.ID),
		zap.String("seller", claim.SellerID),
		zap.String("tx_hash", txHash),
	)

	t, err := client.VerifyTransaction(ctx, txHash)
	switch {
	case err == nil && t.Finalized && t.Success:
		return s.completeReconciled(ctx, logger, claim, txHash)
	case err == nil && t.Finalized:
		return s.releaseReconciled(ctx, logger, claim, "payout failed on chain")
	case errors.Is(err, apperr.ErrTxReverted):
		return s.releaseReconciled(ctx, logger, claim, "payout reverted")
	case errors.Is(err, apperr.ErrTxNotFound) && s.now().Sub(claim.CreatedAt) >= releaseAfter:
		return s.releaseReconciled(ctx, logger, claim, "payout never reached the chain")
	case err != nil && !apperr.IsRetryable(err):
		logger.Error("payout does not verify, leaving claim for review", zap.Error(err))
		return ReconcilePending, nil
	}
	if err != nil {
		logger.Debug("payout not settled yet", zap.Error(err))
	}
	return ReconcilePending, nil
}

func (s ClaimService) completeReconciled(ctx context.Context, logger *zap.Logger, claim *models.Claim, txHash string) (ReconcileOutcome, error) {
	at := s.now()
	err := s.Ledger.InTx(ctx, func(tx store.Tx) error {
		n, err := tx.CompleteClaim(ctx, claim.ID, txHash, at)
		if err != nil {
			return err
		}
		if int(n) != len(claim.OrderIDs) {
			return fmt.Errorf("finalized %d of %d orders", n, len(claim.OrderIDs))
		}
		return nil
	})
	if err != nil {
		s.Metrics.IncClaim(string(claim.Currency), "finalize_failed")
		return ReconcilePending, apperr.Wrap(apperr.ErrClaimFinalizeFailed, fmt.Errorf("payout tx %s: %w", txHash, err))
	}
	s.Metrics.IncClaim(string(claim.Currency), "completed")
	logger.Info("unconfirmed payout settled, claim completed", zap.String("amount", claim.Amount.String()))
	if s.Notifier != nil {
		s.Notifier.Notify(ctx, claim.SellerID, notify.Event{
			Type:     notify.EventClaimCompleted,
			ClaimID:  claim.ID,
			Currency: claim.Currency.JSON(),
			Amount:   claim.Amount.String(),
			TxHash:   txHash,
		})
	}
	return ReconcileCompleted, nil
}

func (s ClaimService) releaseReconciled(ctx context.Context, logger *zap.Logger, claim *models.Claim, reason string) (ReconcileOutcome, error) {
	if err := s.Ledger.InTx(ctx, func(tx store.Tx) error {
		return tx.ReleaseClaim(ctx, claim.ID)
	}); err != nil {
		return ReconcilePending, err
	}
	s.Metrics.IncClaim(string(claim.Currency), "released")
	logger.Warn("claim reservation released", zap.String("reason", reason))
	return ReconcileReleased, nil
}

func (s ClaimService) reserve(ctx context.Context, sellerID string, currency models.Currency, wallet string) (*models.Claim, error) {
	claim := &models.Claim{
		ID:            uuid.NewString(),
		SellerID:      sellerID,
		Currency:      currency,
		WalletAddress: wallet,
		Status:        models.ClaimPending,
		CreatedAt:     s.now(),
	}
	err := s.Ledger.InTx(ctx, func(tx store.Tx) error {
		orders, err := tx.ReserveOrders(ctx, sellerID, currency, claim.ID)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return apperr.ErrNothingToClaim
		}
		total := decimal.Zero
		ids := make([]string, 0, len(orders))
		for _, o := range orders {
			total = total.Add(o.Amount)
			ids = append(ids, o.ID)
		}
		claim.Amount = total
		claim.OrderIDs = ids
		return tx.InsertClaim(ctx, claim)
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

func (s ClaimService) Earnings(ctx context.Context, sellerID string) (*Earnings, error) {
	if sellerID == "" {
		return nil, apperr.ErrUnauthorized
	}
	totals, err := s.Ledger.EarningsBySeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	orders, err := s.Ledger.OrdersBySeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	out := &Earnings{
		Total:     map[models.Currency]decimal.Decimal{},
		Unclaimed: map[models.Currency]decimal.Decimal{},
		Claimed:   map[models.Currency]decimal.Decimal{},
		Orders:    orders,
	}
	for _, cur := range supportedCurrencies {
		t, ok := totals[cur]
		if !ok {
			t = models.CurrencyTotals{Total: decimal.Zero, Unclaimed: decimal.Zero, Claimed: decimal.Zero}
		}
		out.Total[cur] = t.Total
		out.Unclaimed[cur] = t.Unclaimed
		out.Claimed[cur] = t.Claimed
	}
	return out, nil
}

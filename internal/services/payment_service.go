package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"CampusPay/internal/apperr"
	"CampusPay/internal/chain"
	"CampusPay/internal/metrics"
	"CampusPay/internal/models"
	"CampusPay/internal/notify"
	"CampusPay/internal/payments"
	"CampusPay/internal/pricing"
	"CampusPay/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CorrelationPrefix starts every correlation id carried on-chain.
const CorrelationPrefix = "cp-"

var errReplay = errors.New("payment already recorded")

type PaymentService struct {
	Ledger    store.Ledger
	Chains    chain.Registry
	Pricing   pricing.Service
	IntentTTL time.Duration
	Retry     RetryPolicy
	Notifier  notify.Sink
	Metrics   *metrics.Registry
	Log       *zap.Logger
	Now       func() time.Time
	Sleep     func(context.Context, time.Duration) error
}

// VerifyResult is the outcome of a successful attempt. Replay is set when the
// transaction had already been recorded for this intent.
type VerifyResult struct {
	Intent  *models.PaymentIntent
	Payment *models.Payment
	Replay  bool
}

func (s PaymentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s PaymentService) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s PaymentService) notifier() notify.Sink {
	if s.Notifier == nil {
		return notify.Noop{}
	}
	return s.Notifier
}

func (s PaymentService) CreateIntent(ctx context.Context, payerID string, purpose models.Purpose, subjectRef string, keywords []string, currency models.Currency) (*models.PaymentIntent, error) {
	if payerID == "" {
		return nil, apperr.ErrUnauthorized
	}
	if !purpose.Valid() {
		return nil, apperr.Invalid(fmt.Sprintf("unknown purpose %q", purpose))
	}
	if _, err := s.Chains.For(currency); err != nil {
		return nil, err
	}
	subjectRef = strings.TrimSpace(subjectRef)

	var subject *models.Subject
	switch purpose {
	case models.PurposePurchase, models.PurposeBoost:
		if subjectRef == "" {
			return nil, apperr.Invalid("subjectRef is required for " + string(purpose))
		}
	}
	if subjectRef != "" {
		var err error
		subject, err = s.Ledger.GetSubject(ctx, subjectRef)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("subject not found")
		}
		if err != nil {
			return nil, err
		}
	}

	switch purpose {
	case models.PurposePurchase:
		if subject.Status != models.SubjectActive {
			return nil, apperr.ErrSubjectUnavailable
		}
		if subject.SellerID == payerID {
			return nil, apperr.Invalid("cannot purchase your own listing")
		}
	case models.PurposeBoost:
		keywords = pricing.NormalizeKeywords(keywords)
		if subject.SellerID != payerID {
			return nil, apperr.ErrForbidden
		}
	case models.PurposeListingFee:
		if subject != nil && subject.SellerID != payerID {
			return nil, apperr.ErrForbidden
		}
		keywords = nil
	}

	amount, snap, err := s.Pricing.Required(ctx, purpose, subject, keywords, currency)
	if err != nil {
		if errors.Is(err, pricing.ErrNoPrice) {
			return nil, apperr.Invalid(err.Error())
		}
		return nil, err
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	now := s.now()
	intent := &models.PaymentIntent{
		ID:             uuid.NewString(),
		CorrelationID:  CorrelationPrefix + uuid.NewString(),
		PayerID:        payerID,
		Purpose:        purpose,
		SubjectRef:     subjectRef,
		Keywords:       keywords,
		Currency:       currency,
		RequiredAmount: amount,
		Status:         models.IntentAwaitingSignature,
		PriceSnapshot:  string(snapJSON),
		ExpiresAt:      now.Add(s.IntentTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Ledger.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}
	s.Metrics.IncIntent(string(currency), string(purpose))
	s.log().Info("intent created",
		zap.String("correlation_id", intent.CorrelationID),
		zap.String("purpose", string(purpose)),
		zap.String("currency", string(currency)),
		zap.String("amount", amount.String()),
		zap.String("rate_source", snap.Source),
	)
	return intent, nil
}

// Intent returns the payer's intent.
func (s PaymentService) Intent(ctx context.Context, payerID, correlationID string) (*models.PaymentIntent, error) {
	if payerID == "" {
		return nil, apperr.ErrUnauthorized
	}
	intent, err := s.loadIntent(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if intent.PayerID != payerID {
		return nil, apperr.ErrForbidden
	}
	return intent, nil
}

func (s PaymentService) Payments(ctx context.Context, payerID string) ([]*models.Payment, error) {
	if payerID == "" {
		return nil, apperr.ErrUnauthorized
	}
	return s.Ledger.PaymentsByPayer(ctx, payerID)
}

// RecordAttempt verifies txHash against the payer's intent and commits the
// payment's effects exactly once.
func (s PaymentService) RecordAttempt(ctx context.Context, payerID, correlationID, txHash string) (*VerifyResult, error) {
	intent, err := s.Intent(ctx, payerID, correlationID)
	if err != nil {
		return nil, err
	}
	return s.attempt(ctx, intent, txHash)
}

// Reverify re-runs verification of an intent's recorded transaction.
func (s PaymentService) Reverify(ctx context.Context, intent *models.PaymentIntent) (*VerifyResult, error) {
	if intent.TxHash == nil || *intent.TxHash == "" {
		return nil, apperr.Invalid("intent has no transaction to verify")
	}
	return s.attempt(ctx, intent, *intent.TxHash)
}

func (s PaymentService) attempt(ctx context.Context, intent *models.PaymentIntent, txHash string) (*VerifyResult, error) {
	client, err := s.Chains.For(intent.Currency)
	if err != nil {
		return nil, err
	}
	hash, err := client.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	logger := s.log().With(zap.String("correlation_id", intent.CorrelationID), zap.String("tx_hash", hash))

	existing, err := s.paymentByHash(ctx, intent.Currency, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.IntentID != intent.ID {
			return nil, apperr.ErrDuplicateTx
		}
		s.Metrics.IncVerification(string(intent.Currency), "replay")
		return s.finish(ctx, intent, existing, true)
	}
	switch intent.Status {
	case models.IntentVerified:
		return nil, apperr.ErrDuplicateTx
	case models.IntentConflict:
		return nil, apperr.ErrSubjectUnavailable
	}

	if err := s.begin(ctx, intent, hash); err != nil {
		return nil, err
	}

	transfer, attempts, err := verifyWithRetry(ctx, client, hash, s.Retry, s.Sleep)
	if err == nil {
		err = payments.Match(transfer, intent, client.CustodyAddress())
	}
	if err != nil {
		logger.Warn("verification failed", zap.Int("attempts", attempts), zap.Error(err))
		result := "failed"
		if apperr.IsRetryable(err) {
			result = "retryable"
		}
		s.Metrics.IncVerification(string(intent.Currency), result)
		if uerr := s.setStatus(context.WithoutCancel(ctx), intent, models.IntentVerificationFailed, err.Error()); uerr != nil {
			logger.Error("record verification failure", zap.Error(uerr))
		}
		return nil, err
	}

	payment, replay, err := s.commit(ctx, intent, transfer, hash)
	if errors.Is(err, apperr.ErrSubjectUnavailable) {
		s.Metrics.IncVerification(string(intent.Currency), "conflict")
		logger.Error("paid for unavailable subject, needs refund", zap.String("subject", intent.SubjectRef))
		if uerr := s.setStatus(context.WithoutCancel(ctx), intent, models.IntentConflict, err.Error()); uerr != nil {
			logger.Error("record conflict", zap.Error(uerr))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if replay {
		s.Metrics.IncVerification(string(intent.Currency), "replay")
		return s.finish(ctx, intent, payment, true)
	}

	s.Metrics.IncVerification(string(intent.Currency), "verified")
	logger.Info("payment verified", zap.String("payment_id", payment.ID), zap.String("amount", payment.Amount.String()))
	res, err := s.finish(ctx, intent, payment, false)
	if err != nil {
		return nil, err
	}
	s.notifyVerified(ctx, intent, payment)
	return res, nil
}

// begin moves the intent through submitted to verifying for hash.
func (s PaymentService) begin(ctx context.Context, intent *models.PaymentIntent, hash string) error {
	if intent.Status != models.IntentSubmitted {
		if !intent.Status.CanTransition(models.IntentSubmitted) {
			return apperr.Invalid(fmt.Sprintf("intent is %s", intent.Status))
		}
		intent.Status = models.IntentSubmitted
	}
	intent.TxHash = &hash
	intent.FailureReason = nil
	intent.UpdatedAt = s.now()
	if err := s.Ledger.UpdateIntent(ctx, intent); err != nil {
		return err
	}
	return s.setStatus(ctx, intent, models.IntentVerifying, "")
}

func (s PaymentService) setStatus(ctx context.Context, intent *models.PaymentIntent, next models.IntentStatus, reason string) error {
	if intent.Status != next && !intent.Status.CanTransition(next) {
		return fmt.Errorf("intent %s: illegal transition %s -> %s", intent.CorrelationID, intent.Status, next)
	}
	intent.Status = next
	intent.FailureReason = nil
	if reason != "" {
		intent.FailureReason = &reason
	}
	intent.UpdatedAt = s.now()
	return s.Ledger.UpdateIntent(ctx, intent)
}

// finish marks the intent verified against payment when it is not already.
func (s PaymentService) finish(ctx context.Context, intent *models.PaymentIntent, payment *models.Payment, replay bool) (*VerifyResult, error) {
	if intent.Status != models.IntentVerified {
		if intent.Status != models.IntentVerifying {
			if err := s.setStatus(ctx, intent, models.IntentSubmitted, ""); err != nil {
				return nil, err
			}
			if err := s.setStatus(ctx, intent, models.IntentVerifying, ""); err != nil {
				return nil, err
			}
		}
		hash := payment.TxHash
		intent.TxHash = &hash
		id := payment.ID
		intent.PaymentID = &id
		if err := s.setStatus(ctx, intent, models.IntentVerified, ""); err != nil {
			return nil, err
		}
	}
	return &VerifyResult{Intent: intent, Payment: payment, Replay: replay}, nil
}

func (s PaymentService) paymentByHash(ctx context.Context, cur models.Currency, hash string) (*models.Payment, error) {
	var found *models.Payment
	err := s.Ledger.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.PaymentByTxHash(ctx, cur, hash)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = p
		return nil
	})
	return found, err
}

// commit records the payment and its effects in one ledger transaction.
func (s PaymentService) commit(ctx context.Context, intent *models.PaymentIntent, t *chain.Transfer, hash string) (*models.Payment, bool, error) {
	now := s.now()
	payment := &models.Payment{
		ID:          uuid.NewString(),
		IntentID:    intent.ID,
		PayerID:     intent.PayerID,
		Amount:      t.Amount,
		Currency:    intent.Currency,
		Purpose:     intent.Purpose,
		TxHash:      hash,
		FromAddress: t.From,
		Verified:    true,
		CreatedAt:   now,
	}
	var replayed *models.Payment

	err := s.Ledger.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.PaymentByTxHash(ctx, intent.Currency, hash)
		if err == nil {
			if existing.IntentID != intent.ID {
				return apperr.ErrDuplicateTx
			}
			replayed = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		var subject *models.Subject
		if intent.SubjectRef != "" {
			subject, err = tx.SubjectForUpdate(ctx, intent.SubjectRef)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		switch intent.Purpose {
		case models.PurposePurchase:
			if subject == nil || subject.Status != models.SubjectActive {
				return apperr.ErrSubjectUnavailable
			}
			bind(payment, subject.Ref)
			if err := insertPayment(ctx, tx, payment); err != nil {
				return err
			}
			if err := tx.InsertOrder(ctx, &models.Order{
				ID:         uuid.NewString(),
				PaymentID:  payment.ID,
				BuyerID:    intent.PayerID,
				SellerID:   subject.SellerID,
				SubjectRef: subject.Ref,
				Amount:     payment.Amount,
				Currency:   payment.Currency,
				Status:     models.OrderCompleted,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			return tx.SetSubjectStatus(ctx, subject.Ref, models.SubjectSold)

		case models.PurposeBoost:
			if subject == nil {
				return apperr.NotFound("subject not found")
			}
			bind(payment, subject.Ref)
			if err := insertPayment(ctx, tx, payment); err != nil {
				return err
			}
			keywords := pricing.MergeKeywords(subject.BoostKeywords, intent.Keywords)
			expiry := pricing.BoostExpiry(subject.BoostExpiresAt, now, s.Pricing.BoostDuration)
			return tx.SetBoost(ctx, subject.Ref, keywords, expiry)

		case models.PurposeListingFee:
			// A fee paid before its listing exists stays unbound until rebound.
			if subject != nil {
				bind(payment, subject.Ref)
			}
			if err := insertPayment(ctx, tx, payment); err != nil {
				return err
			}
			if subject != nil && subject.Status == models.SubjectDraft {
				return tx.SetSubjectStatus(ctx, subject.Ref, models.SubjectActive)
			}
			return nil
		}
		return apperr.Invalid(fmt.Sprintf("unknown purpose %q", intent.Purpose))
	})

	if errors.Is(err, errReplay) {
		existing, perr := s.paymentByHash(ctx, intent.Currency, hash)
		if perr != nil {
			return nil, false, perr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("payment %s vanished after duplicate insert", hash)
		}
		if existing.IntentID != intent.ID {
			return nil, false, apperr.ErrDuplicateTx
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if replayed != nil {
		return replayed, true, nil
	}
	return payment, false, nil
}

func bind(p *models.Payment, ref string) {
	r := ref
	p.SubjectRef = &r
	p.Bound = true
}

func insertPayment(ctx context.Context, tx store.Tx, p *models.Payment) error {
	err := tx.InsertPayment(ctx, p)
	if errors.Is(err, store.ErrDuplicate) {
		return errReplay
	}
	return err
}

func (s PaymentService) notifyVerified(ctx context.Context, intent *models.PaymentIntent, p *models.Payment) {
	n := s.notifier()
	n.Notify(ctx, intent.PayerID, notify.Event{
		Type:       notify.EventPaymentVerified,
		PaymentID:  p.ID,
		SubjectRef: intent.SubjectRef,
		Currency:   p.Currency.JSON(),
		Amount:     p.Amount.String(),
		TxHash:     p.TxHash,
		Data:       map[string]any{"purpose": string(p.Purpose)},
	})
	if intent.Purpose != models.PurposePurchase {
		return
	}
	subject, err := s.Ledger.GetSubject(ctx, intent.SubjectRef)
	if err != nil {
		s.log().Warn("load sold subject for notification", zap.String("subject", intent.SubjectRef), zap.Error(err))
		return
	}
	n.Notify(ctx, subject.SellerID, notify.Event{
		Type:       notify.EventItemSold,
		PaymentID:  p.ID,
		SubjectRef: subject.Ref,
		Currency:   p.Currency.JSON(),
		Amount:     p.Amount.String(),
	})
}

// Rebind binds an unbound listing fee payment to a subject. It succeeds once.
func (s PaymentService) Rebind(ctx context.Context, payerID, paymentID, subjectRef string) error {
	if payerID == "" {
		return apperr.ErrUnauthorized
	}
	subjectRef = strings.TrimSpace(subjectRef)
	if paymentID == "" || subjectRef == "" {
		return apperr.Invalid("paymentId and newSubjectRef are required")
	}
	now := s.now()
	err := s.Ledger.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.PaymentForUpdate(ctx, paymentID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("payment not found")
		}
		if err != nil {
			return err
		}
		if p.PayerID != payerID {
			return apperr.ErrForbidden
		}
		if p.Purpose != models.PurposeListingFee {
			return apperr.ErrNotRebindable
		}
		if p.Bound {
			return apperr.ErrAlreadyRebound
		}

		subject, err := tx.SubjectForUpdate(ctx, subjectRef)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if subject != nil && subject.SellerID != payerID {
			return apperr.ErrForbidden
		}

		ok, err := tx.RebindPayment(ctx, paymentID, subjectRef, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.ErrAlreadyRebound
		}
		if subject != nil && subject.Status == models.SubjectDraft {
			return tx.SetSubjectStatus(ctx, subjectRef, models.SubjectActive)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log().Info("payment rebound", zap.String("payment_id", paymentID), zap.String("subject", subjectRef))
	return nil
}

func (s PaymentService) loadIntent(ctx context.Context, correlationID string) (*models.PaymentIntent, error) {
	if !strings.HasPrefix(correlationID, CorrelationPrefix) {
		return nil, apperr.Invalid("malformed correlation id")
	}
	intent, err := s.Ledger.GetIntentByCorrelation(ctx, correlationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("payment intent not found")
	}
	return intent, err
}

package worker

import (
	"context"
	"errors"
	"time"

	"CampusPay/internal/apperr"
	"CampusPay/internal/metrics"
	"CampusPay/internal/models"
	"CampusPay/internal/services"
	"CampusPay/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Worker runs the background sweep: it expires unpaid intents, finishes
// verifications a client abandoned mid-flight, and settles claim
// reservations whose payout outcome was unknown.
type Worker struct {
	Ledger   store.Ledger
	Payments *services.PaymentService
	Claims   *services.ClaimService
	Metrics  *metrics.Registry
	Log      *zap.Logger
	Interval time.Duration
	// StaleAfter is how long an intent or claim may sit in flight before
	// the sweep picks it up.
	StaleAfter time.Duration
	// ReleaseAfter is how long an unconfirmed payout may stay unseen on
	// chain before its orders are released.
	ReleaseAfter time.Duration
	Batch        int
	Concurrency  int
	Now          func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	Expired         int64
	Reverified      int
	StillFailed     int
	ClaimsCompleted int
	ClaimsReleased  int
	// StaleClaims counts reservations still pending after the sweep.
	StaleClaims int
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *Worker) log() *zap.Logger {
	if w.Log == nil {
		return zap.NewNop()
	}
	return w.Log
}

func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log().Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) SweepOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := w.now()

	expired, err := w.Ledger.ExpireIntents(ctx, now)
	if err != nil {
		return rep, err
	}
	rep.Expired = expired
	if expired > 0 {
		w.log().Info("expired intents", zap.Int64("count", expired))
	}

	if w.Payments != nil {
		ok, failed, err := w.reverifyStale(ctx, now.Add(-w.StaleAfter))
		if err != nil {
			return rep, err
		}
		rep.Reverified, rep.StillFailed = ok, failed
	}

	claims, err := w.Ledger.ListPendingClaims(ctx, now.Add(-w.StaleAfter))
	if err != nil {
		return rep, err
	}
	for _, c := range claims {
		outcome := services.ReconcilePending
		if w.Claims != nil {
			outcome, err = w.Claims.Reconcile(ctx, c, w.releaseAfter())
			if err != nil {
				w.log().Error("reconcile claim", zap.String("claim_id", c.ID), zap.Error(err))
			}
		}
		switch outcome {
		case services.ReconcileCompleted:
			rep.ClaimsCompleted++
			continue
		case services.ReconcileReleased:
			rep.ClaimsReleased++
			continue
		}

		rep.StaleClaims++
		fields := []zap.Field{
			zap.String("claim_id", c.ID),
			zap.String("seller_id", c.SellerID),
			zap.String("currency", string(c.Currency)),
			zap.String("amount", c.Amount.String()),
			zap.Time("created_at", c.CreatedAt),
		}
		if c.TxHash != nil {
			fields = append(fields, zap.String("tx_hash", *c.TxHash))
		}
		w.log().Warn("claim reservation pending, needs reconciliation", fields...)
	}
	w.Metrics.SetStaleClaims(rep.StaleClaims)
	return rep, nil
}

func (w *Worker) releaseAfter() time.Duration {
	if w.ReleaseAfter > 0 {
		return w.ReleaseAfter
	}
	return 15 * time.Minute
}

// reverifyStale re-runs verification for intents stuck in submitted or
// verifying since before cutoff.
func (w *Worker) reverifyStale(ctx context.Context, cutoff time.Time) (int, int, error) {
	stale, err := w.Ledger.ListIntents(ctx, []models.IntentStatus{models.IntentSubmitted, models.IntentVerifying}, cutoff, w.Batch)
	if err != nil {
		return 0, 0, err
	}
	if len(stale) == 0 {
		return 0, 0, nil
	}

	limit := w.Concurrency
	if limit <= 0 {
		limit = 4
	}
	results := make([]error, len(stale))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, intent := range stale {
		i, intent := i, intent
		g.Go(func() error {
			_, err := w.Payments.Reverify(gctx, intent)
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var ok, failed int
	for i, err := range results {
		logger := w.log().With(zap.String("correlation_id", stale[i].CorrelationID))
		switch {
		case err == nil:
			ok++
			logger.Info("stale intent verified")
		case apperr.IsRetryable(err):
			failed++
			logger.Info("stale intent still pending", zap.Error(err))
		default:
			failed++
			logger.Warn("stale intent failed verification", zap.Error(err))
		}
	}
	return ok, failed, nil
}

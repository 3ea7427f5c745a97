package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"CampusPay/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// runLedgerSuite exercises the behavior every Ledger implementation must share.
func runLedgerSuite(t *testing.T, newLedger func(t *testing.T) Ledger) {
	t.Run("IntentLifecycle", func(t *testing.T) { testIntentLifecycle(t, newLedger(t)) })
	t.Run("DuplicatePaymentRollsBack", func(t *testing.T) { testDuplicatePayment(t, newLedger(t)) })
	t.Run("RebindOnce", func(t *testing.T) { testRebindOnce(t, newLedger(t)) })
	t.Run("ClaimReservation", func(t *testing.T) { testClaimReservation(t, newLedger(t)) })
	t.Run("ReleaseClaim", func(t *testing.T) { testReleaseClaim(t, newLedger(t)) })
	t.Run("UnconfirmedClaimKeepsHash", func(t *testing.T) { testUnconfirmedClaimKeepsHash(t, newLedger(t)) })
	t.Run("Boost", func(t *testing.T) { testBoost(t, newLedger(t)) })
}

func newIntent(purpose models.Purpose, subject string, cur models.Currency, now time.Time) *models.PaymentIntent {
	return &models.PaymentIntent{
		ID:             uuid.NewString(),
		CorrelationID:  "cp-" + uuid.NewString(),
		PayerID:        "buyer-1",
		Purpose:        purpose,
		SubjectRef:     subject,
		Currency:       cur,
		RequiredAmount: decimal.RequireFromString("1.5"),
		Status:         models.IntentAwaitingSignature,
		PriceSnapshot:  `{"ethUsd":"3000"}`,
		ExpiresAt:      now.Add(30 * time.Minute),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// seedSale records one verified purchase of subject and returns its order id.
func seedSale(t *testing.T, l Ledger, subject, seller string, cur models.Currency, amount string, now time.Time) string {
	t.Helper()
	ctx := context.Background()
	if err := l.UpsertSubject(ctx, &models.Subject{Ref: subject, SellerID: seller, Price: decimal.NewFromInt(20), Status: models.SubjectActive, UpdatedAt: now}); err != nil {
		t.Fatalf("upsert subject: %v", err)
	}
	intent := newIntent(models.PurposePurchase, subject, cur, now)
	if err := l.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	ref := subject
	pay := &models.Payment{
		ID: uuid.NewString(), IntentID: intent.ID, PayerID: intent.PayerID, SubjectRef: &ref, Bound: true,
		Amount: decimal.RequireFromString(amount), Currency: cur, Purpose: models.PurposePurchase,
		TxHash: fmt.Sprintf("0x%s", uuid.NewString()), FromAddress: "0xbuyer", Verified: true, CreatedAt: now,
	}
	order := &models.Order{
		ID: uuid.NewString(), PaymentID: pay.ID, BuyerID: pay.PayerID, SellerID: seller, SubjectRef: subject,
		Amount: pay.Amount, Currency: cur, Status: models.OrderCompleted, CreatedAt: now,
	}
	err := l.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertPayment(ctx, pay); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return tx.SetSubjectStatus(ctx, subject, models.SubjectSold)
	})
	if err != nil {
		t.Fatalf("seed sale: %v", err)
	}
	return order.ID
}

func testIntentLifecycle(t *testing.T, l Ledger) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	intent := newIntent(models.PurposeListingFee, "", models.CurrencyETH, now)
	if err := l.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := l.GetIntentByCorrelation(ctx, intent.CorrelationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.RequiredAmount.Equal(intent.RequiredAmount) || got.Status != models.IntentAwaitingSignature || got.SubjectRef != "" {
		t.Fatalf("unexpected intent %+v", got)
	}

	if _, err := l.GetIntentByCorrelation(ctx, "cp-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	n, err := l.ExpireIntents(ctx, now.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	got, _ = l.GetIntentByCorrelation(ctx, intent.CorrelationID)
	if got.Status != models.IntentExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}

	hash := "0xabc"
	got.Status = models.IntentSubmitted
	got.TxHash = &hash
	got.UpdatedAt = now.Add(time.Minute)
	if err := l.UpdateIntent(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	stale, err := l.ListIntents(ctx, []models.IntentStatus{models.IntentSubmitted, models.IntentVerifying}, now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].TxHash == nil || *stale[0].TxHash != hash {
		t.Fatalf("unexpected stale intents %+v", stale)
	}
}

func testDuplicatePayment(t *testing.T, l Ledger) {
	ctx := context.Background()
	now := time.Now().UTC()
	intent := newIntent(models.PurposeListingFee, "", models.CurrencySOL, now)
	if err := l.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	pay := func() *models.Payment {
		return &models.Payment{
			ID: uuid.NewString(), IntentID: intent.ID, PayerID: "buyer-1", Amount: decimal.NewFromInt(1),
			Currency: models.CurrencySOL, Purpose: models.PurposeListingFee, TxHash: "sig-1", Verified: true, CreatedAt: now,
		}
	}
	first := pay()
	if err := l.InTx(ctx, func(tx Tx) error { return tx.InsertPayment(ctx, first) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := l.InTx(ctx, func(tx Tx) error { return tx.InsertPayment(ctx, pay()) })
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	boom := errors.New("boom")
	second := &models.Payment{
		ID: uuid.NewString(), IntentID: intent.ID, PayerID: "buyer-1", Amount: decimal.NewFromInt(1),
		Currency: models.CurrencySOL, Purpose: models.PurposeListingFee, TxHash: "sig-2", Verified: true, CreatedAt: now,
	}
	err = l.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertPayment(ctx, second); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := l.GetPayment(ctx, second.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled back payment must not exist, got %v", err)
	}

	list, err := l.PaymentsByPayer(ctx, "buyer-1")
	if err != nil || len(list) != 1 || list[0].ID != first.ID {
		t.Fatalf("unexpected payments %v %v", list, err)
	}
}

func testRebindOnce(t *testing.T, l Ledger) {
	ctx := context.Background()
	now := time.Now().UTC()
	intent := newIntent(models.PurposeListingFee, "", models.CurrencyETH, now)
	if err := l.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	p := &models.Payment{
		ID: uuid.NewString(), IntentID: intent.ID, PayerID: "seller-1", Amount: decimal.NewFromInt(1),
		Currency: models.CurrencyETH, Purpose: models.PurposeListingFee, TxHash: "0xfee", Verified: true, CreatedAt: now,
	}
	if err := l.InTx(ctx, func(tx Tx) error { return tx.InsertPayment(ctx, p) }); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i, want := range []bool{true, false} {
		var ok bool
		err := l.InTx(ctx, func(tx Tx) error {
			var err error
			ok, err = tx.RebindPayment(ctx, p.ID, fmt.Sprintf("listing-%d", i), now)
			return err
		})
		if err != nil || ok != want {
			t.Fatalf("rebind %d: ok=%v err=%v", i, ok, err)
		}
	}
	got, err := l.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Bound || got.SubjectRef == nil || *got.SubjectRef != "listing-0" || got.ReboundAt == nil {
		t.Fatalf("unexpected payment %+v", got)
	}
}

func testClaimReservation(t *testing.T, l Ledger) {
	ctx := context.Background()
	now := time.Now().UTC()
	seedSale(t, l, "item-1", "seller-1", models.CurrencyETH, "0.5", now)
	seedSale(t, l, "item-2", "seller-1", models.CurrencyETH, "0.25", now.Add(time.Second))
	seedSale(t, l, "item-3", "seller-1", models.CurrencySOL, "3", now)

	claimID := uuid.NewString()
	var reserved []*models.Order
	err := l.InTx(ctx, func(tx Tx) error {
		var err error
		reserved, err = tx.ReserveOrders(ctx, "seller-1", models.CurrencyETH, claimID)
		if err != nil {
			return err
		}
		return tx.InsertClaim(ctx, &models.Claim{
			ID: claimID, SellerID: "seller-1", Currency: models.CurrencyETH, WalletAddress: "0xseller",
			Amount: decimal.RequireFromString("0.75"), OrderIDs: []string{reserved[0].ID, reserved[1].ID},
			Status: models.ClaimPending, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(reserved) != 2 {
		t.Fatalf("expected 2 reserved orders, got %d", len(reserved))
	}

	// A second reservation finds nothing left.
	err = l.InTx(ctx, func(tx Tx) error {
		again, err := tx.ReserveOrders(ctx, "seller-1", models.CurrencyETH, uuid.NewString())
		if err != nil {
			return err
		}
		if len(again) != 0 {
			return fmt.Errorf("reserved %d orders twice", len(again))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var n int64
	err = l.InTx(ctx, func(tx Tx) error {
		var err error
		n, err = tx.CompleteClaim(ctx, claimID, "0xpayout", now)
		return err
	})
	if err != nil || n != 2 {
		t.Fatalf("complete: n=%d err=%v", n, err)
	}

	earnings, err := l.EarningsBySeller(ctx, "seller-1")
	if err != nil {
		t.Fatalf("earnings: %v", err)
	}
	eth := earnings[models.CurrencyETH]
	if !eth.Claimed.Equal(decimal.RequireFromString("0.75")) || !eth.Unclaimed.IsZero() {
		t.Fatalf("unexpected eth totals %+v", eth)
	}
	sol := earnings[models.CurrencySOL]
	if !sol.Unclaimed.Equal(decimal.NewFromInt(3)) || !sol.Total.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected sol totals %+v", sol)
	}

	claims, err := l.ClaimsBySeller(ctx, "seller-1")
	if err != nil || len(claims) != 1 {
		t.Fatalf("claims: %v %v", claims, err)
	}
	if claims[0].Status != models.ClaimCompleted || claims[0].TxHash == nil || *claims[0].TxHash != "0xpayout" {
		t.Fatalf("unexpected claim %+v", claims[0])
	}
	orders, _ := l.OrdersBySeller(ctx, "seller-1")
	for _, o := range orders {
		if o.Currency == models.CurrencyETH && (!o.Claimed || o.ClaimTxHash == nil || *o.ClaimTxHash != "0xpayout") {
			t.Fatalf("order not finalized: %+v", o)
		}
	}
}

func testReleaseClaim(t *testing.T, l Ledger) {
	ctx := context.Background()
	now := time.Now().UTC()
	seedSale(t, l, "item-9", "seller-2", models.CurrencySOL, "2", now)

	claimID := uuid.NewString()
	err := l.InTx(ctx, func(tx Tx) error {
		orders, err := tx.ReserveOrders(ctx, "seller-2", models.CurrencySOL, claimID)
		if err != nil {
			return err
		}
		return tx.InsertClaim(ctx, &models.Claim{
			ID: claimID, SellerID: "seller-2", Currency: models.CurrencySOL, WalletAddress: "solwallet",
			Amount: orders[0].Amount, OrderIDs: []string{orders[0].ID}, Status: models.ClaimPending, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	pending, err := l.ListPendingClaims(ctx, now.Add(time.Minute))
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %v %v", pending, err)
	}

	if err := l.InTx(ctx, func(tx Tx) error { return tx.ReleaseClaim(ctx, claimID) }); err != nil {
		t.Fatalf("release: %v", err)
	}
	unclaimed, err := l.UnclaimedOrders(ctx, "seller-2", models.CurrencySOL)
	if err != nil || len(unclaimed) != 1 || unclaimed[0].ClaimID != nil {
		t.Fatalf("order not released: %v %v", unclaimed, err)
	}
	if claims, _ := l.ClaimsBySeller(ctx, "seller-2"); len(claims) != 0 {
		t.Fatalf("pending claim not removed: %+v", claims)
	}
}

func testUnconfirmedClaimKeepsHash(t *testing.T, l Ledger) {
	ctx := context.Background()
	now := time.Now().UTC()
	seedSale(t, l, "item-u", "seller-3", models.CurrencyETH, "0.4", now)

	claimID := uuid.NewString()
	err := l.InTx(ctx, func(tx Tx) error {
		orders, err := tx.ReserveOrders(ctx, "seller-3", models.CurrencyETH, claimID)
		if err != nil {
			return err
		}
		return tx.InsertClaim(ctx, &models.Claim{
			ID: claimID, SellerID: "seller-3", Currency: models.CurrencyETH, WalletAddress: "0xwallet",
			Amount: orders[0].Amount, OrderIDs: []string{orders[0].ID}, Status: models.ClaimPending, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var changed bool
	if err := l.InTx(ctx, func(tx Tx) error {
		var err error
		changed, err = tx.SetClaimTxHash(ctx, claimID, "0xsent")
		return err
	}); err != nil || !changed {
		t.Fatalf("set tx hash: changed=%v err=%v", changed, err)
	}

	pending, err := l.ListPendingClaims(ctx, now.Add(time.Minute))
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %v %v", pending, err)
	}
	if pending[0].TxHash == nil || *pending[0].TxHash != "0xsent" {
		t.Fatalf("hash not stored on pending claim: %+v", pending[0])
	}
	unclaimed, _ := l.UnclaimedOrders(ctx, "seller-3", models.CurrencyETH)
	if len(unclaimed) != 1 || unclaimed[0].ClaimID == nil || *unclaimed[0].ClaimID != claimID {
		t.Fatalf("orders must stay reserved: %+v", unclaimed)
	}

	if err := l.InTx(ctx, func(tx Tx) error {
		_, err := tx.CompleteClaim(ctx, claimID, "0xsent", now)
		return err
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := l.InTx(ctx, func(tx Tx) error {
		var err error
		changed, err = tx.SetClaimTxHash(ctx, claimID, "0xother")
		return err
	}); err != nil || changed {
		t.Fatalf("completed claim must not change: changed=%v err=%v", changed, err)
	}
}

func testBoost(t *testing.T, l Ledger) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	if err := l.UpsertSubject(ctx, &models.Subject{Ref: "item-b", SellerID: "s", Price: decimal.NewFromInt(5), Status: models.SubjectActive, UpdatedAt: now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	exp := now.Add(7 * 24 * time.Hour)
	err := l.InTx(ctx, func(tx Tx) error {
		if _, err := tx.SubjectForUpdate(ctx, "item-b"); err != nil {
			return err
		}
		return tx.SetBoost(ctx, "item-b", []string{"bike", "cheap"}, exp)
	})
	if err != nil {
		t.Fatalf("boost: %v", err)
	}
	s, err := l.GetSubject(ctx, "item-b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(s.BoostKeywords) != 2 || s.BoostExpiresAt == nil || !s.BoostExpiresAt.Equal(exp) {
		t.Fatalf("unexpected subject %+v", s)
	}
	err = l.InTx(ctx, func(tx Tx) error { return tx.SetBoost(ctx, "missing", nil, exp) })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

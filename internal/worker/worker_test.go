package worker

import (
	"context"
	"testing"
	"time"

	"CampusPay/internal/chain"
	"CampusPay/internal/chain/chaintest"
	"CampusPay/internal/models"
	"CampusPay/internal/pricing"
	"CampusPay/internal/services"
	"CampusPay/internal/store"

	"github.com/shopspring/decimal"
)

type fixedQuoter struct{}

func (fixedQuoter) Snapshot(context.Context) pricing.Snapshot {
	return pricing.Snapshot{ETHUSD: decimal.NewFromInt(3000), SOLUSD: decimal.NewFromInt(150), Source: pricing.SourceFeed}
}

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := store.NewMemory()
	eth := chaintest.New(models.CurrencyETH, "0xcustody")
	payments := &services.PaymentService{
		Ledger: ledger,
		Chains: chain.NewRegistry(eth),
		Pricing: pricing.Service{
			Oracle:          fixedQuoter{},
			CatalogCurrency: pricing.CatalogUSD,
			ListingFee:      decimal.NewFromInt(1),
		},
		IntentTTL: 30 * time.Minute,
		Retry:     services.RetryPolicy{MaxAttempts: 1},
		Now:       func() time.Time { return base },
	}

	unpaid, err := payments.CreateIntent(ctx, "seller-1", models.PurposeListingFee, "", nil, models.CurrencyETH)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	abandoned, err := payments.CreateIntent(ctx, "seller-2", models.PurposeListingFee, "", nil, models.CurrencyETH)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	hash := eth.AddTransfer("0xpayer", abandoned.RequiredAmount, abandoned.CorrelationID)
	abandoned.Status = models.IntentVerifying
	abandoned.TxHash = &hash
	abandoned.UpdatedAt = base
	if err := ledger.UpdateIntent(ctx, abandoned); err != nil {
		t.Fatalf("update intent: %v", err)
	}

	err = ledger.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertClaim(ctx, &models.Claim{
			ID: "claim-1", SellerID: "seller-3", Currency: models.CurrencyETH, WalletAddress: "0xw",
			Amount: decimal.NewFromInt(1), Status: models.ClaimPending, CreatedAt: base,
		})
	})
	if err != nil {
		t.Fatalf("insert claim: %v", err)
	}

	w := &Worker{
		Ledger:     ledger,
		Payments:   payments,
		StaleAfter: 2 * time.Minute,
		Batch:      10,
		Now:        func() time.Time { return base.Add(time.Hour) },
	}
	rep, err := w.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Expired != 1 || rep.Reverified != 1 || rep.StillFailed != 0 || rep.StaleClaims != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	got, _ := ledger.GetIntentByCorrelation(ctx, unpaid.CorrelationID)
	if got.Status != models.IntentExpired {
		t.Fatalf("unpaid intent: %s", got.Status)
	}
	got, _ = ledger.GetIntentByCorrelation(ctx, abandoned.CorrelationID)
	if got.Status != models.IntentVerified || got.PaymentID == nil {
		t.Fatalf("abandoned intent not completed: %+v", got)
	}

	rep, err = w.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if rep.Expired != 0 || rep.Reverified != 0 {
		t.Fatalf("second sweep must be a no-op, got %+v", rep)
	}
}

func TestSweepLeavesFreshIntents(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := store.NewMemory()
	eth := chaintest.New(models.CurrencyETH, "0xcustody")
	payments := &services.PaymentService{
		Ledger:    ledger,
		Chains:    chain.NewRegistry(eth),
		Pricing:   pricing.Service{Oracle: fixedQuoter{}, CatalogCurrency: pricing.CatalogUSD, ListingFee: decimal.NewFromInt(1)},
		IntentTTL: 30 * time.Minute,
		Now:       func() time.Time { return base },
	}
	intent, err := payments.CreateIntent(ctx, "seller-1", models.PurposeListingFee, "", nil, models.CurrencyETH)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	hash := "0xinflight"
	intent.Status = models.IntentVerifying
	intent.TxHash = &hash
	intent.UpdatedAt = base
	if err := ledger.UpdateIntent(ctx, intent); err != nil {
		t.Fatalf("update intent: %v", err)
	}

	w := &Worker{Ledger: ledger, Payments: payments, StaleAfter: 2 * time.Minute, Now: func() time.Time { return base.Add(time.Minute) }}
	rep, err := w.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Reverified != 0 || rep.StillFailed != 0 || eth.VerifyCalls() != 0 {
		t.Fatalf("in-flight intent must not be touched: %+v", rep)
	}
}

func TestSweepReconcilesUnconfirmedPayouts(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return base.Add(time.Hour) }
	ledger := store.NewMemory()
	eth := chaintest.New(models.CurrencyETH, "0xcustody")
	claims := &services.ClaimService{Ledger: ledger, Chains: chain.NewRegistry(eth), Now: now}

	landed := eth.AddTransfer("0xcustody", decimal.NewFromInt(1), "")
	lost := "0xlost"
	for _, c := range []*models.Claim{
		{ID: "claim-landed", TxHash: &landed},
		{ID: "claim-lost", TxHash: &lost},
		{ID: "claim-unknown"},
	} {
		c.SellerID, c.Currency, c.WalletAddress = "seller-1", models.CurrencyETH, "0xw"
		c.Amount, c.Status, c.CreatedAt = decimal.NewFromInt(1), models.ClaimPending, base
		if err := ledger.InTx(ctx, func(tx store.Tx) error { return tx.InsertClaim(ctx, c) }); err != nil {
			t.Fatalf("insert %s: %v", c.ID, err)
		}
	}

	w := &Worker{
		Ledger:       ledger,
		Claims:       claims,
		StaleAfter:   2 * time.Minute,
		ReleaseAfter: 15 * time.Minute,
		Now:          now,
	}
	rep, err := w.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.ClaimsCompleted != 1 || rep.ClaimsReleased != 1 || rep.StaleClaims != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	left, _ := ledger.ClaimsBySeller(ctx, "seller-1")
	status := map[string]models.ClaimStatus{}
	for _, c := range left {
		status[c.ID] = c.Status
	}
	if len(status) != 2 || status["claim-landed"] != models.ClaimCompleted || status["claim-unknown"] != models.ClaimPending {
		t.Fatalf("unexpected claims after sweep: %v", status)
	}
}

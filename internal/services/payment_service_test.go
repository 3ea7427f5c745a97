package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CampusPay/internal/apperr"
	"CampusPay/internal/chain"
	"CampusPay/internal/chain/chaintest"
	"CampusPay/internal/models"
	"CampusPay/internal/notify"
	"CampusPay/internal/pricing"
	"CampusPay/internal/store"

	"github.com/shopspring/decimal"
)

type fixedQuoter struct{ snap pricing.Snapshot }

func (q fixedQuoter) Snapshot(context.Context) pricing.Snapshot { return q.snap }

type recordingSink struct {
	mu     sync.Mutex
	events map[string][]notify.Event
}

func (r *recordingSink) Notify(_ context.Context, userID string, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string][]notify.Event{}
	}
	r.events[userID] = append(r.events[userID], ev)
}

func (r *recordingSink) types(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events[userID] {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	ledger   *store.Memory
	eth      *chaintest.Client
	sol      *chaintest.Client
	sink     *recordingSink
	payments PaymentService
	claims   ClaimService
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: store.NewMemory(),
		eth:    chaintest.New(models.CurrencyETH, "0xcustody"),
		sol:    chaintest.New(models.CurrencySOL, "solcustody"),
		sink:   &recordingSink{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	registry := chain.NewRegistry(f.eth, f.sol)
	clock := func() time.Time { return f.now }
	f.payments = PaymentService{
		Ledger: f.ledger,
		Chains: registry,
		Pricing: pricing.Service{
			Oracle:          fixedQuoter{pricing.Snapshot{ETHUSD: decimal.NewFromInt(3000), SOLUSD: decimal.NewFromInt(150), Source: pricing.SourceFeed}},
			CatalogCurrency: pricing.CatalogUSD,
			ListingFee:      decimal.NewFromInt(1),
			BoostBaseFee:    decimal.NewFromInt(2),
			BoostPerKeyword: decimal.RequireFromString("0.5"),
			BoostDuration:   7 * 24 * time.Hour,
		},
		IntentTTL: 30 * time.Minute,
		Retry:     RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Second, MaxBackoff: 8 * time.Second, Multiplier: 2},
		Notifier:  f.sink,
		Now:       clock,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
	f.claims = ClaimService{
		Ledger:   f.ledger,
		Chains:   registry,
		Locks:    &KeyedMutex{},
		Notifier: f.sink,
		Now:      clock,
	}
	return f
}

func (f *fixture) subject(t *testing.T, ref, seller string, price int64, status models.SubjectStatus) {
	t.Helper()
	err := f.ledger.UpsertSubject(context.Background(), &models.Subject{
		Ref: ref, SellerID: seller, Price: decimal.NewFromInt(price), Status: status, UpdatedAt: f.now,
	})
	if err != nil {
		t.Fatalf("upsert subject: %v", err)
	}
}

func (f *fixture) client(cur models.Currency) *chaintest.Client {
	if cur == models.CurrencySOL {
		return f.sol
	}
	return f.eth
}

// pay creates an intent and a matching on-chain transfer, returning both.
func (f *fixture) pay(t *testing.T, payer string, purpose models.Purpose, ref string, keywords []string, cur models.Currency) (*models.PaymentIntent, string) {
	t.Helper()
	intent, err := f.payments.CreateIntent(context.Background(), payer, purpose, ref, keywords, cur)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	hash := f.client(cur).AddTransfer("payer-"+payer, intent.RequiredAmount, intent.CorrelationID)
	return intent, hash
}

func TestPurchaseFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subject(t, "item-1", "seller-1", 20, models.SubjectActive)

	intent, hash := f.pay(t, "buyer-1", models.PurposePurchase, "item-1", nil, models.CurrencyETH)
	if intent.Status != models.IntentAwaitingSignature {
		t.Fatalf("unexpected status %s", intent.Status)
	}
	if !intent.RequiredAmount.Equal(decimal.RequireFromString("0.006666666666666667")) {
		t.Fatalf("unexpected required amount %s", intent.RequiredAmount)
	}
	if !intent.ExpiresAt.Equal(f.now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", intent.ExpiresAt)
	}

	res, err := f.payments.RecordAttempt(ctx, "buyer-1", intent.CorrelationID, hash)
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if res.Replay || res.Intent.Status != models.IntentVerified || res.Payment == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Payment.Bound || res.Payment.SubjectRef == nil || *res.Payment.SubjectRef != "item-1" {
		t.Fatalf("purchase payment must be bound: %+v", res.Payment)
	}

	subject, _ := f.ledger.GetSubject(ctx, "item-1")
	if subject.Status != models.SubjectSold {
		t.Fatalf("subject not sold: %s", subject.Status)
	}
	orders, _ := f.ledger.OrdersBySeller(ctx, "seller-1")
	if len(orders) != 1 || orders[0].BuyerID != "buyer-1" || !orders[0].Amount.Equal(intent.RequiredAmount) {
		t.Fatalf("unexpected orders %+v", orders)
	}
	stored, _ := f.ledger.GetIntentByCorrelation(ctx, intent.CorrelationID)
	if stored.Status != models.IntentVerified || stored.PaymentID == nil || *stored.PaymentID != res.Payment.ID {
		t.Fatalf("intent not verified: %+v", stored)
	}
	if got := f.sink.types("buyer-1"); len(got) != 1 || got[0] != notify.EventPaymentVerified {
		t.Fatalf("buyer notifications %v", got)
	}
	if got := f.sink.types("seller-1"); len(got) != 1 || got[0] != notify.EventItemSold {
		t.Fatalf("seller notifications %v", got)
	}
}

func TestPurchaseInSOL(t *testing.T) {
	f := newFixture(t)
	f.subject(t, "item-1", "seller-1", 20, models.SubjectActive)
	intent, hash := f.pay(t, "buyer-1", models.PurposePurchase, "item-1", nil, models.CurrencySOL)
	if !intent.RequiredAmount.Equal(decimal.RequireFromString("0.133333334")) {
		t.Fatalf("unexpected SOL amount %s", intent.RequiredAmount)
	}
	if _, err := f.payments.RecordAttempt(context.Background(), "buyer-1", intent.CorrelationID, hash); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	e, err := f.claims.Earnings(context.Background(), "seller-1")
	if err != nil {
		t.Fatalf("earnings: %v", err)
	}
	if !e.Unclaimed[models.CurrencySOL].Equal(intent.RequiredAmount) || !e.Unclaimed[models.CurrencyETH].IsZero() {
		t.Fatalf("unexpected earnings %+v", e)
	}
}

func TestRecordAttemptIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subject(t, "item-1", "seller-1", 20, models.SubjectActive)
	intent, hash := f.pay(t, "buyer-1", models.PurposePurchase, "item-1", nil, models.CurrencyETH)

	first, err := f.payments.RecordAttempt(ctx, "buyer-1", intent.CorrelationID, hash)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.payments.RecordAttempt(ctx, "buyer-1", intent.CorrelationID, hash)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Replay || second.Payment.ID != first.Payment.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Payment.ID, second)
	}
	if list, _ := f.ledger.PaymentsByPayer(ctx, "buyer-1"); len(list) != 1 {
		t.Fatalf("expected one payment, got %d", len(list))
	}
	if orders, _ := f.ledger.OrdersBySeller(ctx, "seller-1"); len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
}

func TestTxHashCannotPayTwoIntents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, hash := f.pay(t, "seller-1", models.PurposeListingFee, "", nil, models.CurrencyETH)
	if _, err := f.payments.RecordAttempt(ctx, "seller-1", first.CorrelationID, hash); err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.payments.CreateIntent(ctx, "seller-1", models.PurposeListingFee, "", nil, models.CurrencyETH)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.payments.RecordAttempt(ctx, "seller-1", second.CorrelationID, hash)
	if !errors.Is(err, apperr.ErrDuplicateTx) {
		t.Fatalf("expected duplicate_tx, got %v", err)
	}

	other := f.eth.AddTransfer("x", first.RequiredAmount, first.CorrelationID)
	_, err = f.payments.RecordAttempt(ctx, "seller-1", first.CorrelationID, other)
	if !errors.Is(err, apperr.ErrDuplicateTx) {
		t.Fatalf("verified intent must reject a second hash, got %v", err)
	}
}

func TestConcurrentPurchasesSellOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subject(t, "item-1", "seller-1", 20, models.SubjectActive)

	type attempt struct {
		buyer  string
		intent *models.PaymentIntent
		hash   string
	}
	var attempts []attempt
	for _, buyer := range []string{"buyer-1", "buyer-2", "buyer-3", "buyer-4"} {
		intent, hash := f.pay(t, buyer, models.PurposePurchase, "item-1", nil, models.CurrencyETH)
		attempts = append(attempts, attempt{buyer, intent, hash})
	}

	errs := make([]error, len(attempts))
	var wg sync.WaitGroup
	for i, a := range attempts {
		wg.Add(1)
		go func(i int, a attempt) {
			defer wg.Done()
			_, errs[i] = f.payments.RecordAttempt(ctx, a.buyer, a.intent.CorrelationID, a.hash)
		}(i, a)
	}
	wg.Wait()

	var ok, conflicts int
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrSubjectUnavailable):
			conflicts++
			stored, _ := f.ledger.GetIntentByCorrelation(ctx, attempts[i].intent.CorrelationID)
			if stored.Status != models.IntentConflict {
				t.Fatalf("losing intent should be conflict, got %s", stored.Status)
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != len(attempts)-1 {
		t.Fatalf("expected one sale, got ok=%d conflicts=%d", ok, conflicts)
	}
	if orders, _ := f.ledger.OrdersBySeller(ctx, "seller-1"); len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
}

func TestVerificationRetriesOnlyRetryableErrors(t *testing.T) {
	t.Run("recovers within budget", func(t *testing.T) {
		f := newFixture(t)
		var delays []time.Duration
		f.payments.Sleep = func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}
		intent, hash := f.pay(t, "seller-1", models.PurposeListingFee, "", nil, models.CurrencySOL)
		f.sol.FailVerify(hash, apperr.ErrTxNotFound, apperr.ErrTxNotFinal)

		if _, err := f.payments.RecordAttempt(context.Background(), "seller-1", intent.CorrelationID, hash); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
		if f.sol.VerifyCalls() != 3 {
			t.Fatalf("expected 3 verify calls, got %d", f.sol.VerifyCalls())
		}
		if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
			t.Fatalf("unexpected backoff %v", delays)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		f := newFixture(t)
		f.payments.Retry.MaxAttempts = 2
		ctx := context.Background()
		intent, hash := f.pay(t, "seller-1", models.PurposeListingFee, "", nil, models.CurrencyETH)
		f.eth.FailVerify(hash, apperr.ErrTxNotFinal, apperr.ErrTxNotFinal)

		_, err := f.payments.RecordAttempt(ctx, "seller-1", intent.CorrelationID, hash)
		if !errors.Is(err, apperr.ErrTxNotFinal) || !apperr.IsRetryable(err) {
			t.Fatalf("expected retryable tx_not_final, got %v", err)
		}
		if f.eth.VerifyCalls() != 2 {
			t.Fatalf("expected 2 verify calls, got %d", f.eth.VerifyCalls())
		}
		stored, _ := f.ledger.GetIntentByCorrelation(ctx, intent.CorrelationID)
		if stored.Status != models.IntentVerificationFailed || stored.FailureReason == nil {
			t.Fatalf("unexpected intent %+v", stored)
		}

		// The transaction finalizes later; the same hash can be resubmitted.
		res, err := f.payments.RecordAttempt(ctx, "seller-1", intent.CorrelationID, hash)
		if err != nil || res.Intent.Status != models.IntentVerified {
			t.Fatalf("resubmit: %+v %v", res, err)
		}
	})

	t.Run("terminal errors are not retried", func(t *testing.T) {
		f := newFixture(t)
		intent, hash := f.pay(t, "seller-1", models.PurposeListingFee, "", nil, models.CurrencyETH)
		f.eth.FailVerify(hash, apperr.ErrTxReverted)
		_, err := f.payments.RecordAttempt(context.Background(), "seller-1", intent.CorrelationID, hash)
		if !errors.Is(err, apperr.ErrTxReverted) || apperr.IsRetryable(err) {
			t.Fatalf("expected tx_reverted, got %v", err)
		}
		if f.eth.VerifyCalls() != 1 {
			t.Fatalf("expected a single verify call, got %d", f.eth.VerifyCalls())
		}
	})
}

func TestMismatchedTransfersAreRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subject(t, "item-1", "seller-1", 20, models.SubjectActive)
	intent, err := f.payments.CreateIntent(ctx, "buyer-1", models.PurposePurchase, "item-1", nil, models.CurrencyETH)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	under := f.eth.AddTransfer("b", intent.RequiredAmount.Sub(decimal.New(1, -18)), intent.CorrelationID)
	wrongMemo := f.eth.AddTransfer("b", intent.RequiredAmount, "cp-other")
	elsewhere := "0xelsewhere"
	f.eth.SetTransfer(elsewhere, chain.Transfer{To: "0xnotcustody", Amount: intent.RequiredAmount, Memo: intent.CorrelationID, Finalized: true, Success: true})

	for _, hash := range []string{under, wrongMemo, elsewhere} {
		_, err := f.payments.RecordAttempt(ctx, "buyer-1", intent.CorrelationID, hash)
		if !errors.Is(err, apperr.ErrTxMismatch) || apperr.IsRetryable(err) {
			t.Fatalf("hash %s: expected tx_mismatch, got %v", hash, err)
		}
	}
	subject, _ := f.ledger.GetSubject(ctx, "item-1")
	if subject.Status != models.SubjectActive {
		t.Fatalf("mismatched payments must not sell: %s", subject.Status)
	}
}

func TestRecordAttemptAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, hash := f.pay(t, "seller-1", models.PurposeListingFee, "", nil, models.CurrencyETH)

	if _, err := f.payments.RecordAttempt(ctx, "someone", intent.CorrelationID, hash); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.payments.RecordAttempt(ctx, "", intent.CorrelationID, hash); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.payments.RecordAttempt(ctx, "seller-1", "cp-missing", hash); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.payments.RecordAttempt(ctx, "seller-1", intent.CorrelationID, "  "); apperr.KindOf(err) != apperr.KindInvalid {
		t.Fatalf("expected invalid hash, got %v", err)
	}
}

func TestListingFeeRebindsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent, hash := f.pay(t, "seller-1", models.PurposeListingFee, "", nil, models.CurrencyETH)
	if !intent.RequiredAmount.Equal(decimal.RequireFromString("0.000333333333333334")) {
		t.Fatalf("unexpected fee %s", intent.RequiredAmount)
	}
	res, err := f.payments.RecordAttempt(ctx, "seller-1", intent.CorrelationID, hash)
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if res.Payment.Bound || res.Payment.SubjectRef != nil {
		t.Fatalf("fee without subject must stay unbound: %+v", res.Payment)
	}

	f.subject(t, "draft-1", "seller-1", 10, models.SubjectDraft)
	if err := f.payments.Rebind(ctx, "buyer-9", res.Payment.ID, "draft-1"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := f.payments.Rebind(ctx, "seller-1", res.Payment.ID, "draft-1"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if err := f.payments.Rebind(ctx, "seller-1", res.Payment.ID, "draft-2"); !errors.Is(err, apperr.ErrAlreadyRebound) {
		t.Fatalf("expected already_rebound, got %v", err)
	}

	p, _ := f.ledger.GetPayment(ctx, res.Payment.ID)
	if !p.Bound || *p.SubjectRef != "draft-1" || p.ReboundAt == nil {
		t.Fatalf("first binding must win: %+v", p)
	}
	subject, _ := f.ledger.GetSubject(ctx, "draft-1")
	if subject.Status != models.SubjectActive {
		t.Fatalf("draft not activated: %s", subject.Status)
	}

	if err := f.payments.Rebind(ctx, "seller-1", "missing", "draft-1"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRebindRejectsPurchasePayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subject(t, "item-1", "seller-1", 20, models.SubjectActive)
	intent, hash := f.pay(t, "buyer-1", models.PurposePurchase, "item-1", nil, models.CurrencyETH)
	res, err := f.payments.RecordAttempt(ctx, "buyer-1", intent.CorrelationID, hash)
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if err := f.payments.Rebind(ctx, "buyer-1", res.Payment.ID, "item-2"); !errors.Is(err, apperr.ErrNotRebindable) {
		t.Fatalf("expected not_rebindable, got %v", err)
	}
}

func TestListingFeeActivatesDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subject(t, "draft-1", "seller-1", 10, models.SubjectDraft)
	intent, hash := f.pay(t, "seller-1", models.PurposeListingFee, "draft-1", nil, models.CurrencySOL)
	res, err := f.payments.RecordAttempt(ctx, "seller-1", intent.CorrelationID, hash)
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if !res.Payment.Bound {
		t.Fatal("fee with subject must be bound")
	}
	subject, _ := f.ledger.GetSubject(ctx, "draft-1")
	if subject.Status != models.SubjectActive {
		t.Fatalf("draft not activated: %s", subject.Status)
	}
}

func TestBoostMergesKeywordsAndKeepsLaterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	far := f.now.Add(30 * 24 * time.Hour)
	err := f.ledger.UpsertSubject(ctx, &models.Subject{
		Ref: "item-1", SellerID: "seller-1", Price: decimal.NewFromInt(20), Status: models.SubjectActive,
		BoostKeywords: []string{"bike"}, BoostExpiresAt: &far, UpdatedAt: f.now,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	intent, hash := f.pay(t, "seller-1", models.PurposeBoost, "item-1", []string{"Bike", " Cheap ", "cheap"}, models.CurrencySOL)
	// base 2 + 0.5 per distinct keyword (bike, cheap) = 3 USD = 0.02 SOL
	if !intent.RequiredAmount.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("unexpected boost fee %s", intent.RequiredAmount)
	}
	if _, err := f.payments.RecordAttempt(ctx, "seller-1", intent.CorrelationID, hash); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	subject, _ := f.ledger.GetSubject(ctx, "item-1")
	if len(subject.BoostKeywords) != 2 || subject.BoostKeywords[0] != "bike" || subject.BoostKeywords[1] != "cheap" {
		t.Fatalf("unexpected keywords %v", subject.BoostKeywords)
	}
	if subject.BoostExpiresAt == nil || !subject.BoostExpiresAt.Equal(far) {
		t.Fatalf("expiry moved backwards: %v", subject.BoostExpiresAt)
	}

	f.subject(t, "item-2", "seller-1", 20, models.SubjectActive)
	intent, hash = f.pay(t, "seller-1", models.PurposeBoost, "item-2", []string{"desk"}, models.CurrencyETH)
	if _, err := f.payments.RecordAttempt(ctx, "seller-1", intent.CorrelationID, hash); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	subject, _ = f.ledger.GetSubject(ctx, "item-2")
	if want := f.now.Add(7 * 24 * time.Hour); subject.BoostExpiresAt == nil || !subject.BoostExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %v", want, subject.BoostExpiresAt)
	}
}

func TestCreateIntentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subject(t, "item-1", "seller-1", 20, models.SubjectActive)
	f.subject(t, "sold-1", "seller-1", 20, models.SubjectSold)

	cases := []struct {
		name    string
		payer   string
		purpose models.Purpose
		ref     string
		cur     models.Currency
		want    apperr.Kind
	}{
		{"no payer", "", models.PurposePurchase, "item-1", models.CurrencyETH, apperr.KindUnauthorized},
		{"unknown purpose", "buyer-1", "donation", "item-1", models.CurrencyETH, apperr.KindInvalid},
		{"unsupported currency", "buyer-1", models.PurposePurchase, "item-1", "BTC", apperr.KindInvalid},
		{"purchase without subject", "buyer-1", models.PurposePurchase, "", models.CurrencyETH, apperr.KindInvalid},
		{"missing subject", "buyer-1", models.PurposePurchase, "nope", models.CurrencyETH, apperr.KindNotFound},
		{"own listing", "seller-1", models.PurposePurchase, "item-1", models.CurrencyETH, apperr.KindInvalid},
		{"sold subject", "buyer-1", models.PurposePurchase, "sold-1", models.CurrencyETH, apperr.KindLedgerConflict},
		{"boost by non-owner", "buyer-1", models.PurposeBoost, "item-1", models.CurrencyETH, apperr.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.payments.CreateIntent(ctx, tc.payer, tc.purpose, tc.ref, nil, tc.cur)
			if apperr.KindOf(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestReverifyCompletesStaleIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.payments.Retry.MaxAttempts = 1
	intent, hash := f.pay(t, "seller-1", models.PurposeListingFee, "", nil, models.CurrencyETH)
	f.eth.FailVerify(hash, apperr.ErrVerificationNetwork)
	if _, err := f.payments.RecordAttempt(ctx, "seller-1", intent.CorrelationID, hash); !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}

	stored, _ := f.ledger.GetIntentByCorrelation(ctx, intent.CorrelationID)
	res, err := f.payments.Reverify(ctx, stored)
	if err != nil {
		t.Fatalf("reverify: %v", err)
	}
	if res.Intent.Status != models.IntentVerified {
		t.Fatalf("unexpected status %s", res.Intent.Status)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
	if (RetryPolicy{}).attempts() != 1 {
		t.Fatal("zero policy must still try once")
	}
}

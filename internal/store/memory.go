package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"CampusPay/internal/models"

	"github.com/shopspring/decimal"
)

// Memory is an in-process Ledger for development and tests. A transaction
// holds the store lock for its whole duration and is rolled back by restoring
// a snapshot when fn fails.
type Memory struct {
	mu  sync.Mutex
	st  memState
	seq int64
}

type memState struct {
	intents  map[string]*models.PaymentIntent
	payments map[string]*models.Payment
	orders   map[string]*models.Order
	claims   map[string]*models.Claim
	subjects map[string]*models.Subject
	order    map[string]int64
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: memState{
		intents:  map[string]*models.PaymentIntent{},
		payments: map[string]*models.Payment{},
		orders:   map[string]*models.Order{},
		claims:   map[string]*models.Claim{},
		subjects: map[string]*models.Subject{},
		order:    map[string]int64{},
	}}
}

func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.st.clone()
	seq := m.seq
	if err := fn(&memTx{m: m}); err != nil {
		m.st = snapshot
		m.seq = seq
		return err
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.st.intents {
		if existing.CorrelationID == intent.CorrelationID {
			return ErrDuplicate
		}
	}
	if _, ok := m.st.intents[intent.ID]; ok {
		return ErrDuplicate
	}
	m.st.intents[intent.ID] = copyIntent(intent)
	m.stamp(intent.ID)
	return nil
}

func (m *Memory) GetIntentByCorrelation(ctx context.Context, correlationID string) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, intent := range m.st.intents {
		if intent.CorrelationID == correlationID {
			return copyIntent(intent), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.st.intents[intent.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = intent.Status
	cur.TxHash = copyStr(intent.TxHash)
	cur.FailureReason = copyStr(intent.FailureReason)
	cur.PaymentID = copyStr(intent.PaymentID)
	cur.UpdatedAt = intent.UpdatedAt
	return nil
}

func (m *Memory) ExpireIntents(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, intent := range m.st.intents {
		if intent.Status == models.IntentAwaitingSignature && intent.ExpiresAt.Before(now) {
			intent.Status = models.IntentExpired
			intent.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListIntents(ctx context.Context, statuses []models.IntentStatus, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[models.IntentStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []*models.PaymentIntent
	for _, intent := range m.st.intents {
		if want[intent.Status] && intent.UpdatedAt.Before(updatedBefore) {
			out = append(out, copyIntent(intent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetSubject(ctx context.Context, ref string) (*models.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.st.subjects[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return copySubject(s), nil
}

func (m *Memory) UpsertSubject(ctx context.Context, s *models.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.subjects[s.Ref] = copySubject(s)
	return nil
}

func (m *Memory) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

func (m *Memory) PaymentsByPayer(ctx context.Context, payerID string) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.st.payments {
		if p.PayerID == payerID {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.st.order[out[i].ID] > m.st.order[out[j].ID] })
	return out, nil
}

func (m *Memory) OrdersBySeller(ctx context.Context, sellerID string) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterOrders(func(o *models.Order) bool { return o.SellerID == sellerID }), nil
}

func (m *Memory) UnclaimedOrders(ctx context.Context, sellerID string, currency models.Currency) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterOrders(func(o *models.Order) bool {
		return o.SellerID == sellerID && o.Currency == currency && o.Status == models.OrderCompleted && !o.Claimed
	}), nil
}

func (m *Memory) ClaimsBySeller(ctx context.Context, sellerID string) ([]*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Claim
	for _, c := range m.st.claims {
		if c.SellerID == sellerID {
			out = append(out, copyClaim(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.st.order[out[i].ID] > m.st.order[out[j].ID] })
	return out, nil
}

func (m *Memory) EarningsBySeller(ctx context.Context, sellerID string) (map[models.Currency]models.CurrencyTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[models.Currency]models.CurrencyTotals{}
	for _, o := range m.st.orders {
		if o.SellerID != sellerID || o.Status != models.OrderCompleted {
			continue
		}
		t, ok := out[o.Currency]
		if !ok {
			t = models.CurrencyTotals{Total: decimal.Zero, Unclaimed: decimal.Zero, Claimed: decimal.Zero}
		}
		t.Total = t.Total.Add(o.Amount)
		if o.Claimed {
			t.Claimed = t.Claimed.Add(o.Amount)
		} else {
			t.Unclaimed = t.Unclaimed.Add(o.Amount)
		}
		out[o.Currency] = t
	}
	return out, nil
}

func (m *Memory) ListPendingClaims(ctx context.Context, createdBefore time.Time) ([]*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Claim
	for _, c := range m.st.claims {
		if c.Status == models.ClaimPending && c.CreatedAt.Before(createdBefore) {
			out = append(out, copyClaim(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.st.order[out[i].ID] < m.st.order[out[j].ID] })
	return out, nil
}

// filterOrders returns copies in insertion order. Caller holds mu.
func (m *Memory) filterOrders(keep func(*models.Order) bool) []*models.Order {
	var out []*models.Order
	for _, o := range m.st.orders {
		if keep(o) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.st.order[out[i].ID] < m.st.order[out[j].ID] })
	return out
}

func (m *Memory) stamp(id string) {
	m.seq++
	m.st.order[id] = m.seq
}

// memTx runs with Memory.mu held.
type memTx struct {
	m *Memory
}

func (t *memTx) PaymentByTxHash(ctx context.Context, currency models.Currency, txHash string) (*models.Payment, error) {
	for _, p := range t.m.st.payments {
		if p.Currency == currency && p.TxHash == txHash {
			return copyPayment(p), nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	for _, existing := range t.m.st.payments {
		if existing.Currency == p.Currency && existing.TxHash == p.TxHash {
			return ErrDuplicate
		}
	}
	if _, ok := t.m.st.payments[p.ID]; ok {
		return ErrDuplicate
	}
	t.m.st.payments[p.ID] = copyPayment(p)
	t.m.stamp(p.ID)
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *models.Order) error {
	if _, ok := t.m.st.orders[o.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range t.m.st.orders {
		if existing.PaymentID == o.PaymentID {
			return ErrDuplicate
		}
	}
	t.m.st.orders[o.ID] = copyOrder(o)
	t.m.stamp(o.ID)
	return nil
}

func (t *memTx) PaymentForUpdate(ctx context.Context, id string) (*models.Payment, error) {
	p, ok := t.m.st.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

func (t *memTx) RebindPayment(ctx context.Context, id, subjectRef string, at time.Time) (bool, error) {
	p, ok := t.m.st.payments[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Bound {
		return false, nil
	}
	ref := subjectRef
	p.SubjectRef = &ref
	p.Bound = true
	p.ReboundAt = &at
	return true, nil
}

func (t *memTx) SubjectForUpdate(ctx context.Context, ref string) (*models.Subject, error) {
	s, ok := t.m.st.subjects[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return copySubject(s), nil
}

func (t *memTx) SetSubjectStatus(ctx context.Context, ref string, status models.SubjectStatus) error {
	s, ok := t.m.st.subjects[ref]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) SetBoost(ctx context.Context, ref string, keywords []string, expiresAt time.Time) error {
	s, ok := t.m.st.subjects[ref]
	if !ok {
		return ErrNotFound
	}
	s.BoostKeywords = append([]string(nil), keywords...)
	exp := expiresAt
	s.BoostExpiresAt = &exp
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) ReserveOrders(ctx context.Context, sellerID string, currency models.Currency, claimID string) ([]*models.Order, error) {
	orders := t.m.filterOrders(func(o *models.Order) bool {
		return o.SellerID == sellerID && o.Currency == currency && o.Status == models.OrderCompleted &&
			!o.Claimed && o.ClaimID == nil
	})
	for _, o := range orders {
		id := claimID
		t.m.st.orders[o.ID].ClaimID = &id
		o.ClaimID = &claimID
	}
	return orders, nil
}

func (t *memTx) InsertClaim(ctx context.Context, c *models.Claim) error {
	if _, ok := t.m.st.claims[c.ID]; ok {
		return ErrDuplicate
	}
	t.m.st.claims[c.ID] = copyClaim(c)
	t.m.stamp(c.ID)
	return nil
}

func (t *memTx) CompleteClaim(ctx context.Context, claimID, txHash string, at time.Time) (int64, error) {
	var n int64
	for _, o := range t.m.st.orders {
		if o.ClaimID != nil && *o.ClaimID == claimID && !o.Claimed {
			hash, ts := txHash, at
			o.Claimed = true
			o.ClaimedAt = &ts
			o.ClaimTxHash = &hash
			n++
		}
	}
	if c, ok := t.m.st.claims[claimID]; ok && c.Status == models.ClaimPending {
		hash, ts := txHash, at
		c.Status = models.ClaimCompleted
		c.TxHash = &hash
		c.CompletedAt = &ts
	}
	return n, nil
}

func (t *memTx) SetClaimTxHash(ctx context.Context, claimID, txHash string) (bool, error) {
	c, ok := t.m.st.claims[claimID]
	if !ok || c.Status != models.ClaimPending {
		return false, nil
	}
	hash := txHash
	c.TxHash = &hash
	return true, nil
}

func (t *memTx) ReleaseClaim(ctx context.Context, claimID string) error {
	for _, o := range t.m.st.orders {
		if o.ClaimID != nil && *o.ClaimID == claimID && !o.Claimed {
			o.ClaimID = nil
		}
	}
	if c, ok := t.m.st.claims[claimID]; ok && c.Status == models.ClaimPending {
		delete(t.m.st.claims, claimID)
		delete(t.m.st.order, claimID)
	}
	return nil
}

func (s memState) clone() memState {
	out := memState{
		intents:  make(map[string]*models.PaymentIntent, len(s.intents)),
		payments: make(map[string]*models.Payment, len(s.payments)),
		orders:   make(map[string]*models.Order, len(s.orders)),
		claims:   make(map[string]*models.Claim, len(s.claims)),
		subjects: make(map[string]*models.Subject, len(s.subjects)),
		order:    make(map[string]int64, len(s.order)),
	}
	for k, v := range s.intents {
		out.intents[k] = copyIntent(v)
	}
	for k, v := range s.payments {
		out.payments[k] = copyPayment(v)
	}
	for k, v := range s.orders {
		out.orders[k] = copyOrder(v)
	}
	for k, v := range s.claims {
		out.claims[k] = copyClaim(v)
	}
	for k, v := range s.subjects {
		out.subjects[k] = copySubject(v)
	}
	for k, v := range s.order {
		out.order[k] = v
	}
	return out
}

func copyIntent(v *models.PaymentIntent) *models.PaymentIntent {
	c := *v
	c.Keywords = append([]string(nil), v.Keywords...)
	c.TxHash = copyStr(v.TxHash)
	c.FailureReason = copyStr(v.FailureReason)
	c.PaymentID = copyStr(v.PaymentID)
	return &c
}

func copyPayment(v *models.Payment) *models.Payment {
	c := *v
	c.SubjectRef = copyStr(v.SubjectRef)
	c.ReboundAt = copyTime(v.ReboundAt)
	return &c
}

func copyOrder(v *models.Order) *models.Order {
	c := *v
	c.ClaimedAt = copyTime(v.ClaimedAt)
	c.ClaimTxHash = copyStr(v.ClaimTxHash)
	c.ClaimID = copyStr(v.ClaimID)
	return &c
}

func copyClaim(v *models.Claim) *models.Claim {
	c := *v
	c.OrderIDs = append([]string(nil), v.OrderIDs...)
	c.TxHash = copyStr(v.TxHash)
	c.CompletedAt = copyTime(v.CompletedAt)
	return &c
}

func copySubject(v *models.Subject) *models.Subject {
	c := *v
	c.BoostKeywords = append([]string(nil), v.BoostKeywords...)
	c.BoostExpiresAt = copyTime(v.BoostExpiresAt)
	return &c
}

func copyStr(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

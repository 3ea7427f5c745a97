package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CampusPay/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Postgres is the Ledger backed by a pgx pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

var _ Ledger = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

func (s *Postgres) InTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

const intentColumns = `id, correlation_id, payer_id, purpose, subject_ref, keywords,
	currency, required_amount::text, status, tx_hash, failure_reason, payment_id,
	price_snapshot::text, expires_at, created_at, updated_at`

func (s *Postgres) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	snapshot := intent.PriceSnapshot
	if snapshot == "" {
		snapshot = "{}"
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_intents (
			id, correlation_id, payer_id, purpose, subject_ref, keywords,
			currency, required_amount, status, price_snapshot,
			expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8::numeric,$9,$10::jsonb,$11,$12,$13)
	`,
		intent.ID,
		intent.CorrelationID,
		intent.PayerID,
		string(intent.Purpose),
		intent.SubjectRef,
		nonNil(intent.Keywords),
		string(intent.Currency),
		intent.RequiredAmount.String(),
		string(intent.Status),
		snapshot,
		intent.ExpiresAt,
		intent.CreatedAt,
		intent.UpdatedAt,
	)
	return mapErr(err)
}

func (s *Postgres) GetIntentByCorrelation(ctx context.Context, correlationID string) (*models.PaymentIntent, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE correlation_id=$1`, correlationID)
	intent, err := scanIntent(row)
	if err != nil {
		return nil, mapErr(err)
	}
	return intent, nil
}

func (s *Postgres) UpdateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE payment_intents
		SET status=$2, tx_hash=$3, failure_reason=$4, payment_id=$5, updated_at=$6
		WHERE id=$1
	`,
		intent.ID,
		string(intent.Status),
		intent.TxHash,
		intent.FailureReason,
		intent.PaymentID,
		intent.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ExpireIntents(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE payment_intents
		SET status='expired', updated_at=$1
		WHERE status='awaiting_signature' AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ListIntents(ctx context.Context, statuses []models.IntentStatus, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+intentColumns+`
		FROM payment_intents
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, names, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

const subjectColumns = `ref, seller_id, price::text, status, boost_keywords, boost_expires_at, updated_at`

func (s *Postgres) GetSubject(ctx context.Context, ref string) (*models.Subject, error) {
	subject, err := scanSubject(s.Pool.QueryRow(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE ref=$1`, ref))
	if err != nil {
		return nil, mapErr(err)
	}
	return subject, nil
}

func (s *Postgres) UpsertSubject(ctx context.Context, subject *models.Subject) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO subjects (ref, seller_id, price, status, boost_keywords, boost_expires_at, updated_at)
		VALUES ($1,$2,$3::numeric,$4,$5,$6,$7)
		ON CONFLICT (ref) DO UPDATE SET
			seller_id=EXCLUDED.seller_id,
			price=EXCLUDED.price,
			status=EXCLUDED.status,
			boost_keywords=EXCLUDED.boost_keywords,
			boost_expires_at=EXCLUDED.boost_expires_at,
			updated_at=EXCLUDED.updated_at
	`,
		subject.Ref,
		subject.SellerID,
		subject.Price.String(),
		string(subject.Status),
		nonNil(subject.BoostKeywords),
		subject.BoostExpiresAt,
		subject.UpdatedAt,
	)
	return err
}

const paymentColumns = `id, intent_id, payer_id, subject_ref, bound, amount::text, currency,
	purpose, tx_hash, from_address, verified, created_at, rebound_at`

func (s *Postgres) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	p, err := scanPayment(s.Pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

func (s *Postgres) PaymentsByPayer(ctx context.Context, payerID string) ([]*models.Payment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments WHERE payer_id=$1
		ORDER BY created_at DESC
	`, payerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const orderColumns = `id, payment_id, buyer_id, seller_id, subject_ref, amount::text, currency,
	status, claimed, claimed_at, claim_tx_hash, claim_id, created_at`

func (s *Postgres) OrdersBySeller(ctx context.Context, sellerID string) ([]*models.Order, error) {
	return queryOrders(ctx, s.Pool, `
		SELECT `+orderColumns+`
		FROM orders WHERE seller_id=$1
		ORDER BY created_at
	`, sellerID)
}

func (s *Postgres) UnclaimedOrders(ctx context.Context, sellerID string, currency models.Currency) ([]*models.Order, error) {
	return queryOrders(ctx, s.Pool, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE seller_id=$1 AND currency=$2 AND status='completed' AND NOT claimed
		ORDER BY created_at
	`, sellerID, string(currency))
}

const claimColumns = `id, seller_id, currency, wallet_address, amount::text, order_ids,
	tx_hash, status, created_at, completed_at`

func (s *Postgres) ClaimsBySeller(ctx context.Context, sellerID string) ([]*models.Claim, error) {
	return s.queryClaims(ctx, `
		SELECT `+claimColumns+`
		FROM claims WHERE seller_id=$1
		ORDER BY created_at DESC
	`, sellerID)
}

func (s *Postgres) ListPendingClaims(ctx context.Context, createdBefore time.Time) ([]*models.Claim, error) {
	return s.queryClaims(ctx, `
		SELECT `+claimColumns+`
		FROM claims WHERE status='pending' AND created_at < $1
		ORDER BY created_at
	`, createdBefore)
}

func (s *Postgres) EarningsBySeller(ctx context.Context, sellerID string) (map[models.Currency]models.CurrencyTotals, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT currency,
			COALESCE(SUM(amount), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE NOT claimed), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE claimed), 0)::text
		FROM orders
		WHERE seller_id=$1 AND status='completed'
		GROUP BY currency
	`, sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[models.Currency]models.CurrencyTotals{}
	for rows.Next() {
		var cur, total, unclaimed, claimed string
		if err := rows.Scan(&cur, &total, &unclaimed, &claimed); err != nil {
			return nil, err
		}
		var t models.CurrencyTotals
		if t.Total, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		if t.Unclaimed, err = decimal.NewFromString(unclaimed); err != nil {
			return nil, err
		}
		if t.Claimed, err = decimal.NewFromString(claimed); err != nil {
			return nil, err
		}
		out[models.Currency(cur)] = t
	}
	return out, rows.Err()
}

func (s *Postgres) queryClaims(ctx context.Context, query string, args ...any) ([]*models.Claim, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type pgTx struct {
	q querier
}

func (t *pgTx) PaymentByTxHash(ctx context.Context, currency models.Currency, txHash string) (*models.Payment, error) {
	p, err := scanPayment(t.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments WHERE currency=$1 AND tx_hash=$2
	`, string(currency), txHash))
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO payments (
			id, intent_id, payer_id, subject_ref, bound, amount, currency,
			purpose, tx_hash, from_address, verified, created_at
		) VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (currency, tx_hash) DO NOTHING
	`,
		p.ID,
		p.IntentID,
		p.PayerID,
		p.SubjectRef,
		p.Bound,
		p.Amount.String(),
		string(p.Currency),
		string(p.Purpose),
		p.TxHash,
		p.FromAddress,
		p.Verified,
		p.CreatedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO orders (
			id, payment_id, buyer_id, seller_id, subject_ref, amount,
			currency, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9)
	`,
		o.ID,
		o.PaymentID,
		o.BuyerID,
		o.SellerID,
		o.SubjectRef,
		o.Amount.String(),
		string(o.Currency),
		string(o.Status),
		o.CreatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) PaymentForUpdate(ctx context.Context, id string) (*models.Payment, error) {
	p, err := scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

func (t *pgTx) RebindPayment(ctx context.Context, id, subjectRef string, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE payments
		SET subject_ref=$2, bound=true, rebound_at=$3
		WHERE id=$1 AND NOT bound
	`, id, subjectRef, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) SubjectForUpdate(ctx context.Context, ref string) (*models.Subject, error) {
	subject, err := scanSubject(t.q.QueryRow(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE ref=$1 FOR UPDATE`, ref))
	if err != nil {
		return nil, mapErr(err)
	}
	return subject, nil
}

func (t *pgTx) SetSubjectStatus(ctx context.Context, ref string, status models.SubjectStatus) error {
	tag, err := t.q.Exec(ctx, `UPDATE subjects SET status=$2, updated_at=now() WHERE ref=$1`, ref, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SetBoost(ctx context.Context, ref string, keywords []string, expiresAt time.Time) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE subjects
		SET boost_keywords=$2, boost_expires_at=$3, updated_at=now()
		WHERE ref=$1
	`, ref, nonNil(keywords), expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ReserveOrders(ctx context.Context, sellerID string, currency models.Currency, claimID string) ([]*models.Order, error) {
	return queryOrders(ctx, t.q, `
		UPDATE orders SET claim_id=$3
		WHERE id IN (
			SELECT id FROM orders
			WHERE seller_id=$1 AND currency=$2 AND status='completed'
				AND NOT claimed AND claim_id IS NULL
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+orderColumns,
		sellerID, string(currency), claimID)
}

func (t *pgTx) InsertClaim(ctx context.Context, c *models.Claim) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO claims (
			id, seller_id, currency, wallet_address, amount, order_ids,
			tx_hash, status, created_at, completed_at
		) VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9,$10)
	`,
		c.ID,
		c.SellerID,
		string(c.Currency),
		c.WalletAddress,
		c.Amount.String(),
		nonNil(c.OrderIDs),
		c.TxHash,
		string(c.Status),
		c.CreatedAt,
		c.CompletedAt,
	)
	return mapErr(err)
}

func (t *pgTx) CompleteClaim(ctx context.Context, claimID, txHash string, at time.Time) (int64, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE orders
		SET claimed=true, claimed_at=$3, claim_tx_hash=$2
		WHERE claim_id=$1 AND NOT claimed
	`, claimID, txHash, at)
	if err != nil {
		return 0, err
	}
	if _, err := t.q.Exec(ctx, `
		UPDATE claims
		SET status='completed', tx_hash=$2, completed_at=$3
		WHERE id=$1 AND status='pending'
	`, claimID, txHash, at); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) SetClaimTxHash(ctx context.Context, claimID, txHash string) (bool, error) {
	tag, err := t.q.Exec(ctx, `UPDATE claims SET tx_hash=$2 WHERE id=$1 AND status='pending'`, claimID, txHash)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ReleaseClaim(ctx context.Context, claimID string) error {
	if _, err := t.q.Exec(ctx, `UPDATE orders SET claim_id=NULL WHERE claim_id=$1 AND NOT claimed`, claimID); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx, `DELETE FROM claims WHERE id=$1 AND status='pending'`, claimID)
	return err
}

func queryOrders(ctx context.Context, q querier, query string, args ...any) ([]*models.Order, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanIntent(row scanner) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	var purpose, currency, status, amount string
	var subjectRef, txHash, failure, paymentID sql.NullString

	err := row.Scan(
		&intent.ID,
		&intent.CorrelationID,
		&intent.PayerID,
		&purpose,
		&subjectRef,
		&intent.Keywords,
		&currency,
		&amount,
		&status,
		&txHash,
		&failure,
		&paymentID,
		&intent.PriceSnapshot,
		&intent.ExpiresAt,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if intent.RequiredAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("intent %s amount: %w", intent.ID, err)
	}
	intent.Purpose = models.Purpose(purpose)
	intent.Currency = models.Currency(currency)
	intent.Status = models.IntentStatus(status)
	intent.SubjectRef = subjectRef.String
	intent.TxHash = nullString(txHash)
	intent.FailureReason = nullString(failure)
	intent.PaymentID = nullString(paymentID)
	return &intent, nil
}

func scanSubject(row scanner) (*models.Subject, error) {
	var subject models.Subject
	var price, status string
	var expires sql.NullTime
	err := row.Scan(
		&subject.Ref,
		&subject.SellerID,
		&price,
		&status,
		&subject.BoostKeywords,
		&expires,
		&subject.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if subject.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("subject %s price: %w", subject.Ref, err)
	}
	subject.Status = models.SubjectStatus(status)
	if expires.Valid {
		subject.BoostExpiresAt = &expires.Time
	}
	return &subject, nil
}

func scanPayment(row scanner) (*models.Payment, error) {
	var p models.Payment
	var amount, currency, purpose string
	var subjectRef sql.NullString
	var rebound sql.NullTime
	err := row.Scan(
		&p.ID,
		&p.IntentID,
		&p.PayerID,
		&subjectRef,
		&p.Bound,
		&amount,
		&currency,
		&purpose,
		&p.TxHash,
		&p.FromAddress,
		&p.Verified,
		&p.CreatedAt,
		&rebound,
	)
	if err != nil {
		return nil, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payment %s amount: %w", p.ID, err)
	}
	p.Currency = models.Currency(currency)
	p.Purpose = models.Purpose(purpose)
	p.SubjectRef = nullString(subjectRef)
	if rebound.Valid {
		p.ReboundAt = &rebound.Time
	}
	return &p, nil
}

func scanOrder(row scanner) (*models.Order, error) {
	var o models.Order
	var amount, currency, status string
	var claimedAt sql.NullTime
	var claimTx, claimID sql.NullString
	err := row.Scan(
		&o.ID,
		&o.PaymentID,
		&o.BuyerID,
		&o.SellerID,
		&o.SubjectRef,
		&amount,
		&currency,
		&status,
		&o.Claimed,
		&claimedAt,
		&claimTx,
		&claimID,
		&o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("order %s amount: %w", o.ID, err)
	}
	o.Currency = models.Currency(currency)
	o.Status = models.OrderStatus(status)
	if claimedAt.Valid {
		o.ClaimedAt = &claimedAt.Time
	}
	o.ClaimTxHash = nullString(claimTx)
	o.ClaimID = nullString(claimID)
	return &o, nil
}

func scanClaim(row scanner) (*models.Claim, error) {
	var c models.Claim
	var amount, currency, status string
	var txHash sql.NullString
	var completed sql.NullTime
	err := row.Scan(
		&c.ID,
		&c.SellerID,
		&currency,
		&c.WalletAddress,
		&amount,
		&c.OrderIDs,
		&txHash,
		&status,
		&c.CreatedAt,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	if c.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("claim %s amount: %w", c.ID, err)
	}
	c.Currency = models.Currency(currency)
	c.Status = models.ClaimStatus(status)
	c.TxHash = nullString(txHash)
	if completed.Valid {
		c.CompletedAt = &completed.Time
	}
	return &c, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// Package chaintest provides an in-memory chain.Client for service tests.
package chaintest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"CampusPay/internal/apperr"
	"CampusPay/internal/chain"
	"CampusPay/internal/models"

	"github.com/shopspring/decimal"
)

// Payout is a recorded custody payout.
type Payout struct {
	To     string
	Amount decimal.Decimal
	TxHash string
}

// Client records transfers and payouts in memory. Addresses are valid when
// they start with AddressPrefix.
type Client struct {
	Cur           models.Currency
	Custody       string
	AddressPrefix string

	// PayoutErr, when set, fails every payout.
	PayoutErr error
	// PayoutDelay slows payouts to widen race windows in tests.
	PayoutDelay time.Duration
	// PayoutSendErr, when set, makes payouts behave like a broadcast whose
	// acknowledgement was lost: the hash comes back with ErrPayoutUnconfirmed.
	// The payout still lands unless DropPayouts is set.
	PayoutSendErr error
	DropPayouts   bool

	mu        sync.Mutex
	transfers map[string]*chain.Transfer
	errs      map[string][]error
	payouts   []Payout
	sent      int
	verifies  int
}

var _ chain.Client = (*Client)(nil)

func New(cur models.Currency, custody string) *Client {
	prefix := "0x"
	if cur == models.CurrencySOL {
		prefix = "sol"
	}
	return &Client{
		Cur:           cur,
		Custody:       custody,
		AddressPrefix: prefix,
		transfers:     map[string]*chain.Transfer{},
		errs:          map[string][]error{},
	}
}

// AddTransfer registers a finalized transfer to custody and returns its hash.
func (c *Client) AddTransfer(from string, amount decimal.Decimal, memo string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := fakeHash(from, amount.String(), memo, len(c.transfers))
	c.transfers[hash] = &chain.Transfer{
		TxHash:    hash,
		From:      from,
		To:        c.Custody,
		Amount:    amount,
		Memo:      memo,
		Finalized: true,
		Success:   true,
	}
	return hash
}

// SetTransfer registers an arbitrary transfer under hash.
func (c *Client) SetTransfer(hash string, t chain.Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.TxHash = hash
	c.transfers[hash] = &t
}

// FailVerify queues errors returned by the next VerifyTransaction calls for hash.
func (c *Client) FailVerify(hash string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[hash] = append(c.errs[hash], errs...)
}

func (c *Client) Payouts() []Payout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Payout(nil), c.payouts...)
}

func (c *Client) VerifyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifies
}

func (c *Client) Currency() models.Currency { return c.Cur }

func (c *Client) CustodyAddress() string { return c.Custody }

func (c *Client) ValidateAddress(addr string) error {
	if len(addr) <= len(c.AddressPrefix) || !strings.HasPrefix(addr, c.AddressPrefix) {
		return apperr.ErrInvalidAddress
	}
	return nil
}

func (c *Client) NormalizeTxHash(hash string) (string, error) {
	h := strings.TrimSpace(hash)
	if h == "" {
		return "", apperr.Invalid("malformed transaction hash")
	}
	return h, nil
}

func (c *Client) SendNativeTransfer(ctx context.Context, w chain.Wallet, to string, amount decimal.Decimal, tag string) (string, error) {
	if w == nil || w.Address() == "" {
		return "", apperr.ErrWalletNotConnected
	}
	if _, err := w.Sign(ctx, &chain.UnsignedTransfer{Currency: c.Cur, From: w.Address(), To: to, Amount: amount, Tag: tag}); err != nil {
		if errors.Is(err, chain.ErrUserRejected) {
			return "", apperr.Wrap(apperr.ErrUserRejected, err)
		}
		return "", apperr.Wrap(apperr.ErrWalletNetwork, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := fakeHash(w.Address(), amount.String(), tag, len(c.transfers))
	c.transfers[hash] = &chain.Transfer{TxHash: hash, From: w.Address(), To: to, Amount: amount, Memo: tag, Finalized: true, Success: true}
	return hash, nil
}

func (c *Client) VerifyTransaction(ctx context.Context, txHash string) (*chain.Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifies++
	if queued := c.errs[txHash]; len(queued) > 0 {
		c.errs[txHash] = queued[1:]
		return nil, queued[0]
	}
	t, ok := c.transfers[txHash]
	if !ok {
		return nil, apperr.ErrTxNotFound
	}
	cp := *t
	return &cp, nil
}

func (c *Client) Payout(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if err := c.ValidateAddress(to); err != nil {
		return "", err
	}
	if c.PayoutDelay > 0 {
		select {
		case <-time.After(c.PayoutDelay):
		case <-ctx.Done():
			return "", apperr.Wrap(apperr.ErrPayoutNetwork, ctx.Err())
		}
	}
	if c.PayoutErr != nil {
		return "", c.PayoutErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	hash := fakeHash("payout", to, amount.String(), c.sent)
	if c.PayoutSendErr != nil && c.DropPayouts {
		return hash, apperr.Wrap(apperr.ErrPayoutUnconfirmed, c.PayoutSendErr)
	}
	c.payouts = append(c.payouts, Payout{To: to, Amount: amount, TxHash: hash})
	c.transfers[hash] = &chain.Transfer{TxHash: hash, From: c.Custody, To: to, Amount: amount, Finalized: true, Success: true}
	if c.PayoutSendErr != nil {
		return hash, apperr.Wrap(apperr.ErrPayoutUnconfirmed, c.PayoutSendErr)
	}
	return hash, nil
}

func (c *Client) Ping(context.Context) error { return nil }

func fakeHash(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			h.Write([]byte(v))
		case int:
			h.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
		}
		h.Write([]byte{0})
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

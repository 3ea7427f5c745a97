package payments

import (
	"fmt"
	"strings"

	"CampusPay/internal/apperr"
	"CampusPay/internal/chain"
	"CampusPay/internal/models"

	"github.com/shopspring/decimal"
)

// Match checks that a finalized transfer pays the intent: it must reach the
// custody address, carry the intent's correlation id and cover the required
// amount. Overpayment is accepted.
func Match(t *chain.Transfer, intent *models.PaymentIntent, custody string) error {
	if t == nil {
		return apperr.ErrTxNotFound
	}
	if !t.Success {
		return apperr.ErrTxReverted
	}
	if !t.Finalized {
		return apperr.ErrTxNotFinal
	}
	if !SameAddress(intent.Currency, t.To, custody) {
		return mismatch("recipient %s is not the custody address", t.To)
	}
	if strings.TrimSpace(t.Memo) != intent.CorrelationID {
		return mismatch("memo %q does not carry correlation id", t.Memo)
	}
	if CompareAmount(t.Amount, intent.RequiredAmount) < 0 {
		return mismatch("paid %s %s, required %s", t.Amount, intent.Currency, intent.RequiredAmount)
	}
	return nil
}

// SameAddress compares addresses the way each chain treats them: EVM hex is
// case-insensitive, Solana base58 is not.
func SameAddress(cur models.Currency, a, b string) bool {
	if cur == models.CurrencyETH {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func CompareAmount(a, b decimal.Decimal) int {
	return a.Cmp(b)
}

func mismatch(format string, args ...any) error {
	return apperr.Wrap(apperr.ErrTxMismatch, fmt.Errorf(format, args...))
}

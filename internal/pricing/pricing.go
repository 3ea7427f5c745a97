package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"CampusPay/internal/models"

	"github.com/shopspring/decimal"
)

type Direction int

const (
	ETHToSOL Direction = iota
	SOLToETH
)

// ConvertWithRate converts amount using rate (1 ETH = rate SOL).
func ConvertWithRate(amount, rate decimal.Decimal, dir Direction) decimal.Decimal {
	if rate.Sign() <= 0 {
		return decimal.Zero
	}
	switch dir {
	case ETHToSOL:
		return amount.Mul(rate)
	default:
		return amount.DivRound(rate, 36)
	}
}

// CatalogUSD prices the catalog in fiat; any other value names a chain currency.
const CatalogUSD = "USD"

var (
	ErrNoPrice          = errors.New("subject has no price")
	ErrUnsupportedQuote = errors.New("unsupported pricing currency")
)

type Quoter interface {
	Snapshot(ctx context.Context) Snapshot
}

// Service computes the amount an intent must pay. Fees and catalog prices
// are denominated in CatalogCurrency.
type Service struct {
	Oracle          Quoter
	CatalogCurrency string
	ListingFee      decimal.Decimal
	BoostBaseFee    decimal.Decimal
	BoostPerKeyword decimal.Decimal
	BoostDuration   time.Duration
}

func (s Service) Required(ctx context.Context, purpose models.Purpose, subject *models.Subject, keywords []string, currency models.Currency) (decimal.Decimal, Snapshot, error) {
	var base decimal.Decimal
	switch purpose {
	case models.PurposeListingFee:
		base = s.ListingFee
	case models.PurposeBoost:
		n := int64(len(NormalizeKeywords(keywords)))
		base = s.BoostBaseFee.Add(s.BoostPerKeyword.Mul(decimal.NewFromInt(n)))
	case models.PurposePurchase:
		if subject == nil || subject.Price.Sign() <= 0 {
			return decimal.Zero, Snapshot{}, ErrNoPrice
		}
		base = subject.Price
	default:
		return decimal.Zero, Snapshot{}, errors.New("unknown purpose")
	}

	snap := s.Oracle.Snapshot(ctx)
	amount, err := convertTo(base, strings.ToUpper(s.CatalogCurrency), currency, snap)
	if err != nil {
		return decimal.Zero, snap, err
	}
	return currency.Round(amount), snap, nil
}

func convertTo(amount decimal.Decimal, from string, to models.Currency, snap Snapshot) (decimal.Decimal, error) {
	if from == string(to) {
		return amount, nil
	}
	switch from {
	case CatalogUSD:
		quote := snap.ETHUSD
		if to == models.CurrencySOL {
			quote = snap.SOLUSD
		}
		if quote.Sign() <= 0 {
			return decimal.Zero, ErrUnsupportedQuote
		}
		return amount.DivRound(quote, 36), nil
	case string(models.CurrencyETH):
		return ConvertWithRate(amount, snap.Rate(), ETHToSOL), nil
	case string(models.CurrencySOL):
		return ConvertWithRate(amount, snap.Rate(), SOLToETH), nil
	}
	return decimal.Zero, ErrUnsupportedQuote
}

// NormalizeKeywords trims, lower-cases and de-duplicates keywords while
// keeping first-seen order.
func NormalizeKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// MergeKeywords appends add to existing without duplicates.
func MergeKeywords(existing, add []string) []string {
	all := make([]string, 0, len(existing)+len(add))
	all = append(all, existing...)
	all = append(all, add...)
	return NormalizeKeywords(all)
}

// BoostExpiry extends an existing expiry so it never moves backwards.
func BoostExpiry(existing *time.Time, now time.Time, d time.Duration) time.Time {
	next := now.Add(d)
	if existing != nil && existing.After(next) {
		return *existing
	}
	return next
}

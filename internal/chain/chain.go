// Package chain holds the per-chain adapters. Incoming payments are signed by
// a caller-held Wallet; only payouts use the platform custody key, and only
// code in this package ever touches that key.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"CampusPay/internal/apperr"
	"CampusPay/internal/models"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// ErrUserRejected is returned by a Wallet when the user declines to sign.
var ErrUserRejected = errors.New("user rejected signature")

type Client interface {
	Currency() models.Currency
	CustodyAddress() string
	ValidateAddress(addr string) error
	NormalizeTxHash(hash string) (string, error)
	SendNativeTransfer(ctx context.Context, w Wallet, to string, amount decimal.Decimal, tag string) (string, error)
	VerifyTransaction(ctx context.Context, txHash string) (*Transfer, error)
	Payout(ctx context.Context, to string, amount decimal.Decimal) (string, error)
	Ping(ctx context.Context) error
}

// Transfer is a native transfer observed on chain.
type Transfer struct {
	TxHash    string
	From      string
	To        string
	Amount    decimal.Decimal
	Memo      string
	Finalized bool
	Success   bool
}

// UnsignedTransfer is handed to a Wallet for signing. Exactly one of EVM or
// Solana is set, matching Currency.
type UnsignedTransfer struct {
	Currency   models.Currency
	From       string
	To         string
	Amount     decimal.Decimal
	Tag        string
	EVM        *types.Transaction
	EVMChainID *big.Int
	Solana     *solana.Transaction
}

// Wallet is the payer's signing capability. Sign returns the serialized
// signed transaction; the service never sees the key behind it.
type Wallet interface {
	Address() string
	Sign(ctx context.Context, tx *UnsignedTransfer) ([]byte, error)
}

type Registry map[models.Currency]Client

func NewRegistry(clients ...Client) Registry {
	r := make(Registry, len(clients))
	for _, c := range clients {
		r[c.Currency()] = c
	}
	return r
}

func (r Registry) For(c models.Currency) (Client, error) {
	client, ok := r[c]
	if !ok {
		return nil, apperr.Invalid(fmt.Sprintf("unsupported currency %q", c))
	}
	return client, nil
}

// ToBaseUnits converts a native amount into wei or lamports, truncating
// anything below one base unit.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

func walletError(base *apperr.Error, cause error) error {
	return apperr.Wrap(base, cause)
}

func signError(err error) error {
	if errors.Is(err, ErrUserRejected) {
		return walletError(apperr.ErrUserRejected, err)
	}
	return walletError(apperr.ErrWalletNetwork, err)
}

package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
)

// EVMKeyWallet signs with a locally held key. It backs the developer CLI
// and tests; production payers sign in their own wallet.
type EVMKeyWallet struct {
	key *ecdsa.PrivateKey
}

func NewEVMKeyWallet(hexKey string) (*EVMKeyWallet, error) {
	key, err := parsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &EVMKeyWallet{key: key}, nil
}

func EVMKeyWalletFrom(key *ecdsa.PrivateKey) *EVMKeyWallet {
	return &EVMKeyWallet{key: key}
}

func (w *EVMKeyWallet) Address() string {
	return crypto.PubkeyToAddress(w.key.PublicKey).Hex()
}

func (w *EVMKeyWallet) Sign(_ context.Context, t *UnsignedTransfer) ([]byte, error) {
	if t == nil || t.EVM == nil || t.EVMChainID == nil {
		return nil, errors.New("not an evm transfer")
	}
	signed, err := types.SignTx(t.EVM, types.NewEIP155Signer(t.EVMChainID), w.key)
	if err != nil {
		return nil, err
	}
	return signed.MarshalBinary()
}

type SolanaKeyWallet struct {
	key solana.PrivateKey
}

func NewSolanaKeyWallet(base58Key string) (*SolanaKeyWallet, error) {
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, err
	}
	return &SolanaKeyWallet{key: key}, nil
}

func (w *SolanaKeyWallet) Address() string {
	return w.key.PublicKey().String()
}

func (w *SolanaKeyWallet) Sign(_ context.Context, t *UnsignedTransfer) ([]byte, error) {
	if t == nil || t.Solana == nil {
		return nil, errors.New("not a solana transfer")
	}
	pub := w.key.PublicKey()
	if _, err := t.Solana.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(pub) {
			return &w.key
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return t.Solana.MarshalBinary()
}

// RejectingWallet declines every signature request.
type RejectingWallet struct {
	Addr string
}

func (w RejectingWallet) Address() string { return w.Addr }

func (w RejectingWallet) Sign(context.Context, *UnsignedTransfer) ([]byte, error) {
	return nil, ErrUserRejected
}

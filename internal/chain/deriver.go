package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultEVMPath is the first BIP-44 Ethereum account.
const DefaultEVMPath = "m/44'/60'/0'/0/0"

// DeriveEVMKey derives the custody signing key from a BIP-32 extended
// private key along path.
func DeriveEVMKey(xprv, path string) (*ecdsa.PrivateKey, error) {
	if xprv == "" {
		return nil, errors.New("xprv is not configured")
	}
	if path == "" {
		path = DefaultEVMPath
	}
	indexes, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	key, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return nil, err
	}
	if !key.IsPrivate() {
		return nil, errors.New("extended key is not private")
	}
	for _, idx := range indexes {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return crypto.ToECDSA(priv.Serialize())
}

func parsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSpace(path), "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("derivation path %q must start with m", path)
	}
	out := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
		p = strings.TrimRight(p, "'h")
		n, err := strconv.ParseUint(p, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("derivation path %q: %w", path, err)
		}
		idx := uint32(n)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		out = append(out, idx)
	}
	return out, nil
}

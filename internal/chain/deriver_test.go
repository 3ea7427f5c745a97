package chain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestDeriveEVMKey(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("master: %v", err)
	}
	xprv := master.String()

	k1, err := DeriveEVMKey(xprv, "")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := DeriveEVMKey(xprv, DefaultEVMPath)
	if err != nil {
		t.Fatalf("derive default: %v", err)
	}
	if crypto.PubkeyToAddress(k1.PublicKey) != crypto.PubkeyToAddress(k2.PublicKey) {
		t.Fatal("empty path must mean the default path")
	}
	k3, err := DeriveEVMKey(xprv, "m/44'/60'/0'/0/1")
	if err != nil {
		t.Fatalf("derive index 1: %v", err)
	}
	if crypto.PubkeyToAddress(k1.PublicKey) == crypto.PubkeyToAddress(k3.PublicKey) {
		t.Fatal("different paths must yield different keys")
	}

	xpub, err := master.Neuter()
	if err != nil {
		t.Fatalf("neuter: %v", err)
	}
	if _, err := DeriveEVMKey(xpub.String(), ""); err == nil {
		t.Fatal("expected error for public extended key")
	}
	if _, err := DeriveEVMKey(xprv, "44/60"); err == nil {
		t.Fatal("expected error for path without m")
	}
}

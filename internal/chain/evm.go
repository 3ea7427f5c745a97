package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"CampusPay/internal/apperr"
	"CampusPay/internal/metrics"
	"CampusPay/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const nativeTransferGas = 21000

var evmTxHashRe = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// EVMBackend is the subset of ethclient used here. *ethclient.Client and
// the simulated backend client both satisfy it.
type EVMBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type EVMConfig struct {
	ChainID           int64
	Endpoints         []string
	CustodyAddress    string
	CustodyKey        string
	CustodyXPrv       string
	CustodyPath       string
	ConfirmDepth      int
	FailoverThreshold int
}

type EVMClient struct {
	rpc          *Failover[EVMBackend]
	chainID      *big.Int
	custody      common.Address
	key          *ecdsa.PrivateKey
	confirmDepth uint64
	Metrics      *metrics.Registry

	// payouts share the custody nonce
	sendMu sync.Mutex
}

var _ Client = (*EVMClient)(nil)

func NewEVMClient(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	rpc, err := NewFailover(cfg.Endpoints, cfg.FailoverThreshold, func(ep string) (EVMBackend, error) {
		cli, err := ethclient.DialContext(ctx, ep)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		return cli, nil
	})
	if err != nil {
		return nil, err
	}
	return newEVMClient(rpc, cfg)
}

// NewEVMClientWithBackend wires a single pre-built backend.
func NewEVMClientWithBackend(backend EVMBackend, cfg EVMConfig) (*EVMClient, error) {
	rpc, err := NewFailover([]string{"backend"}, 1, func(string) (EVMBackend, error) { return backend, nil })
	if err != nil {
		return nil, err
	}
	return newEVMClient(rpc, cfg)
}

func newEVMClient(rpc *Failover[EVMBackend], cfg EVMConfig) (*EVMClient, error) {
	if cfg.ChainID <= 0 {
		return nil, errors.New("evm chain id is required")
	}
	c := &EVMClient{
		rpc:          rpc,
		chainID:      big.NewInt(cfg.ChainID),
		confirmDepth: uint64(max(cfg.ConfirmDepth, 0)),
	}

	switch {
	case cfg.CustodyKey != "":
		key, err := parsePrivateKey(cfg.CustodyKey)
		if err != nil {
			return nil, err
		}
		c.key = key
	case cfg.CustodyXPrv != "":
		key, err := DeriveEVMKey(cfg.CustodyXPrv, cfg.CustodyPath)
		if err != nil {
			return nil, fmt.Errorf("derive custody key: %w", err)
		}
		c.key = key
	}

	if c.key != nil {
		c.custody = crypto.PubkeyToAddress(c.key.PublicKey)
		if cfg.CustodyAddress != "" && !strings.EqualFold(cfg.CustodyAddress, c.custody.Hex()) {
			return nil, fmt.Errorf("custody address %s does not match custody key %s", cfg.CustodyAddress, c.custody.Hex())
		}
	} else {
		if !common.IsHexAddress(cfg.CustodyAddress) {
			return nil, errors.New("evm custody address is invalid")
		}
		c.custody = common.HexToAddress(cfg.CustodyAddress)
	}
	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EVMClient) Currency() models.Currency { return models.CurrencyETH }

func (c *EVMClient) CustodyAddress() string { return c.custody.Hex() }

func (c *EVMClient) ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return apperr.ErrInvalidAddress
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return apperr.ErrInvalidAddress
	}
	return nil
}

func (c *EVMClient) NormalizeTxHash(hash string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(hash))
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	if !evmTxHashRe.MatchString(h) {
		return "", apperr.Invalid("malformed transaction hash")
	}
	return h, nil
}

func (c *EVMClient) Ping(ctx context.Context) error {
	return c.do(ctx, "block_number", func(b EVMBackend) error {
		_, err := b.BlockNumber(ctx)
		return err
	})
}

func (c *EVMClient) do(ctx context.Context, op string, fn func(EVMBackend) error) error {
	start := time.Now()
	err := c.rpc.Do(ctx, fn, isEVMPermanent)
	c.Metrics.ObserveRPC("evm", op, time.Since(start))
	return err
}

func isEVMPermanent(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}

func (c *EVMClient) VerifyTransaction(ctx context.Context, txHash string) (*Transfer, error) {
	norm, err := c.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	hash := common.HexToHash(norm)

	var (
		tx      *types.Transaction
		pending bool
	)
	err = c.do(ctx, "tx_by_hash", func(b EVMBackend) error {
		var err error
		tx, pending, err = b.TransactionByHash(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, apperr.ErrTxNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrVerificationNetwork, err)
	}
	if pending {
		return nil, apperr.ErrTxNotFinal
	}

	var receipt *types.Receipt
	err = c.do(ctx, "tx_receipt", func(b EVMBackend) error {
		var err error
		receipt, err = b.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, apperr.ErrTxNotFinal
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrVerificationNetwork, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, apperr.ErrTxReverted
	}

	var head uint64
	err = c.do(ctx, "block_number", func(b EVMBackend) error {
		var err error
		head, err = b.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrVerificationNetwork, err)
	}
	if receipt.BlockNumber == nil || receipt.BlockNumber.Uint64()+c.confirmDepth > head {
		return nil, apperr.ErrTxNotFinal
	}

	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTxMismatch, err)
	}
	out := &Transfer{
		TxHash:    norm,
		From:      from.Hex(),
		Amount:    FromBaseUnits(tx.Value(), models.CurrencyETH.Decimals()),
		Finalized: true,
		Success:   true,
	}
	if tx.To() != nil {
		out.To = tx.To().Hex()
	}
	if data := tx.Data(); len(data) > 0 && utf8.Valid(data) {
		out.Memo = string(data)
	}
	return out, nil
}

func (c *EVMClient) SendNativeTransfer(ctx context.Context, w Wallet, to string, amount decimal.Decimal, tag string) (string, error) {
	if w == nil || w.Address() == "" || !common.IsHexAddress(w.Address()) {
		return "", apperr.ErrWalletNotConnected
	}
	if err := c.ValidateAddress(to); err != nil {
		return "", apperr.Invalid("invalid destination address")
	}
	value := ToBaseUnits(amount, models.CurrencyETH.Decimals())
	if value.Sign() <= 0 {
		return "", apperr.Invalid("amount must be positive")
	}
	from := common.HexToAddress(w.Address())
	toAddr := common.HexToAddress(to)
	data := []byte(tag)

	var (
		nonce    uint64
		gasPrice *big.Int
		gas      uint64
		balance  *big.Int
	)
	err := c.do(ctx, "prepare_transfer", func(b EVMBackend) error {
		var err error
		if nonce, err = b.PendingNonceAt(ctx, from); err != nil {
			return err
		}
		if gasPrice, err = b.SuggestGasPrice(ctx); err != nil {
			return err
		}
		if gas, err = b.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &toAddr, Value: value, Data: data}); err != nil {
			return err
		}
		balance, err = b.BalanceAt(ctx, from, nil)
		return err
	})
	if err != nil {
		if isInsufficientFunds(err) {
			return "", walletError(apperr.ErrInsufficientFunds, err)
		}
		return "", walletError(apperr.ErrWalletNetwork, err)
	}
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gas))
	cost.Add(cost, value)
	if balance.Cmp(cost) < 0 {
		return "", apperr.ErrInsufficientFunds
	}

	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &toAddr,
		Value:    value,
		Data:     data,
	})
	raw, err := w.Sign(ctx, &UnsignedTransfer{
		Currency:   models.CurrencyETH,
		From:       from.Hex(),
		To:         toAddr.Hex(),
		Amount:     amount,
		Tag:        tag,
		EVM:        unsigned,
		EVMChainID: c.chainID,
	})
	if err != nil {
		return "", signError(err)
	}

	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return "", walletError(apperr.ErrWalletNetwork, fmt.Errorf("decode signed tx: %w", err))
	}
	if signed.To() == nil || *signed.To() != toAddr || signed.Value().Cmp(value) != 0 {
		return "", walletError(apperr.ErrWalletNetwork, errors.New("wallet altered the transfer"))
	}

	err = c.do(ctx, "send_transaction", func(b EVMBackend) error {
		return b.SendTransaction(ctx, signed)
	})
	if err != nil {
		if isInsufficientFunds(err) {
			return "", walletError(apperr.ErrInsufficientFunds, err)
		}
		return "", walletError(apperr.ErrWalletNetwork, err)
	}
	return strings.ToLower(signed.Hash().Hex()), nil
}

func (c *EVMClient) Payout(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if err := c.ValidateAddress(to); err != nil {
		return "", err
	}
	if c.key == nil {
		return "", errors.New("evm custody key not configured")
	}
	value := ToBaseUnits(amount, models.CurrencyETH.Decimals())
	if value.Sign() <= 0 {
		return "", apperr.Invalid("payout amount must be positive")
	}
	toAddr := common.HexToAddress(to)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var (
		nonce    uint64
		gasPrice *big.Int
		balance  *big.Int
	)
	err := c.do(ctx, "prepare_payout", func(b EVMBackend) error {
		var err error
		if nonce, err = b.PendingNonceAt(ctx, c.custody); err != nil {
			return err
		}
		if gasPrice, err = b.SuggestGasPrice(ctx); err != nil {
			return err
		}
		balance, err = b.BalanceAt(ctx, c.custody, nil)
		return err
	})
	if err != nil {
		return "", apperr.Wrap(apperr.ErrPayoutNetwork, err)
	}

	cost := new(big.Int).Mul(gasPrice, big.NewInt(nativeTransferGas))
	cost.Add(cost, value)
	if balance.Cmp(cost) < 0 {
		return "", apperr.ErrInsufficientCustodyBalance
	}

	tx := types.NewTransaction(nonce, toAddr, value, nativeTransferGas, gasPrice, nil)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign payout: %w", err)
	}
	hash := strings.ToLower(signed.Hash().Hex())
	err = c.do(ctx, "send_transaction", func(b EVMBackend) error {
		return b.SendTransaction(ctx, signed)
	})
	if err != nil {
		if isInsufficientFunds(err) {
			return "", apperr.Wrap(apperr.ErrInsufficientCustodyBalance, err)
		}
		// A timeout or dropped connection does not mean the node refused it.
		return hash, apperr.Wrap(apperr.ErrPayoutUnconfirmed, err)
	}
	return hash, nil
}

func isInsufficientFunds(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

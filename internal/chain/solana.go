package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"CampusPay/internal/apperr"
	"CampusPay/internal/metrics"
	"CampusPay/internal/models"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// lamportsPerSignature is the base fee of a single-signature transfer.
const lamportsPerSignature = 5000

var (
	memoProgramID   = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	memoV1ProgramID = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")
)

func isMemoProgram(pk solana.PublicKey) bool {
	return pk.Equals(memoProgramID) || pk.Equals(memoV1ProgramID)
}

type SolanaConfig struct {
	Endpoints         []string
	CustodyAddress    string
	CustodyKey        string
	FailoverThreshold int
}

type SolanaClient struct {
	rpc     *Failover[*rpc.Client]
	custody solana.PublicKey
	key     *solana.PrivateKey
	Metrics *metrics.Registry

	sendMu sync.Mutex
}

var _ Client = (*SolanaClient)(nil)

func NewSolanaClient(cfg SolanaConfig) (*SolanaClient, error) {
	pool, err := NewFailover(cfg.Endpoints, cfg.FailoverThreshold, func(ep string) (*rpc.Client, error) {
		return rpc.New(ep), nil
	})
	if err != nil {
		return nil, err
	}
	c := &SolanaClient{rpc: pool}

	if cfg.CustodyKey != "" {
		key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(cfg.CustodyKey))
		if err != nil {
			return nil, fmt.Errorf("parse solana custody key: %w", err)
		}
		c.key = &key
		c.custody = key.PublicKey()
		if cfg.CustodyAddress != "" && cfg.CustodyAddress != c.custody.String() {
			return nil, fmt.Errorf("custody address %s does not match custody key %s", cfg.CustodyAddress, c.custody)
		}
		return c, nil
	}

	pk, err := solana.PublicKeyFromBase58(cfg.CustodyAddress)
	if err != nil {
		return nil, fmt.Errorf("solana custody address: %w", err)
	}
	c.custody = pk
	return c, nil
}

func (c *SolanaClient) Currency() models.Currency { return models.CurrencySOL }

func (c *SolanaClient) CustodyAddress() string { return c.custody.String() }

func (c *SolanaClient) ValidateAddress(addr string) error {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(addr))
	if err != nil || pk.IsZero() {
		return apperr.ErrInvalidAddress
	}
	return nil
}

func (c *SolanaClient) NormalizeTxHash(hash string) (string, error) {
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(hash))
	if err != nil || sig == (solana.Signature{}) {
		return "", apperr.Invalid("malformed transaction signature")
	}
	return sig.String(), nil
}

func (c *SolanaClient) do(ctx context.Context, op string, fn func(*rpc.Client) error) error {
	start := time.Now()
	err := c.rpc.Do(ctx, fn, func(err error) bool { return errors.Is(err, rpc.ErrNotFound) })
	c.Metrics.ObserveRPC("solana", op, time.Since(start))
	return err
}

func (c *SolanaClient) Ping(ctx context.Context) error {
	return c.do(ctx, "get_slot", func(cli *rpc.Client) error {
		_, err := cli.GetSlot(ctx, rpc.CommitmentFinalized)
		return err
	})
}

func (c *SolanaClient) VerifyTransaction(ctx context.Context, txHash string) (*Transfer, error) {
	norm, err := c.NormalizeTxHash(txHash)
	if err != nil {
		return nil, err
	}
	sig := solana.MustSignatureFromBase58(norm)

	var statuses *rpc.GetSignatureStatusesResult
	err = c.do(ctx, "signature_status", func(cli *rpc.Client) error {
		var err error
		statuses, err = cli.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrVerificationNetwork, err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return nil, apperr.ErrTxNotFound
	}
	status := statuses.Value[0]
	if status.Err != nil {
		return nil, apperr.ErrTxReverted
	}
	if status.ConfirmationStatus != rpc.ConfirmationStatusFinalized {
		return nil, apperr.ErrTxNotFinal
	}

	maxVersion := uint64(0)
	var res *rpc.GetTransactionResult
	err = c.do(ctx, "get_transaction", func(cli *rpc.Client) error {
		var err error
		res, err = cli.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentFinalized,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, apperr.ErrTxNotFinal
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrVerificationNetwork, err)
	}
	if res == nil || res.Transaction == nil {
		return nil, apperr.ErrTxNotFinal
	}
	if res.Meta != nil && res.Meta.Err != nil {
		return nil, apperr.ErrTxReverted
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTxMismatch, err)
	}
	out := transferFromTransaction(tx, c.custody)
	out.TxHash = norm
	out.Finalized = true
	out.Success = true
	return out, nil
}

// transferFromTransaction sums the system transfers paying custody and picks
// up the memo. When nothing pays custody, the first transfer is reported so
// the caller sees the mismatched recipient.
func transferFromTransaction(tx *solana.Transaction, custody solana.PublicKey) *Transfer {
	out := &Transfer{}
	var toCustody uint64
	var first *Transfer

	keys := tx.Message.AccountKeys
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			continue
		}
		prog := keys[inst.ProgramIDIndex]

		if isMemoProgram(prog) {
			if utf8.Valid(inst.Data) && out.Memo == "" {
				out.Memo = string(inst.Data)
			}
			continue
		}
		if !prog.Equals(solana.SystemProgramID) {
			continue
		}

		metas := make([]*solana.AccountMeta, 0, len(inst.Accounts))
		ok := true
		for _, idx := range inst.Accounts {
			if int(idx) >= len(keys) {
				ok = false
				break
			}
			pub := keys[idx]
			writable, err := tx.Message.IsWritable(pub)
			if err != nil {
				ok = false
				break
			}
			metas = append(metas, &solana.AccountMeta{
				PublicKey:  pub,
				IsSigner:   tx.Message.IsSigner(pub),
				IsWritable: writable,
			})
		}
		if !ok || len(metas) < 2 {
			continue
		}
		decoded, err := system.DecodeInstruction(metas, inst.Data)
		if err != nil {
			continue
		}
		transfer, isTransfer := decoded.Impl.(*system.Transfer)
		if !isTransfer || transfer.Lamports == nil {
			continue
		}
		from, to := metas[0].PublicKey, metas[1].PublicKey
		if first == nil {
			first = &Transfer{From: from.String(), To: to.String(), Amount: lamportsToSOL(*transfer.Lamports)}
		}
		if to.Equals(custody) {
			if out.From == "" {
				out.From = from.String()
			}
			out.To = to.String()
			toCustody += *transfer.Lamports
		}
	}

	if out.To != "" {
		out.Amount = lamportsToSOL(toCustody)
		return out
	}
	if first != nil {
		out.From, out.To, out.Amount = first.From, first.To, first.Amount
	}
	return out
}

func lamportsToSOL(l uint64) decimal.Decimal {
	return decimal.NewFromInt(int64(l)).Shift(-models.CurrencySOL.Decimals())
}

func solToLamports(amount decimal.Decimal) (uint64, error) {
	v := ToBaseUnits(amount, models.CurrencySOL.Decimals())
	if v.Sign() <= 0 || !v.IsUint64() {
		return 0, apperr.Invalid("amount out of range")
	}
	return v.Uint64(), nil
}

func (c *SolanaClient) latestBlockhash(ctx context.Context) (solana.Hash, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.do(ctx, "latest_blockhash", func(cli *rpc.Client) error {
		var err error
		out, err = cli.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return solana.Hash{}, err
	}
	return out.Value.Blockhash, nil
}

func (c *SolanaClient) balance(ctx context.Context, pk solana.PublicKey) (uint64, error) {
	var out *rpc.GetBalanceResult
	err := c.do(ctx, "get_balance", func(cli *rpc.Client) error {
		var err error
		out, err = cli.GetBalance(ctx, pk, rpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return 0, err
	}
	return out.Value, nil
}

func (c *SolanaClient) send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	err := c.do(ctx, "send_transaction", func(cli *rpc.Client) error {
		var err error
		sig, err = cli.SendTransaction(ctx, tx)
		return err
	})
	return sig, err
}

// BuildTransfer assembles an unsigned transfer carrying tag as a memo.
func BuildTransfer(from, to solana.PublicKey, lamports uint64, tag string, blockhash solana.Hash) (*solana.Transaction, error) {
	instrs := []solana.Instruction{
		system.NewTransferInstruction(lamports, from, to).Build(),
	}
	if tag != "" {
		instrs = append(instrs, solana.NewInstruction(memoProgramID, solana.AccountMetaSlice{}, []byte(tag)))
	}
	return solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(from))
}

func (c *SolanaClient) SendNativeTransfer(ctx context.Context, w Wallet, to string, amount decimal.Decimal, tag string) (string, error) {
	if w == nil || w.Address() == "" {
		return "", apperr.ErrWalletNotConnected
	}
	from, err := solana.PublicKeyFromBase58(w.Address())
	if err != nil {
		return "", apperr.ErrWalletNotConnected
	}
	toPK, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", apperr.Invalid("invalid destination address")
	}
	lamports, err := solToLamports(amount)
	if err != nil {
		return "", err
	}

	bal, err := c.balance(ctx, from)
	if err != nil {
		return "", walletError(apperr.ErrWalletNetwork, err)
	}
	if bal < lamports+lamportsPerSignature {
		return "", apperr.ErrInsufficientFunds
	}
	bh, err := c.latestBlockhash(ctx)
	if err != nil {
		return "", walletError(apperr.ErrWalletNetwork, err)
	}
	unsigned, err := BuildTransfer(from, toPK, lamports, tag, bh)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}

	raw, err := w.Sign(ctx, &UnsignedTransfer{
		Currency: models.CurrencySOL,
		From:     from.String(),
		To:       toPK.String(),
		Amount:   amount,
		Tag:      tag,
		Solana:   unsigned,
	})
	if err != nil {
		return "", signError(err)
	}
	signed, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", walletError(apperr.ErrWalletNetwork, fmt.Errorf("decode signed tx: %w", err))
	}
	got := transferFromTransaction(signed, toPK)
	if got.To != toPK.String() || !got.Amount.Equal(lamportsToSOL(lamports)) {
		return "", walletError(apperr.ErrWalletNetwork, errors.New("wallet altered the transfer"))
	}

	sig, err := c.send(ctx, signed)
	if err != nil {
		if isInsufficientFunds(err) || strings.Contains(err.Error(), "insufficient lamports") {
			return "", walletError(apperr.ErrInsufficientFunds, err)
		}
		return "", walletError(apperr.ErrWalletNetwork, err)
	}
	return sig.String(), nil
}

func (c *SolanaClient) Payout(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if err := c.ValidateAddress(to); err != nil {
		return "", err
	}
	if c.key == nil {
		return "", errors.New("solana custody key not configured")
	}
	toPK := solana.MustPublicKeyFromBase58(strings.TrimSpace(to))
	lamports, err := solToLamports(amount)
	if err != nil {
		return "", err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	bal, err := c.balance(ctx, c.custody)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrPayoutNetwork, err)
	}
	if bal < lamports+lamportsPerSignature {
		return "", apperr.ErrInsufficientCustodyBalance
	}
	bh, err := c.latestBlockhash(ctx)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrPayoutNetwork, err)
	}
	tx, err := BuildTransfer(c.custody, toPK, lamports, "", bh)
	if err != nil {
		return "", fmt.Errorf("build payout: %w", err)
	}
	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(c.custody) {
			return c.key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign payout: %w", err)
	}

	// The signature is fixed once signed, so a failed send still names the
	// transaction that may have landed.
	sig := tx.Signatures[0].String()
	if _, err := c.send(ctx, tx); err != nil {
		if isInsufficientFunds(err) || strings.Contains(err.Error(), "insufficient lamports") {
			return "", apperr.Wrap(apperr.ErrInsufficientCustodyBalance, err)
		}
		return sig, apperr.Wrap(apperr.ErrPayoutUnconfirmed, err)
	}
	return sig, nil
}

// Command paycli pays a CampusPay intent from a local key: it creates the
// intent, signs and sends the native transfer, then polls verification.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"CampusPay/internal/chain"
	"CampusPay/internal/logging"
	"CampusPay/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type intentResponse struct {
	CorrelationID  string `json:"correlationId"`
	RequiredAmount string `json:"requiredAmount"`
	Currency       string `json:"currency"`
	CustodyAddress string `json:"custodyAddress"`
	ExpiresAt      string `json:"expiresAt"`
}

type verifyResponse struct {
	Verified  bool   `json:"verified"`
	PaymentID string `json:"paymentId"`
	Retryable bool   `json:"retryable"`
	Reason    string `json:"reason"`
	Error     string `json:"error"`
}

func main() {
	var (
		apiURL   = flag.String("api", "http://localhost:8080", "CampusPay API base URL")
		userID   = flag.String("user", "", "payer user id")
		purpose  = flag.String("purpose", "purchase", "purchase, listing_fee or boost")
		subject  = flag.String("subject", "", "subject ref")
		keywords = flag.String("keywords", "", "comma separated boost keywords")
		currency = flag.String("currency", "eth", "eth or sol")
		key      = flag.String("key", os.Getenv("PAYCLI_KEY"), "payer key: hex for eth, base58 for sol")
		rpcURL   = flag.String("rpc", "", "chain RPC endpoint")
		chainID  = flag.Int64("chain-id", 11155111, "EVM chain id")
		wait     = flag.Duration("wait", 2*time.Minute, "how long to poll verification")
	)
	flag.Parse()

	logger, err := logging.New("info")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if *userID == "" || *key == "" || *rpcURL == "" {
		flag.Usage()
		os.Exit(2)
	}
	cur, err := models.ParseCurrency(*currency)
	if err != nil {
		logger.Fatal("bad currency", zap.String("currency", *currency))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait+time.Minute)
	defer cancel()

	var kw []string
	if *keywords != "" {
		kw = strings.Split(*keywords, ",")
	}
	var intent intentResponse
	status, err := postJSON(ctx, *apiURL+"/payments/intent", *userID, map[string]any{
		"purpose": *purpose, "subjectRef": *subject, "currency": cur.JSON(), "keywords": kw,
	}, &intent)
	if err != nil || status != http.StatusOK {
		logger.Fatal("create intent failed", zap.Int("status", status), zap.Error(err))
	}
	logger.Info("intent created",
		zap.String("correlation_id", intent.CorrelationID),
		zap.String("amount", intent.RequiredAmount),
		zap.String("custody", intent.CustodyAddress),
		zap.String("expires_at", intent.ExpiresAt),
	)

	amount, err := decimal.NewFromString(intent.RequiredAmount)
	if err != nil {
		logger.Fatal("bad amount", zap.Error(err))
	}
	client, wallet, err := dial(ctx, cur, *rpcURL, *chainID, intent.CustodyAddress, *key)
	if err != nil {
		logger.Fatal("chain setup failed", zap.Error(err))
	}

	txHash, err := client.SendNativeTransfer(ctx, wallet, intent.CustodyAddress, amount, intent.CorrelationID)
	if err != nil {
		logger.Fatal("send failed", zap.Error(err))
	}
	logger.Info("transfer sent", zap.String("tx_hash", txHash))

	deadline := time.Now().Add(*wait)
	backoff := 2 * time.Second
	for {
		var res verifyResponse
		status, err := postJSON(ctx, *apiURL+"/payments/verify", *userID, map[string]string{
			"correlationId": intent.CorrelationID, "txHash": txHash,
		}, &res)
		switch {
		case err != nil:
			logger.Warn("verify request failed", zap.Error(err))
		case res.Verified:
			logger.Info("payment verified", zap.String("payment_id", res.PaymentID))
			return
		case status == http.StatusAccepted && res.Retryable:
			logger.Info("not final yet", zap.String("reason", res.Reason))
		default:
			logger.Fatal("verification rejected", zap.Int("status", status), zap.String("reason", res.Reason), zap.String("error", res.Error))
		}
		if time.Now().After(deadline) {
			logger.Fatal("gave up waiting for verification", zap.String("tx_hash", txHash))
		}
		time.Sleep(backoff)
		if backoff < 16*time.Second {
			backoff *= 2
		}
	}
}

func dial(ctx context.Context, cur models.Currency, rpcURL string, chainID int64, custody, key string) (chain.Client, chain.Wallet, error) {
	switch cur {
	case models.CurrencyETH:
		w, err := chain.NewEVMKeyWallet(key)
		if err != nil {
			return nil, nil, err
		}
		c, err := chain.NewEVMClient(ctx, chain.EVMConfig{ChainID: chainID, Endpoints: []string{rpcURL}, CustodyAddress: custody})
		return c, w, err
	case models.CurrencySOL:
		w, err := chain.NewSolanaKeyWallet(key)
		if err != nil {
			return nil, nil, err
		}
		c, err := chain.NewSolanaClient(chain.SolanaConfig{Endpoints: []string{rpcURL}, CustodyAddress: custody})
		return c, w, err
	}
	return nil, nil, errors.New("unsupported currency")
}

func postJSON(ctx context.Context, url, userID string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", userID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", url, err)
	}
	return resp.StatusCode, nil
}

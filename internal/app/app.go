// Package app assembles the ledger, chain clients and services from config.
package app

import (
	"context"
	"fmt"
	"time"

	"CampusPay/internal/chain"
	"CampusPay/internal/config"
	"CampusPay/internal/db"
	"CampusPay/internal/metrics"
	"CampusPay/internal/notify"
	"CampusPay/internal/pricing"
	"CampusPay/internal/services"
	"CampusPay/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type App struct {
	Ledger   store.Ledger
	Chains   chain.Registry
	Oracle   *pricing.Oracle
	Payments *services.PaymentService
	Claims   *services.ClaimService
	Hub      *notify.Hub
	Metrics  *metrics.Registry

	pool *db.Pool
}

// Close releases the database pool, if any.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Build wires everything from cfg. An empty DSN selects the in-memory
// ledger, which does not survive restarts.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{
		Metrics: metrics.New(),
		Hub:     notify.NewHub(log.Named("notify")),
	}

	if cfg.DB.DSN == "" {
		log.Warn("db.dsn is empty, using in-memory ledger")
		a.Ledger = store.NewMemory()
	} else {
		pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.pool = pool
		a.Ledger = store.NewPostgres(pool)
	}

	evm, err := chain.NewEVMClient(ctx, chain.EVMConfig{
		ChainID:           cfg.Chains.EVM.ChainID,
		Endpoints:         cfg.Chains.EVM.RPCEndpoints,
		CustodyAddress:    cfg.Chains.EVM.CustodyAddress,
		CustodyKey:        cfg.Chains.EVM.CustodyKey,
		CustodyXPrv:       cfg.Chains.EVM.CustodyXPrv,
		CustodyPath:       cfg.Chains.EVM.CustodyPath,
		ConfirmDepth:      cfg.Chains.EVM.ConfirmDepth,
		FailoverThreshold: cfg.Chains.EVM.FailoverThreshold,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("evm client: %w", err)
	}
	evm.Metrics = a.Metrics

	sol, err := chain.NewSolanaClient(chain.SolanaConfig{
		Endpoints:         cfg.Chains.Solana.RPCEndpoints,
		CustodyAddress:    cfg.Chains.Solana.CustodyAddress,
		CustodyKey:        cfg.Chains.Solana.CustodyKey,
		FailoverThreshold: cfg.Chains.Solana.FailoverThreshold,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("solana client: %w", err)
	}
	sol.Metrics = a.Metrics
	a.Chains = chain.NewRegistry(evm, sol)

	pc := cfg.Pricing
	a.Oracle = pricing.NewOracle(pc.FeedURL,
		time.Duration(pc.CacheSeconds)*time.Second,
		time.Duration(pc.TimeoutMs)*time.Millisecond,
		decimal.NewFromFloat(pc.FallbackETHUSD),
		decimal.NewFromFloat(pc.FallbackSOLUSD),
	)
	a.Oracle.Metrics = a.Metrics
	a.Oracle.Log = log.Named("oracle")

	fees, err := parseFees(pc.ListingFee, pc.BoostBaseFee, pc.BoostPerKeyword)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Payments = &services.PaymentService{
		Ledger: a.Ledger,
		Chains: a.Chains,
		Pricing: pricing.Service{
			Oracle:          a.Oracle,
			CatalogCurrency: pc.CatalogCurrency,
			ListingFee:      fees[0],
			BoostBaseFee:    fees[1],
			BoostPerKeyword: fees[2],
			BoostDuration:   time.Duration(pc.BoostDays) * 24 * time.Hour,
		},
		IntentTTL: time.Duration(cfg.Intents.TTLMinutes) * time.Minute,
		Retry: services.RetryPolicy{
			MaxAttempts:    cfg.Verify.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Verify.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Verify.MaxBackoffMs) * time.Millisecond,
			Multiplier:     cfg.Verify.Multiplier,
			RPCTimeout:     time.Duration(cfg.Verify.RPCTimeoutMs) * time.Millisecond,
		},
		Notifier: a.Hub,
		Metrics:  a.Metrics,
		Log:      log.Named("payments"),
	}
	a.Claims = &services.ClaimService{
		Ledger:        a.Ledger,
		Chains:        a.Chains,
		Locks:         &services.KeyedMutex{},
		PayoutTimeout: time.Duration(cfg.Claims.PayoutTimeoutSeconds) * time.Second,
		Notifier:      a.Hub,
		Metrics:       a.Metrics,
		Log:           log.Named("claims"),
	}
	return a, nil
}

// MuteNotifications swaps the hub for notify.Noop in both services. Processes
// that serve no websocket clients use it so dropped events are explicit.
func (a *App) MuteNotifications() {
	if a.Payments != nil {
		a.Payments.Notifier = notify.Noop{}
	}
	if a.Claims != nil {
		a.Claims.Notifier = notify.Noop{}
	}
}

func parseFees(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("pricing fee %q: %w", v, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("pricing fee %q is negative", v)
		}
		out[i] = d
	}
	return out, nil
}

package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"CampusPay/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL = 5 * time.Minute

	SourceFeed     = "feed"
	SourceCache    = "cache"
	SourceStale    = "stale"
	SourceFallback = "fallback"
)

// Fallback quotes used before the first successful fetch.
var (
	DefaultETHUSD = decimal.NewFromInt(3000)
	DefaultSOLUSD = decimal.NewFromInt(150)
)

type Snapshot struct {
	ETHUSD    decimal.Decimal `json:"eth_usd"`
	SOLUSD    decimal.Decimal `json:"sol_usd"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Rate is the cross rate: 1 ETH = Rate SOL.
func (s Snapshot) Rate() decimal.Decimal {
	if s.SOLUSD.Sign() <= 0 {
		return decimal.Zero
	}
	return s.ETHUSD.DivRound(s.SOLUSD, 18)
}

// Oracle fetches USD quotes for both currencies from a CoinGecko-style
// simple price endpoint and caches them for TTL. It never returns an error:
// a failed fetch serves the last good quotes, then the fallback.
type Oracle struct {
	FeedURL  string
	Client   *http.Client
	TTL      time.Duration
	Fallback Snapshot
	Metrics  *metrics.Registry
	Log      *zap.Logger
	Now      func() time.Time

	mu     sync.RWMutex
	cached *Snapshot
	group  singleflight.Group
}

func NewOracle(feedURL string, ttl, timeout time.Duration, fallbackETH, fallbackSOL decimal.Decimal) *Oracle {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if fallbackETH.Sign() <= 0 {
		fallbackETH = DefaultETHUSD
	}
	if fallbackSOL.Sign() <= 0 {
		fallbackSOL = DefaultSOLUSD
	}
	return &Oracle{
		FeedURL: feedURL,
		Client:  &http.Client{Timeout: timeout},
		TTL:     ttl,
		Fallback: Snapshot{
			ETHUSD: fallbackETH,
			SOLUSD: fallbackSOL,
			Source: SourceFallback,
		},
	}
}

func (o *Oracle) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Oracle) Snapshot(ctx context.Context) Snapshot {
	o.mu.RLock()
	cached := o.cached
	o.mu.RUnlock()
	if cached != nil && o.now().Sub(cached.FetchedAt) < o.TTL {
		snap := *cached
		snap.Source = SourceCache
		return snap
	}

	v, err, _ := o.group.Do("quotes", func() (any, error) {
		return o.fetch(ctx)
	})
	if err == nil {
		snap := v.(Snapshot)
		o.mu.Lock()
		o.cached = &snap
		o.mu.Unlock()
		o.Metrics.IncRateFetch("ok")
		return snap
	}

	o.Metrics.IncRateFetch("error")
	if o.Log != nil {
		o.Log.Warn("rate fetch failed", zap.Error(err))
	}
	if cached != nil {
		snap := *cached
		snap.Source = SourceStale
		return snap
	}
	snap := o.Fallback
	snap.Source = SourceFallback
	snap.FetchedAt = o.now()
	return snap
}

func (o *Oracle) Rate(ctx context.Context) decimal.Decimal {
	return o.Snapshot(ctx).Rate()
}

func (o *Oracle) Convert(ctx context.Context, amount decimal.Decimal, dir Direction) decimal.Decimal {
	return ConvertWithRate(amount, o.Rate(ctx), dir)
}

type feedQuote struct {
	USD json.Number `json:"usd"`
}

func (o *Oracle) fetch(ctx context.Context) (Snapshot, error) {
	if o.FeedURL == "" {
		return Snapshot{}, errors.New("price feed url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.FeedURL, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")

	client := o.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("price feed status %d", resp.StatusCode)
	}

	var body map[string]feedQuote
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Snapshot{}, err
	}
	eth, err := quoteFrom(body, "ethereum")
	if err != nil {
		return Snapshot{}, err
	}
	sol, err := quoteFrom(body, "solana")
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{ETHUSD: eth, SOLUSD: sol, Source: SourceFeed, FetchedAt: o.now()}, nil
}

func quoteFrom(body map[string]feedQuote, id string) (decimal.Decimal, error) {
	q, ok := body[id]
	if !ok || q.USD == "" {
		return decimal.Zero, fmt.Errorf("price feed missing %s", id)
	}
	d, err := decimal.NewFromString(q.USD.String())
	if err != nil {
		return decimal.Zero, err
	}
	if d.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("price feed returned non-positive %s quote", id)
	}
	return d, nil
}

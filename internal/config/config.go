package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Chains struct {
		EVM struct {
			ChainID           int64    `yaml:"chain_id"`
			RPCEndpoints      []string `yaml:"rpc_endpoints"`
			CustodyAddress    string   `yaml:"custody_address"`
			CustodyKey        string   `yaml:"custody_key"`
			CustodyXPrv       string   `yaml:"custody_xprv"`
			CustodyPath       string   `yaml:"custody_path"`
			ConfirmDepth      int      `yaml:"confirm_depth"`
			FailoverThreshold int      `yaml:"failover_threshold"`
		} `yaml:"evm"`
		Solana struct {
			RPCEndpoints      []string `yaml:"rpc_endpoints"`
			CustodyAddress    string   `yaml:"custody_address"`
			CustodyKey        string   `yaml:"custody_key"`
			FailoverThreshold int      `yaml:"failover_threshold"`
		} `yaml:"solana"`
	} `yaml:"chains"`
	Pricing struct {
		CatalogCurrency string  `yaml:"catalog_currency"`
		ListingFee      string  `yaml:"listing_fee"`
		BoostBaseFee    string  `yaml:"boost_base_fee"`
		BoostPerKeyword string  `yaml:"boost_per_keyword"`
		BoostDays       int     `yaml:"boost_days"`
		FeedURL         string  `yaml:"feed_url"`
		CacheSeconds    int     `yaml:"cache_seconds"`
		TimeoutMs       int     `yaml:"timeout_ms"`
		FallbackETHUSD  float64 `yaml:"fallback_eth_usd"`
		FallbackSOLUSD  float64 `yaml:"fallback_sol_usd"`
	} `yaml:"pricing"`
	Intents struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"intents"`
	Verify struct {
		MaxAttempts      int     `yaml:"max_attempts"`
		InitialBackoffMs int     `yaml:"initial_backoff_ms"`
		MaxBackoffMs     int     `yaml:"max_backoff_ms"`
		Multiplier       float64 `yaml:"multiplier"`
		RPCTimeoutMs     int     `yaml:"rpc_timeout_ms"`
	} `yaml:"verify"`
	Claims struct {
		PayoutTimeoutSeconds int `yaml:"payout_timeout_seconds"`
	} `yaml:"claims"`
	Worker struct {
		IntervalSeconds     int64  `yaml:"interval_seconds"`
		StaleAfterSeconds   int64  `yaml:"stale_after_seconds"`
		ReleaseAfterSeconds int64  `yaml:"release_after_seconds"`
		Batch               int    `yaml:"batch"`
		MetricsAddr         string `yaml:"metrics_addr"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies env overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if len(cfg.Chains.EVM.RPCEndpoints) == 0 || cfg.Chains.EVM.ChainID == 0 {
		return nil, errors.New("chains.evm config is incomplete")
	}
	if cfg.Chains.EVM.CustodyAddress == "" && cfg.Chains.EVM.CustodyKey == "" && cfg.Chains.EVM.CustodyXPrv == "" {
		return nil, errors.New("chains.evm custody is required")
	}
	if len(cfg.Chains.Solana.RPCEndpoints) == 0 {
		return nil, errors.New("chains.solana config is incomplete")
	}
	if cfg.Chains.Solana.CustodyAddress == "" && cfg.Chains.Solana.CustodyKey == "" {
		return nil, errors.New("chains.solana custody is required")
	}
	if cfg.Pricing.ListingFee == "" {
		return nil, errors.New("pricing.listing_fee is required")
	}
	if cfg.Pricing.BoostPerKeyword == "" && cfg.Pricing.BoostBaseFee == "" {
		return nil, errors.New("pricing.boost_per_keyword is required")
	}
	switch strings.ToUpper(cfg.Pricing.CatalogCurrency) {
	case "USD", "ETH", "SOL":
	default:
		return nil, errors.New("pricing.catalog_currency must be USD, ETH or SOL")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Chains.EVM.CustodyPath == "" {
		cfg.Chains.EVM.CustodyPath = "m/44'/60'/0'/0/0"
	}
	if cfg.Chains.EVM.FailoverThreshold <= 0 {
		cfg.Chains.EVM.FailoverThreshold = 3
	}
	if cfg.Chains.Solana.FailoverThreshold <= 0 {
		cfg.Chains.Solana.FailoverThreshold = 3
	}
	if cfg.Pricing.CatalogCurrency == "" {
		cfg.Pricing.CatalogCurrency = "USD"
	}
	if cfg.Pricing.BoostDays <= 0 {
		cfg.Pricing.BoostDays = 7
	}
	if cfg.Pricing.CacheSeconds <= 0 {
		cfg.Pricing.CacheSeconds = 300
	}
	if cfg.Pricing.TimeoutMs <= 0 {
		cfg.Pricing.TimeoutMs = 5000
	}
	if cfg.Pricing.FeedURL == "" {
		cfg.Pricing.FeedURL = "https://api.coingecko.com/api/v3/simple/price?ids=ethereum,solana&vs_currencies=usd"
	}
	if cfg.Intents.TTLMinutes <= 0 {
		cfg.Intents.TTLMinutes = 30
	}
	if cfg.Verify.MaxAttempts <= 0 {
		cfg.Verify.MaxAttempts = 4
	}
	if cfg.Verify.InitialBackoffMs <= 0 {
		cfg.Verify.InitialBackoffMs = 1000
	}
	if cfg.Verify.MaxBackoffMs <= 0 {
		cfg.Verify.MaxBackoffMs = 8000
	}
	if cfg.Verify.Multiplier < 1 {
		cfg.Verify.Multiplier = 2
	}
	if cfg.Verify.RPCTimeoutMs <= 0 {
		cfg.Verify.RPCTimeoutMs = 10000
	}
	if cfg.Claims.PayoutTimeoutSeconds <= 0 {
		cfg.Claims.PayoutTimeoutSeconds = 30
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 20
	}
	if cfg.Worker.StaleAfterSeconds <= 0 {
		cfg.Worker.StaleAfterSeconds = 120
	}
	if cfg.Worker.ReleaseAfterSeconds <= 0 {
		cfg.Worker.ReleaseAfterSeconds = 900
	}
	if cfg.Worker.Batch <= 0 {
		cfg.Worker.Batch = 50
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("EVM_CHAIN_ID"); v != "" {
		cfg.Chains.EVM.ChainID = atoi64Or(cfg.Chains.EVM.ChainID, v)
	}
	if v := os.Getenv("EVM_RPC_ENDPOINTS"); v != "" {
		cfg.Chains.EVM.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("EVM_CUSTODY_ADDRESS"); v != "" {
		cfg.Chains.EVM.CustodyAddress = v
	}
	if v := os.Getenv("EVM_CUSTODY_KEY"); v != "" {
		cfg.Chains.EVM.CustodyKey = v
	}
	if v := os.Getenv("EVM_CUSTODY_XPRV"); v != "" {
		cfg.Chains.EVM.CustodyXPrv = v
	}
	if v := os.Getenv("EVM_CONFIRM_DEPTH"); v != "" {
		cfg.Chains.EVM.ConfirmDepth = atoiOr(cfg.Chains.EVM.ConfirmDepth, v)
	}
	if v := os.Getenv("SOL_RPC_ENDPOINTS"); v != "" {
		cfg.Chains.Solana.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("SOL_CUSTODY_ADDRESS"); v != "" {
		cfg.Chains.Solana.CustodyAddress = v
	}
	if v := os.Getenv("SOL_CUSTODY_KEY"); v != "" {
		cfg.Chains.Solana.CustodyKey = v
	}
	if v := os.Getenv("PRICING_CATALOG_CURRENCY"); v != "" {
		cfg.Pricing.CatalogCurrency = v
	}
	if v := os.Getenv("PRICING_LISTING_FEE"); v != "" {
		cfg.Pricing.ListingFee = v
	}
	if v := os.Getenv("PRICING_BOOST_PER_KEYWORD"); v != "" {
		cfg.Pricing.BoostPerKeyword = v
	}
	if v := os.Getenv("PRICING_FEED_URL"); v != "" {
		cfg.Pricing.FeedURL = v
	}
	if v := os.Getenv("INTENT_TTL_MINUTES"); v != "" {
		cfg.Intents.TTLMinutes = atoiOr(cfg.Intents.TTLMinutes, v)
	}
	if v := os.Getenv("VERIFY_MAX_ATTEMPTS"); v != "" {
		cfg.Verify.MaxAttempts = atoiOr(cfg.Verify.MaxAttempts, v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_METRICS_ADDR"); v != "" {
		cfg.Worker.MetricsAddr = v
	}
	if v := os.Getenv("WORKER_STALE_AFTER_SECONDS"); v != "" {
		cfg.Worker.StaleAfterSeconds = atoi64Or(cfg.Worker.StaleAfterSeconds, v)
	}
	if v := os.Getenv("WORKER_RELEASE_AFTER_SECONDS"); v != "" {
		cfg.Worker.ReleaseAfterSeconds = atoi64Or(cfg.Worker.ReleaseAfterSeconds, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

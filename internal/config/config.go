// Package config defines all configuration for the market-making engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via HFMM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      string           `mapstructure:"mode"` // live | dry_run | sim
	Symbols   []string         `mapstructure:"symbols"`
	Contracts []ContractConfig `mapstructure:"contracts"` // reference data for dry_run/sim, where there is no live exchangeInfo endpoint to query
	Gateway   GatewayConfig    `mapstructure:"gateway"`
	Risk      RiskConfig       `mapstructure:"risk"`
	Account   AccountConfig    `mapstructure:"account"`
	Backtest  BacktestConfig   `mapstructure:"backtest"`
	Chaos     ChaosConfig      `mapstructure:"chaos"`
	OMS       OMSConfig        `mapstructure:"oms"`
	Store     StoreConfig      `mapstructure:"store"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
}

// ContractConfig carries reference data for one symbol (§6 "Reference
// data per contract"), used directly in dry_run/sim mode. Live mode loads
// reference data from exchangeInfo instead and does not fall back to it.
type ContractConfig struct {
	Symbol         string  `mapstructure:"symbol"`
	TickSize       float64 `mapstructure:"tick_size"`
	StepSize       float64 `mapstructure:"step_size"`
	MinQty         float64 `mapstructure:"min_qty"`
	MinNotional    float64 `mapstructure:"min_notional"`
	PricePrecision int     `mapstructure:"price_precision"`
	QtyPrecision   int     `mapstructure:"qty_precision"`
}

// GatewayConfig holds exchange endpoints and credentials for the live gateway.
// ApiKey/Secret are normally supplied via HFMM_API_KEY / HFMM_API_SECRET.
type GatewayConfig struct {
	RESTBaseURL    string        `mapstructure:"rest_base_url"`
	WSMarketURL    string        `mapstructure:"ws_market_url"`
	WSUserURL      string        `mapstructure:"ws_user_url"`
	ApiKey         string        `mapstructure:"api_key"`
	Secret         string        `mapstructure:"secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RiskConfig sets hard pre-trade limits enforced by the Exposure Manager
// and OMS before an order is ever handed to the gateway.
type RiskConfig struct {
	MaxPosNotional float64 `mapstructure:"max_pos_notional"`
	MaxOrderQty    float64 `mapstructure:"max_order_qty"`
}

// AccountConfig seeds the Account Manager's starting balance and leverage.
type AccountConfig struct {
	InitialBalanceUSDT float64 `mapstructure:"initial_balance_usdt"`
	Leverage           float64 `mapstructure:"leverage"`
}

// BacktestConfig tunes the deterministic simulation engine: fee model,
// latency distribution, and cancel-decay base probability.
type BacktestConfig struct {
	TakerFee       float64 `mapstructure:"taker_fee"`
	LatencyBaseMs  float64 `mapstructure:"latency_base_ms"`
	LatencySigma   float64 `mapstructure:"latency_sigma"`
	CancelBaseProb float64 `mapstructure:"cancel_base_prob"`
	DataPath       string  `mapstructure:"data_path"`
	Seed           int64   `mapstructure:"seed"`
}

// ChaosConfig controls the sim-mode gateway's fault injection.
type ChaosConfig struct {
	PacketLossRate  float64 `mapstructure:"packet_loss_rate"`
	OrderRejectRate float64 `mapstructure:"order_reject_rate"`
}

// OMSConfig carries OMS-internal timing parameters not named directly in
// the external configuration enumeration but required to run it: the ACK
// watchdog deadline and the reconciliation/auto-reconciler cadence.
type OMSConfig struct {
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	DirtyThreshold    time.Duration `mapstructure:"dirty_threshold"`
	ForceSyncCooldown time.Duration `mapstructure:"force_sync_cooldown"`
	PositionDriftEps  float64       `mapstructure:"position_drift_eps"`
}

// StoreConfig sets where OMS snapshots are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: HFMM_API_KEY, HFMM_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HFMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("HFMM_API_KEY"); key != "" {
		cfg.Gateway.ApiKey = key
	}
	if secret := os.Getenv("HFMM_API_SECRET"); secret != "" {
		cfg.Gateway.Secret = secret
	}
	if mode := os.Getenv("HFMM_MODE"); mode != "" {
		cfg.Mode = mode
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.request_timeout", 3*time.Second)
	v.SetDefault("oms.ack_timeout", 5*time.Second)
	v.SetDefault("oms.reconcile_interval", 5*time.Second)
	v.SetDefault("oms.dirty_threshold", 10*time.Second)
	v.SetDefault("oms.force_sync_cooldown", 30*time.Second)
	v.SetDefault("oms.position_drift_eps", 1e-6)
	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("metrics.addr", ":9090")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case "live", "dry_run", "sim":
	default:
		return fmt.Errorf("mode must be one of: live, dry_run, sim (got %q)", c.Mode)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.Risk.MaxPosNotional <= 0 {
		return fmt.Errorf("risk.max_pos_notional must be > 0")
	}
	if c.Risk.MaxOrderQty <= 0 {
		return fmt.Errorf("risk.max_order_qty must be > 0")
	}
	if c.Account.InitialBalanceUSDT <= 0 {
		return fmt.Errorf("account.initial_balance_usdt must be > 0")
	}
	if c.Account.Leverage <= 0 {
		return fmt.Errorf("account.leverage must be > 0")
	}
	if c.Mode == "live" && c.Gateway.RESTBaseURL == "" {
		return fmt.Errorf("gateway.rest_base_url is required in live mode")
	}
	if c.Mode == "sim" && c.Backtest.DataPath == "" {
		return fmt.Errorf("backtest.data_path is required in sim mode")
	}
	if c.Mode != "live" && len(c.Contracts) == 0 {
		return fmt.Errorf("contracts must be configured in %s mode (no exchangeInfo endpoint to query)", c.Mode)
	}
	return nil
}

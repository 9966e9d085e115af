// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BotMode selects whether the engine drives live venue I/O or replays a
// recorded event log through the same core (spec: BOT_MODE).
type BotMode string

const (
	ModeLive     BotMode = "live"
	ModeBacktest BotMode = "backtest"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool        `mapstructure:"dry_run"`
	StartPaused bool        `mapstructure:"start_paused"`
	Mode        BotMode     `mapstructure:"bot_mode"`
	Wallet      WalletConfig `mapstructure:"wallet"`
	API         APIConfig    `mapstructure:"api"`
	Markets     MarketsConfig `mapstructure:"markets"`
	Strategy    StrategyConfig `mapstructure:"strategy"`
	Slippage    SlippageConfig `mapstructure:"slippage"`
	Risk        RiskConfig   `mapstructure:"risk"`
	Order       OrderConfig  `mapstructure:"order"`
	Flatten     FlattenConfig `mapstructure:"flatten"`
	Watchdog    WatchdogConfig `mapstructure:"watchdog"`
	EdgeQuality EdgeQualityConfig `mapstructure:"edge_quality"`
	Book        BookConfig   `mapstructure:"book"`
	Store       StoreConfig  `mapstructure:"store"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Operator    OperatorConfig `mapstructure:"operator"`
	Command     CommandConfig `mapstructure:"command"`
}

// WalletConfig holds the signing key used to authorize orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from
// signer if using a proxy/Safe wallet).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds venue API endpoints and optional pre-derived L2 credentials.
// Empty ApiKey/Secret/Passphrase values are passed to the signer as they
// are; nothing derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	WSUserURL    string `mapstructure:"ws_user_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// MarketsConfig lists which markets the engine trades and how strictly
// outcome labels are resolved (spec §4.1 strict/permissive modes).
type MarketsConfig struct {
	IDs    []string `mapstructure:"ids"`
	Strict bool     `mapstructure:"strict_labels"`
}

// StrategyConfig tunes paired-arbitrage intent emission (spec §4.5).
//
//   - MinEdgeThreshold: predicted_edge must exceed this to trade.
//   - MinSize: fillable_size below this is not worth trading.
//   - TargetSizeUSD: starting notional size per paired intent, shrunk to
//     the fillable size reported by EdgeCalculator.
//   - FeeRateBps: venue maker/taker fee, in basis points.
//   - TickInterval: how often Strategy re-evaluates on a plain timer tick,
//     independent of book update triggers.
type StrategyConfig struct {
	MinEdgeThreshold float64       `mapstructure:"min_edge_threshold"`
	MinSize          float64       `mapstructure:"min_size"`
	TargetSizeUSD    float64       `mapstructure:"target_size_usd"`
	FeeRateBps       int           `mapstructure:"fee_rate_bps"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
}

// SlippageConfig tunes the adaptive slippage model (spec §4.3).
type SlippageConfig struct {
	BaseSlippage      float64 `mapstructure:"base_slippage"`
	SizeImpactK       float64 `mapstructure:"size_impact_k"`
	FailureBuffer     float64 `mapstructure:"failure_buffer"`
	WindowSize        int     `mapstructure:"window_size"`
	SlippageMultiplier float64 `mapstructure:"slippage_multiplier"`
}

// RiskConfig sets the circuit breaker thresholds that own SafetyMode
// (spec §4.7).
type RiskConfig struct {
	HourlyLossLimit float64       `mapstructure:"hourly_loss_limit"` // negative
	DailyLossLimit  float64       `mapstructure:"daily_loss_limit"`  // negative
	MaxDrawdown     float64       `mapstructure:"max_drawdown"`      // fraction of high-water mark
	MaxRejectRatio  float64       `mapstructure:"max_reject_ratio"`
	RejectWindow    time.Duration `mapstructure:"reject_window"`
}

// OrderConfig tunes OrderManager (spec §4.6).
type OrderConfig struct {
	TTL                 time.Duration `mapstructure:"ttl"`
	MaxCancelsPerWindow int           `mapstructure:"max_cancels_per_window"`
	ChurnWindow         time.Duration `mapstructure:"churn_window"`
	SubmitRateNominal   float64       `mapstructure:"submit_rate_nominal"`
	SubmitBurst         float64       `mapstructure:"submit_burst"`
	CancelRateNominal   float64       `mapstructure:"cancel_rate_nominal"`
	CancelBurst         float64       `mapstructure:"cancel_burst"`
	WorkerPoolSize      int           `mapstructure:"worker_pool_size"`
	TTLScanInterval     time.Duration `mapstructure:"ttl_scan_interval"`
}

// FlattenConfig tunes FlattenWorkflow (spec §4.8).
type FlattenConfig struct {
	Mode               string        `mapstructure:"mode"` // cancel_only | cancel_and_unwind
	MaxUnwindSlippage  float64       `mapstructure:"max_unwind_slippage"`
	UnwindDeadline     time.Duration `mapstructure:"unwind_deadline"`
	CancelAckTimeout   time.Duration `mapstructure:"cancel_ack_timeout"`
}

// WatchdogConfig tunes UserStreamWatchdog (spec §4.9).
type WatchdogConfig struct {
	UserWSTimeout time.Duration `mapstructure:"user_ws_timeout"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
}

// EdgeQualityConfig tunes EdgeDecayGuard (spec §4.10).
type EdgeQualityConfig struct {
	RingSize     int     `mapstructure:"ring_size"`
	MinTrades    int     `mapstructure:"min_trades"`
	MinRatio     float64 `mapstructure:"min_ratio"`
}

// BookConfig tunes BookState's resync behaviour (spec §4.2).
type BookConfig struct {
	DivergenceTolerance    uint64        `mapstructure:"divergence_tolerance"`
	PeriodicResyncInterval time.Duration `mapstructure:"periodic_resync_interval"`
}

// StoreConfig sets where engine state is persisted (spec §6).
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"` // filesystem dir, or postgres:// DSN
}

// CommandConfig points cmd/arbctl at the CommandBus's local control socket
// (SPEC_FULL.md §10/§12).
type CommandConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OperatorConfig controls the read-only operator HTTP surface
// (health/metrics/snapshot — SPEC_FULL.md §10).
type OperatorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_PRIVATE_KEY, ARB_API_KEY, ARB_API_SECRET,
// ARB_PASSPHRASE, matching spec §6's required-environment list.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("ARB_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("ARB_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("ARB_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("ARB_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if v := os.Getenv("ARB_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}
	if v := os.Getenv("ARB_START_PAUSED"); v == "true" || v == "1" {
		cfg.StartPaused = true
	}
	if m := os.Getenv("ARB_BOT_MODE"); m != "" {
		cfg.Mode = BotMode(m)
	}
	if db := os.Getenv("ARB_DB_PATH"); db != "" {
		cfg.Store.DBPath = db
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeLive
	}
	if cfg.Book.PeriodicResyncInterval == 0 {
		cfg.Book.PeriodicResyncInterval = 30 * time.Second
	}
	if cfg.Command.SocketPath == "" {
		cfg.Command.SocketPath = "/tmp/arb-core.sock"
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	// wallet.private_key is intentionally not required here: an empty key
	// is a supported configuration that forces DRY_RUN (signer.Unavailable,
	// handled at cmd/arbd startup) rather than a validation failure. The
	// remaining wallet fields only matter once a key is actually present.
	if c.Wallet.PrivateKey != "" {
		if c.Wallet.ChainID == 0 {
			return fmt.Errorf("wallet.chain_id is required when wallet.private_key is set")
		}
		switch c.Wallet.SignatureType {
		case 0, 1, 2:
		default:
			return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (GNOSIS_SAFE)")
		}
		if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
			return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
		}
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Mode != ModeLive && c.Mode != ModeBacktest {
		return fmt.Errorf("bot_mode must be %q or %q", ModeLive, ModeBacktest)
	}
	if len(c.Markets.IDs) == 0 {
		return fmt.Errorf("markets.ids must list at least one market")
	}
	if c.Strategy.MinEdgeThreshold <= 0 {
		return fmt.Errorf("strategy.min_edge_threshold must be > 0")
	}
	if c.Strategy.TargetSizeUSD <= 0 {
		return fmt.Errorf("strategy.target_size_usd must be > 0")
	}
	if c.Risk.DailyLossLimit >= 0 {
		return fmt.Errorf("risk.daily_loss_limit must be negative")
	}
	if c.Risk.MaxDrawdown <= 0 {
		return fmt.Errorf("risk.max_drawdown must be > 0")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required (set ARB_DB_PATH)")
	}
	switch c.Flatten.Mode {
	case "cancel_only", "cancel_and_unwind":
	default:
		return fmt.Errorf("flatten.mode must be cancel_only or cancel_and_unwind")
	}
	return nil
}

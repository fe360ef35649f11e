// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via CRYPTOBOT_* environment variables.
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
	Logging         LoggingConfig         `mapstructure:"logging"`
	Bus             BusConfig             `mapstructure:"bus"`
	Metrics         MetricsConfig         `mapstructure:"metrics"`
	Redis           RedisConfig           `mapstructure:"redis"`
	PanicFile       string                `mapstructure:"panic_file"`
	InitialCapital  float64               `mapstructure:"initial_capital"`
	ModelDir        string                `mapstructure:"model_dir"`
	ActiveStrategy  string                `mapstructure:"active_strategy"`
	Strategies      StrategiesConfig      `mapstructure:"strategies"`
	LiveTrading     LiveTradingConfig     `mapstructure:"live_trading"`
	DataAcquisition DataAcquisitionConfig `mapstructure:"data_acquisition"`
	Risk            RiskConfig            `mapstructure:"risk"`
	Execution       ExecutionConfig       `mapstructure:"execution"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BusConfig bounds the event queue. Producers block when it is full.
type BusConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// RedisConfig locates the KV store receiving portfolio and analysis
// snapshots. An empty Addr runs the engine in degraded mode: trading
// continues, snapshot publication is skipped.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

// StrategiesConfig holds the per-strategy parameter blocks. Only the block
// named by active_strategy is used.
type StrategiesConfig struct {
	MultiModel    MultiModelConfig    `mapstructure:"multi_model_strategy"`
	SMACrossover  SMACrossoverConfig  `mapstructure:"sma_crossover"`
	BookImbalance BookImbalanceConfig `mapstructure:"book_imbalance"`
}

// MultiModelConfig tunes the three-model decision funnel.
//
//   - Symbol: the single symbol the funnel analyzes; other feeds are ignored.
//   - Timeframe: candle period for assembly and backfill (e.g. 1h).
//   - HistoryLength: completed candles required before any inference runs.
//   - Scoring: weights and thresholds for the buy/sell score rule.
//   - RSITrigger: RSI levels that add the oversold/overbought weights.
type MultiModelConfig struct {
	Symbol        string           `mapstructure:"symbol"`
	Timeframe     time.Duration    `mapstructure:"timeframe"`
	HistoryLength int              `mapstructure:"history_length"`
	Scoring       ScoringConfig    `mapstructure:"scoring"`
	RSITrigger    RSITriggerConfig `mapstructure:"rsi_trigger"`
}

// ScoringConfig holds the decision thresholds and stage weights.
type ScoringConfig struct {
	BuyThreshold  float64        `mapstructure:"buy_threshold"`
	SellThreshold float64        `mapstructure:"sell_threshold"`
	Weights       ScoringWeights `mapstructure:"weights"`
}

// ScoringWeights are the per-stage contributions to the buy and sell
// scores. Bear-side weights are negative so an adverse stage pushes the
// score away from its threshold.
type ScoringWeights struct {
	RegimeBull     float64 `mapstructure:"regime_bull"`
	RegimeNeutral  float64 `mapstructure:"regime_neutral"`
	RegimeBear     float64 `mapstructure:"regime_bear"`
	MomentumBull   float64 `mapstructure:"momentum_bull"`
	MomentumBear   float64 `mapstructure:"momentum_bear"`
	VolatilityLow  float64 `mapstructure:"volatility_low"`
	VolatilityHigh float64 `mapstructure:"volatility_high"`
	RSIOversold    float64 `mapstructure:"rsi_oversold"`
	RSIOverbought  float64 `mapstructure:"rsi_overbought"`
}

// RSITriggerConfig sets the RSI levels for the funnel's trigger stage.
type RSITriggerConfig struct {
	BuyThreshold  float64 `mapstructure:"buy_threshold"`
	SellThreshold float64 `mapstructure:"sell_threshold"`
}

// SMACrossoverConfig tunes the moving-average crossover strategy.
type SMACrossoverConfig struct {
	Symbol      string `mapstructure:"symbol"`
	ShortWindow int    `mapstructure:"short_window"`
	LongWindow  int    `mapstructure:"long_window"`
}

// BookImbalanceConfig tunes the order-book imbalance strategy.
//
//   - ImbalanceThreshold: bid/ask volume ratio that triggers a signal.
//   - Cooldown: minimum time between signals per symbol.
//   - TrendFilterWindow: EMA window used to block counter-trend signals.
type BookImbalanceConfig struct {
	Symbol             string        `mapstructure:"symbol"`
	ImbalanceThreshold float64       `mapstructure:"imbalance_threshold"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	TrendFilterWindow  int           `mapstructure:"trend_filter_window"`
}

// LiveTradingConfig wires the hybrid venue setup: market data from one
// exchange, execution on another. When Enabled is false the engine runs
// the simulated executor and never touches the execution venue.
type LiveTradingConfig struct {
	Enabled             bool               `mapstructure:"enabled"`
	DataSourceID        string             `mapstructure:"data_source_id"`
	ExecutionExchangeID string             `mapstructure:"execution_exchange_id"`
	IsTestnet           bool               `mapstructure:"is_testnet"`
	APIKeys             map[string]APIKeys `mapstructure:"api_keys"`
	SymbolMap           map[string]string  `mapstructure:"symbol_map"`
}

// APIKeys holds one venue's credentials.
type APIKeys struct {
	APIKey string `mapstructure:"apiKey"`
	Secret string `mapstructure:"secret"`
}

// DataAcquisitionConfig lists the exchanges the engine can read market
// data from.
type DataAcquisitionConfig struct {
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
}

// ExchangeConfig describes one venue in the exchange catalog. A venue can
// serve as market-data source (ws_url + symbols), execution target
// (rest_url, testnet_rest_url), or both.
type ExchangeConfig struct {
	WSURL          string   `mapstructure:"ws_url"`
	RESTURL        string   `mapstructure:"rest_url"`
	TestnetRESTURL string   `mapstructure:"testnet_rest_url"`
	Symbols        []string `mapstructure:"symbols"`
	Depth          int      `mapstructure:"depth"`
}

// RiskConfig sets the position-sizing rule applied to every signal.
//
//   - RiskPerTradePct: fraction of total portfolio value risked per trade.
//   - StopMultiplier: stop distance in multiples of the ATR proxy.
//   - RewardRisk: take-profit distance as a multiple of the stop distance.
//   - ATRProxyPct: placeholder volatility estimate as a fraction of price.
type RiskConfig struct {
	RiskPerTradePct float64 `mapstructure:"risk_per_trade_pct"`
	StopMultiplier  float64 `mapstructure:"stop_multiplier"`
	RewardRisk      float64 `mapstructure:"reward_risk"`
	ATRProxyPct     float64 `mapstructure:"atr_proxy_pct"`
}

// ExecutionConfig tunes the simulated executor.
type ExecutionConfig struct {
	SlippagePct   float64 `mapstructure:"slippage_pct"`
	CommissionPct float64 `mapstructure:"commission_pct"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: CRYPTOBOT_API_KEY, CRYPTOBOT_API_SECRET,
// CRYPTOBOT_REDIS_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CRYPTOBOT")
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

	// Override sensitive fields from env
	if addr := os.Getenv("CRYPTOBOT_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if key := os.Getenv("CRYPTOBOT_API_KEY"); key != "" {
		setVenueKey(&cfg, func(k *APIKeys) { k.APIKey = key })
	}
	if secret := os.Getenv("CRYPTOBOT_API_SECRET"); secret != "" {
		setVenueKey(&cfg, func(k *APIKeys) { k.Secret = secret })
	}
	if os.Getenv("CRYPTOBOT_LIVE_TRADING") == "true" || os.Getenv("CRYPTOBOT_LIVE_TRADING") == "1" {
		cfg.LiveTrading.Enabled = true
	}

	return &cfg, nil
}

// setVenueKey mutates the credentials of the configured execution venue,
// creating the entry if the YAML omitted it.
func setVenueKey(cfg *Config, apply func(*APIKeys)) {
	venue := cfg.LiveTrading.ExecutionExchangeID
	if venue == "" {
		return
	}
	if cfg.LiveTrading.APIKeys == nil {
		cfg.LiveTrading.APIKeys = make(map[string]APIKeys)
	}
	keys := cfg.LiveTrading.APIKeys[venue]
	apply(&keys)
	cfg.LiveTrading.APIKeys[venue] = keys
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("bus.capacity", 10000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":8002")
	v.SetDefault("redis.db", 0)
	v.SetDefault("panic_file", "/app/panic.kill")
	v.SetDefault("initial_capital", 10000.0)
	v.SetDefault("model_dir", "models")
	v.SetDefault("live_trading.is_testnet", true)

	v.SetDefault("risk.risk_per_trade_pct", 0.01)
	v.SetDefault("risk.stop_multiplier", 2.0)
	v.SetDefault("risk.reward_risk", 1.5)
	v.SetDefault("risk.atr_proxy_pct", 0.03)

	v.SetDefault("execution.slippage_pct", 0.0005)
	v.SetDefault("execution.commission_pct", 0.001)

	v.SetDefault("strategies.multi_model_strategy.symbol", "BTC/USD")
	v.SetDefault("strategies.multi_model_strategy.timeframe", "1h")
	v.SetDefault("strategies.multi_model_strategy.history_length", 250)
	v.SetDefault("strategies.multi_model_strategy.scoring.buy_threshold", 5)
	v.SetDefault("strategies.multi_model_strategy.scoring.sell_threshold", 5)
	v.SetDefault("strategies.multi_model_strategy.scoring.weights.regime_bull", 3)
	v.SetDefault("strategies.multi_model_strategy.scoring.weights.regime_neutral", 0)
	v.SetDefault("strategies.multi_model_strategy.scoring.weights.regime_bear", -5)
	v.SetDefault("strategies.multi_model_strategy.scoring.weights.momentum_bull", 3)
	v.SetDefault("strategies.multi_model_strategy.scoring.weights.momentum_bear", -3)
	v.SetDefault("strategies.multi_model_strategy.scoring.weights.volatility_low", 1)
	v.SetDefault("strategies.multi_model_strategy.scoring.weights.volatility_high", -5)
	v.SetDefault("strategies.multi_model_strategy.scoring.weights.rsi_oversold", 1)
	v.SetDefault("strategies.multi_model_strategy.scoring.weights.rsi_overbought", 1)
	v.SetDefault("strategies.multi_model_strategy.rsi_trigger.buy_threshold", 30)
	v.SetDefault("strategies.multi_model_strategy.rsi_trigger.sell_threshold", 70)

	v.SetDefault("strategies.sma_crossover.symbol", "BTC/USD")
	v.SetDefault("strategies.sma_crossover.short_window", 3)
	v.SetDefault("strategies.sma_crossover.long_window", 7)

	v.SetDefault("strategies.book_imbalance.symbol", "BTC/USD")
	v.SetDefault("strategies.book_imbalance.imbalance_threshold", 2.0)
	v.SetDefault("strategies.book_imbalance.cooldown", "60s")
	v.SetDefault("strategies.book_imbalance.trend_filter_window", 200)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.ActiveStrategy == "" {
		return fmt.Errorf("active_strategy is required")
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be > 0")
	}
	if c.LiveTrading.DataSourceID == "" {
		return fmt.Errorf("live_trading.data_source_id is required")
	}
	src, ok := c.DataAcquisition.Exchanges[c.LiveTrading.DataSourceID]
	if !ok {
		return fmt.Errorf("data_acquisition.exchanges has no entry for data source %q", c.LiveTrading.DataSourceID)
	}
	if src.WSURL == "" {
		return fmt.Errorf("data_acquisition.exchanges.%s.ws_url is required", c.LiveTrading.DataSourceID)
	}
	if len(src.Symbols) == 0 {
		return fmt.Errorf("data_acquisition.exchanges.%s.symbols must not be empty", c.LiveTrading.DataSourceID)
	}
	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct >= 1 {
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0, 1)")
	}
	if c.Risk.StopMultiplier <= 0 {
		return fmt.Errorf("risk.stop_multiplier must be > 0")
	}
	if c.Risk.RewardRisk <= 0 {
		return fmt.Errorf("risk.reward_risk must be > 0")
	}
	if c.Risk.ATRProxyPct <= 0 {
		return fmt.Errorf("risk.atr_proxy_pct must be > 0")
	}
	if c.Execution.SlippagePct < 0 || c.Execution.CommissionPct < 0 {
		return fmt.Errorf("execution.slippage_pct and execution.commission_pct must be >= 0")
	}
	if c.ActiveStrategy == "multi_model_strategy" {
		if c.ModelDir == "" {
			return fmt.Errorf("model_dir is required for the multi_model_strategy")
		}
		if src.RESTURL == "" {
			return fmt.Errorf("data_acquisition.exchanges.%s.rest_url is required for candle backfill", c.LiveTrading.DataSourceID)
		}
		if c.Strategies.MultiModel.Timeframe <= 0 {
			return fmt.Errorf("strategies.multi_model_strategy.timeframe must be > 0")
		}
		if c.Strategies.MultiModel.HistoryLength <= 0 {
			return fmt.Errorf("strategies.multi_model_strategy.history_length must be > 0")
		}
	}
	if c.ActiveStrategy == "sma_crossover" {
		s := c.Strategies.SMACrossover
		if s.ShortWindow <= 0 || s.LongWindow <= 0 || s.ShortWindow >= s.LongWindow {
			return fmt.Errorf("strategies.sma_crossover windows must satisfy 0 < short_window < long_window")
		}
	}
	if c.ActiveStrategy == "book_imbalance" {
		s := c.Strategies.BookImbalance
		if s.ImbalanceThreshold <= 1 {
			return fmt.Errorf("strategies.book_imbalance.imbalance_threshold must be > 1")
		}
		if s.TrendFilterWindow <= 0 {
			return fmt.Errorf("strategies.book_imbalance.trend_filter_window must be > 0")
		}
	}
	if c.LiveTrading.Enabled {
		venue := c.LiveTrading.ExecutionExchangeID
		if venue == "" {
			return fmt.Errorf("live_trading.execution_exchange_id is required when live trading is enabled")
		}
		keys, ok := c.LiveTrading.APIKeys[venue]
		if !ok || keys.APIKey == "" || keys.Secret == "" {
			return fmt.Errorf("live_trading.api_keys.%s requires apiKey and secret (set CRYPTOBOT_API_KEY / CRYPTOBOT_API_SECRET)", venue)
		}
		exec, ok := c.DataAcquisition.Exchanges[venue]
		if !ok {
			return fmt.Errorf("data_acquisition.exchanges has no entry for execution venue %q", venue)
		}
		if c.LiveTrading.IsTestnet {
			if exec.TestnetRESTURL == "" {
				return fmt.Errorf("data_acquisition.exchanges.%s.testnet_rest_url is required when is_testnet is true", venue)
			}
		} else if exec.RESTURL == "" {
			return fmt.Errorf("data_acquisition.exchanges.%s.rest_url is required for live execution", venue)
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

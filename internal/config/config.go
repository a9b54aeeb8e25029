package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"token-pricer/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. TOKENPRICER_DATABASE_DSN.
const EnvPrefix = "TOKENPRICER"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Anchor    AnchorConfig    `mapstructure:"anchor"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Vaults    VaultsConfig    `mapstructure:"vaults"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs refresh and cache-warm cadence.
type SchedulerConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	WarmInterval    time.Duration `mapstructure:"warm_interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AnchorConfig identifies the reference token.
type AnchorConfig struct {
	ContractID string `mapstructure:"contract_id"`
	Symbol     string `mapstructure:"symbol"`
}

// OracleConfig selects and parameterises the anchor price feed.
type OracleConfig struct {
	// Source is one of http, chainlink, stream or static.
	Source           string          `mapstructure:"source"`
	FailureThreshold int             `mapstructure:"failure_threshold"`
	HTTP             HTTPFeedConfig  `mapstructure:"http"`
	Chainlink        ChainlinkConfig `mapstructure:"chainlink"`
	Stream           StreamConfig    `mapstructure:"stream"`
	StaticPrice      float64         `mapstructure:"static_price"`
}

// HTTPFeedConfig covers the JSON price API.
type HTTPFeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Asset          string        `mapstructure:"asset"`
	VsCurrency     string        `mapstructure:"vs_currency"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ChainlinkConfig covers on-chain aggregator access.
type ChainlinkConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	AggregatorAddress string        `mapstructure:"aggregator_address"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxAge            time.Duration `mapstructure:"max_age"`
}

// StreamConfig covers the websocket ticker feed.
type StreamConfig struct {
	URL            string        `mapstructure:"url"`
	Subscribe      string        `mapstructure:"subscribe"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// VaultsConfig selects the vault listing source.
type VaultsConfig struct {
	// Source is file or database.
	Source string `mapstructure:"source"`
	File   string `mapstructure:"file"`
}

// PricingConfig holds the pricing policy knobs.
type PricingConfig struct {
	DivergenceThresholdPct float64       `mapstructure:"divergence_threshold_pct"`
	PreferIntrinsic        bool          `mapstructure:"prefer_intrinsic"`
	QueueBudget            time.Duration `mapstructure:"queue_budget"`
	Workers                int           `mapstructure:"workers"`
	ConfidenceBase         float64       `mapstructure:"confidence_base"`
	ConfidenceStep         float64       `mapstructure:"confidence_step"`
	ConfidenceFloor        float64       `mapstructure:"confidence_floor"`
	HopDecay               float64       `mapstructure:"hop_decay"`
	MinDepth               float64       `mapstructure:"min_depth"`
	FallbackConfidence     float64       `mapstructure:"fallback_confidence"`
	GraphMaxAge            time.Duration `mapstructure:"graph_max_age"`
	TokenMaxAge            time.Duration `mapstructure:"token_max_age"`
	BatchConcurrency       int           `mapstructure:"batch_concurrency"`
}

// CacheConfig selects the price cache backend.
type CacheConfig struct {
	// Backend is memory or database.
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// AlertingConfig defines arbitrage signal routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig controls the HTTP listener for /metrics and /healthz.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Listen    string `mapstructure:"listen"`
	Namespace string `mapstructure:"namespace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Dir       string `mapstructure:"dir"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads .env (or TOKENPRICER_ENV_FILE) into the process
// environment without overriding variables already set.
func loadDotEnv() error {
	file := os.Getenv(EnvPrefix + "_ENV_FILE")
	if file == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", file, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tokenpricer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.path", "logs/tokenpricer.log")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("scheduler.refresh_interval", "1m")
	v.SetDefault("scheduler.warm_interval", "30s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x746b7072))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("anchor.contract_id", "")
	v.SetDefault("anchor.symbol", "BTC")

	v.SetDefault("oracle.source", "http")
	v.SetDefault("oracle.failure_threshold", 3)
	v.SetDefault("oracle.http.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("oracle.http.asset", "bitcoin")
	v.SetDefault("oracle.http.vs_currency", "usd")
	v.SetDefault("oracle.http.request_timeout", "10s")
	v.SetDefault("oracle.http.min_interval", "2s")
	v.SetDefault("oracle.http.user_agent", "tokenpricer/1.0")
	v.SetDefault("oracle.http.api_key", "")
	v.SetDefault("oracle.static_price", 0.0)
	v.SetDefault("oracle.chainlink.rpc_url", "")
	v.SetDefault("oracle.chainlink.aggregator_address", "")
	v.SetDefault("oracle.chainlink.request_timeout", "10s")
	v.SetDefault("oracle.stream.url", "")
	v.SetDefault("oracle.stream.subscribe", "")
	v.SetDefault("oracle.chainlink.max_age", "1h")
	v.SetDefault("oracle.stream.max_age", "1m")
	v.SetDefault("oracle.stream.reconnect_delay", "5s")

	v.SetDefault("vaults.source", "file")
	v.SetDefault("vaults.file", "vaults.json")

	v.SetDefault("pricing.divergence_threshold_pct", 5.0)
	v.SetDefault("pricing.prefer_intrinsic", false)
	v.SetDefault("pricing.queue_budget", "10s")
	v.SetDefault("pricing.workers", 0)
	v.SetDefault("pricing.confidence_base", 0.8)
	v.SetDefault("pricing.confidence_step", 0.1)
	v.SetDefault("pricing.confidence_floor", 0.3)
	v.SetDefault("pricing.hop_decay", 0.05)
	v.SetDefault("pricing.min_depth", 0.0)
	v.SetDefault("pricing.fallback_confidence", 0.8)
	v.SetDefault("pricing.graph_max_age", "10m")
	v.SetDefault("pricing.token_max_age", "15m")
	v.SetDefault("pricing.batch_concurrency", 16)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "1m")
	v.SetDefault("cache.key_prefix", "price:")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9102")
	v.SetDefault("metrics.namespace", "token_pricer")

	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.max_tokens", 50)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Anchor.ContractID == "" {
		return fmt.Errorf("anchor.contract_id must be configured")
	}
	if c.Scheduler.RefreshInterval <= 0 {
		return fmt.Errorf("scheduler.refresh_interval must be greater than zero")
	}
	if c.Scheduler.WarmInterval <= 0 {
		return fmt.Errorf("scheduler.warm_interval must be greater than zero")
	}

	switch c.Oracle.Source {
	case "http":
		if c.Oracle.HTTP.BaseURL == "" || c.Oracle.HTTP.Asset == "" {
			return fmt.Errorf("oracle.http.base_url 与 oracle.http.asset 必须配置")
		}
	case "chainlink":
		if c.Oracle.Chainlink.RPCURL == "" || c.Oracle.Chainlink.AggregatorAddress == "" {
			return fmt.Errorf("oracle.chainlink.rpc_url 与 oracle.chainlink.aggregator_address 必须配置")
		}
	case "stream":
		if c.Oracle.Stream.URL == "" {
			return fmt.Errorf("oracle.stream.url 必须配置")
		}
	case "static":
		if c.Oracle.StaticPrice <= 0 {
			return fmt.Errorf("oracle.static_price must be greater than zero")
		}
	default:
		return fmt.Errorf("unknown oracle.source %q", c.Oracle.Source)
	}

	switch c.Vaults.Source {
	case "file":
		if c.Vaults.File == "" {
			return fmt.Errorf("vaults.file must be configured")
		}
	case "database":
		if c.Database.DSN == "" {
			return fmt.Errorf("vaults.source=database requires database.dsn")
		}
	default:
		return fmt.Errorf("unknown vaults.source %q", c.Vaults.Source)
	}

	switch c.Cache.Backend {
	case "memory":
	case "database":
		if c.Database.DSN == "" {
			return fmt.Errorf("cache.backend=database requires database.dsn")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	p := c.Pricing
	if p.DivergenceThresholdPct < 0 {
		return fmt.Errorf("pricing.divergence_threshold_pct cannot be negative")
	}
	if p.QueueBudget <= 0 {
		return fmt.Errorf("pricing.queue_budget must be greater than zero")
	}
	for name, v := range map[string]float64{
		"pricing.confidence_base":     p.ConfidenceBase,
		"pricing.confidence_floor":    p.ConfidenceFloor,
		"pricing.fallback_confidence": p.FallbackConfidence,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1]", name)
		}
	}
	if p.ConfidenceStep < 0 || p.HopDecay < 0 || p.MinDepth < 0 {
		return fmt.Errorf("pricing.confidence_step, hop_decay and min_depth cannot be negative")
	}
	if p.ConfidenceFloor > p.ConfidenceBase {
		return fmt.Errorf("pricing.confidence_floor cannot exceed confidence_base")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than zero")
	}
	if c.Export.MaxTokens <= 0 {
		return fmt.Errorf("export.max_tokens must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxTokens returns either the CLI override or config default.
func (c *Config) ResolveMaxTokens(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxTokens
}

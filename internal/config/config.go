package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"price-deviation-watch/internal/deviation"
	"price-deviation-watch/internal/logging"
	"price-deviation-watch/internal/policy"
	"price-deviation-watch/internal/venue"
)

const envPrefix = "DEVWATCH"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	References ReferencesConfig `mapstructure:"references"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// FeedConfig selects the venue stream and tunes the connection manager.
type FeedConfig struct {
	Venue            string        `mapstructure:"venue" validate:"oneof=bybit binance"`
	URL              string        `mapstructure:"url" validate:"omitempty,url"`
	Symbols          []string      `mapstructure:"symbols" validate:"min=1,dive,required"`
	Pairs            []string      `mapstructure:"pairs"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout" validate:"gt=0"`
	StalenessWindow  time.Duration `mapstructure:"staleness_window" validate:"gt=0"`
	PingInterval     time.Duration `mapstructure:"ping_interval" validate:"gte=0"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	Backoff          BackoffConfig `mapstructure:"backoff"`
	WarnAfter        int           `mapstructure:"warn_after" validate:"gte=1"`
	Workers          int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize        int           `mapstructure:"queue_size" validate:"gte=1"`
}

// BackoffConfig shapes reconnect delays.
type BackoffConfig struct {
	Min        time.Duration `mapstructure:"min" validate:"gt=0"`
	Max        time.Duration `mapstructure:"max" validate:"gtefield=Min"`
	Factor     float64       `mapstructure:"factor" validate:"gte=1"`
	Jitter     float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
	ResetAfter time.Duration `mapstructure:"reset_after" validate:"gte=0"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled            bool               `mapstructure:"enabled"`
	ThresholdPct       float64            `mapstructure:"threshold_pct" validate:"gt=0"`
	ThresholdOverrides map[string]float64 `mapstructure:"threshold_overrides" validate:"dive,gt=0"`
	Cooldown           time.Duration      `mapstructure:"cooldown" validate:"gte=0"`
	AutoBlacklistLimit int                `mapstructure:"auto_blacklist_limit" validate:"gte=0"`
	SymbolBlacklist    []string           `mapstructure:"symbol_blacklist"`
	MaxPlausiblePct    float64            `mapstructure:"max_plausible_pct" validate:"gte=0"`
	NotifyTimeout      time.Duration      `mapstructure:"notify_timeout" validate:"gt=0"`
	QueueSize          int                `mapstructure:"queue_size" validate:"gte=1"`
	Telegram           TelegramConfig     `mapstructure:"telegram"`
	Kafka              KafkaConfig        `mapstructure:"kafka"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	BotToken  string `mapstructure:"bot_token"`
	ChatID    string `mapstructure:"chat_id"`
	APIBase   string `mapstructure:"api_base" validate:"omitempty,url"`
	// ParseMode is empty or Markdown; alerts are rendered as legacy Markdown.
	ParseMode string `mapstructure:"parse_mode" validate:"omitempty,oneof=Markdown"`
}

// KafkaConfig publishes alerts as events.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ReferencesConfig configures the optional external reference source.
type ReferencesConfig struct {
	Source       string            `mapstructure:"source" validate:"omitempty,oneof=binance pyth chainlink"`
	PollInterval time.Duration     `mapstructure:"poll_interval" validate:"gt=0"`
	MaxAge       time.Duration     `mapstructure:"max_age" validate:"gte=0"`
	SymbolMap    map[string]string `mapstructure:"symbol_map"`
	Binance      BinanceRefConfig  `mapstructure:"binance"`
	Pyth         PythConfig        `mapstructure:"pyth"`
	Chainlink    ChainlinkConfig   `mapstructure:"chainlink"`
}

type BinanceRefConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
}

type PythConfig struct {
	BaseURL        string            `mapstructure:"base_url" validate:"omitempty,url"`
	Feeds          map[string]string `mapstructure:"feeds"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
}

// ChainlinkConfig covers on-chain aggregator access.
type ChainlinkConfig struct {
	RPCURL         string            `mapstructure:"rpc_url"`
	Feeds          map[string]string `mapstructure:"feeds"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the alert audit log.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// MetricsConfig exposes prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" validate:"gt=0"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAliases(v); err != nil {
		return nil, err
	}

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
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// bindAliases accepts the conventional Telegram variable names alongside the
// prefixed ones.
func bindAliases(v *viper.Viper) error {
	aliases := map[string][]string{
		"alerting.telegram.bot_token": {"DEVWATCH_ALERTING_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN"},
		"alerting.telegram.chat_id":   {"DEVWATCH_ALERTING_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID"},
		"database.dsn":                {"DEVWATCH_DATABASE_DSN", "DATABASE_URL"},
	}
	for key, envs := range aliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "devwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("feed.venue", "bybit")
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.symbols", []string{})
	v.SetDefault("feed.pairs", []string{"last/mark"})
	v.SetDefault("feed.connect_timeout", "10s")
	v.SetDefault("feed.subscribe_timeout", "10s")
	v.SetDefault("feed.staleness_window", "30s")
	v.SetDefault("feed.ping_interval", "20s")
	v.SetDefault("feed.write_timeout", "5s")
	v.SetDefault("feed.backoff.min", "1s")
	v.SetDefault("feed.backoff.max", "60s")
	v.SetDefault("feed.backoff.factor", 2.0)
	v.SetDefault("feed.backoff.jitter", 0.2)
	v.SetDefault("feed.backoff.reset_after", "1m")
	v.SetDefault("feed.warn_after", 3)
	v.SetDefault("feed.workers", 4)
	v.SetDefault("feed.queue_size", 1024)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.threshold_pct", 2.0)
	v.SetDefault("alerting.threshold_overrides", map[string]float64{})
	v.SetDefault("alerting.cooldown", "5m")
	v.SetDefault("alerting.auto_blacklist_limit", 2)
	v.SetDefault("alerting.symbol_blacklist", []string{})
	v.SetDefault("alerting.max_plausible_pct", 0.0)
	v.SetDefault("alerting.notify_timeout", "10s")
	v.SetDefault("alerting.queue_size", 256)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.parse_mode", "Markdown")
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.brokers", []string{})
	v.SetDefault("alerting.kafka.topic", "price-deviation-alerts")

	v.SetDefault("references.source", "")
	v.SetDefault("references.poll_interval", "30s")
	v.SetDefault("references.max_age", "2m")
	v.SetDefault("references.binance.base_url", "")
	v.SetDefault("references.pyth.base_url", "https://hermes.pyth.network")
	v.SetDefault("references.pyth.request_timeout", "10s")
	v.SetDefault("references.pyth.user_agent", "devwatch/1.0")
	v.SetDefault("references.chainlink.rpc_url", "")
	v.SetDefault("references.chainlink.request_timeout", "10s")

	v.SetDefault("metrics.listen", "")

	v.SetDefault("export.max_data_points", 100000)

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

// normalise upper-cases symbols. Viper lower-cases map keys, so symbol keyed
// maps are restored here as well.
func (c *Config) normalise() {
	upper := func(s string, _ int) string { return strings.ToUpper(strings.TrimSpace(s)) }
	upperKeys := func(m map[string]string) map[string]string {
		return lo.MapKeys(m, func(_ string, k string) string { return strings.ToUpper(k) })
	}

	c.Feed.Venue = strings.ToLower(strings.TrimSpace(c.Feed.Venue))
	c.Feed.Symbols = lo.Uniq(lo.Compact(lo.Map(c.Feed.Symbols, upper)))
	c.Alerting.SymbolBlacklist = lo.Uniq(lo.Compact(lo.Map(c.Alerting.SymbolBlacklist, upper)))
	c.Alerting.ThresholdOverrides = lo.MapKeys(c.Alerting.ThresholdOverrides, func(_ float64, k string) string {
		return strings.ToUpper(k)
	})

	c.References.Source = strings.ToLower(strings.TrimSpace(c.References.Source))
	c.References.SymbolMap = lo.MapValues(upperKeys(c.References.SymbolMap), func(v string, _ string) string {
		return strings.ToUpper(v)
	})
	c.References.Pyth.Feeds = upperKeys(c.References.Pyth.Feeds)
	c.References.Chainlink.Feeds = upperKeys(c.References.Chainlink.Feeds)
}

// Validate performs struct-tag and cross-field checks on the configuration.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
				return fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag())
			})
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := c.Pairs(); err != nil {
		return fmt.Errorf("feed.pairs: %w", err)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Kafka.Enabled {
		if len(c.Alerting.Kafka.Brokers) == 0 {
			return errors.New("alerting.kafka.brokers must be set when kafka is enabled")
		}
		if c.Alerting.Kafka.Topic == "" {
			return errors.New("alerting.kafka.topic must be set when kafka is enabled")
		}
	}

	switch c.References.Source {
	case "pyth":
		if len(c.References.Pyth.Feeds) == 0 {
			return errors.New("references.pyth.feeds must map at least one symbol")
		}
	case "chainlink":
		if c.References.Chainlink.RPCURL == "" {
			return errors.New("references.chainlink.rpc_url must be set")
		}
		if len(c.References.Chainlink.Feeds) == 0 {
			return errors.New("references.chainlink.feeds must map at least one symbol")
		}
	}
	return nil
}

// Pairs parses the configured price pairs; the first is primary.
func (c *Config) Pairs() ([]deviation.Pair, error) {
	return venue.ParsePairs(c.Feed.Pairs)
}

// FeedURL returns the configured URL or the venue default.
func (c *Config) FeedURL() string {
	if c.Feed.URL != "" {
		return c.Feed.URL
	}
	if c.Feed.Venue == "binance" {
		return venue.BinanceFuturesURL
	}
	return venue.BybitLinearURL
}

// Rules builds the immutable alert policy snapshot.
func (c *Config) Rules() policy.Rules {
	overrides := make(map[string]decimal.Decimal, len(c.Alerting.ThresholdOverrides))
	for symbol, pct := range c.Alerting.ThresholdOverrides {
		overrides[symbol] = decimal.NewFromFloat(pct)
	}
	return policy.Rules{
		Thresholds: policy.Thresholds{
			Default:   decimal.NewFromFloat(c.Alerting.ThresholdPct),
			Overrides: overrides,
		},
		Cooldown:            c.Alerting.Cooldown,
		AutoBlacklistLimit:  c.Alerting.AutoBlacklistLimit,
		Blacklist:           lo.SliceToMap(c.Alerting.SymbolBlacklist, func(s string) (string, struct{}) { return s, struct{}{} }),
		MaxPlausiblePercent: decimal.NewFromFloat(c.Alerting.MaxPlausiblePct),
	}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

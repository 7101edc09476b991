// Package config loads alert pipeline configuration from a YAML/TOML/JSON
// file, a .env file and CRYPTOALERT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cryptoalerts/internal/logger"
	"cryptoalerts/internal/model"
	"cryptoalerts/internal/rules"
)

// EnvPrefix prefixes every environment override, e.g. CRYPTOALERT_STORE_PATH.
const EnvPrefix = "CRYPTOALERT"

// Config materialises application configuration.
type Config struct {
	App      AppConfig          `mapstructure:"app"`
	Logging  logger.Config      `mapstructure:"logging"`
	Store    StoreConfig        `mapstructure:"store"`
	Pipeline PipelineConfig     `mapstructure:"pipeline"`
	Rules    []rules.Definition `mapstructure:"rules"`
	Notify   NotifyConfig       `mapstructure:"notify"`
	Consumer ConsumerConfig     `mapstructure:"consumer"`
	Feed     FeedConfig         `mapstructure:"feed"`
	Redis    RedisConfig        `mapstructure:"redis"`
	Metrics  MetricsConfig      `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	ReadConns int    `mapstructure:"read_conns"`
}

// PipelineConfig drives aggregation and indicator computation.
type PipelineConfig struct {
	Symbols       []string `mapstructure:"symbols"`
	BaseTimeframe string   `mapstructure:"base_tf"`
	Timeframes    []string `mapstructure:"timeframes"` // rollup targets, base excluded
	Indicators    []string `mapstructure:"indicators"` // computed on every timeframe in addition to rule needs
	Parallelism   int      `mapstructure:"parallelism"`
	Workers       int      `mapstructure:"workers"` // live-mode symbol shards
	QueueSize     int      `mapstructure:"queue_size"`
	LargeGap      int      `mapstructure:"large_gap"` // base bars; longer gaps are logged (and still filled)
}

// NotifyConfig configures the router and its channels.
type NotifyConfig struct {
	Channels       []string       `mapstructure:"channels"`
	MaxAttempts    int            `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration  `mapstructure:"attempt_timeout"`
	BackoffBase    time.Duration  `mapstructure:"backoff_base"`
	BackoffMax     time.Duration  `mapstructure:"backoff_max"`
	PollInterval   time.Duration  `mapstructure:"poll_interval"`
	BatchSize      int            `mapstructure:"batch_size"`
	RateLimit      time.Duration  `mapstructure:"rate_limit"` // per (symbol, rule, tf), by event time; 0 = off
	Webhook        WebhookConfig  `mapstructure:"webhook"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
	Sound          SoundConfig    `mapstructure:"sound"`
	RedisStream    StreamConfig   `mapstructure:"redis_stream"`
}

// WebhookConfig is a signed JSON webhook (DingTalk-compatible robot).
type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// TelegramConfig describes the Telegram bot channel.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SoundConfig is local audible playback. An empty command rings the terminal bell.
type SoundConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// StreamConfig publishes alerts to a Redis stream.
type StreamConfig struct {
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// ConsumerConfig configures a durable cursor consumer (local notifier agent).
type ConsumerConfig struct {
	ID           string        `mapstructure:"id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	BatchSize    int           `mapstructure:"batch_size"`
	MinSeverity  string        `mapstructure:"min_severity"`
	DryRun       bool          `mapstructure:"dry_run"`
	DedupWindow  int           `mapstructure:"dedup_window"`
}

// FeedConfig is the market-data WebSocket feed.
type FeedConfig struct {
	URL          string        `mapstructure:"url"`
	Kind         string        `mapstructure:"kind"` // tick | bar
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// RedisConfig enables the Redis mirror and stream channel.
type RedisConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Addr             string        `mapstructure:"addr"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	StreamMaxLen     int64         `mapstructure:"stream_max_len"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// MetricsConfig exposes /metrics and /healthz.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load builds configuration from defaults, an optional file, .env and the
// environment, in increasing precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cryptoalerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.path", "data/alerts.db")
	v.SetDefault("store.read_conns", 4)

	v.SetDefault("pipeline.symbols", []string{})
	v.SetDefault("pipeline.base_tf", "1m")
	v.SetDefault("pipeline.timeframes", []string{"5m", "15m", "1h"})
	v.SetDefault("pipeline.indicators", []string{})
	v.SetDefault("pipeline.parallelism", 4)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 1024)
	v.SetDefault("pipeline.large_gap", 60)

	v.SetDefault("notify.channels", []string{"webhook", "log"})
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.attempt_timeout", "5s")
	v.SetDefault("notify.backoff_base", "500ms")
	v.SetDefault("notify.backoff_max", "10s")
	v.SetDefault("notify.poll_interval", "2s")
	v.SetDefault("notify.batch_size", 100)
	v.SetDefault("notify.rate_limit", "5m")
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notify.redis_stream.stream", "alerts:events")
	v.SetDefault("notify.redis_stream.max_len", 10000)

	v.SetDefault("consumer.id", "local-notifier")
	v.SetDefault("consumer.poll_interval", "2s")
	v.SetDefault("consumer.max_backoff", "30s")
	v.SetDefault("consumer.batch_size", 200)
	v.SetDefault("consumer.min_severity", "info")
	v.SetDefault("consumer.dedup_window", 1024)

	v.SetDefault("feed.kind", "tick")
	v.SetDefault("feed.reconnect_min", "1s")
	v.SetDefault("feed.reconnect_max", "30s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "cryptoalerts")
	v.SetDefault("redis.stream_max_len", 10000)
	v.SetDefault("redis.breaker_threshold", 5)
	v.SetDefault("redis.breaker_cooldown", "30s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
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

// Validate performs sanity checks on the configuration values. Rule
// definitions are validated separately by rules.Load.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	base, err := model.ParseTimeframe(c.Pipeline.BaseTimeframe)
	if err != nil {
		return fmt.Errorf("pipeline.base_tf: %w", err)
	}
	tfs, err := model.ParseTimeframes(c.Pipeline.Timeframes)
	if err != nil {
		return fmt.Errorf("pipeline.timeframes: %w", err)
	}
	for _, tf := range tfs {
		if tf <= base || tf.Seconds()%base.Seconds() != 0 {
			return fmt.Errorf("pipeline.timeframes: %s is not a multiple of base %s", tf, base)
		}
	}
	if c.Pipeline.Parallelism <= 0 {
		return fmt.Errorf("pipeline.parallelism must be greater than zero")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be greater than zero")
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be greater than zero")
	}
	if c.Notify.AttemptTimeout <= 0 {
		return fmt.Errorf("notify.attempt_timeout must be greater than zero")
	}
	if c.Notify.RateLimit < 0 {
		return fmt.Errorf("notify.rate_limit must not be negative")
	}
	if c.Consumer.PollInterval <= 0 {
		return fmt.Errorf("consumer.poll_interval must be greater than zero")
	}
	if _, err := model.ParseSeverity(c.Consumer.MinSeverity); err != nil {
		return fmt.Errorf("consumer.min_severity: %w", err)
	}
	switch c.Feed.Kind {
	case "tick", "bar":
	default:
		return fmt.Errorf("feed.kind must be tick or bar, got %q", c.Feed.Kind)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis is enabled")
	}
	return nil
}

// BaseTimeframe returns the parsed base timeframe (valid after Validate).
func (c *Config) BaseTimeframe() model.Timeframe {
	tf, _ := model.ParseTimeframe(c.Pipeline.BaseTimeframe)
	return tf
}

// TargetTimeframes returns the parsed rollup timeframes (valid after Validate).
func (c *Config) TargetTimeframes() []model.Timeframe {
	tfs, _ := model.ParseTimeframes(c.Pipeline.Timeframes)
	return tfs
}

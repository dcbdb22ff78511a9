package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ExchangeConfig configures one exchange adapter and its request budget.
type ExchangeConfig struct {
	Enabled     bool    `yaml:"enabled"`
	APIKey      string  `yaml:"api_key"`
	APISecret   string  `yaml:"api_secret"`
	BaseURL     string  `yaml:"base_url"`
	Concurrency int     `yaml:"concurrency" default:"4" validate:"gte=1"`
	RateBurst   float64 `yaml:"rate_burst" default:"10" validate:"gt=0"`
	RatePerSec  float64 `yaml:"rate_per_sec" default:"10" validate:"gt=0"`
}

// WatchlistEntry is a statically configured watch.
type WatchlistEntry struct {
	Pair      string `yaml:"pair" validate:"required"`
	Timeframe string `yaml:"timeframe" validate:"required,oneof=15m 30m 1h 4h 1d 1w 1M"`
	Exchange  string `yaml:"exchange"`
}

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Log         struct {
		Level     string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format    string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output    string `yaml:"output" default:"stdout"`
		Collector struct {
			Enabled   bool          `yaml:"enabled"`
			Topic     string        `yaml:"topic" default:"ops.logs"`
			Interval  time.Duration `yaml:"interval" default:"30s"`
			Threshold int           `yaml:"threshold" default:"100"`
			Warnings  bool          `yaml:"warnings" default:"true"`
		} `yaml:"collector"`
	} `yaml:"log"`
	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		SlowRequest     time.Duration `yaml:"slow_request" default:"1s"`
		OrderBookTTL    time.Duration `yaml:"orderbook_cache_ttl" default:"2s"`
	} `yaml:"server"`
	Scheduler struct {
		Tick              time.Duration `yaml:"tick" default:"60s" validate:"gt=0"`
		FinalityDelay     time.Duration `yaml:"finality_delay" default:"5s" validate:"gte=0"`
		RetryDelay        time.Duration `yaml:"retry_delay" default:"5m" validate:"gt=0"`
		RateLimitCooldown time.Duration `yaml:"ratelimit_cooldown" default:"60s" validate:"gte=0"`
		FetchTimeout      time.Duration `yaml:"fetch_timeout" default:"20s" validate:"gt=0"`
		Workers           int           `yaml:"workers" default:"16" validate:"gte=1"`
		BootstrapLimit    int           `yaml:"bootstrap_limit" default:"500" validate:"gte=1,lte=1000"`
	} `yaml:"scheduler"`
	Exchanges struct {
		Default string         `yaml:"default" default:"binance" validate:"oneof=binance kucoin"`
		Binance ExchangeConfig `yaml:"binance"`
		KuCoin  ExchangeConfig `yaml:"kucoin"`
	} `yaml:"exchanges"`
	Storage struct {
		Type       string `yaml:"type" default:"sqlite" validate:"oneof=memory sqlite clickhouse"`
		SQLitePath string `yaml:"sqlite_path" default:"data/oracle.db" validate:"required_if=Type sqlite"`
		ClickHouse struct {
			Host             string        `yaml:"host" default:"localhost"`
			Port             int           `yaml:"port" default:"9000"`
			Database         string        `yaml:"database" default:"candlepull"`
			User             string        `yaml:"user" default:"default"`
			Password         string        `yaml:"password"`
			UseHTTP          bool          `yaml:"use_http"`
			AsyncInsert      bool          `yaml:"async_insert"`
			WaitForAsync     bool          `yaml:"wait_for_async_insert"`
			DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
			ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
			WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
			MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
		} `yaml:"clickhouse"`
	} `yaml:"storage"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers" default:"[\"localhost:9092\"]"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
		Topics       struct {
			CandlesReady      string `yaml:"candles_ready" default:"candles.ready"`
			WatchlistCommands string `yaml:"watchlist_commands" default:"watchlist.commands"`
		} `yaml:"topics"`
		Producer struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"100ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
			CreateTopics bool          `yaml:"create_topics"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"candlepull"`
			Workers    int           `yaml:"workers" default:"1"`
			BufferSize int           `yaml:"buffer_size" default:"100"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10000000"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Key      string `yaml:"key" default:"candlepull:watchlist"`
	} `yaml:"redis"`
	Notifier struct {
		BufferSize int  `yaml:"buffer_size" default:"256" validate:"gte=1"`
		KafkaSink  bool `yaml:"kafka_sink" default:"true"`
		WebSocket  bool `yaml:"websocket" default:"true"`
	} `yaml:"notifier"`
	Watchlist []WatchlistEntry `yaml:"watchlist" validate:"dive"`
}

// Default returns a config populated only from default tags.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	// Per-exchange defaults that cannot live on the shared struct tags.
	c.Exchanges.Binance.Enabled = true
	c.Exchanges.KuCoin.BaseURL = "https://api.kucoin.com"
	c.Exchanges.KuCoin.Concurrency = 2
	c.Exchanges.KuCoin.RatePerSec = 5
	return &c, nil
}

// Load reads and parses a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML, then a .env file if present, then overrides
// from environment variables.
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.Storage.ClickHouse.Host = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Exchanges.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Exchanges.Binance.APISecret = v
	}
	if v := os.Getenv("KUCOIN_BASE_URL"); v != "" {
		c.Exchanges.KuCoin.BaseURL = v
	}
	return nil
}

var validate = validator.New()

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if !c.exchangeEnabled(c.Exchanges.Default) {
		return fmt.Errorf("exchanges.default %q is not enabled", c.Exchanges.Default)
	}
	for _, w := range c.Watchlist {
		if w.Exchange != "" && !c.exchangeEnabled(w.Exchange) {
			return fmt.Errorf("watchlist %s %s: exchange %q is not enabled", w.Pair, w.Timeframe, w.Exchange)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	return nil
}

func (c *Config) exchangeEnabled(name string) bool {
	switch name {
	case "binance":
		return c.Exchanges.Binance.Enabled
	case "kucoin":
		return c.Exchanges.KuCoin.Enabled
	default:
		return false
	}
}

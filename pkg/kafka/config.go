package kafka

import (
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// ProducerOption configures Producer.
type ProducerOption func(*ProducerConfig)

// ProducerConfig holds producer settings. Zero fields take the defaults below
// before options are applied.
type ProducerConfig struct {
	Brokers      []string      `validate:"required,min=1,dive,hostname_port"`
	RequiredAcks int           `default:"-1" validate:"oneof=-1 0 1"`
	Compression  string        `default:"gzip" validate:"oneof=none gzip snappy lz4 zstd"`
	MaxAttempts  int           `default:"3" validate:"gte=1"`
	WriteTimeout time.Duration `default:"10s" validate:"gt=0"`
	ReadTimeout  time.Duration `default:"10s" validate:"gt=0"`
	BatchSize    int           `default:"100" validate:"gte=1"`
	BatchBytes   int           `default:"1048576" validate:"gte=1"`
	Linger       time.Duration `default:"1s"`
	Async        bool
	// KeyOrdering routes records by key hash so every event of one
	// pair@timeframe lands on the same partition.
	KeyOrdering      bool
	AutoCreateTopics bool
}

var configValidator = validator.New()

func newProducerConfig(opts ...ProducerOption) (*ProducerConfig, error) {
	cfg := &ProducerConfig{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("kafka producer defaults: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := configValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("kafka producer config: %w", err)
	}
	return cfg, nil
}

// WithBrokers sets the bootstrap brokers as host:port.
func WithBrokers(brokers []string) ProducerOption {
	return func(c *ProducerConfig) { c.Brokers = brokers }
}

// WithCompression sets the codec. Empty keeps the default.
func WithCompression(codec string) ProducerOption {
	return func(c *ProducerConfig) {
		if codec != "" {
			c.Compression = codec
		}
	}
}

// WithDelivery sets required acks (-1 = all in-sync replicas) and how many
// times the writer tries a batch. A non-positive attempts keeps the default.
func WithDelivery(acks, attempts int) ProducerOption {
	return func(c *ProducerConfig) {
		c.RequiredAcks = acks
		if attempts > 0 {
			c.MaxAttempts = attempts
		}
	}
}

// WithBatching sets batch limits. Non-positive values keep the defaults.
func WithBatching(size, bytes int, linger time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		if size > 0 {
			c.BatchSize = size
		}
		if bytes > 0 {
			c.BatchBytes = bytes
		}
		if linger > 0 {
			c.Linger = linger
		}
	}
}

// WithTimeouts sets writer timeouts. Non-positive values keep the defaults.
func WithTimeouts(write, read time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		if write > 0 {
			c.WriteTimeout = write
		}
		if read > 0 {
			c.ReadTimeout = read
		}
	}
}

// WithAsync makes Publish return before the broker acknowledges.
func WithAsync(async bool) ProducerOption {
	return func(c *ProducerConfig) { c.Async = async }
}

// WithAutoCreateTopics lets the writer create missing topics.
func WithAutoCreateTopics(enabled bool) ProducerOption {
	return func(c *ProducerConfig) { c.AutoCreateTopics = enabled }
}

// WithKeyOrdering enables the hash balancer.
func WithKeyOrdering(enabled bool) ProducerOption {
	return func(c *ProducerConfig) { c.KeyOrdering = enabled }
}

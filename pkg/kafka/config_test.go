package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerConfigDefaults(t *testing.T) {
	cfg, err := newProducerConfig(WithBrokers([]string{"localhost:9092"}))
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.RequiredAcks)
	assert.Equal(t, "gzip", cfg.Compression)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, time.Second, cfg.Linger)
	assert.False(t, cfg.KeyOrdering)
}

func TestProducerConfigOptions(t *testing.T) {
	cfg, err := newProducerConfig(
		WithBrokers([]string{"kafka-1:9092", "kafka-2:9092"}),
		WithCompression("zstd"),
		WithDelivery(1, 0),
		WithBatching(0, 4096, 50*time.Millisecond),
		WithTimeouts(0, 2*time.Second),
		WithKeyOrdering(true),
		WithAutoCreateTopics(true),
	)
	require.NoError(t, err)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, 1, cfg.RequiredAcks)
	assert.Equal(t, 3, cfg.MaxAttempts, "non-positive attempts keep the default")
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 4096, cfg.BatchBytes)
	assert.Equal(t, 50*time.Millisecond, cfg.Linger)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 2*time.Second, cfg.ReadTimeout)
	assert.True(t, cfg.KeyOrdering)
	assert.True(t, cfg.AutoCreateTopics)
}

func TestProducerConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		opts []ProducerOption
	}{
		{"no brokers", nil},
		{"broker without port", []ProducerOption{WithBrokers([]string{"localhost"})}},
		{"unknown codec", []ProducerOption{WithBrokers([]string{"localhost:9092"}), WithCompression("brotli")}},
		{"bad acks", []ProducerOption{WithBrokers([]string{"localhost:9092"}), WithDelivery(2, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newProducerConfig(tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestNewProducerNeedsBrokers(t *testing.T) {
	_, err := NewProducer()
	require.Error(t, err)

	p, err := NewProducer(WithBrokers([]string{"localhost:9092"}), WithKeyOrdering(true))
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

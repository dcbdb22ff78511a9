package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewTTLCache()
	c.now = func() time.Time { return now }

	require.NoError(t, c.SetBytes(ctx, "orderbook:binance:BTC/USDT:20", []byte(`{"pair":"BTC/USDT"}`), 2*time.Second))
	require.NoError(t, c.SetBytes(ctx, "pinned", []byte("x"), 0))

	b, ok, err := c.GetBytes(ctx, "orderbook:binance:BTC/USDT:20")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"pair":"BTC/USDT"}`, string(b))

	now = now.Add(3 * time.Second)
	_, ok, err = c.GetBytes(ctx, "orderbook:binance:BTC/USDT:20")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, _ = c.GetBytes(ctx, "pinned")
	assert.True(t, ok, "zero ttl never expires")
}

func TestTTLCacheSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewTTLCache()
	c.now = func() time.Time { return now }

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.SetBytes(ctx, k, []byte(k), time.Second))
	}
	require.NoError(t, c.SetBytes(ctx, "d", []byte("d"), time.Minute))

	now = now.Add(2 * time.Second)
	assert.Equal(t, 3, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

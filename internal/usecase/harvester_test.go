package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	"CandlePull/internal/service/ratelimit"
	"CandlePull/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarvesterFetchWindow(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC))
	ex := newFakeExchange("binance", clock)
	h := NewHarvester(metrics.New(prometheus.NewRegistry()))
	h.now = clock.Now
	h.Register(ex, nil)

	e := models.WatchEntry{Pair: "BTC/USDT", Timeframe: models.TF1h, Exchange: "binance"}
	target := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	window, err := h.Fetch(context.Background(), e, target)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, target.Add(-time.Hour), window[0].OpenTime)
	assert.Equal(t, target, window[1].OpenTime)
	assert.Equal(t, clock.Now(), window[1].FetchedAt)

	calls := ex.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, target.Add(-time.Hour), calls[0].Since)
	assert.Equal(t, 2, calls[0].Limit)
}

func TestHarvesterBackfillNormalizes(t *testing.T) {
	clock := newFakeClock(t0)
	ex := newFakeExchange("binance", clock)
	ex.setRewrite(func(_ klineCall, in []models.Candle) []models.Candle {
		// shuffled, duplicated, and with foreign identity fields
		out := []models.Candle{in[2], in[0], in[1], in[2]}
		for i := range out {
			out[i].Pair = "BTCUSDT"
			out[i].OpenTime = out[i].OpenTime.In(time.FixedZone("ICT", 7*3600))
		}
		return out
	})
	h := NewHarvester(nil)
	h.Register(ex, nil)

	e := models.WatchEntry{Pair: "BTC/USDT", Timeframe: models.TF15m, Exchange: "binance"}
	got, err := h.Backfill(context.Background(), e, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, "BTC/USDT", c.Pair)
		assert.Equal(t, time.UTC, c.OpenTime.Location())
		if i > 0 {
			assert.True(t, c.OpenTime.After(got[i-1].OpenTime))
		}
	}
	assert.True(t, ex.Calls()[0].Since.IsZero())
}

func TestHarvesterClassifiesErrors(t *testing.T) {
	clock := newFakeClock(t0)
	e := models.WatchEntry{Pair: "BTC/USDT", Timeframe: models.TF1h, Exchange: "binance"}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unclassified is transient", errNetwork, domrepo.ErrTransient},
		{"rate limited passes through", domrepo.RateLimited("klines", 30*time.Second, errors.New("429")), domrepo.ErrRateLimited},
		{"invalid passes through", domrepo.Invalid("klines", errors.New("bad json")), domrepo.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchange("binance", clock)
			ex.setHook(func(klineCall) error { return tt.err })
			h := NewHarvester(nil)
			h.Register(ex, nil)

			_, err := h.Fetch(context.Background(), e, t0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			var fe *domrepo.FetchError
			require.True(t, errors.As(err, &fe))
		})
	}
}

func TestHarvesterUnknownExchange(t *testing.T) {
	h := NewHarvester(nil)
	_, err := h.Backfill(context.Background(), models.WatchEntry{Pair: "BTC/USDT", Timeframe: models.TF1h, Exchange: "gateio"}, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domrepo.ErrConfiguration))
}

func TestHarvesterTimeoutIsTransient(t *testing.T) {
	clock := newFakeClock(t0)
	ex := newFakeExchange("binance", clock)
	ex.setHook(func(klineCall) error {
		time.Sleep(50 * time.Millisecond)
		return context.DeadlineExceeded
	})
	h := NewHarvester(nil)
	h.Register(ex, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Fetch(ctx, models.WatchEntry{Pair: "BTC/USDT", Timeframe: models.TF1h, Exchange: "binance"}, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domrepo.ErrTransient))
}

func TestHarvesterGateCapsConcurrency(t *testing.T) {
	clock := newFakeClock(t0)
	ex := newFakeExchange("binance", clock)
	ex.setHook(func(klineCall) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	h := NewHarvester(nil)
	h.Register(ex, ratelimit.NewGate("binance", 2, 100, 1000, ratelimit.New()))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Fetch(context.Background(), models.WatchEntry{Pair: "BTC/USDT", Timeframe: models.TF1h, Exchange: "binance"}, t0.Truncate(time.Hour))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, ex.peak.Load(), int32(2))
	assert.Len(t, ex.Calls(), 6)
}

func TestHarvesterOrderBook(t *testing.T) {
	h := NewHarvester(nil)
	h.Register(newFakeExchange("kucoin", newFakeClock(t0)), nil)

	book, err := h.OrderBook(context.Background(), "kucoin", "BTC/USDT", 5)
	require.NoError(t, err)
	assert.Equal(t, "2", book.Spread().String())
	assert.Equal(t, []string{"kucoin"}, h.Exchanges())
}

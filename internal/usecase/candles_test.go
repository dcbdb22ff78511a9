package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	"CandlePull/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededCandles(t *testing.T, n int) (*CandlesUseCase, *fakeExchange) {
	t.Helper()
	store := repository.NewMemoryStore()
	for i := 0; i < n; i++ {
		c := syntheticCandle("BTC/USDT", models.TF1h, at(0, 0, 0).Add(time.Duration(i)*time.Hour))
		_, err := store.Upsert(context.Background(), c)
		require.NoError(t, err)
	}
	ex := newFakeExchange("binance", newFakeClock(t0))
	h := NewHarvester(nil)
	h.Register(ex, nil)
	uc := NewCandlesUseCase(store, h, "binance")
	uc.now = func() time.Time { return at(12, 30, 0) }
	return uc, ex
}

func TestCandlesLatest(t *testing.T) {
	uc, _ := seededCandles(t, 10)

	c, err := uc.Latest(context.Background(), "btc-usdt", "1h")
	require.NoError(t, err)
	assert.Equal(t, at(9, 0, 0), c.OpenTime)

	_, err = uc.Latest(context.Background(), "ETH/USDT", "1h")
	assert.True(t, errors.Is(err, domrepo.ErrNotFound))

	_, err = uc.Latest(context.Background(), "BTC/USDT", "2h")
	assert.True(t, errors.Is(err, domrepo.ErrConfiguration))
}

func TestCandlesRange(t *testing.T) {
	uc, _ := seededCandles(t, 10)
	ctx := context.Background()

	res, err := uc.GetCandles(ctx, GetCandlesParams{Pair: "BTC/USDT", Timeframe: "1h", From: at(2, 0, 0), To: at(5, 0, 0)})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count)
	assert.Equal(t, at(2, 0, 0), res.Candles[0].OpenTime)
	assert.Equal(t, at(5, 0, 0), res.Candles[3].OpenTime)

	res, err = uc.GetCandles(ctx, GetCandlesParams{Pair: "BTC/USDT", Timeframe: "1h", From: at(0, 0, 0), To: at(9, 0, 0), Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, at(0, 0, 0), res.Candles[0].OpenTime)

	// defaults: to=now, from=limit candles back
	res, err = uc.GetCandles(ctx, GetCandlesParams{Pair: "BTC/USDT", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "1h", res.Timeframe)
	assert.Equal(t, at(8, 0, 0), res.From)
	assert.Equal(t, 2, res.Count)

	_, err = uc.GetCandles(ctx, GetCandlesParams{Pair: "BTC/USDT", From: at(5, 0, 0), To: at(2, 0, 0)})
	assert.True(t, errors.Is(err, domrepo.ErrConfiguration))
}

func TestCandlesOrderBookDefaultExchange(t *testing.T) {
	uc, _ := seededCandles(t, 0)
	book, err := uc.OrderBook(context.Background(), "btc/usdt", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "binance", book.Exchange)
	assert.Equal(t, "BTC/USDT", book.Pair)

	_, err = uc.OrderBook(context.Background(), "BTC/USDT", "gateio", 10)
	assert.True(t, errors.Is(err, domrepo.ErrConfiguration))
}

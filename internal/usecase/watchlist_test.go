package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	applogger "CandlePull/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(store domrepo.WatchlistStore) *WatchlistRegistry {
	return NewWatchlistRegistry("binance", []string{"binance", "kucoin"}, store, applogger.Nop())
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	e, added, err := r.Add(ctx, "btc-usdt", "1h", "")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "BTC/USDT", e.Pair)
	assert.Equal(t, models.TF1h, e.Timeframe)
	assert.Equal(t, "binance", e.Exchange)

	again, added, err := r.Add(ctx, "BTC/USDT", "1h", "kucoin")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, "binance", again.Exchange, "existing entry is kept")
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRejectsConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	tests := []struct {
		name      string
		pair      string
		timeframe string
		exchange  string
	}{
		{"unknown timeframe", "BTC/USDT", "2h", ""},
		{"case sensitive month", "BTC/USDT", "1m", ""},
		{"unknown exchange", "BTC/USDT", "1h", "gateio"},
		{"malformed pair", "BTCUSDT", "1h", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, added, err := r.Add(ctx, tt.pair, tt.timeframe, tt.exchange)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domrepo.ErrConfiguration))
			assert.False(t, added)
		})
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemove(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)
	_, _, err := r.Add(ctx, "ETH/USDT", "15m", "")
	require.NoError(t, err)

	removed, err := r.Remove(ctx, "eth/usdt", "15m")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = r.Remove(ctx, "ETH/USDT", "15m")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.False(t, r.Contains(models.WatchKey{Pair: "ETH/USDT", Timeframe: models.TF15m}))
}

func TestRegistryListIsSortedSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)
	for _, in := range []struct{ pair, tf string }{
		{"ETH/USDT", "1d"}, {"BTC/USDT", "1M"}, {"BTC/USDT", "15m"}, {"BTC/USDT", "4h"},
	} {
		_, _, err := r.Add(ctx, in.pair, in.tf, "")
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 4)
	got := make([]string, 0, len(list))
	for _, e := range list {
		got = append(got, e.Key().String())
	}
	assert.Equal(t, []string{"BTC/USDT@15m", "BTC/USDT@4h", "BTC/USDT@1M", "ETH/USDT@1d"}, got)

	_, err := r.Remove(ctx, "BTC/USDT", "4h")
	require.NoError(t, err)
	assert.Len(t, list, 4, "snapshot is unaffected by later mutation")
}

func TestRegistryConcurrentMutationAndList(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			tf := string(models.Timeframes[i%len(models.Timeframes)])
			_, _, _ = r.Add(ctx, "BTC/USDT", tf, "")
			_, _ = r.Remove(ctx, "BTC/USDT", tf)
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, e := range r.List() {
					assert.True(t, e.Timeframe.Valid())
				}
			}
		}()
	}
	wg.Wait()
}

func TestRegistryWriteThroughAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newMemWatchlistStore()
	r := newTestRegistry(store)

	_, _, err := r.Add(ctx, "SOL/USDT", "4h", "kucoin")
	require.NoError(t, err)
	_, _, err = r.Add(ctx, "BTC/USDT", "1h", "")
	require.NoError(t, err)
	_, err = r.Remove(ctx, "BTC/USDT", "1h")
	require.NoError(t, err)

	store.entries[models.WatchKey{Pair: "XRP/USDT", Timeframe: models.TF1d}] = models.WatchEntry{
		Pair: "XRP/USDT", Timeframe: models.TF1d, Exchange: "gateio",
	}

	restored := newTestRegistry(store)
	require.NoError(t, restored.Load(ctx, models.WatchEntry{Pair: "ETH/USDT", Timeframe: models.TF1w}))

	keys := make([]string, 0)
	for _, e := range restored.List() {
		keys = append(keys, e.Key().String())
	}
	assert.Equal(t, []string{"ETH/USDT@1w", "SOL/USDT@4h"}, keys, "disabled exchange entries are skipped")
}

func TestRegistryStoreFailureLeavesEntryUnscheduled(t *testing.T) {
	ctx := context.Background()
	store := newMemWatchlistStore()
	store.failAll = errors.New("redis down")
	r := newTestRegistry(store)

	_, added, err := r.Add(ctx, "BTC/USDT", "1h", "")
	require.Error(t, err)
	assert.False(t, added)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryReAddGetsNewGeneration(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)

	first, _, err := r.Add(ctx, "BTC/USDT", "1h", "")
	require.NoError(t, err)
	assert.True(t, r.Current(first))

	_, err = r.Remove(ctx, "BTC/USDT", "1h")
	require.NoError(t, err)
	assert.False(t, r.Current(first))

	second, added, err := r.Add(ctx, "BTC/USDT", "1h", "")
	require.NoError(t, err)
	require.True(t, added)
	assert.NotEqual(t, first.Generation, second.Generation)
	assert.False(t, r.Current(first), "an entry from before the re-add is stale")
	assert.True(t, r.Current(second))
}

// slowWatchlistStore blocks Save until release is closed.
type slowWatchlistStore struct {
	*memWatchlistStore
	entered chan struct{}
	release chan struct{}
}

func (s *slowWatchlistStore) Save(ctx context.Context, e models.WatchEntry) error {
	close(s.entered)
	<-s.release
	return s.memWatchlistStore.Save(ctx, e)
}

func TestRegistryListDoesNotWaitOnStore(t *testing.T) {
	ctx := context.Background()
	store := &slowWatchlistStore{
		memWatchlistStore: newMemWatchlistStore(),
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	r := newTestRegistry(store)

	done := make(chan error, 1)
	go func() {
		_, _, err := r.Add(ctx, "BTC/USDT", "1h", "")
		done <- err
	}()
	<-store.entered

	listed := make(chan int, 1)
	go func() { listed <- len(r.List()) }()
	select {
	case n := <-listed:
		assert.Equal(t, 0, n, "entry is visible only after it is saved")
	case <-time.After(time.Second):
		t.Fatal("List blocked on a slow store")
	}

	close(store.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, r.Len())
}

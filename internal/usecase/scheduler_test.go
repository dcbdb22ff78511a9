package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	"CandlePull/internal/repository"
	applogger "CandlePull/pkg/logger"
	"CandlePull/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	btcHour = models.WatchKey{Pair: "BTC/USDT", Timeframe: models.TF1h}
	ethHour = models.WatchKey{Pair: "ETH/USDT", Timeframe: models.TF1h}
)

func at(h, m, s int) time.Time {
	return time.Date(2024, 3, 1, h, m, s, 0, time.UTC)
}

type schedFixture struct {
	clock    *fakeClock
	ex       *fakeExchange
	registry *WatchlistRegistry
	store    *flakyStore
	ledger   *RetryLedger
	notifier *Notifier
	sub      *Subscription
	metrics  *metrics.Recorder
	s        *Scheduler
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	f := &schedFixture{clock: newFakeClock(t0)}
	f.ex = newFakeExchange("binance", f.clock)
	f.metrics = metrics.New(prometheus.NewRegistry())

	h := NewHarvester(f.metrics)
	h.now = f.clock.Now
	h.Register(f.ex, nil)

	f.registry = NewWatchlistRegistry("binance", h.Exchanges(), nil, applogger.Nop())
	f.store = &flakyStore{CandleStore: repository.NewMemoryStore()}
	f.ledger = NewRetryLedger()
	f.notifier = NewNotifier(64, applogger.Nop(), f.metrics)
	f.sub = f.notifier.Subscribe(0)
	t.Cleanup(f.notifier.Close)

	cfg := DefaultSchedulerConfig()
	cfg.FetchTimeout = 2 * time.Second
	f.s = NewScheduler(cfg, f.registry, h, f.store, f.ledger, f.notifier,
		WithClock(f.clock.Now),
		WithSchedulerMetrics(f.metrics),
	)
	return f
}

func (f *schedFixture) watch(t *testing.T, key models.WatchKey) {
	t.Helper()
	_, added, err := f.registry.Add(context.Background(), key.Pair, string(key.Timeframe), "")
	require.NoError(t, err)
	require.True(t, added)
}

// bootstrapped watches key at 09:30 and runs the bootstrap tick.
func (f *schedFixture) bootstrapped(t *testing.T, keys ...models.WatchKey) {
	t.Helper()
	for _, k := range keys {
		f.watch(t, k)
	}
	f.tickAt(t0)
	for _, k := range keys {
		st, ok := f.s.State(k)
		require.True(t, ok)
		require.True(t, st.Bootstrapped)
		require.Equal(t, at(9, 0, 0), st.LastClosedOpenTime)
	}
}

func (f *schedFixture) tickAt(now time.Time) TickReport {
	f.clock.Set(now)
	return f.s.Tick(context.Background())
}

func (f *schedFixture) events() []models.CandleReadyEvent {
	out := make([]models.CandleReadyEvent, 0)
	for {
		select {
		case ev := <-f.sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (f *schedFixture) stored(t *testing.T, key models.WatchKey, open time.Time) bool {
	t.Helper()
	rows, err := f.store.Range(context.Background(), key.Pair, key.Timeframe, open, open)
	require.NoError(t, err)
	return len(rows) == 1
}

// flakyStore fails upserts of one open time when failOpen is set.
type flakyStore struct {
	domrepo.CandleStore
	mu       sync.Mutex
	failOpen time.Time
}

func (s *flakyStore) Upsert(ctx context.Context, c models.Candle) (bool, error) {
	s.mu.Lock()
	fail := !s.failOpen.IsZero() && c.OpenTime.Equal(s.failOpen)
	s.mu.Unlock()
	if fail {
		return false, errors.New("disk full")
	}
	return s.CandleStore.Upsert(ctx, c)
}

func (s *flakyStore) setFailOpen(t time.Time) {
	s.mu.Lock()
	s.failOpen = t
	s.mu.Unlock()
}

func failLive(err error) func(klineCall) error {
	return func(c klineCall) error {
		if c.Since.IsZero() {
			return nil
		}
		return err
	}
}

func TestSchedulerBootstrap(t *testing.T) {
	f := newSchedFixture(t)
	f.watch(t, btcHour)

	rep := f.tickAt(t0)
	assert.Equal(t, 1, rep.Bootstraps)
	assert.Equal(t, 500, rep.Stored)

	calls := f.ex.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Since.IsZero())
	assert.Equal(t, 500, calls[0].Limit)

	rows, err := f.store.Range(context.Background(), "BTC/USDT", models.TF1h, time.Time{}, at(23, 0, 0))
	require.NoError(t, err)
	assert.Len(t, rows, 500)

	st, ok := f.s.State(btcHour)
	require.True(t, ok)
	assert.True(t, st.Bootstrapped)
	assert.Equal(t, at(9, 0, 0), st.LastClosedOpenTime)
	assert.Equal(t, at(10, 0, 0), st.NextExpectedCloseAt)
	assert.Empty(t, f.events(), "backfill never notifies")

	f.tickAt(t0.Add(time.Minute))
	assert.Len(t, f.ex.Calls(), 1, "bootstrap runs once")
}

func TestSchedulerBootstrapRetriedEveryTick(t *testing.T) {
	f := newSchedFixture(t)
	f.watch(t, btcHour)

	f.ex.setHook(func(klineCall) error { return errNetwork })
	rep := f.tickAt(t0)
	assert.Equal(t, 1, rep.Failed)
	st, _ := f.s.State(btcHour)
	assert.False(t, st.Bootstrapped)
	assert.Equal(t, 0, f.ledger.Len(), "bootstrap failures bypass the retry ledger")

	f.ex.setHook(nil)
	f.ex.setRewrite(func(klineCall, []models.Candle) []models.Candle { return nil })
	f.tickAt(t0.Add(time.Minute))
	st, _ = f.s.State(btcHour)
	assert.False(t, st.Bootstrapped, "empty backfill is invalid")

	f.ex.setRewrite(nil)
	f.tickAt(t0.Add(2 * time.Minute))
	st, _ = f.s.State(btcHour)
	assert.True(t, st.Bootstrapped)
	assert.Len(t, f.ex.Calls(), 3)
}

func TestSchedulerStoresNewClose(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)

	f.tickAt(at(10, 0, 4))
	assert.Empty(t, f.ex.liveCalls(), "finality delay not yet elapsed")

	rep := f.tickAt(at(10, 0, 5))
	assert.Equal(t, 1, rep.Closes)
	live := f.ex.liveCalls()
	require.Len(t, live, 1)
	assert.Equal(t, at(9, 0, 0), live[0].Since)
	assert.Equal(t, 2, live[0].Limit)

	assert.True(t, f.stored(t, btcHour, at(10, 0, 0)))
	st, _ := f.s.State(btcHour)
	assert.Equal(t, at(10, 0, 0), st.LastClosedOpenTime)
	assert.Equal(t, at(11, 0, 0), st.NextExpectedCloseAt)

	evs := f.events()
	require.Len(t, evs, 1)
	assert.Equal(t, at(10, 0, 0), evs[0].OpenTime)
	assert.Equal(t, at(10, 0, 5), evs[0].EmittedAt)
	require.NotNil(t, evs[0].Previous)
	assert.Equal(t, at(9, 0, 0), evs[0].Previous.OpenTime)

	f.tickAt(at(10, 0, 6))
	f.tickAt(at(10, 30, 0))
	assert.Len(t, f.ex.liveCalls(), 1)
	assert.Empty(t, f.events(), "no duplicate notification")
}

func TestSchedulerTransientRetryThenAbandon(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)
	f.ex.setHook(failLive(errNetwork))

	f.tickAt(at(10, 0, 5))
	rec, ok := f.ledger.Get(btcHour)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, at(10, 0, 0), rec.TargetOpenTime)
	assert.Equal(t, at(10, 5, 5), rec.NextRetryAt)
	assert.Equal(t, at(11, 0, 0), rec.Deadline)

	f.tickAt(at(10, 3, 0))
	assert.Len(t, f.ex.liveCalls(), 1, "no close fetch while a retry is outstanding")

	for m := 5; m <= 55; m += 5 {
		rep := f.tickAt(at(10, m, 5))
		assert.Equal(t, 1, rep.Retries)
	}
	rec, ok = f.ledger.Get(btcHour)
	require.True(t, ok)
	assert.Equal(t, 12, rec.Attempts)
	assert.Len(t, f.ex.liveCalls(), 12)

	rep := f.tickAt(at(11, 0, 0))
	assert.Equal(t, 1, rep.Abandoned)
	assert.Equal(t, 0, f.ledger.Len())
	assert.Len(t, f.ex.liveCalls(), 12, "abandonment does not fetch")
	st, _ := f.s.State(btcHour)
	assert.Equal(t, at(10, 0, 0), st.LastClosedOpenTime)
	assert.Equal(t, at(11, 0, 0), st.NextExpectedCloseAt)

	f.ex.setHook(nil)
	f.tickAt(at(11, 0, 5))
	live := f.ex.liveCalls()
	require.Len(t, live, 13)
	assert.Equal(t, at(10, 0, 0), live[12].Since)

	evs := f.events()
	require.Len(t, evs, 1, "the abandoned close is never announced")
	assert.Equal(t, at(11, 0, 0), evs[0].OpenTime)
	assert.True(t, f.stored(t, btcHour, at(10, 0, 0)), "corrective window backfills the missed row")
}

func TestSchedulerRetrySucceeds(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)
	f.ex.setHook(failLive(errNetwork))
	f.tickAt(at(10, 0, 5))

	f.ex.setHook(nil)
	rep := f.tickAt(at(10, 5, 5))
	assert.Equal(t, 1, rep.Retries)
	assert.Equal(t, 0, f.ledger.Len())
	evs := f.events()
	require.Len(t, evs, 1)
	assert.Equal(t, at(10, 0, 0), evs[0].OpenTime)
}

func TestSchedulerLateFailureAbandonsImmediately(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)
	f.ex.setHook(failLive(errNetwork))

	rep := f.tickAt(at(11, 0, 10))
	assert.Equal(t, 1, rep.Abandoned)
	assert.Equal(t, 0, f.ledger.Len())
	st, _ := f.s.State(btcHour)
	assert.Equal(t, at(10, 0, 0), st.LastClosedOpenTime)

	f.ex.setHook(nil)
	f.tickAt(at(11, 0, 20))
	evs := f.events()
	require.Len(t, evs, 1)
	assert.Equal(t, at(11, 0, 0), evs[0].OpenTime)
}

func TestSchedulerConcurrentDispatch(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour, ethHour)

	var barrier sync.WaitGroup
	barrier.Add(2)
	allIn := make(chan struct{})
	go func() {
		barrier.Wait()
		close(allIn)
	}()
	f.ex.setHook(func(c klineCall) error {
		if c.Since.IsZero() {
			return nil
		}
		barrier.Done()
		select {
		case <-allIn:
			return nil
		case <-time.After(time.Second):
			return errors.New("fetches were serialized")
		}
	})

	rep := f.tickAt(at(10, 0, 5))
	assert.Equal(t, 2, rep.Closes)
	assert.Equal(t, 0, rep.Failed)
	assert.Len(t, f.events(), 2)
	assert.True(t, f.stored(t, btcHour, at(10, 0, 0)))
	assert.True(t, f.stored(t, ethHour, at(10, 0, 0)))
}

func TestSchedulerRejectsInvalidWindows(t *testing.T) {
	tests := []struct {
		name    string
		rewrite func([]models.Candle) []models.Candle
	}{
		{"target missing", func(in []models.Candle) []models.Candle { return in[:1] }},
		{"empty", func([]models.Candle) []models.Candle { return nil }},
		{"gap before target", func(in []models.Candle) []models.Candle {
			in[0].OpenTime = at(8, 0, 0)
			return in
		}},
		{"skewed target", func(in []models.Candle) []models.Candle {
			in[1].OpenTime = in[1].OpenTime.Add(time.Minute)
			return in
		}},
		{"high below low", func(in []models.Candle) []models.Candle {
			in[1].High = in[1].Low.Sub(in[1].Low)
			return in
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedFixture(t)
			f.bootstrapped(t, btcHour)
			f.ex.setRewrite(func(c klineCall, in []models.Candle) []models.Candle {
				if c.Since.IsZero() {
					return in
				}
				return tt.rewrite(in)
			})

			f.tickAt(at(10, 0, 5))
			assert.Empty(t, f.events())
			assert.False(t, f.stored(t, btcHour, at(10, 0, 0)))
			rec, ok := f.ledger.Get(btcHour)
			require.True(t, ok)
			assert.Contains(t, rec.LastError, string(domrepo.KindInvalid))
			st, _ := f.s.State(btcHour)
			assert.Equal(t, at(9, 0, 0), st.LastClosedOpenTime)
		})
	}
}

func TestSchedulerAcceptsTargetOnlyWindow(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)
	f.ex.setRewrite(func(c klineCall, in []models.Candle) []models.Candle {
		if c.Since.IsZero() {
			return in
		}
		return in[1:]
	})

	f.tickAt(at(10, 0, 5))
	evs := f.events()
	require.Len(t, evs, 1)
	assert.Nil(t, evs[0].Previous)
}

func TestSchedulerSkipsAlreadyStoredTarget(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)

	c := syntheticCandle("BTC/USDT", models.TF1h, at(10, 0, 0))
	c.FetchedAt = at(10, 0, 1)
	_, err := f.store.Upsert(context.Background(), c)
	require.NoError(t, err)

	rep := f.tickAt(at(10, 0, 5))
	assert.Equal(t, 1, rep.Advanced)
	assert.Equal(t, 0, rep.Closes)
	assert.Empty(t, f.ex.liveCalls())
	assert.Empty(t, f.events())
	st, _ := f.s.State(btcHour)
	assert.Equal(t, at(10, 0, 0), st.LastClosedOpenTime)
}

func TestSchedulerRateLimitCooldown(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want time.Time
	}{
		{"adapter hint", domrepo.RateLimited("klines", 30*time.Second, errors.New("429")), at(10, 5, 35)},
		{"default cooldown", domrepo.RateLimited("klines", 0, errors.New("429")), at(10, 6, 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedFixture(t)
			f.bootstrapped(t, btcHour)
			f.ex.setHook(failLive(tt.err))

			f.tickAt(at(10, 0, 5))
			rec, ok := f.ledger.Get(btcHour)
			require.True(t, ok)
			assert.Equal(t, tt.want, rec.NextRetryAt)

			rep := f.tickAt(at(10, 5, 5))
			assert.Equal(t, 0, rep.Retries, "cooldown not yet elapsed")
		})
	}
}

func TestSchedulerDiscardsResultForRemovedWatch(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)
	f.ex.setHook(func(c klineCall) error {
		if !c.Since.IsZero() {
			_, err := f.registry.Remove(context.Background(), c.Pair, string(c.TF))
			return err
		}
		return nil
	})

	rep := f.tickAt(at(10, 0, 5))
	assert.Equal(t, 1, rep.Discarded)
	assert.False(t, f.stored(t, btcHour, at(10, 0, 0)))
	assert.Empty(t, f.events())
	assert.Equal(t, 0, f.ledger.Len())
}

func TestSchedulerRemoveCancelsPendingRetry(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)
	f.ex.setHook(failLive(errNetwork))
	f.tickAt(at(10, 0, 5))
	require.Equal(t, 1, f.ledger.Len())

	_, err := f.registry.Remove(context.Background(), "BTC/USDT", "1h")
	require.NoError(t, err)
	f.tickAt(at(10, 5, 5))

	assert.Equal(t, 0, f.ledger.Len())
	_, ok := f.s.State(btcHour)
	assert.False(t, ok)
	assert.Len(t, f.ex.liveCalls(), 1)
	assert.True(t, f.stored(t, btcHour, at(9, 0, 0)), "history is kept")
}

func TestSchedulerReAddBetweenTicksBootstrapsAgain(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)
	f.ex.setHook(failLive(errNetwork))
	f.tickAt(at(10, 0, 5))
	require.Equal(t, 1, f.ledger.Len())

	_, err := f.registry.Remove(context.Background(), "BTC/USDT", "1h")
	require.NoError(t, err)
	f.watch(t, btcHour)
	f.ex.setHook(nil)

	rep := f.tickAt(at(10, 6, 0))
	assert.Equal(t, 1, rep.Bootstraps)
	assert.Equal(t, 0, rep.Retries, "retry of the removed watch is cancelled")
	assert.Equal(t, 0, f.ledger.Len())

	bootstraps := 0
	for _, c := range f.ex.Calls() {
		if c.Since.IsZero() {
			bootstraps++
		}
	}
	assert.Equal(t, 2, bootstraps)
	st, ok := f.s.State(btcHour)
	require.True(t, ok)
	assert.True(t, st.Bootstrapped)
}

func TestSchedulerDiscardsResultForReAddedWatch(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)
	f.ex.setHook(func(c klineCall) error {
		if c.Since.IsZero() {
			return nil
		}
		ctx := context.Background()
		if _, err := f.registry.Remove(ctx, c.Pair, string(c.TF)); err != nil {
			return err
		}
		if _, _, err := f.registry.Add(ctx, c.Pair, string(c.TF), ""); err != nil {
			return err
		}
		return errNetwork
	})

	rep := f.tickAt(at(10, 0, 5))
	assert.Equal(t, 1, rep.Discarded)
	assert.Equal(t, 0, f.ledger.Len(), "failure of the old watch is not recorded")

	f.ex.setHook(nil)
	rep = f.tickAt(at(10, 1, 0))
	assert.Equal(t, 1, rep.Bootstraps)
}

func TestSchedulerRecoversPanicAsTransient(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour, ethHour)
	f.ex.setHook(func(c klineCall) error {
		if !c.Since.IsZero() && c.Pair == "BTC/USDT" {
			panic("decoder bug")
		}
		return nil
	})

	var rep TickReport
	require.NotPanics(t, func() { rep = f.tickAt(at(10, 0, 5)) })
	assert.Equal(t, 1, rep.Failed)

	rec, ok := f.ledger.Get(btcHour)
	require.True(t, ok)
	assert.Contains(t, rec.LastError, "panic")
	assert.Contains(t, rec.LastError, string(domrepo.KindTransient))

	evs := f.events()
	require.Len(t, evs, 1, "other keys are unaffected")
	assert.Equal(t, "ETH/USDT", evs[0].Pair)
}

func TestSchedulerStoreFailureIsTransient(t *testing.T) {
	f := newSchedFixture(t)
	f.bootstrapped(t, btcHour)
	f.store.setFailOpen(at(10, 0, 0))

	f.tickAt(at(10, 0, 5))
	rec, ok := f.ledger.Get(btcHour)
	require.True(t, ok)
	assert.Contains(t, rec.LastError, "disk full")
	assert.Empty(t, f.events())

	f.store.setFailOpen(time.Time{})
	f.tickAt(at(10, 5, 5))
	assert.Len(t, f.events(), 1)
	assert.Equal(t, 0, f.ledger.Len())
}

func TestSchedulerBootstrapWinsTieBreak(t *testing.T) {
	f := newSchedFixture(t)
	f.watch(t, btcHour)

	rep := f.tickAt(at(10, 0, 5))
	assert.Equal(t, 1, rep.Bootstraps)
	assert.Equal(t, 0, rep.Closes)
	assert.Empty(t, f.ex.liveCalls())
	assert.Empty(t, f.events())

	st, _ := f.s.State(btcHour)
	assert.Equal(t, at(10, 0, 0), st.LastClosedOpenTime)
}

func TestSchedulerRunTicksUntilCancelled(t *testing.T) {
	f := newSchedFixture(t)
	f.watch(t, btcHour)
	f.s.cfg.Tick = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, ok := f.s.State(btcHour)
		return ok && st.Bootstrapped
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestValidateWindow(t *testing.T) {
	tf := models.TF15m
	cursor := at(10, 0, 0)
	target := at(10, 15, 0)
	prev := syntheticCandle("BTC/USDT", tf, cursor)
	cur := syntheticCandle("BTC/USDT", tf, target)

	got, p, err := validateWindow(tf, cursor, target, []models.Candle{prev, cur})
	require.NoError(t, err)
	assert.Equal(t, target, got.OpenTime)
	require.NotNil(t, p)
	assert.Equal(t, cursor, p.OpenTime)

	_, _, err = validateWindow(tf, at(9, 45, 0), target, []models.Candle{prev, cur})
	assert.True(t, errors.Is(err, domrepo.ErrInvalid), "predecessor must be the cursor")
}

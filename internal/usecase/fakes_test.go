package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type klineCall struct {
	Pair  string
	TF    models.Timeframe
	Since time.Time
	Limit int
}

// fakeExchange serves a synthetic candle history up to and including the candle
// containing the clock's current time, like a live exchange.
type fakeExchange struct {
	name  string
	clock *fakeClock

	mu    sync.Mutex
	calls []klineCall
	// hook runs before each Klines call; a non-nil error is returned as is.
	hook func(call klineCall) error
	// rewrite replaces the returned candles.
	rewrite func(call klineCall, in []models.Candle) []models.Candle

	inflight atomic.Int32
	peak     atomic.Int32
}

var _ domrepo.ExchangeClient = (*fakeExchange)(nil)

func newFakeExchange(name string, clock *fakeClock) *fakeExchange {
	return &fakeExchange{name: name, clock: clock}
}

func (f *fakeExchange) Name() string { return f.name }

func (f *fakeExchange) Klines(ctx context.Context, pair string, tf models.Timeframe, since time.Time, limit int) ([]models.Candle, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	call := klineCall{Pair: pair, TF: tf, Since: since, Limit: limit}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook, rewrite := f.hook, f.rewrite
	f.mu.Unlock()

	if hook != nil {
		if err := hook(call); err != nil {
			return nil, err
		}
	}

	last := tf.Truncate(f.clock.Now())
	start := since
	if start.IsZero() {
		start = tf.Back(last, limit-1)
	}
	out := make([]models.Candle, 0, limit)
	for ot := start; !ot.After(last) && len(out) < limit; ot = tf.Next(ot) {
		out = append(out, syntheticCandle(pair, tf, ot))
	}
	if rewrite != nil {
		out = rewrite(call, out)
	}
	return out, nil
}

func (f *fakeExchange) OrderBook(ctx context.Context, pair string, depth int) (*models.OrderBook, error) {
	return &models.OrderBook{
		Exchange: f.name,
		Pair:     pair,
		Bids:     []models.PriceLevel{{Price: decimal.RequireFromString("99"), Quantity: decimal.RequireFromString("1")}},
		Asks:     []models.PriceLevel{{Price: decimal.RequireFromString("101"), Quantity: decimal.RequireFromString("2")}},
	}, nil
}

func (f *fakeExchange) setHook(h func(klineCall) error) {
	f.mu.Lock()
	f.hook = h
	f.mu.Unlock()
}

func (f *fakeExchange) setRewrite(r func(klineCall, []models.Candle) []models.Candle) {
	f.mu.Lock()
	f.rewrite = r
	f.mu.Unlock()
}

func (f *fakeExchange) Calls() []klineCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]klineCall(nil), f.calls...)
}

// liveCalls returns calls made with a since, i.e. close and retry fetches.
func (f *fakeExchange) liveCalls() []klineCall {
	out := make([]klineCall, 0)
	for _, c := range f.Calls() {
		if !c.Since.IsZero() {
			out = append(out, c)
		}
	}
	return out
}

func syntheticCandle(pair string, tf models.Timeframe, open time.Time) models.Candle {
	px := decimal.NewFromInt(100 + open.Unix()%97)
	return models.Candle{
		Pair:      pair,
		Timeframe: tf,
		OpenTime:  open,
		Open:      px,
		High:      px.Add(decimal.NewFromInt(5)),
		Low:       px.Sub(decimal.NewFromInt(5)),
		Close:     px.Add(decimal.NewFromInt(1)),
		Volume:    decimal.RequireFromString("12.5"),
	}
}

var errNetwork = errors.New("connection reset by peer")

// memWatchlistStore is an in-memory WatchlistStore.
type memWatchlistStore struct {
	mu      sync.Mutex
	entries map[models.WatchKey]models.WatchEntry
	failAll error
}

func newMemWatchlistStore() *memWatchlistStore {
	return &memWatchlistStore{entries: make(map[models.WatchKey]models.WatchEntry)}
}

func (s *memWatchlistStore) Load(ctx context.Context) ([]models.WatchEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WatchEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, s.failAll
}

func (s *memWatchlistStore) Save(ctx context.Context, e models.WatchEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.entries[e.Key()] = e
	return nil
}

func (s *memWatchlistStore) Delete(ctx context.Context, key models.WatchKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	delete(s.entries, key)
	return nil
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	"CandlePull/internal/service/ratelimit"
)

// CandleFetcher is the harvesting surface the scheduler depends on.
type CandleFetcher interface {
	// Backfill returns up to limit of the most recent candles, ascending.
	Backfill(ctx context.Context, e models.WatchEntry, limit int) ([]models.Candle, error)
	// Fetch returns the window [target-1, target] ascending. The predecessor is
	// included when the exchange returns it.
	Fetch(ctx context.Context, e models.WatchEntry, target time.Time) ([]models.Candle, error)
}

type exchangeSlot struct {
	client domrepo.ExchangeClient
	gate   *ratelimit.Gate
}

// Harvester performs exchange calls for one unit of work. It never writes to
// storage. Every call to an exchange passes that exchange's gate, which caps
// in-flight requests independently of the scheduler's worker count.
type Harvester struct {
	slots   map[string]exchangeSlot
	metrics domrepo.Metrics
	now     func() time.Time
}

var _ CandleFetcher = (*Harvester)(nil)

func NewHarvester(metrics domrepo.Metrics) *Harvester {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Harvester{slots: make(map[string]exchangeSlot), metrics: metrics, now: time.Now}
}

// Register adds an exchange adapter. A nil gate leaves the exchange unthrottled.
func (h *Harvester) Register(client domrepo.ExchangeClient, gate *ratelimit.Gate) {
	h.slots[client.Name()] = exchangeSlot{client: client, gate: gate}
}

// Exchanges returns the registered exchange names.
func (h *Harvester) Exchanges() []string {
	out := make([]string, 0, len(h.slots))
	for name := range h.slots {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *Harvester) Backfill(ctx context.Context, e models.WatchEntry, limit int) ([]models.Candle, error) {
	var out []models.Candle
	err := h.call(ctx, e.Exchange, "backfill", func(ctx context.Context, c domrepo.ExchangeClient) error {
		var err error
		out, err = c.Klines(ctx, e.Pair, e.Timeframe, time.Time{}, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h.normalize(e, out), nil
}

func (h *Harvester) Fetch(ctx context.Context, e models.WatchEntry, target time.Time) ([]models.Candle, error) {
	since := e.Timeframe.Prev(target)
	var out []models.Candle
	err := h.call(ctx, e.Exchange, "fetch", func(ctx context.Context, c domrepo.ExchangeClient) error {
		var err error
		out, err = c.Klines(ctx, e.Pair, e.Timeframe, since, 2)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h.normalize(e, out), nil
}

// OrderBook fetches a depth snapshot through the exchange gate.
func (h *Harvester) OrderBook(ctx context.Context, exchange, pair string, depth int) (*models.OrderBook, error) {
	var book *models.OrderBook
	err := h.call(ctx, exchange, "orderbook", func(ctx context.Context, c domrepo.ExchangeClient) error {
		var err error
		book, err = c.OrderBook(ctx, pair, depth)
		return err
	})
	return book, err
}

func (h *Harvester) call(ctx context.Context, exchange, op string, fn func(context.Context, domrepo.ExchangeClient) error) error {
	slot, ok := h.slots[exchange]
	if !ok {
		return domrepo.ConfigurationErrorf("exchange %q is not registered", exchange)
	}
	start := time.Now()
	err := h.do(ctx, slot, fn)
	outcome := "ok"
	if err != nil {
		fe := domrepo.AsFetchError(exchange+"."+op, err)
		outcome = string(fe.Kind)
		h.metrics.RecordError(outcome)
		err = fe
	}
	h.metrics.RecordFetch(exchange, outcome, time.Since(start).Seconds())
	return err
}

func (h *Harvester) do(ctx context.Context, slot exchangeSlot, fn func(context.Context, domrepo.ExchangeClient) error) error {
	if slot.gate != nil {
		release, err := slot.gate.Acquire(ctx)
		if err != nil {
			return domrepo.Transient("gate", err)
		}
		defer release()
	}
	err := fn(ctx, slot.client)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domrepo.Transient("timeout", fmt.Errorf("fetch timed out: %w", err))
	}
	return err
}

// normalize stamps identity fields, sorts ascending and drops duplicate open times.
func (h *Harvester) normalize(e models.WatchEntry, in []models.Candle) []models.Candle {
	fetched := h.now().UTC()
	out := make([]models.Candle, 0, len(in))
	for _, c := range in {
		c.Pair = e.Pair
		c.Timeframe = e.Timeframe
		c.OpenTime = c.OpenTime.UTC()
		if c.FetchedAt.IsZero() {
			c.FetchedAt = fetched
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	dedup := out[:0]
	for i, c := range out {
		if i > 0 && c.OpenTime.Equal(dedup[len(dedup)-1].OpenTime) {
			dedup[len(dedup)-1] = c
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup
}

type nopMetrics struct{}

func (nopMetrics) RecordTick(time.Duration, int) {}
func (nopMetrics) RecordFetch(string, string, float64) {}
func (nopMetrics) RecordRetryPending(int) {}
func (nopMetrics) RecordAbandoned(string) {}
func (nopMetrics) RecordNotification(string, string) {}
func (nopMetrics) RecordError(string) {}

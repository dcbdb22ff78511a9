package repository

import (
	"context"
	"time"

	"CandlePull/internal/domain/models"
)

// CandleStore is the shard store. It is the only writer of candle rows.
type CandleStore interface {
	// Upsert inserts or overwrites the row for the candle key and reports whether
	// the row was created. An older FetchedAt never overwrites a newer one.
	Upsert(ctx context.Context, c models.Candle) (bool, error)
	// Latest returns the most recent candle, or nil when the shard is empty.
	Latest(ctx context.Context, pair string, tf models.Timeframe) (*models.Candle, error)
	// Range returns candles with from <= openTime <= to, ascending.
	Range(ctx context.Context, pair string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error)
	Health(ctx context.Context) error
	Close() error
}

// ExchangeClient is the capability surface of one exchange. Errors are
// classified as *FetchError.
type ExchangeClient interface {
	Name() string
	// Klines returns up to limit candles ascending. A zero since asks for the most
	// recent candles.
	Klines(ctx context.Context, pair string, tf models.Timeframe, since time.Time, limit int) ([]models.Candle, error)
	OrderBook(ctx context.Context, pair string, depth int) (*models.OrderBook, error)
}

// WatchlistStore persists the watchlist across restarts.
type WatchlistStore interface {
	Load(ctx context.Context) ([]models.WatchEntry, error)
	Save(ctx context.Context, e models.WatchEntry) error
	Delete(ctx context.Context, key models.WatchKey) error
}

// EventSink receives candle-ready events from the notifier.
type EventSink interface {
	Name() string
	Deliver(ctx context.Context, ev models.CandleReadyEvent) error
}

type Metrics interface {
	RecordTick(d time.Duration, dispatched int)
	RecordFetch(exchange string, outcome string, seconds float64)
	RecordRetryPending(n int)
	RecordAbandoned(tf string)
	RecordNotification(sink, result string)
	RecordError(kind string)
}

package models

import "time"

// WatchEntry is one tracked (pair, timeframe). Exchange picks the adapter used to
// harvest it and is not part of the key.
type WatchEntry struct {
	Pair      string    `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
	Exchange  string    `json:"exchange"`
	AddedAt   time.Time `json:"added_at"`
	// Generation is assigned by the registry on every add. A key that is removed
	// and added again gets a new one.
	Generation uint64 `json:"-"`
}

func (e WatchEntry) Key() WatchKey {
	return WatchKey{Pair: e.Pair, Timeframe: e.Timeframe}
}

// CandleReadyEvent announces a newly stored candle. Previous carries the
// predecessor refreshed in the same fetch, which is final by the time Candle opens.
type CandleReadyEvent struct {
	Pair      string    `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Candle    Candle    `json:"candle"`
	Previous  *Candle   `json:"previous,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

func (e CandleReadyEvent) Key() WatchKey {
	return WatchKey{Pair: e.Pair, Timeframe: e.Timeframe}
}

// WatchlistCommand is a watchlist mutation received from the command topic.
type WatchlistCommand struct {
	Action    string `json:"action" validate:"required,oneof=add remove"`
	Pair      string `json:"pair" validate:"required,pair"`
	Timeframe string `json:"timeframe" validate:"required"`
	Exchange  string `json:"exchange"`
}

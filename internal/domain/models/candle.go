package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV record. (Pair, Timeframe, OpenTime) is the primary key.
type Candle struct {
	Pair      string          `json:"pair"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Key returns the shard key of the candle.
func (c Candle) Key() WatchKey {
	return WatchKey{Pair: c.Pair, Timeframe: c.Timeframe}
}

// SameValues reports whether c and o carry identical key and OHLCV fields.
func (c Candle) SameValues(o Candle) bool {
	return c.Pair == o.Pair &&
		c.Timeframe == o.Timeframe &&
		c.OpenTime.Equal(o.OpenTime) &&
		c.Open.Equal(o.Open) &&
		c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) &&
		c.Close.Equal(o.Close) &&
		c.Volume.Equal(o.Volume)
}

// WatchKey identifies one tracked (pair, timeframe) stream and one storage shard.
type WatchKey struct {
	Pair      string    `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
}

func (k WatchKey) String() string {
	return k.Pair + "@" + string(k.Timeframe)
}

// NormalizePair canonicalizes a pair to BASE/QUOTE upper case. "btc-usdt" and
// "BTC/USDT" both become "BTC/USDT".
func NormalizePair(s string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(s))
	p = strings.ReplaceAll(p, "-", "/")
	parts := strings.Split(p, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid pair %q, expected BASE/QUOTE", s)
	}
	return p, nil
}

// SplitPair returns base and quote of a normalized pair.
func SplitPair(pair string) (string, string) {
	base, quote, _ := strings.Cut(pair, "/")
	return base, quote
}

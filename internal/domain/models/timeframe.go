package models

import (
	"fmt"
	"time"
)

// Timeframe represents a candle resolution.
type Timeframe string

const (
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
	TF1M  Timeframe = "1M"
)

// Timeframes lists every supported timeframe, finest first.
var Timeframes = []Timeframe{TF15m, TF30m, TF1h, TF4h, TF1d, TF1w, TF1M}

// ParseTimeframe validates raw input. Timeframes are case sensitive ("1m" is not "1M").
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether tf is supported.
func (tf Timeframe) Valid() bool {
	switch tf {
	case TF15m, TF30m, TF1h, TF4h, TF1d, TF1w, TF1M:
		return true
	default:
		return false
	}
}

// Duration returns the nominal length of one candle. 1M is variable; use Next for
// boundary arithmetic.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF15m:
		return 15 * time.Minute
	case TF30m:
		return 30 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1d:
		return 24 * time.Hour
	case TF1w:
		return 7 * 24 * time.Hour
	case TF1M:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Next returns the boundary one candle after t.
func (tf Timeframe) Next(t time.Time) time.Time {
	if tf == TF1M {
		return t.UTC().AddDate(0, 1, 0)
	}
	return t.Add(tf.Duration())
}

// Prev returns the boundary one candle before t.
func (tf Timeframe) Prev(t time.Time) time.Time {
	if tf == TF1M {
		return t.UTC().AddDate(0, -1, 0)
	}
	return t.Add(-tf.Duration())
}

// Truncate returns the open time of the candle containing t. Weeks open on
// Monday 00:00 UTC and months on the 1st, matching exchange conventions.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch tf {
	case TF1w:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case TF1M:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(tf.Duration())
	}
}

// IsBoundary reports whether t is exactly a candle open time.
func (tf Timeframe) IsBoundary(t time.Time) bool {
	return tf.Truncate(t).Equal(t)
}

// Back steps n candles back from t.
func (tf Timeframe) Back(t time.Time, n int) time.Time {
	if tf == TF1M {
		return t.UTC().AddDate(0, -n, 0)
	}
	return t.Add(-time.Duration(n) * tf.Duration())
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	for _, tf := range Timeframes {
		got, err := ParseTimeframe(string(tf))
		require.NoError(t, err)
		assert.Equal(t, tf, got)
	}

	_, err := ParseTimeframe("1m")
	assert.Error(t, err, "minutes are not a supported resolution")
	_, err = ParseTimeframe("")
	assert.Error(t, err)
}

func TestTimeframeTruncate(t *testing.T) {
	ts := time.Date(2024, 5, 15, 10, 47, 12, 0, time.UTC) // Wednesday

	tests := []struct {
		tf   Timeframe
		want time.Time
	}{
		{TF15m, time.Date(2024, 5, 15, 10, 45, 0, 0, time.UTC)},
		{TF30m, time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC)},
		{TF1h, time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)},
		{TF4h, time.Date(2024, 5, 15, 8, 0, 0, 0, time.UTC)},
		{TF1d, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)},
		{TF1w, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)},
		{TF1M, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.tf), func(t *testing.T) {
			got := tt.tf.Truncate(ts)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.True(t, tt.tf.IsBoundary(got))
		})
	}
}

func TestTimeframeWeekOnMonday(t *testing.T) {
	sunday := time.Date(2024, 5, 19, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), TF1w.Truncate(sunday))

	monday := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	assert.True(t, TF1w.IsBoundary(monday))
}

func TestTimeframeNextMonth(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := TF1M.Next(jan)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), feb)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), TF1M.Next(feb))
	assert.Equal(t, jan, TF1M.Prev(feb))
	assert.Equal(t, time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC), TF1M.Back(jan, 2))
}

func TestTimeframeNextFixed(t *testing.T) {
	ten := time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, ten.Add(time.Hour), TF1h.Next(ten))
	assert.Equal(t, ten.Add(-time.Hour), TF1h.Prev(ten))
	assert.Equal(t, ten.Add(-500*time.Hour), TF1h.Back(ten, 500))
	assert.False(t, TF1h.IsBoundary(ten.Add(time.Second)))
}

func TestNormalizePair(t *testing.T) {
	got, err := NormalizePair(" btc-usdt ")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", got)

	base, quote := SplitPair(got)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	for _, bad := range []string{"", "BTCUSDT", "BTC/", "/USDT", "A/B/C"} {
		_, err := NormalizePair(bad)
		assert.Error(t, err, bad)
	}
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchErrorIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"transient", Transient("klines", context.DeadlineExceeded), ErrTransient},
		{"rate limited", RateLimited("klines", time.Minute, nil), ErrRateLimited},
		{"invalid", Invalid("klines", errors.New("bad payload")), ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("harvest: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.want)
		})
	}

	assert.NotErrorIs(t, Invalid("klines", nil), ErrTransient)
	assert.ErrorIs(t, Transient("klines", context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestAsFetchError(t *testing.T) {
	assert.Nil(t, AsFetchError("op", nil))

	fe := AsFetchError("op", errors.New("connection reset"))
	require.NotNil(t, fe)
	assert.Equal(t, KindTransient, fe.Kind)

	rl := RateLimited("klines", 30*time.Second, nil)
	got := AsFetchError("op", fmt.Errorf("wrapped: %w", rl))
	assert.Same(t, rl, got)
	assert.Equal(t, 30*time.Second, got.Cooldown)
}

func TestResolveTimeframe(t *testing.T) {
	tf, err := ResolveTimeframe("4h")
	require.NoError(t, err)
	assert.Equal(t, "4h", string(tf))

	_, err = ResolveTimeframe("2h")
	assert.ErrorIs(t, err, ErrConfiguration)

	assert.Equal(t, DefaultTimeframe(), NormalizeTimeframe("bogus"))
}

package usecase

import (
	"context"
	"fmt"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
)

const (
	defaultRangeLimit = 500
	maxRangeLimit     = 5000
)

// OrderBookSource fetches live depth snapshots.
type OrderBookSource interface {
	OrderBook(ctx context.Context, exchange, pair string, depth int) (*models.OrderBook, error)
}

// CandlesUseCase serves the read side of the shard store plus the order book
// passthrough.
type CandlesUseCase struct {
	store           domrepo.CandleStore
	books           OrderBookSource
	defaultExchange string
	now             func() time.Time
}

func NewCandlesUseCase(store domrepo.CandleStore, books OrderBookSource, defaultExchange string) *CandlesUseCase {
	return &CandlesUseCase{store: store, books: books, defaultExchange: defaultExchange, now: time.Now}
}

type GetCandlesParams struct {
	Pair      string
	Timeframe string
	From      time.Time
	To        time.Time
	Limit     int
}

type GetCandlesResult struct {
	Pair      string          `json:"pair"`
	Timeframe string          `json:"timeframe"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Count     int             `json:"count"`
	Candles   []models.Candle `json:"candles"`
}

// Latest returns the most recent stored candle, or ErrNotFound.
func (uc *CandlesUseCase) Latest(ctx context.Context, pair, timeframe string) (*models.Candle, error) {
	p, tf, err := resolveKey(pair, timeframe)
	if err != nil {
		return nil, err
	}
	c, err := uc.store.Latest(ctx, p, tf)
	if err != nil {
		return nil, fmt.Errorf("latest candle: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: no candles for %s %s", domrepo.ErrNotFound, p, tf)
	}
	return c, nil
}

// GetCandles returns stored candles in [From, To] ascending. A zero To means now
// and a zero From means Limit candles back from To.
func (uc *CandlesUseCase) GetCandles(ctx context.Context, p GetCandlesParams) (*GetCandlesResult, error) {
	pair, tf, err := resolveKey(p.Pair, p.Timeframe)
	if err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = defaultRangeLimit
	}
	if p.Limit > maxRangeLimit {
		p.Limit = maxRangeLimit
	}
	if p.To.IsZero() {
		p.To = uc.now().UTC()
	}
	if p.From.IsZero() {
		p.From = tf.Back(tf.Truncate(p.To), p.Limit-1)
	}
	if p.From.After(p.To) {
		return nil, domrepo.ConfigurationErrorf("from must be <= to")
	}

	candles, err := uc.store.Range(ctx, pair, tf, p.From, p.To)
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	if len(candles) > p.Limit {
		candles = candles[:p.Limit]
	}

	return &GetCandlesResult{
		Pair:      pair,
		Timeframe: string(tf),
		From:      p.From,
		To:        p.To,
		Count:     len(candles),
		Candles:   candles,
	}, nil
}

// OrderBook fetches live depth from exchange, or the default exchange when empty.
func (uc *CandlesUseCase) OrderBook(ctx context.Context, pair, exchange string, depth int) (*models.OrderBook, error) {
	p, err := models.NormalizePair(pair)
	if err != nil {
		return nil, domrepo.ConfigurationErrorf("%v", err)
	}
	if exchange == "" {
		exchange = uc.defaultExchange
	}
	if depth <= 0 {
		depth = 20
	}
	return uc.books.OrderBook(ctx, exchange, p, depth)
}

func resolveKey(pair, timeframe string) (string, models.Timeframe, error) {
	p, err := models.NormalizePair(pair)
	if err != nil {
		return "", "", domrepo.ConfigurationErrorf("%v", err)
	}
	if timeframe == "" {
		return p, domrepo.DefaultTimeframe(), nil
	}
	tf, err := domrepo.ResolveTimeframe(timeframe)
	if err != nil {
		return "", "", err
	}
	return p, tf, nil
}

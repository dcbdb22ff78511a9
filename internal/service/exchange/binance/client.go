package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"CandlePull/internal/domain/models"
	drepo "CandlePull/internal/domain/repository"
	xhttp "CandlePull/pkg/http"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

const Name = "binance"

// Client implements ExchangeClient on the Binance spot REST API.
type Client struct {
	api *gobinance.Client
	now func() time.Time
}

var _ drepo.ExchangeClient = (*Client)(nil)

// New creates a Binance adapter. Keys may be empty; only public endpoints are used.
// A non-empty baseURL overrides the production endpoint.
func New(apiKey, secretKey, baseURL string) *Client {
	api := gobinance.NewClient(apiKey, secretKey)
	api.HTTPClient = &http.Client{Transport: &throttleTransport{base: http.DefaultTransport}}
	if baseURL != "" {
		api.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{api: api, now: time.Now}
}

func (c *Client) Name() string { return Name }

// Symbol converts BTC/USDT to BTCUSDT.
func Symbol(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

func (c *Client) Klines(ctx context.Context, pair string, tf models.Timeframe, since time.Time, limit int) ([]models.Candle, error) {
	const op = "binance.Klines"
	svc := c.api.NewKlinesService().
		Symbol(Symbol(pair)).
		Interval(string(tf)).
		Limit(limit)
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}

	fetched := c.now().UTC()
	out := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		cd, err := toCandle(pair, tf, k, fetched)
		if err != nil {
			return nil, drepo.Invalid(op, err)
		}
		out = append(out, cd)
	}
	return out, nil
}

func (c *Client) OrderBook(ctx context.Context, pair string, depth int) (*models.OrderBook, error) {
	const op = "binance.OrderBook"
	res, err := c.api.NewDepthService().Symbol(Symbol(pair)).Limit(depth).Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}

	book := &models.OrderBook{Exchange: Name, Pair: pair, Timestamp: c.now().UTC()}
	for _, b := range res.Bids {
		lvl, err := level(b.Price, b.Quantity)
		if err != nil {
			return nil, drepo.Invalid(op, err)
		}
		book.Bids = append(book.Bids, lvl)
	}
	for _, a := range res.Asks {
		lvl, err := level(a.Price, a.Quantity)
		if err != nil {
			return nil, drepo.Invalid(op, err)
		}
		book.Asks = append(book.Asks, lvl)
	}
	return book, nil
}

func toCandle(pair string, tf models.Timeframe, k *gobinance.Kline, fetched time.Time) (models.Candle, error) {
	c := models.Candle{
		Pair:      pair,
		Timeframe: tf,
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		FetchedAt: fetched,
	}
	var err error
	fields := []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&c.Open, k.Open}, {&c.High, k.High}, {&c.Low, k.Low}, {&c.Close, k.Close}, {&c.Volume, k.Volume},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return c, fmt.Errorf("kline %d: %w", k.OpenTime, err)
		}
	}
	return c, nil
}

func level(price, qty string) (models.PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return models.PriceLevel{}, err
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return models.PriceLevel{}, err
	}
	return models.PriceLevel{Price: p, Quantity: q}, nil
}

// ThrottledError is a 429 or 418 response. Binance answers 418 once an IP keeps
// requesting after a 429 ban.
type ThrottledError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("binance: status %d, retry after %s", e.StatusCode, e.RetryAfter)
}

// throttleTransport turns throttling responses into a ThrottledError. go-binance
// only keeps the body of a failed response, which loses the status and the
// Retry-After header.
type throttleTransport struct {
	base http.RoundTripper
}

func (t *throttleTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		resp.Body.Close()
		return nil, &ThrottledError{
			StatusCode: resp.StatusCode,
			RetryAfter: xhttp.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}

// classify maps go-binance errors onto fetch error kinds.
func classify(op string, err error) error {
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return drepo.RateLimited(op, throttled.RetryAfter, err)
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // too many requests / orders
			return drepo.RateLimited(op, 0, err)
		case 0:
			// body was not a Binance error document, e.g. a proxy page
			return drepo.Transient(op, err)
		default:
			return drepo.Invalid(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return drepo.Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return drepo.Transient(op, err)
	}
	// remaining errors come from decoding the response
	return drepo.Invalid(op, err)
}

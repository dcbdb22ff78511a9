package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"CandlePull/internal/domain/models"
	drepo "CandlePull/internal/domain/repository"
	xhttp "CandlePull/pkg/http"

	"github.com/shopspring/decimal"
)

const (
	Name           = "kucoin"
	DefaultBaseURL = "https://api.kucoin.com"

	codeOK          = "200000"
	codeRateLimited = "429000"
)

// Client implements ExchangeClient on the KuCoin public market REST API.
type Client struct {
	baseURL string
	http    *xhttp.Client
	now     func() time.Time
}

var _ drepo.ExchangeClient = (*Client)(nil)

func New(baseURL string, hc *xhttp.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = xhttp.NewClient(xhttp.WithTimeout(15 * time.Second))
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc, now: time.Now}
}

func (c *Client) Name() string { return Name }

// Symbol converts BTC/USDT to BTC-USDT.
func Symbol(pair string) string {
	return strings.ReplaceAll(pair, "/", "-")
}

var candleTypes = map[models.Timeframe]string{
	models.TF15m: "15min",
	models.TF30m: "30min",
	models.TF1h:  "1hour",
	models.TF4h:  "4hour",
	models.TF1d:  "1day",
	models.TF1w:  "1week",
	models.TF1M:  "1month",
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) Klines(ctx context.Context, pair string, tf models.Timeframe, since time.Time, limit int) ([]models.Candle, error) {
	const op = "kucoin.Klines"
	typ, ok := candleTypes[tf]
	if !ok {
		return nil, drepo.ConfigurationErrorf("kucoin does not support timeframe %s", tf)
	}
	if limit <= 0 {
		limit = 1
	}

	// KuCoin selects by time range, so the window is derived from since/limit.
	start := since
	if start.IsZero() {
		start = tf.Back(tf.Truncate(c.now()), limit-1)
	}
	end := start
	for i := 0; i < limit; i++ {
		end = tf.Next(end)
	}

	q := map[string][]string{
		"symbol":  {Symbol(pair)},
		"type":    {typ},
		"startAt": {strconv.FormatInt(start.Unix(), 10)},
		"endAt":   {strconv.FormatInt(end.Unix(), 10)},
	}
	var rows [][]string
	if err := c.get(ctx, op, "/api/v1/market/candles", q, &rows); err != nil {
		return nil, err
	}

	fetched := c.now().UTC()
	out := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		cd, err := toCandle(pair, tf, r, fetched)
		if err != nil {
			return nil, drepo.Invalid(op, err)
		}
		if cd.OpenTime.Before(start) {
			continue
		}
		out = append(out, cd)
	}
	// newest first on the wire
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type level2 struct {
	Time int64      `json:"time"`
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (c *Client) OrderBook(ctx context.Context, pair string, depth int) (*models.OrderBook, error) {
	const op = "kucoin.OrderBook"
	path := "/api/v1/market/orderbook/level2_20"
	if depth > 20 {
		path = "/api/v1/market/orderbook/level2_100"
	}
	var ob level2
	if err := c.get(ctx, op, path, map[string][]string{"symbol": {Symbol(pair)}}, &ob); err != nil {
		return nil, err
	}

	book := &models.OrderBook{Exchange: Name, Pair: pair, Timestamp: time.UnixMilli(ob.Time).UTC()}
	var err error
	if book.Bids, err = levels(ob.Bids, depth); err != nil {
		return nil, drepo.Invalid(op, err)
	}
	if book.Asks, err = levels(ob.Asks, depth); err != nil {
		return nil, drepo.Invalid(op, err)
	}
	return book, nil
}

func (c *Client) get(ctx context.Context, op, path string, q map[string][]string, dest interface{}) error {
	var body []byte
	err := c.http.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         c.baseURL + path,
		QueryParams: q,
	}, &body)
	if err != nil {
		return classify(op, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return drepo.Invalid(op, fmt.Errorf("decode envelope: %w", err))
	}
	switch env.Code {
	case codeOK:
	case codeRateLimited:
		return drepo.RateLimited(op, 0, fmt.Errorf("kucoin %s: %s", env.Code, env.Msg))
	default:
		return drepo.Invalid(op, fmt.Errorf("kucoin %s: %s", env.Code, env.Msg))
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return drepo.Invalid(op, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

// toCandle decodes [time, open, close, high, low, volume, turnover]; time is in seconds.
func toCandle(pair string, tf models.Timeframe, r []string, fetched time.Time) (models.Candle, error) {
	if len(r) < 6 {
		return models.Candle{}, fmt.Errorf("candle row has %d fields", len(r))
	}
	sec, err := strconv.ParseInt(r[0], 10, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("candle time %q: %w", r[0], err)
	}
	c := models.Candle{Pair: pair, Timeframe: tf, OpenTime: time.Unix(sec, 0).UTC(), FetchedAt: fetched}
	dst := []*decimal.Decimal{&c.Open, &c.Close, &c.High, &c.Low, &c.Volume}
	for i, d := range dst {
		if *d, err = decimal.NewFromString(r[i+1]); err != nil {
			return models.Candle{}, fmt.Errorf("candle %d field %d: %w", sec, i+1, err)
		}
	}
	return c, nil
}

func levels(raw [][]string, depth int) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for i, r := range raw {
		if depth > 0 && i >= depth {
			break
		}
		if len(r) < 2 {
			return nil, fmt.Errorf("price level has %d fields", len(r))
		}
		p, err := decimal.NewFromString(r[0])
		if err != nil {
			return nil, err
		}
		q, err := decimal.NewFromString(r[1])
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: p, Quantity: q})
	}
	return out, nil
}

func classify(op string, err error) error {
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusTooManyRequests || strings.Contains(string(se.Body), codeRateLimited) {
			return drepo.RateLimited(op, se.RetryAfter, err)
		}
		if se.StatusCode >= 500 {
			return drepo.Transient(op, err)
		}
		return drepo.Invalid(op, err)
	}
	// timeouts, cancellations and network failures
	return drepo.Transient(op, err)
}

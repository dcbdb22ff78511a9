package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"CandlePull/internal/domain/models"
	"CandlePull/internal/service/cache"
	"CandlePull/internal/service/ratelimit"
	"CandlePull/internal/usecase"
	xhttp "CandlePull/pkg/http"
	xlogger "CandlePull/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Per-client order book budget. Buckets of clients idle for orderBookIdle are
// dropped.
const (
	orderBookBurst  = 5
	orderBookPerSec = 2
	orderBookIdle   = time.Minute
)

// CandlesEchoHandler serves stored candles and the live order book passthrough.
type CandlesEchoHandler struct {
	logger   *xlogger.Logger
	uc       *usecase.CandlesUseCase
	cache    cache.BytesCache
	cacheTTL time.Duration
	rl       *ratelimit.Limiter
}

// NewCandlesEchoHandler creates the handler. Order book snapshots are cached for
// cacheTTL when c is non-nil.
func NewCandlesEchoHandler(logger *xlogger.Logger, uc *usecase.CandlesUseCase, c cache.BytesCache, cacheTTL time.Duration) *CandlesEchoHandler {
	return &CandlesEchoHandler{logger: logger, uc: uc, cache: c, cacheTTL: cacheTTL, rl: ratelimit.New(ratelimit.WithIdleEviction(orderBookIdle))}
}

func (h *CandlesEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/candles/latest", h.Latest)
	g.GET("/candles", h.Range)
	g.GET("/orderbook", h.OrderBook)
}

func (h *CandlesEchoHandler) Latest(c echo.Context) error {
	req := &models.LatestCandleRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	candle, err := h.uc.Latest(c.Request().Context(), req.Pair, req.Timeframe)
	if err != nil {
		return h.fail(c, "latest candle", err)
	}
	return xhttp.SuccessResponse(c, candle)
}

func (h *CandlesEchoHandler) Range(c echo.Context) error {
	req := &models.CandleRangeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	from, err := xhttp.ParseTimeParam("from", req.From)
	if err != nil {
		return xhttp.AppErrorResponse(c, err)
	}
	to, err := xhttp.ParseTimeParam("to", req.To)
	if err != nil {
		return xhttp.AppErrorResponse(c, err)
	}

	res, err := h.uc.GetCandles(c.Request().Context(), usecase.GetCandlesParams{
		Pair:      req.Pair,
		Timeframe: req.Timeframe,
		From:      from,
		To:        to,
		Limit:     req.Limit,
	})
	if err != nil {
		return h.fail(c, "candle range", err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *CandlesEchoHandler) OrderBook(c echo.Context) error {
	req := &models.OrderBookRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.rl.Allow(c.RealIP()+":orderbook", orderBookBurst, orderBookPerSec) {
		h.logger.Warn("orderbook rate limited", xlogger.String("remote", c.RealIP()))
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("too many order book requests", time.Second/orderBookPerSec))
	}

	ctx := c.Request().Context()
	key := fmt.Sprintf("orderbook:%s:%s:%d", req.Exchange, req.Pair, req.Depth)
	if h.cache != nil {
		if b, ok, err := h.cache.GetBytes(ctx, key); err == nil && ok {
			var book models.OrderBook
			if json.Unmarshal(b, &book) == nil {
				c.Response().Header().Set("X-Cache", "HIT")
				return xhttp.SuccessResponse(c, &book)
			}
		}
	}

	book, err := h.uc.OrderBook(ctx, req.Pair, req.Exchange, req.Depth)
	if err != nil {
		return h.fail(c, "orderbook", err)
	}
	if h.cache != nil {
		if b, err := json.Marshal(book); err == nil {
			if err := h.cache.SetBytes(ctx, key, b, h.cacheTTL); err != nil {
				h.logger.Warn("orderbook cache write failed", xlogger.Error(err))
			}
		}
	}
	c.Response().Header().Set("X-Cache", "MISS")
	return xhttp.SuccessResponse(c, book)
}

func (h *CandlesEchoHandler) fail(c echo.Context, op string, err error) error {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error(op+" usecase error", xlogger.Error(err))
	}
	return xhttp.AppErrorResponse(c, appErr)
}

package api

import (
	"net/http"

	"CandlePull/internal/domain/models"
	"CandlePull/internal/usecase"
	xhttp "CandlePull/pkg/http"
	xlogger "CandlePull/pkg/logger"

	"github.com/labstack/echo/v4"
)

// WatchlistEchoHandler exposes watchlist mutation and schedule inspection.
type WatchlistEchoHandler struct {
	logger    *xlogger.Logger
	registry  *usecase.WatchlistRegistry
	scheduler *usecase.Scheduler
}

// NewWatchlistEchoHandler creates the handler. scheduler may be nil, in which
// case entries are listed without schedule state.
func NewWatchlistEchoHandler(logger *xlogger.Logger, registry *usecase.WatchlistRegistry, scheduler *usecase.Scheduler) *WatchlistEchoHandler {
	return &WatchlistEchoHandler{logger: logger, registry: registry, scheduler: scheduler}
}

func (h *WatchlistEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/watchlist", h.List)
	g.POST("/watchlist", h.Add)
	g.DELETE("/watchlist", h.Remove)
	g.GET("/watchlist/retries", h.Retries)
}

type watchStatus struct {
	models.WatchEntry
	Schedule *usecase.ScheduleState `json:"schedule,omitempty"`
}

type watchAddResponse struct {
	Entry models.WatchEntry `json:"entry"`
	Added bool              `json:"added"`
}

func (h *WatchlistEchoHandler) List(c echo.Context) error {
	entries := h.registry.List()
	out := make([]watchStatus, 0, len(entries))
	for _, e := range entries {
		ws := watchStatus{WatchEntry: e}
		if h.scheduler != nil {
			if st, ok := h.scheduler.State(e.Key()); ok {
				ws.Schedule = &st
			}
		}
		out = append(out, ws)
	}
	return xhttp.ListResponse(c, out, int64(len(out)))
}

func (h *WatchlistEchoHandler) Add(c echo.Context) error {
	req := &models.WatchRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	e, added, err := h.registry.Add(c.Request().Context(), req.Pair, req.Timeframe, req.Exchange)
	if err != nil {
		h.logger.Warn("watchlist add failed", xlogger.String("pair", req.Pair), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	res := watchAddResponse{Entry: e, Added: added}
	if added {
		return xhttp.CreatedResponse(c, res)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *WatchlistEchoHandler) Remove(c echo.Context) error {
	req := &models.WatchRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	removed, err := h.registry.Remove(c.Request().Context(), req.Pair, req.Timeframe)
	if err != nil {
		h.logger.Warn("watchlist remove failed", xlogger.String("pair", req.Pair), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	return xhttp.DataResponse(c, http.StatusOK, map[string]bool{"removed": removed})
}

// Retries lists outstanding retry records.
func (h *WatchlistEchoHandler) Retries(c echo.Context) error {
	if h.scheduler == nil {
		return xhttp.ListResponse(c, []usecase.RetryRecord{}, 0)
	}
	recs := h.scheduler.Retries()
	return xhttp.ListResponse(c, recs, int64(len(recs)))
}

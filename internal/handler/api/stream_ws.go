package api

import (
	"net/http"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	"CandlePull/internal/usecase"
	xhttp "CandlePull/pkg/http"
	xlogger "CandlePull/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// StreamConfig holds WebSocket keep-alive settings.
type StreamConfig struct {
	Buffer       int
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Buffer:       64,
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// StreamHandler pushes candle-ready events to WebSocket clients. A slow client
// loses events instead of slowing the notifier.
type StreamHandler struct {
	logger   *xlogger.Logger
	notifier *usecase.Notifier
	cfg      StreamConfig
	upgrader websocket.Upgrader
}

func NewStreamHandler(logger *xlogger.Logger, notifier *usecase.Notifier, cfg StreamConfig) *StreamHandler {
	def := DefaultStreamConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	return &StreamHandler{
		logger:   logger,
		notifier: notifier,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

func (h *StreamHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/candles", h.Candles)
}

// Candles upgrades to a WebSocket streaming events filtered by the optional pair
// and timeframe query parameters.
func (h *StreamHandler) Candles(c echo.Context) error {
	filter, err := streamFilter(c.QueryParam("pair"), c.QueryParam("timeframe"))
	if err != nil {
		return xhttp.AppErrorResponse(c, toAppError(err))
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", xlogger.Error(err))
		return nil
	}
	defer conn.Close()

	sub := h.notifier.Subscribe(h.cfg.Buffer, filter)
	defer h.notifier.Unsubscribe(sub)

	remote := c.RealIP()
	h.logger.Info("stream client connected",
		xlogger.String("remote", remote),
		xlogger.String("filter", filter.String()),
	)

	done := make(chan struct{})
	go h.readPump(conn, done)

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				h.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("stream write failed", xlogger.String("remote", remote), xlogger.Error(err))
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return nil
			}
		case <-done:
			h.logger.Info("stream client disconnected",
				xlogger.String("remote", remote),
				xlogger.Int64("dropped", sub.Dropped()),
			)
			return nil
		case <-ctx.Done():
			h.closeConn(conn, websocket.CloseGoingAway, "")
			return nil
		}
	}
}

// readPump consumes control frames so pongs extend the read deadline.
func (h *StreamHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHandler) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
}

func streamFilter(pair, timeframe string) (models.WatchKey, error) {
	var key models.WatchKey
	if pair != "" {
		p, err := models.NormalizePair(pair)
		if err != nil {
			return key, domrepo.ConfigurationErrorf("%v", err)
		}
		key.Pair = p
	}
	if timeframe != "" {
		tf, err := domrepo.ResolveTimeframe(timeframe)
		if err != nil {
			return key, err
		}
		key.Timeframe = tf
	}
	return key, nil
}

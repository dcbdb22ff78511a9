package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	xhttp "CandlePull/pkg/http"
	pkgkafka "CandlePull/pkg/kafka"
	applogger "CandlePull/pkg/logger"
)

// WatchlistCommandEvent is the event header value producers set on commands.
const WatchlistCommandEvent = "watchlist.command"

// WatchlistCommandHandler applies watchlist commands consumed from Kafka.
type WatchlistCommandHandler struct {
	topic    string
	registry *WatchlistRegistry
	metrics  domrepo.Metrics
	l        *applogger.Logger
}

func NewWatchlistCommandHandler(topic string, registry *WatchlistRegistry, metrics domrepo.Metrics, l *applogger.Logger) *WatchlistCommandHandler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &WatchlistCommandHandler{topic: topic, registry: registry, metrics: metrics, l: l}
}

func (h *WatchlistCommandHandler) Topic() string { return h.topic }

// Handle decodes {action, pair, timeframe, exchange}. Malformed commands and
// configuration errors are logged and acknowledged so they never block the
// partition; store failures are returned for retry.
func (h *WatchlistCommandHandler) Handle(ctx context.Context, b []byte) error {
	var cmd models.WatchlistCommand
	if err := json.Unmarshal(b, &cmd); err != nil {
		h.metrics.RecordError("command_unmarshal")
		h.l.Warn("watchlist command rejected", applogger.Error(err))
		return nil
	}
	if err := xhttp.ValidateStruct(ctx, &cmd); err != nil {
		h.metrics.RecordError("command_invalid")
		h.l.Warn("watchlist command rejected",
			applogger.String("action", cmd.Action),
			applogger.String("pair", cmd.Pair),
			applogger.Error(err),
		)
		return nil
	}

	var err error
	switch cmd.Action {
	case "add":
		_, _, err = h.registry.Add(ctx, cmd.Pair, cmd.Timeframe, cmd.Exchange)
	case "remove":
		_, err = h.registry.Remove(ctx, cmd.Pair, cmd.Timeframe)
	}
	if errors.Is(err, domrepo.ErrConfiguration) {
		h.metrics.RecordError("command_config")
		h.l.Warn("watchlist command rejected",
			applogger.String("action", cmd.Action),
			applogger.String("pair", cmd.Pair),
			applogger.String("timeframe", cmd.Timeframe),
			applogger.Error(err),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply watchlist %s: %w", cmd.Action, err)
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*WatchlistCommandHandler)(nil)

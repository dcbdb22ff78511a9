package models

// Requests for the harvesting HTTP endpoints.

type WatchRequest struct {
	Pair      string `query:"pair" json:"pair" validate:"required,pair"`
	Timeframe string `query:"timeframe" json:"timeframe" validate:"required,oneof=15m 30m 1h 4h 1d 1w 1M"`
	Exchange  string `query:"exchange" json:"exchange"`
}

type LatestCandleRequest struct {
	Pair      string `query:"pair" json:"pair" validate:"required,pair"`
	Timeframe string `query:"timeframe" json:"timeframe" default:"1h" validate:"oneof=15m 30m 1h 4h 1d 1w 1M"`
}

type CandleRangeRequest struct {
	Pair      string `query:"pair" json:"pair" validate:"required,pair"`
	Timeframe string `query:"timeframe" json:"timeframe" default:"1h" validate:"oneof=15m 30m 1h 4h 1d 1w 1M"`
	From      string `query:"from" json:"from"`
	To        string `query:"to" json:"to"`
	Limit     int    `query:"limit" json:"limit" default:"500" validate:"gte=1,lte=5000"`
}

type OrderBookRequest struct {
	Pair     string `query:"pair" json:"pair" validate:"required,pair"`
	Exchange string `query:"exchange" json:"exchange"`
	Depth    int    `query:"depth" json:"depth" default:"20" validate:"gte=1,lte=100"`
}

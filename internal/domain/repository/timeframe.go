package repository

import "CandlePull/internal/domain/models"

// DefaultTimeframe returns the timeframe used when a read request omits one.
func DefaultTimeframe() models.Timeframe { return models.TF1h }

// ResolveTimeframe parses raw input, reporting unknown timeframes as
// configuration errors.
func ResolveTimeframe(s string) (models.Timeframe, error) {
	tf, err := models.ParseTimeframe(s)
	if err != nil {
		return "", ConfigurationErrorf("%v", err)
	}
	return tf, nil
}

// NormalizeTimeframe converts raw input to a valid timeframe (or default).
func NormalizeTimeframe(s string) models.Timeframe {
	if tf, err := models.ParseTimeframe(s); err == nil {
		return tf
	}
	return DefaultTimeframe()
}

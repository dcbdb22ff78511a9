package http

import (
	"net/http"
	"time"

	xutil "CandlePull/pkg/util"
)

// ParseTimeParam parses an optional time query value. Empty input yields the zero
// time; anything unparseable is a 400 naming the field.
func ParseTimeParam(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, ok := xutil.ParseTime(value)
	if !ok {
		return time.Time{}, NewAppError("ERR_INVALID_TIME", field, field+" must be RFC3339 or unix seconds/milliseconds", http.StatusBadRequest).
			WithParam("value", value)
	}
	return t, nil
}

package util

import (
	"strconv"
	"testing"
	"time"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Format(time.RFC3339) != s {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeUnix(t *testing.T) {
	ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	got, ok := ParseTime(strconv.FormatInt(ts.Unix(), 10))
	if !ok {
		t.Fatalf("expected ok")
	}
	if !got.Equal(ts) {
		t.Fatalf("unexpected unix %v", got.Unix())
	}

	got, ok = ParseTime(strconv.FormatInt(ts.UnixMilli(), 10))
	if !ok || !got.Equal(ts) {
		t.Fatalf("unexpected unix ms %v", got)
	}
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "yesterday", "-5", "2024-13-01T00:00:00Z"} {
		if _, ok := ParseTime(s); ok {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

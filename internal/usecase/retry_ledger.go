package usecase

import (
	"sort"
	"sync"
	"time"

	"CandlePull/internal/domain/models"
)

// RetryRecord tracks a failing fetch for one candle close. A key has at most one
// outstanding record.
type RetryRecord struct {
	Pair           string           `json:"pair"`
	Timeframe      models.Timeframe `json:"timeframe"`
	TargetOpenTime time.Time        `json:"target_open_time"`
	Attempts       int              `json:"attempts"`
	FirstFailedAt  time.Time        `json:"first_failed_at"`
	NextRetryAt    time.Time        `json:"next_retry_at"`
	Deadline       time.Time        `json:"deadline"`
	LastError      string           `json:"last_error,omitempty"`
	// Generation of the watch entry the failure belongs to.
	Generation uint64 `json:"generation"`
}

func (r RetryRecord) Key() models.WatchKey {
	return models.WatchKey{Pair: r.Pair, Timeframe: r.Timeframe}
}

// RetryLedger holds RetryRecords. The deadline of a record is the next close of
// the same timeframe, so a retry window never overlaps the following candle.
type RetryLedger struct {
	mu      sync.Mutex
	records map[models.WatchKey]*RetryRecord
}

func NewRetryLedger() *RetryLedger {
	return &RetryLedger{records: make(map[models.WatchKey]*RetryRecord)}
}

// Get returns a copy of the record for key.
func (l *RetryLedger) Get(key models.WatchKey) (RetryRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[key]
	if !ok {
		return RetryRecord{}, false
	}
	return *r, true
}

// RecordFailure registers a failed attempt for target by entry e and schedules
// the next one at now+delay. When now has reached the deadline the record is
// deleted instead and abandoned is true.
func (l *RetryLedger) RecordFailure(e models.WatchEntry, target, now time.Time, delay time.Duration, cause error) (rec RetryRecord, abandoned bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := e.Key()
	r, ok := l.records[key]
	if !ok || !r.TargetOpenTime.Equal(target) || r.Generation != e.Generation {
		r = &RetryRecord{
			Pair:           key.Pair,
			Timeframe:      key.Timeframe,
			TargetOpenTime: target,
			FirstFailedAt:  now,
			Deadline:       key.Timeframe.Next(target),
			Generation:     e.Generation,
		}
	}
	r.Attempts++
	if cause != nil {
		r.LastError = cause.Error()
	}
	if !now.Before(r.Deadline) {
		delete(l.records, key)
		return *r, true
	}
	r.NextRetryAt = now.Add(delay)
	l.records[key] = r
	return *r, false
}

// Clear deletes the record for key and reports whether one existed.
func (l *RetryLedger) Clear(key models.WatchKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[key]
	delete(l.records, key)
	return ok
}

// Due returns records whose next attempt is due and whose deadline has not passed.
func (l *RetryLedger) Due(now time.Time) []RetryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RetryRecord, 0)
	for _, r := range l.records {
		if !now.Before(r.NextRetryAt) && now.Before(r.Deadline) {
			out = append(out, *r)
		}
	}
	sortRecords(out)
	return out
}

// Expired removes and returns records whose deadline has passed.
func (l *RetryLedger) Expired(now time.Time) []RetryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RetryRecord, 0)
	for k, r := range l.records {
		if !now.Before(r.Deadline) {
			out = append(out, *r)
			delete(l.records, k)
		}
	}
	sortRecords(out)
	return out
}

// Prune removes records that keep rejects and returns how many were removed.
func (l *RetryLedger) Prune(keep func(RetryRecord) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, r := range l.records {
		if !keep(*r) {
			delete(l.records, k)
			n++
		}
	}
	return n
}

// List returns a snapshot of every record.
func (l *RetryLedger) List() []RetryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RetryRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	sortRecords(out)
	return out
}

func (l *RetryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func sortRecords(rs []RetryRecord) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Key().String() < rs[j].Key().String() })
}

package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	applogger "CandlePull/pkg/logger"
)

// WatchlistRegistry is the set of tracked (pair, timeframe) keys. Reads return
// point-in-time copies and are safe alongside mutation. Mutations are serialized
// by writeMu, and store I/O happens outside mu so snapshots never wait on it.
type WatchlistRegistry struct {
	writeMu         sync.Mutex
	mu              sync.RWMutex
	entries         map[models.WatchKey]models.WatchEntry
	gen             uint64
	exchanges       map[string]struct{}
	defaultExchange string
	store           domrepo.WatchlistStore
	l               *applogger.Logger
	now             func() time.Time
}

// NewWatchlistRegistry creates a registry accepting the given exchanges. store may
// be nil, in which case the watchlist lives only in memory.
func NewWatchlistRegistry(defaultExchange string, exchanges []string, store domrepo.WatchlistStore, l *applogger.Logger) *WatchlistRegistry {
	if l == nil {
		l = applogger.Nop()
	}
	known := make(map[string]struct{}, len(exchanges))
	for _, e := range exchanges {
		known[e] = struct{}{}
	}
	return &WatchlistRegistry{
		entries:         make(map[models.WatchKey]models.WatchEntry),
		exchanges:       known,
		defaultExchange: defaultExchange,
		store:           store,
		l:               l,
		now:             time.Now,
	}
}

// Add starts tracking pair/timeframe. It is idempotent and reports whether the
// entry is new. Unknown timeframes, exchanges or malformed pairs are
// configuration errors and the entry is never scheduled.
func (r *WatchlistRegistry) Add(ctx context.Context, pair, timeframe, exchange string) (models.WatchEntry, bool, error) {
	p, err := models.NormalizePair(pair)
	if err != nil {
		return models.WatchEntry{}, false, domrepo.ConfigurationErrorf("%v", err)
	}
	tf, err := domrepo.ResolveTimeframe(timeframe)
	if err != nil {
		return models.WatchEntry{}, false, err
	}
	if exchange == "" {
		exchange = r.defaultExchange
	}
	if _, ok := r.exchanges[exchange]; !ok {
		return models.WatchEntry{}, false, domrepo.ConfigurationErrorf("exchange %q is not enabled", exchange)
	}

	key := models.WatchKey{Pair: p, Timeframe: tf}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if e, ok := r.Lookup(key); ok {
		return e, false, nil
	}
	e := models.WatchEntry{Pair: p, Timeframe: tf, Exchange: exchange, AddedAt: r.now().UTC()}
	if r.store != nil {
		if err := r.store.Save(ctx, e); err != nil {
			return models.WatchEntry{}, false, err
		}
	}
	r.mu.Lock()
	e = r.insertLocked(e)
	r.mu.Unlock()
	r.l.Info("watch added",
		applogger.String("pair", p),
		applogger.String("timeframe", string(tf)),
		applogger.String("exchange", exchange),
	)
	return e, true, nil
}

// Remove stops tracking pair/timeframe. Stored candles are kept; any pending
// retry is dropped by the scheduler on its next tick.
func (r *WatchlistRegistry) Remove(ctx context.Context, pair, timeframe string) (bool, error) {
	p, err := models.NormalizePair(pair)
	if err != nil {
		return false, domrepo.ConfigurationErrorf("%v", err)
	}
	tf, err := domrepo.ResolveTimeframe(timeframe)
	if err != nil {
		return false, err
	}

	key := models.WatchKey{Pair: p, Timeframe: tf}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, ok := r.Lookup(key); !ok {
		return false, nil
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, key); err != nil {
			return false, err
		}
	}
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
	r.l.Info("watch removed", applogger.String("pair", p), applogger.String("timeframe", string(tf)))
	return true, nil
}

// List returns a snapshot sorted by pair then timeframe.
func (r *WatchlistRegistry) List() []models.WatchEntry {
	r.mu.RLock()
	out := make([]models.WatchEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Pair != out[j].Pair {
			return out[i].Pair < out[j].Pair
		}
		return tfRank(out[i].Timeframe) < tfRank(out[j].Timeframe)
	})
	return out
}

// Contains reports whether key is currently tracked.
func (r *WatchlistRegistry) Contains(key models.WatchKey) bool {
	_, ok := r.Lookup(key)
	return ok
}

// Lookup returns the current entry for key.
func (r *WatchlistRegistry) Lookup(key models.WatchKey) (models.WatchEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// Current reports whether e is still the live entry for its key, i.e. it was not
// removed, or removed and added again, since e was read.
func (r *WatchlistRegistry) Current(e models.WatchEntry) bool {
	cur, ok := r.Lookup(e.Key())
	return ok && cur.Generation == e.Generation
}

func (r *WatchlistRegistry) insertLocked(e models.WatchEntry) models.WatchEntry {
	r.gen++
	e.Generation = r.gen
	r.entries[e.Key()] = e
	return e
}

// Len returns the number of tracked keys.
func (r *WatchlistRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Load restores persisted entries, then adds the static ones. Entries with an
// exchange that is no longer enabled are skipped with a warning.
func (r *WatchlistRegistry) Load(ctx context.Context, static ...models.WatchEntry) error {
	if r.store != nil {
		r.writeMu.Lock()
		saved, err := r.store.Load(ctx)
		if err != nil {
			r.writeMu.Unlock()
			return err
		}
		r.mu.Lock()
		for _, e := range saved {
			if _, ok := r.exchanges[e.Exchange]; !ok || !e.Timeframe.Valid() {
				r.l.Warn("skipping persisted watch",
					applogger.String("pair", e.Pair),
					applogger.String("timeframe", string(e.Timeframe)),
					applogger.String("exchange", e.Exchange),
				)
				continue
			}
			r.insertLocked(e)
		}
		r.mu.Unlock()
		r.writeMu.Unlock()
	}
	for _, e := range static {
		if _, _, err := r.Add(ctx, e.Pair, string(e.Timeframe), e.Exchange); err != nil {
			return err
		}
	}
	r.l.Info("watchlist loaded", applogger.Int("entries", r.Len()))
	return nil
}

func tfRank(tf models.Timeframe) int {
	for i, t := range models.Timeframes {
		if t == tf {
			return i
		}
	}
	return len(models.Timeframes)
}

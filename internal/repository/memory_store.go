package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
)

// MemoryStore is an in-process CandleStore. Each (pair, timeframe) shard has its
// own lock so writers of different shards never contend.
type MemoryStore struct {
	mu     sync.RWMutex
	shards map[models.WatchKey]*memoryShard
}

type memoryShard struct {
	mu   sync.RWMutex
	rows map[int64]models.Candle
	// open times kept sorted for Range and Latest
	order []int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shards: make(map[models.WatchKey]*memoryShard)}
}

var _ domrepo.CandleStore = (*MemoryStore)(nil)

func (s *MemoryStore) shard(key models.WatchKey, create bool) *memoryShard {
	s.mu.RLock()
	sh, ok := s.shards[key]
	s.mu.RUnlock()
	if ok || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[key]; ok {
		return sh
	}
	sh = &memoryShard{rows: make(map[int64]models.Candle)}
	s.shards[key] = sh
	return sh
}

func (s *MemoryStore) Upsert(ctx context.Context, c models.Candle) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sh := s.shard(c.Key(), true)
	k := c.OpenTime.UnixMilli()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	old, ok := sh.rows[k]
	if !ok {
		sh.rows[k] = c
		i := sort.Search(len(sh.order), func(i int) bool { return sh.order[i] >= k })
		sh.order = append(sh.order, 0)
		copy(sh.order[i+1:], sh.order[i:])
		sh.order[i] = k
		return true, nil
	}
	if !c.FetchedAt.Before(old.FetchedAt) {
		sh.rows[k] = c
	}
	return false, nil
}

func (s *MemoryStore) Latest(ctx context.Context, pair string, tf models.Timeframe) (*models.Candle, error) {
	sh := s.shard(models.WatchKey{Pair: pair, Timeframe: tf}, false)
	if sh == nil {
		return nil, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if len(sh.order) == 0 {
		return nil, nil
	}
	c := sh.rows[sh.order[len(sh.order)-1]]
	return &c, nil
}

func (s *MemoryStore) Range(ctx context.Context, pair string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	sh := s.shard(models.WatchKey{Pair: pair, Timeframe: tf}, false)
	if sh == nil || to.Before(from) {
		return []models.Candle{}, nil
	}
	lo, hi := from.UnixMilli(), to.UnixMilli()

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	i := sort.Search(len(sh.order), func(i int) bool { return sh.order[i] >= lo })
	out := make([]models.Candle, 0)
	for ; i < len(sh.order) && sh.order[i] <= hi; i++ {
		out = append(out, sh.rows[sh.order[i]])
	}
	return out, nil
}

func (s *MemoryStore) Health(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"

	"github.com/redis/go-redis/v9"
)

// RedisWatchlistStore keeps watch entries in one Redis hash, field "pair@timeframe".
type RedisWatchlistStore struct {
	client redis.Cmdable
	key    string
}

var _ domrepo.WatchlistStore = (*RedisWatchlistStore)(nil)

func NewRedisWatchlistStore(client redis.Cmdable, key string) *RedisWatchlistStore {
	if key == "" {
		key = "candlepull:watchlist"
	}
	return &RedisWatchlistStore{client: client, key: key}
}

func (s *RedisWatchlistStore) Load(ctx context.Context) ([]models.WatchEntry, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load watchlist: %w", err)
	}
	out := make([]models.WatchEntry, 0, len(raw))
	for field, v := range raw {
		var e models.WatchEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode watch entry %s: %w", field, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (s *RedisWatchlistStore) Save(ctx context.Context, e models.WatchEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode watch entry: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, e.Key().String(), b).Err(); err != nil {
		return fmt.Errorf("redis save watch entry: %w", err)
	}
	return nil
}

func (s *RedisWatchlistStore) Delete(ctx context.Context, key models.WatchKey) error {
	if err := s.client.HDel(ctx, s.key, key.String()).Err(); err != nil {
		return fmt.Errorf("redis delete watch entry: %w", err)
	}
	return nil
}

// NewRedisClient connects to addr and verifies it with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

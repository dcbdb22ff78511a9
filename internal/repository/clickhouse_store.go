package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	pkgch "CandlePull/pkg/clickhouse"
	applogger "CandlePull/pkg/logger"
)

// CHCandleStore implements CandleStore on a ReplacingMergeTree table versioned by
// fetched_at. Reads use FINAL so a key is always seen once.
type CHCandleStore struct {
	ch    *pkgch.Client
	db    *sql.DB
	table string
	l     *applogger.Logger
}

var _ domrepo.CandleStore = (*CHCandleStore)(nil)

func NewCHCandleStore(ch *pkgch.Client, l *applogger.Logger) *CHCandleStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &CHCandleStore{ch: ch, db: ch.DB(), table: ch.Database() + ".candles", l: l}
}

// Init creates the candle table when missing.
func (s *CHCandleStore) Init(ctx context.Context) error {
	return s.ch.InitSchema(ctx, pkgch.CandleSchema(s.ch.Database()))
}

func (s *CHCandleStore) Upsert(ctx context.Context, c models.Candle) (bool, error) {
	var n uint64
	q := fmt.Sprintf("SELECT count() FROM %s FINAL WHERE pair = ? AND timeframe = ? AND open_time = ?", s.table)
	if err := s.db.QueryRowContext(ctx, q, c.Pair, string(c.Timeframe), c.OpenTime).Scan(&n); err != nil {
		s.l.Error("clickhouse upsert lookup error",
			applogger.String("pair", c.Pair),
			applogger.String("timeframe", string(c.Timeframe)),
			applogger.Error(err),
		)
		return false, fmt.Errorf("lookup candle: %w", err)
	}

	ins := fmt.Sprintf("INSERT INTO %s (pair, timeframe, open_time, open, high, low, close, volume, fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table)
	if _, err := s.db.ExecContext(ctx, ins,
		c.Pair, string(c.Timeframe), c.OpenTime,
		c.Open, c.High, c.Low, c.Close, c.Volume,
		c.FetchedAt,
	); err != nil {
		s.l.Error("clickhouse upsert insert error",
			applogger.String("pair", c.Pair),
			applogger.String("timeframe", string(c.Timeframe)),
			applogger.Error(err),
		)
		return false, fmt.Errorf("insert candle: %w", err)
	}
	return n == 0, nil
}

func (s *CHCandleStore) Latest(ctx context.Context, pair string, tf models.Timeframe) (*models.Candle, error) {
	q := fmt.Sprintf(`
        SELECT pair, timeframe, open_time, open, high, low, close, volume, fetched_at
        FROM %s FINAL
        WHERE pair = ? AND timeframe = ?
        ORDER BY open_time DESC
        LIMIT 1
    `, s.table)
	rows, err := s.db.QueryContext(ctx, q, pair, string(tf))
	if err != nil {
		return nil, fmt.Errorf("latest candle: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	c, err := scanCHCandle(rows)
	if err != nil {
		return nil, fmt.Errorf("scan candle: %w", err)
	}
	return &c, nil
}

func (s *CHCandleStore) Range(ctx context.Context, pair string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	start := time.Now()
	q := fmt.Sprintf(`
        SELECT pair, timeframe, open_time, open, high, low, close, volume, fetched_at
        FROM %s FINAL
        WHERE pair = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
        ORDER BY open_time ASC
    `, s.table)
	rows, err := s.db.QueryContext(ctx, q, pair, string(tf), from, to)
	if err != nil {
		s.l.Error("clickhouse range query error",
			applogger.String("pair", pair),
			applogger.String("timeframe", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("range candles: %w", err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0, 512)
	for rows.Next() {
		c, err := scanCHCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Debug("clickhouse range ok",
		applogger.String("pair", pair),
		applogger.String("timeframe", string(tf)),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

func (s *CHCandleStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying client.
func (s *CHCandleStore) Close() error { return s.ch.Close() }

func scanCHCandle(rows *sql.Rows) (models.Candle, error) {
	var (
		c  models.Candle
		tf string
	)
	err := rows.Scan(&c.Pair, &tf, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.FetchedAt)
	c.Timeframe = models.Timeframe(tf)
	c.OpenTime = c.OpenTime.UTC()
	c.FetchedAt = c.FetchedAt.UTC()
	return c, err
}

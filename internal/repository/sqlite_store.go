package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"CandlePull/internal/domain/models"
	domrepo "CandlePull/internal/domain/repository"
	applogger "CandlePull/pkg/logger"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS candles (
	pair       TEXT    NOT NULL,
	timeframe  TEXT    NOT NULL,
	open_time  INTEGER NOT NULL,
	open       TEXT    NOT NULL,
	high       TEXT    NOT NULL,
	low        TEXT    NOT NULL,
	close      TEXT    NOT NULL,
	volume     TEXT    NOT NULL,
	fetched_at INTEGER NOT NULL,
	PRIMARY KEY (pair, timeframe, open_time)
) WITHOUT ROWID;
`

// SQLiteStore is a file-backed CandleStore. Times are stored as unix
// milliseconds and prices as decimal text.
type SQLiteStore struct {
	db *sql.DB
	l  *applogger.Logger
}

var _ domrepo.CandleStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and ensures the schema.
func NewSQLiteStore(path string, l *applogger.Logger) (*SQLiteStore, error) {
	if l == nil {
		l = applogger.Nop()
	}
	if path == "" {
		path = "data/oracle.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	l.Info("sqlite candle store ready", applogger.String("path", path))
	return &SQLiteStore{db: db, l: l}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, c models.Candle) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM candles WHERE pair = ? AND timeframe = ? AND open_time = ?`,
		c.Pair, string(c.Timeframe), c.OpenTime.UnixMilli(),
	).Scan(&one)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, fmt.Errorf("lookup candle: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO candles (pair, timeframe, open_time, open, high, low, close, volume, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pair, timeframe, open_time) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			fetched_at = excluded.fetched_at
		WHERE excluded.fetched_at >= candles.fetched_at`,
		c.Pair, string(c.Timeframe), c.OpenTime.UnixMilli(),
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
		c.FetchedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert candle: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert: %w", err)
	}
	return created, nil
}

func (s *SQLiteStore) Latest(ctx context.Context, pair string, tf models.Timeframe) (*models.Candle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pair, timeframe, open_time, open, high, low, close, volume, fetched_at
		FROM candles WHERE pair = ? AND timeframe = ?
		ORDER BY open_time DESC LIMIT 1`, pair, string(tf))
	c, err := scanCandle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest candle: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) Range(ctx context.Context, pair string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, timeframe, open_time, open, high, low, close, volume, fetched_at
		FROM candles WHERE pair = ? AND timeframe = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC`, pair, string(tf), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("range candles: %w", err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0)
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.l.Info("closing sqlite candle store")
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(r rowScanner) (models.Candle, error) {
	var (
		c                    models.Candle
		tf                   string
		openMs, fetchedMs    int64
		o, h, lo, cl, volume string
	)
	if err := r.Scan(&c.Pair, &tf, &openMs, &o, &h, &lo, &cl, &volume, &fetchedMs); err != nil {
		return c, err
	}
	c.Timeframe = models.Timeframe(tf)
	c.OpenTime = time.UnixMilli(openMs).UTC()
	c.FetchedAt = time.UnixMilli(fetchedMs).UTC()

	var err error
	if c.Open, err = decimal.NewFromString(o); err != nil {
		return c, err
	}
	if c.High, err = decimal.NewFromString(h); err != nil {
		return c, err
	}
	if c.Low, err = decimal.NewFromString(lo); err != nil {
		return c, err
	}
	if c.Close, err = decimal.NewFromString(cl); err != nil {
		return c, err
	}
	if c.Volume, err = decimal.NewFromString(volume); err != nil {
		return c, err
	}
	return c, nil
}

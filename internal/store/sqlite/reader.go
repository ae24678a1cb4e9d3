package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"chartpipe/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to the journal for warm starts.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string, log *slog.Logger) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	log.Info("opened journal reader", slog.String("component", "journal"), slog.String("path", dbPath))
	return &Reader{db: db}, nil
}

// ReadCandles returns up to limit of the most recent candles for symbol in
// ascending time order. limit <= 0 returns all of them.
func (r *Reader) ReadCandles(ctx context.Context, symbol string, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, ts, open, high, low, close, volume FROM (
			SELECT symbol, ts, open, high, low, close, volume
			FROM candles
			WHERE symbol = ?
			ORDER BY ts DESC
			LIMIT ?
		) ORDER BY ts ASC
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Symbol, &c.OpenTimestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Symbols lists every journaled symbol.
func (r *Reader) Symbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM candles ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

var (
	_ model.CandleWriter = (*Writer)(nil)
	_ model.CandleReader = (*Reader)(nil)
)

// Package sqlite journals finalized candles to SQLite and reads them back
// for warm starts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"chartpipe/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize   = 100
	defaultFlushDelay  = 200 * time.Millisecond
	defaultMaxPending  = 10000
	defaultMaxFailures = 5
	defaultCooldown    = 10 * time.Second
)

// WriterConfig configures the journal writer.
type WriterConfig struct {
	DBPath     string // e.g. "data/candles.db"
	BatchSize  int
	FlushDelay time.Duration
	// MaxPending bounds the candles kept in memory while commits fail.
	// The oldest are dropped beyond it.
	MaxPending int
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// Failed batches are retained and retried on the next flush; repeated
// failures open a circuit breaker so a broken disk is not hammered.
type Writer struct {
	db      *sql.DB
	cfg     WriterConfig
	breaker *Breaker
	log     *slog.Logger
	pending []model.Candle

	// Optional hooks for metrics.
	OnCommit func(n int, d time.Duration)
	OnDrop   func(n int)
}

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig, log *slog.Logger) (*Writer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite3", dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log = log.With(slog.String("component", "journal"))
	log.Info("opened database", slog.String("path", cfg.DBPath))
	return &Writer{
		db:      db,
		cfg:     cfg,
		breaker: NewBreaker(defaultMaxFailures, defaultCooldown),
		log:     log,
	}, nil
}

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT    NOT NULL,
			ts     INTEGER NOT NULL,
			open   REAL    NOT NULL,
			high   REAL    NOT NULL,
			low    REAL    NOT NULL,
			close  REAL    NOT NULL,
			volume REAL    NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, ts)
		);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// Breaker exposes the commit circuit breaker.
func (w *Writer) Breaker() *Breaker { return w.breaker }

// Run reads finalized candles from candleCh and inserts them in batched
// transactions, flushing every BatchSize candles or every FlushDelay,
// whichever comes first. Blocks until ctx is cancelled or candleCh is closed.
func (w *Writer) Run(ctx context.Context, candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.FlushDelay)
	defer timer.Stop()

	flush := func() {
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case c, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= w.cfg.BatchSize {
				flush()
				timer.Reset(w.cfg.FlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(w.cfg.FlushDelay)
		}
	}
}

// flush commits the retained backlog plus batch.
func (w *Writer) flush(batch []model.Candle) {
	w.pending = append(w.pending, batch...)
	if len(w.pending) == 0 {
		return
	}

	start := time.Now()
	err := w.breaker.Do(func() error { return w.insertBatch(w.pending) })
	if err == nil {
		n := len(w.pending)
		w.pending = w.pending[:0]
		w.log.Debug("committed candles", slog.Int("count", n), slog.Duration("took", time.Since(start)))
		if w.OnCommit != nil {
			w.OnCommit(n, time.Since(start))
		}
		return
	}

	if err != ErrBreakerOpen {
		w.log.Error("batch insert failed", slog.String("error", err.Error()), slog.Int("pending", len(w.pending)))
	}
	if over := len(w.pending) - w.cfg.MaxPending; over > 0 {
		w.pending = append(w.pending[:0], w.pending[over:]...)
		w.log.Warn("journal backlog full, dropped oldest candles", slog.Int("dropped", over))
		if w.OnDrop != nil {
			w.OnDrop(over)
		}
	}
}

// Pending returns the number of candles waiting for a successful commit.
func (w *Writer) Pending() int { return len(w.pending) }

// insertBatch upserts candles in a single transaction.
func (w *Writer) insertBatch(candles []model.Candle) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (symbol, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.Exec(c.Symbol, c.OpenTimestamp, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LastTimestamp returns the newest journaled OpenTimestamp for symbol, or 0.
func (w *Writer) LastTimestamp(ctx context.Context, symbol string) (int64, error) {
	var ts sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM candles WHERE symbol = ?`, symbol).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

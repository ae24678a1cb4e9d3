package model

import "context"

// ── Storage Port Interfaces ──
// These decouple the pipeline from the concrete history store.

// CandleWriter persists finalized candles.
type CandleWriter interface {
	// Run reads finalized candles from candleCh and writes them.
	// Blocks until ctx is cancelled or candleCh is closed.
	Run(ctx context.Context, candleCh <-chan Candle)

	// Close releases underlying resources.
	Close() error
}

// CandleReader loads candle history for warm start.
type CandleReader interface {
	// ReadCandles returns up to limit of the most recent candles for symbol,
	// ordered by OpenTimestamp ascending.
	ReadCandles(ctx context.Context, symbol string, limit int) ([]Candle, error)

	// Close releases underlying resources.
	Close() error
}

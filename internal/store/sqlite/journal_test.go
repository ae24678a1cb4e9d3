package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartpipe/internal/model"
)

func candle(symbol string, ts int64, close float64) model.Candle {
	return model.Candle{Symbol: symbol, OpenTimestamp: ts, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 10}
}

func TestJournal_WriteAndWarmStartRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candles.db")
	w, err := New(WriterConfig{DBPath: path, BatchSize: 3, FlushDelay: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer w.Close()

	commits := 0
	w.OnCommit = func(int, time.Duration) { commits++ }

	ch := make(chan model.Candle, 16)
	for i := 0; i < 5; i++ {
		ch <- candle("AAPL", int64(i)*60_000, float64(100+i))
	}
	ch <- candle("MSFT", 0, 300)
	ch <- candle("AAPL", 60_000, 999) // replaces
	close(ch)

	w.Run(context.Background(), ch)
	assert.GreaterOrEqual(t, commits, 2)
	assert.Zero(t, w.Pending())

	last, err := w.LastTimestamp(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(240_000), last)

	r, err := NewReader(path, nil)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadCandles(context.Background(), "AAPL", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{120_000, 180_000, 240_000},
		[]int64{got[0].OpenTimestamp, got[1].OpenTimestamp, got[2].OpenTimestamp})

	all, err := r.ReadCandles(context.Background(), "AAPL", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, 999.0, all[1].Close)

	symbols, err := r.Symbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
}

func TestJournal_FlushesOnTimer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timer.db")
	w, err := New(WriterConfig{DBPath: path, BatchSize: 1000, FlushDelay: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer w.Close()

	committed := make(chan int, 4)
	w.OnCommit = func(n int, _ time.Duration) { committed <- n }

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan model.Candle)
	done := make(chan struct{})
	go func() {
		w.Run(ctx, ch)
		close(done)
	}()

	ch <- candle("X", 0, 1)
	select {
	case n := <-committed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("timer flush never happened")
	}
	cancel()
	<-done
}

func TestJournal_RetainsBacklogWhileFailing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fail.db")
	w, err := New(WriterConfig{DBPath: path, MaxPending: 4}, nil)
	require.NoError(t, err)
	defer w.Close()

	dropped := 0
	w.OnDrop = func(n int) { dropped += n }

	_, err = w.db.Exec(`DROP TABLE candles`)
	require.NoError(t, err)

	w.flush([]model.Candle{candle("X", 0, 1), candle("X", 1, 2), candle("X", 2, 3)})
	assert.Equal(t, 3, w.Pending())
	w.flush([]model.Candle{candle("X", 3, 4), candle("X", 4, 5)})
	assert.Equal(t, 4, w.Pending())
	assert.Equal(t, 1, dropped)

	require.NoError(t, createSchema(w.db))
	w.flush(nil)
	assert.Zero(t, w.Pending())

	last, err := w.LastTimestamp(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartpipe/internal/feed"
	"chartpipe/internal/metrics"
	"chartpipe/internal/model"
	"chartpipe/internal/render"
	"chartpipe/internal/series"
)

var errClosed = errors.New("closed")

type stubConn struct {
	frames  chan []byte
	written chan model.ControlFrame
	closed  chan struct{}
	once    sync.Once
}

func (c *stubConn) ReadFrame() ([]byte, error) {
	select {
	case b := <-c.frames:
		return b, nil
	case <-c.closed:
		return nil, errClosed
	}
}

func (c *stubConn) WriteFrame(_ context.Context, f model.ControlFrame) error {
	select {
	case c.written <- f:
		return nil
	case <-c.closed:
		return errClosed
	}
}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// stubTransport hands out a fresh connection per dial and remembers the last.
type stubTransport struct {
	mu   sync.Mutex
	last *stubConn
}

func (t *stubTransport) Dial(ctx context.Context) (feed.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &stubConn{
		frames:  make(chan []byte, 64),
		written: make(chan model.ControlFrame, 64),
		closed:  make(chan struct{}),
	}
	t.mu.Lock()
	t.last = c
	t.mu.Unlock()
	return c, nil
}

func (t *stubTransport) conn() *stubConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

type memJournal struct {
	mu      sync.Mutex
	candles []model.Candle
}

func (j *memJournal) Run(ctx context.Context, ch <-chan model.Candle) {
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return
			}
			j.mu.Lock()
			j.candles = append(j.candles, c)
			j.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) written() []model.Candle {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.Candle(nil), j.candles...)
}

type memReader map[string][]model.Candle

func (r memReader) ReadCandles(_ context.Context, symbol string, limit int) ([]model.Candle, error) {
	cs := r[symbol]
	if limit > 0 && len(cs) > limit {
		cs = cs[len(cs)-limit:]
	}
	return cs, nil
}

func (r memReader) Close() error { return nil }

func priceFrame(symbol string, price float64, ts int64) []byte {
	return []byte(fmt.Sprintf(`{"type":"price_update","symbol":%q,"price":%g,"volume":1,"timestamp":%d}`, symbol, price, ts))
}

func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			} else {
				total += m.GetGauge().GetValue()
			}
		}
		return total
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func newTestPipeline(t *testing.T, j model.CandleWriter) (*Pipeline, *stubTransport, *prometheus.Registry, *metrics.HealthStatus) {
	t.Helper()
	tr := &stubTransport{}
	reg := prometheus.NewRegistry()
	health := metrics.NewHealthStatus()
	p, err := New(Options{
		Transport: tr,
		Feed:      feed.Config{ConnectTimeout: time.Second},
		Series:    series.Config{BucketInterval: time.Minute},
		Render:    render.Config{MaxDataPoints: 100, CompressionThreshold: 1000},
		Metrics:   metrics.NewMetrics(reg),
		Health:    health,
		Journal:   j,
	})
	require.NoError(t, err)
	return p, tr, reg, health
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSubscribe_DispatchAndInstrument(t *testing.T) {
	p, tr, reg, health := newTestPipeline(t, nil)
	defer p.Disconnect()

	got := make(chan model.Candle, 8)
	id, err := p.Subscribe("AAPL", func(c model.Candle) { got <- c })
	require.NoError(t, err)

	require.Eventually(t, p.IsConnected, time.Second, 5*time.Millisecond)
	conn := tr.conn()
	select {
	case f := <-conn.written:
		assert.Equal(t, model.FrameSubscribe, f.Type)
		assert.Equal(t, "AAPL", f.Symbol)
	case <-time.After(time.Second):
		t.Fatal("no subscribe frame sent")
	}

	conn.frames <- priceFrame("AAPL", 100, 0)
	conn.frames <- priceFrame("AAPL", 101, 1000)

	var last model.Candle
	for i := 0; i < 2; i++ {
		select {
		case last = <-got:
		case <-time.After(time.Second):
			t.Fatal("candle not dispatched")
		}
	}
	assert.Equal(t, 101.0, last.Close)
	assert.Equal(t, 2.0, last.Volume)

	assert.Equal(t, 1.0, gathered(t, reg, "chartpipe_subscriptions"))
	assert.Equal(t, 2.0, gathered(t, reg, "chartpipe_updates_total"))
	assert.Equal(t, 2.0, gathered(t, reg, "chartpipe_frames_total"))
	assert.Equal(t, 1.0, gathered(t, reg, "chartpipe_control_frames_sent_total"))
	assert.Equal(t, float64(feed.Connected), gathered(t, reg, "chartpipe_connection_state"))

	p.Unsubscribe(id)
	p.Unsubscribe(id)
	assert.Equal(t, 0.0, gathered(t, reg, "chartpipe_subscriptions"))

	rec := httptest.NewRecorder()
	health.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["feed_connected"])
	assert.Equal(t, 0.0, body["subscriptions"])
	assert.NotEmpty(t, body["candle_age"])
}

func TestGetViewWindow_FollowsFocus(t *testing.T) {
	p, tr, _, _ := newTestPipeline(t, nil)
	defer p.Disconnect()
	p.SetFocus("AAPL")

	done := make(chan struct{}, 8)
	_, err := p.Subscribe("AAPL", func(model.Candle) { done <- struct{}{} })
	require.NoError(t, err)
	require.Eventually(t, p.IsConnected, time.Second, 5*time.Millisecond)

	conn := tr.conn()
	for i := 0; i < 3; i++ {
		conn.frames <- priceFrame("AAPL", float64(100+i), int64(i)*60_000)
		<-done
	}

	w := p.GetViewWindow(0, 1)
	assert.Equal(t, 3, w.TotalSourceLength)
	require.Len(t, w.Visible, 3)
	assert.Equal(t, 102.0, w.Visible[2].Close)
	assert.Equal(t, 3, p.Metrics().DataPoints)

	p.SetFocus("MSFT")
	assert.Empty(t, p.GetViewWindow(0, 1).Visible)
}

func TestWarmStart_SeedsBeforeLive(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, nil)
	p.SetFocus("AAPL")

	hist := memReader{"AAPL": {
		{Symbol: "AAPL", OpenTimestamp: 0, Open: 1, High: 2, Low: 1, Close: 2},
		{Symbol: "AAPL", OpenTimestamp: 60_000, Open: 2, High: 3, Low: 2, Close: 3},
		{Symbol: "AAPL", OpenTimestamp: 120_000, Open: 3, High: 4, Low: 3, Close: 4},
	}}
	n, err := p.WarmStart(context.Background(), hist, []string{"AAPL", "MSFT"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s := p.Series("AAPL")
	require.Len(t, s, 2)
	assert.Equal(t, int64(60_000), s[0].OpenTimestamp)
	assert.Equal(t, 2, p.GetViewWindow(0, 1).TotalSourceLength)

	last, ok := p.Last("AAPL")
	require.True(t, ok)
	assert.Equal(t, int64(120_000), last.OpenTimestamp)
	_, ok = p.Last("MSFT")
	assert.False(t, ok)
}

func TestRun_JournalsFinalizedCandles(t *testing.T) {
	j := &memJournal{}
	p, tr, reg, _ := newTestPipeline(t, j)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	done := make(chan struct{}, 8)
	_, err := p.Subscribe("AAPL", func(model.Candle) { done <- struct{}{} })
	require.NoError(t, err)
	require.Eventually(t, p.IsConnected, time.Second, 5*time.Millisecond)

	conn := tr.conn()
	for i := 0; i < 3; i++ {
		conn.frames <- priceFrame("AAPL", float64(100+i), int64(i)*60_000)
		<-done
	}

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	// The live third candle is still open and stays out of the journal.
	written := j.written()
	require.Len(t, written, 2)
	assert.Equal(t, int64(0), written[0].OpenTimestamp)
	assert.Equal(t, int64(60_000), written[1].OpenTimestamp)
	assert.False(t, p.IsConnected())
	assert.Equal(t, 0.0, gathered(t, reg, "chartpipe_journal_dropped_total"))

	assert.Error(t, p.Run(context.Background()))
}

package feedsim

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartpipe/internal/feed"
	"chartpipe/internal/model"
)

type recordSink struct {
	mu     sync.Mutex
	frames []model.InboundFrame
}

func (s *recordSink) Publish(_ context.Context, f model.InboundFrame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

func TestStep_Deterministic(t *testing.T) {
	cfg := Config{Symbols: []string{"AAPL", "MSFT"}, CandleEvery: 3, Seed: 42}
	a := NewGenerator(cfg, nil)
	b := NewGenerator(cfg, nil)

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 10; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		assert.Equal(t, a.Step(now), b.Step(now))
	}
}

func TestStep_FramesAreWellFormed(t *testing.T) {
	g := NewGenerator(Config{
		Symbols:     []string{"AAPL"},
		CandleEvery: 5,
		StartPrices: map[string]float64{"AAPL": 190},
		Seed:        7,
	}, nil)

	base := time.UnixMilli(1_700_000_000_000)
	var candles []model.InboundFrame
	for i := 0; i < 20; i++ {
		frames := g.Step(base.Add(time.Duration(i) * time.Second))
		require.NotEmpty(t, frames)

		p := frames[0]
		assert.Equal(t, model.FramePriceUpdate, p.Type)
		assert.Equal(t, "AAPL", p.Symbol)
		assert.InDelta(t, 190, p.Price, 190*0.05)
		assert.Positive(t, p.Volume)
		require.NotNil(t, p.Timestamp)

		candles = append(candles, frames[1:]...)
	}

	require.Len(t, candles, 4)
	for _, c := range candles {
		assert.Equal(t, model.FrameCandleUpdate, c.Type)
		assert.LessOrEqual(t, c.Low, c.Open)
		assert.LessOrEqual(t, c.Low, c.Close)
		assert.GreaterOrEqual(t, c.High, c.Open)
		assert.GreaterOrEqual(t, c.High, c.Close)

		u, err := c.ToUpdate(time.Now())
		require.NoError(t, err)
		assert.Equal(t, model.KindCandle, u.Kind)
	}
}

func TestStep_PriceFloor(t *testing.T) {
	assert.Equal(t, minPrice, step(0.001, 0))
	assert.InDelta(t, 100.1, step(100, 1), 0.01)
	assert.InDelta(t, 99.9, step(100, 0), 0.01)
}

func TestRun_PublishesToSinks(t *testing.T) {
	sink := &recordSink{}
	g := NewGenerator(Config{
		Symbols:           []string{"AAPL"},
		TickInterval:      5 * time.Millisecond,
		CandleEvery:       2,
		HeartbeatInterval: 10 * time.Millisecond,
	}, nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return sink.count(model.FramePriceUpdate) >= 4 &&
			sink.count(model.FrameCandleUpdate) >= 1 &&
			sink.count(model.FrameHeartbeat) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) model.InboundFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f model.InboundFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHub_RoutesBySubscription(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(model.NewControlFrame(model.FrameSubscribe, "AAPL")))

	ts := int64(1)
	ctx := context.Background()
	// Poll until the subscribe frame has been applied.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return c.wants("AAPL")
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, model.InboundFrame{Type: model.FramePriceUpdate, Symbol: "MSFT", Price: 1, Timestamp: &ts}))
	require.NoError(t, hub.Publish(ctx, model.InboundFrame{Type: model.FramePriceUpdate, Symbol: "AAPL", Price: 2, Timestamp: &ts}))
	require.NoError(t, hub.Publish(ctx, model.InboundFrame{Type: model.FrameHeartbeat}))

	f := readFrame(t, conn)
	assert.Equal(t, "AAPL", f.Symbol)
	assert.Equal(t, 2.0, f.Price)
	assert.Equal(t, model.FrameHeartbeat, readFrame(t, conn).Type)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

// The feed manager, talking to the demo hub over a real websocket, should end
// up with reconciled candles.
func TestHub_EndToEndWithManager(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	tr := feed.NewWSTransport("ws" + strings.TrimPrefix(srv.URL, "http"))
	m := feed.NewManager(tr, nil, feed.Config{ConnectTimeout: time.Second}, nil)
	defer m.Disconnect()

	got := make(chan model.Candle, 64)
	_, err := m.Subscribe("AAPL", func(c model.Candle) { got <- c })
	require.NoError(t, err)
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)

	g := NewGenerator(Config{Symbols: []string{"AAPL", "MSFT"}, CandleEvery: 2, Seed: 1}, nil, hub)
	ctx := context.Background()
	base := time.Now()

	// Keep stepping until the subscribe frame has reached the hub.
	var first model.Candle
	require.Eventually(t, func() bool {
		for _, f := range g.Step(base) {
			_ = hub.Publish(ctx, f)
		}
		select {
		case first = <-got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "AAPL", first.Symbol)
	assert.True(t, first.Valid())
	assert.Equal(t, []string{"AAPL"}, m.Reconciler().Symbols())
	assert.Equal(t, 1, m.Reconciler().Len("AAPL"))
}

// Package feedsim is a demo price source. A Generator random-walks a price per
// symbol and publishes price_update, candle_update and heartbeat frames to one
// or more sinks: the websocket Hub, and optionally Redis pub/sub.
package feedsim

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"chartpipe/internal/model"
)

const (
	DefaultTickInterval      = 250 * time.Millisecond
	DefaultCandleEvery       = 20
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultBucketInterval    = time.Minute
	defaultStartPrice        = 100.0
	minPrice                 = 0.01
)

// Sink receives generated frames.
type Sink interface {
	Publish(ctx context.Context, f model.InboundFrame) error
}

// Config controls the simulation.
type Config struct {
	Symbols      []string
	TickInterval time.Duration
	// CandleEvery emits a candle_update for each symbol every N ticks.
	// Zero disables candle frames.
	CandleEvery       int
	HeartbeatInterval time.Duration
	// BucketInterval is the window the candle_update frames summarize.
	BucketInterval time.Duration
	StartPrices    map[string]float64
	Seed           int64 // 0 seeds from the clock
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.CandleEvery < 0 {
		c.CandleEvery = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.BucketInterval <= 0 {
		c.BucketInterval = DefaultBucketInterval
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

// walk is the per-symbol simulation state.
type walk struct {
	symbol string
	price  float64
	ticks  int

	// running aggregate of the current bucket
	bucket int64
	open   float64
	high   float64
	low    float64
	volume float64
}

// Generator produces frames. Step is deterministic for a given seed and is
// not safe for concurrent use; Run drives it from a single goroutine.
type Generator struct {
	cfg   Config
	rng   *rand.Rand
	walks []*walk
	sinks []Sink
	log   *slog.Logger
}

// NewGenerator builds a generator publishing to sinks.
func NewGenerator(cfg Config, log *slog.Logger, sinks ...Sink) *Generator {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	g := &Generator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		sinks: sinks,
		log:   log.With(slog.String("component", "feedsim")),
	}
	for _, s := range cfg.Symbols {
		p := cfg.StartPrices[s]
		if p <= 0 {
			p = defaultStartPrice
		}
		g.walks = append(g.walks, &walk{symbol: s, price: p, bucket: -1})
	}
	return g
}

// Step advances every symbol by one tick at now and returns the frames
// produced: one price_update per symbol, plus a candle_update for symbols
// whose tick count reached CandleEvery.
func (g *Generator) Step(now time.Time) []model.InboundFrame {
	ts := now.UnixMilli()
	interval := g.cfg.BucketInterval.Milliseconds()
	frames := make([]model.InboundFrame, 0, len(g.walks))

	for _, w := range g.walks {
		w.price = step(w.price, g.rng.Float64())
		qty := float64(g.rng.Intn(100) + 1)
		w.ticks++

		if b := ts - ts%interval; b != w.bucket {
			w.bucket = b
			w.open, w.high, w.low, w.volume = w.price, w.price, w.price, 0
		}
		w.high = math.Max(w.high, w.price)
		w.low = math.Min(w.low, w.price)
		w.volume += qty

		t := ts
		frames = append(frames, model.InboundFrame{
			Type:      model.FramePriceUpdate,
			Symbol:    w.symbol,
			Price:     w.price,
			Volume:    qty,
			Timestamp: &t,
		})

		if g.cfg.CandleEvery > 0 && w.ticks%g.cfg.CandleEvery == 0 {
			t := ts
			frames = append(frames, model.InboundFrame{
				Type:      model.FrameCandleUpdate,
				Symbol:    w.symbol,
				Open:      w.open,
				High:      w.high,
				Low:       w.low,
				Close:     w.price,
				Volume:    w.volume,
				Timestamp: &t,
			})
		}
	}
	return frames
}

// step applies a random walk of up to ±0.1%. r is uniform in [0, 1).
func step(price, r float64) float64 {
	pct := (r*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next < minPrice {
		next = minPrice
	}
	return math.Round(next*100) / 100
}

// Run publishes frames until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) {
	tick := time.NewTicker(g.cfg.TickInterval)
	defer tick.Stop()
	hb := time.NewTicker(g.cfg.HeartbeatInterval)
	defer hb.Stop()

	g.log.Info("generator started",
		slog.Any("symbols", g.cfg.Symbols),
		slog.Duration("tick_interval", g.cfg.TickInterval),
		slog.Int("candle_every", g.cfg.CandleEvery))

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			for _, f := range g.Step(now) {
				g.publish(ctx, f)
			}
		case <-hb.C:
			g.publish(ctx, model.InboundFrame{Type: model.FrameHeartbeat})
		}
	}
}

func (g *Generator) publish(ctx context.Context, f model.InboundFrame) {
	for _, s := range g.sinks {
		if err := s.Publish(ctx, f); err != nil && ctx.Err() == nil {
			g.log.Warn("publish failed", slog.String("type", f.Type),
				slog.String("symbol", f.Symbol), slog.String("error", err.Error()))
		}
	}
}

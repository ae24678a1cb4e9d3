// Package render turns a potentially huge candle series into a bounded view
// for a chart: compression, adaptive sampling, viewport virtualization and
// eased transitions between successive views. It also keeps the performance
// metrics (render time, fps, memory) and the advisories derived from them.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chartpipe/internal/model"
)

const (
	DefaultMaxDataPoints        = 1000
	DefaultCompressionThreshold = 5000
	DefaultViewportBuffer       = 50
	DefaultAnimationDuration    = 300 * time.Millisecond
	DefaultMemoryLimitMB        = 100
	DefaultMemoryInterval       = time.Second

	// Advisory thresholds.
	MinFPS        = 30
	MaxRenderTime = 50 * time.Millisecond

	minMaxDataPoints = 100
)

// Config is the render budget. Use DefaultConfig and override fields.
type Config struct {
	MaxDataPoints        int
	CompressionThreshold int
	EnableCompression    bool
	EnableVirtualization bool
	ViewportBuffer       int // candles either side of the viewport
	AnimationDuration    time.Duration
	MemoryLimitMB        float64
	MemoryInterval       time.Duration
	// AutoOptimize lets threshold breaches mutate this config.
	AutoOptimize bool
}

// DefaultConfig enables compression and virtualization with the default budget.
func DefaultConfig() Config {
	return Config{
		MaxDataPoints:        DefaultMaxDataPoints,
		CompressionThreshold: DefaultCompressionThreshold,
		EnableCompression:    true,
		EnableVirtualization: true,
		ViewportBuffer:       DefaultViewportBuffer,
		AnimationDuration:    DefaultAnimationDuration,
		MemoryLimitMB:        DefaultMemoryLimitMB,
		MemoryInterval:       DefaultMemoryInterval,
	}
}

func (c *Config) defaults() {
	if c.MaxDataPoints <= 0 {
		c.MaxDataPoints = DefaultMaxDataPoints
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.ViewportBuffer < 0 {
		c.ViewportBuffer = 0
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if c.MemoryInterval <= 0 {
		c.MemoryInterval = DefaultMemoryInterval
	}
}

// Optimizer holds the current source series and derives view windows from
// it. It never modifies the series it is given. Safe for concurrent use.
type Optimizer struct {
	log   *slog.Logger
	sched FrameScheduler
	mem   func() float64

	mu       sync.RWMutex
	cfg      Config
	source   []model.Candle
	reduced  []model.Candle
	ratio    float64
	dirty    bool
	view     [2]float64 // last requested viewport
	last     model.ViewWindow
	metrics  model.PerformanceMetrics
	breached breaches // thresholds already acted on
	cancelTx context.CancelFunc
	txDone   chan struct{} // closed when the transition in flight has exited

	times *renderTimes
	fps   fpsMeter

	// Hooks (optional). Called without the lock held.
	OnMetrics      func(m model.PerformanceMetrics)
	OnConfigChange func(cfg Config, reason string)
}

// NewOptimizer creates an optimizer. A nil scheduler uses a 60 Hz ticker.
func NewOptimizer(cfg Config, sched FrameScheduler, log *slog.Logger) *Optimizer {
	cfg.defaults()
	if sched == nil {
		sched = TickerScheduler{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Optimizer{
		log:   log.With(slog.String("component", "render")),
		sched: sched,
		mem:   heapMB,
		cfg:   cfg,
		ratio: 1,
		view:  [2]float64{0, 1},
		times: newRenderTimes(1024),
	}
}

// Config returns the current (possibly auto-optimized) configuration.
func (o *Optimizer) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// SetConfig replaces the configuration and forces a recompute.
func (o *Optimizer) SetConfig(cfg Config) {
	cfg.defaults()
	o.mu.Lock()
	o.cfg = cfg
	o.dirty = true
	o.mu.Unlock()
}

// SetSeries replaces the source series. The slice is retained read-only, so
// callers hand over a copy they no longer mutate.
func (o *Optimizer) SetSeries(series []model.Candle) {
	o.mu.Lock()
	o.source = series
	o.dirty = true
	o.mu.Unlock()
}

// GetViewWindow returns the bounded view for the normalized viewport
// [viewStart, viewEnd]. The result has at most MaxDataPoints candles.
func (o *Optimizer) GetViewWindow(viewStart, viewEnd float64) model.ViewWindow {
	o.mu.Lock()
	w := o.viewLocked(viewStart, viewEnd)
	m := o.metrics
	var changes []string
	if o.cfg.AutoOptimize {
		changes = o.autoOptimizeLocked()
	}
	cfg := o.cfg
	o.mu.Unlock()

	o.publish(m)
	for _, reason := range changes {
		o.log.Info("auto-optimize", slog.String("reason", reason),
			slog.Int("max_data_points", cfg.MaxDataPoints),
			slog.Bool("compression", cfg.EnableCompression),
			slog.Bool("virtualization", cfg.EnableVirtualization),
			slog.Duration("animation", cfg.AnimationDuration))
		if o.OnConfigChange != nil {
			o.OnConfigChange(cfg, reason)
		}
	}
	return w
}

func (o *Optimizer) viewLocked(viewStart, viewEnd float64) model.ViewWindow {
	start := time.Now()
	if o.dirty {
		o.reduceLocked()
	}

	n := len(o.reduced)
	lo, hi := 0, n
	if o.cfg.EnableVirtualization {
		lo, hi = Viewport(n, viewStart, viewEnd, o.cfg.ViewportBuffer)
	}
	w := model.ViewWindow{
		Visible:           append([]model.Candle(nil), o.reduced[lo:hi]...),
		TotalSourceLength: len(o.source),
		StartIndex:        lo,
		EndIndex:          hi,
		CompressionRatio:  o.ratio,
	}
	o.view = [2]float64{viewStart, viewEnd}
	o.last = w

	elapsed := time.Since(start)
	o.times.record(elapsed)
	p50, p95, p99 := o.times.percentiles()
	o.metrics.RenderTimeMs = float64(elapsed) / float64(time.Millisecond)
	o.metrics.RenderP50Ms, o.metrics.RenderP95Ms, o.metrics.RenderP99Ms = p50, p95, p99
	o.metrics.DataPoints = len(w.Visible)
	o.metrics.CompressionRatio = w.CompressionRatio
	o.metrics.UpdatedAt = time.Now()
	return w
}

// reduceLocked applies compression then sampling to the source series.
func (o *Optimizer) reduceLocked() {
	src := o.source
	reduced := src
	if o.cfg.EnableCompression && len(src) > o.cfg.CompressionThreshold {
		reduced = Compress(src, o.cfg.MaxDataPoints)
	}
	if len(reduced) > o.cfg.MaxDataPoints {
		reduced = Sample(reduced, o.cfg.MaxDataPoints)
	}

	o.reduced = reduced
	o.ratio = 1
	if len(reduced) > 0 {
		o.ratio = float64(len(src)) / float64(len(reduced))
	}
	o.dirty = false
}

// breaches records which auto-optimize thresholds are currently over limit.
type breaches struct {
	memory, fps, render bool
}

// autoOptimizeLocked applies the threshold-driven config mutations and
// returns a reason for each one made. Each threshold acts once when it is
// first crossed and re-arms after its metric recovers.
func (o *Optimizer) autoOptimizeLocked() []string {
	var reasons []string
	m := o.metrics

	memory := m.MemoryUsageMB > o.cfg.MemoryLimitMB
	if memory && !o.breached.memory {
		changed := !o.cfg.EnableCompression
		o.cfg.EnableCompression = true
		if o.cfg.CompressionThreshold > o.cfg.MaxDataPoints {
			o.cfg.CompressionThreshold = o.cfg.MaxDataPoints
			changed = true
		}
		if changed {
			o.dirty = true
			reasons = append(reasons, "memory above limit")
		}
	}
	o.breached.memory = memory

	fps := m.FPS > 0 && m.FPS < MinFPS
	if fps && !o.breached.fps {
		o.cfg.EnableVirtualization = true
		o.cfg.AnimationDuration /= 2
		reasons = append(reasons, "low frame rate")
	}
	o.breached.fps = fps

	render := m.RenderTimeMs > float64(MaxRenderTime)/float64(time.Millisecond)
	if render && !o.breached.render {
		o.cfg.EnableVirtualization = true
		if o.cfg.MaxDataPoints > minMaxDataPoints {
			next := o.cfg.MaxDataPoints * 4 / 5
			if next < minMaxDataPoints {
				next = minMaxDataPoints
			}
			o.cfg.MaxDataPoints = next
			o.dirty = true
		}
		reasons = append(reasons, "slow render")
	}
	o.breached.render = render
	return reasons
}

// Metrics returns the latest performance snapshot.
func (o *Optimizer) Metrics() model.PerformanceMetrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.metrics
}

// Warnings lists the thresholds the current metrics breach.
func (o *Optimizer) Warnings() []string {
	o.mu.RLock()
	m, cfg := o.metrics, o.cfg
	o.mu.RUnlock()

	var out []string
	if m.MemoryUsageMB > cfg.MemoryLimitMB {
		out = append(out, fmt.Sprintf("High memory usage: %.1fMB (limit %.0fMB)", m.MemoryUsageMB, cfg.MemoryLimitMB))
	}
	if m.FPS > 0 && m.FPS < MinFPS {
		out = append(out, fmt.Sprintf("Low frame rate: %.1f FPS", m.FPS))
	}
	if m.RenderTimeMs > float64(MaxRenderTime)/float64(time.Millisecond) {
		out = append(out, fmt.Sprintf("Slow render: %.1fms", m.RenderTimeMs))
	}
	return out
}

// Suggestions lists config changes that would address the current warnings.
func (o *Optimizer) Suggestions() []string {
	o.mu.RLock()
	m, cfg := o.metrics, o.cfg
	o.mu.RUnlock()

	var out []string
	if m.MemoryUsageMB > cfg.MemoryLimitMB && !cfg.EnableCompression {
		out = append(out, "Enable data compression to reduce memory usage")
	}
	lowFPS := m.FPS > 0 && m.FPS < MinFPS
	if lowFPS && !cfg.EnableVirtualization {
		out = append(out, "Enable viewport virtualization to improve frame rate")
	}
	if lowFPS && cfg.AnimationDuration > 0 {
		out = append(out, "Reduce animation duration")
	}
	if m.RenderTimeMs > float64(MaxRenderTime)/float64(time.Millisecond) {
		if !cfg.EnableVirtualization {
			out = append(out, "Enable viewport virtualization to cut render time")
		}
		out = append(out, fmt.Sprintf("Reduce max data points (currently %d)", cfg.MaxDataPoints))
	}
	return out
}

// RecordFrame feeds one rendered frame timestamp into the fps meter.
func (o *Optimizer) RecordFrame(ts time.Time) {
	fps := o.fps.frame(ts)
	o.mu.Lock()
	o.metrics.FPS = fps
	o.mu.Unlock()
}

// SampleMemory refreshes the memory estimate.
func (o *Optimizer) SampleMemory() {
	mb := o.mem()
	o.mu.Lock()
	o.metrics.MemoryUsageMB = mb
	o.metrics.UpdatedAt = time.Now()
	m := o.metrics
	o.mu.Unlock()
	o.publish(m)
}

// Run drives the frame meter from the scheduler and samples memory every
// MemoryInterval until ctx is cancelled.
func (o *Optimizer) Run(ctx context.Context) {
	frames, stop := o.sched.Start()
	defer stop()

	memTick := time.NewTicker(o.Config().MemoryInterval)
	defer memTick.Stop()

	o.SampleMemory()
	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-frames:
			o.RecordFrame(ts)
		case <-memTick.C:
			o.SampleMemory()
		}
	}
}

// UpdateWithAnimation installs newSeries and transitions from the current
// view to the new one over AnimationDuration, calling onFrame once per frame
// and onComplete at the end. With a non-positive duration, no previous view,
// or windows of different length, it calls onFrame with the new view and
// onComplete synchronously. A new call cancels the transition in flight and
// waits for it to exit, so no stale frame follows; onFrame and onComplete
// must therefore not call UpdateWithAnimation themselves. The returned func
// cancels this transition.
func (o *Optimizer) UpdateWithAnimation(newSeries []model.Candle, onFrame func(model.ViewWindow), onComplete func()) (cancel func()) {
	o.mu.Lock()
	cancelPrev, prevDone := o.cancelTx, o.txDone
	o.cancelTx, o.txDone = nil, nil
	o.mu.Unlock()
	if cancelPrev != nil {
		cancelPrev()
		<-prevDone
	}

	o.mu.Lock()
	prev := o.last
	view := o.view
	d := o.cfg.AnimationDuration
	o.mu.Unlock()

	o.SetSeries(newSeries)
	next := o.GetViewWindow(view[0], view[1])

	if d <= 0 || len(prev.Visible) == 0 || len(prev.Visible) != len(next.Visible) {
		if onFrame != nil {
			onFrame(next)
		}
		if onComplete != nil {
			onComplete()
		}
		return func() {}
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.mu.Lock()
	o.cancelTx, o.txDone = cancelFn, done
	o.mu.Unlock()

	go func() {
		defer close(done)
		animate(ctx, o.sched, prev, next, d, onFrame, onComplete, o.RecordFrame)
	}()
	return cancelFn
}

func (o *Optimizer) publish(m model.PerformanceMetrics) {
	if o.OnMetrics != nil {
		o.OnMetrics(m)
	}
}

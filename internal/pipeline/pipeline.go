// Package pipeline assembles the live chart pipeline: feed connection ->
// series reconciler -> render optimizer, plus the optional history journal
// and Prometheus instrumentation. A Pipeline is an explicit instance owned by
// the caller; nothing here is a process-wide singleton.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chartpipe/internal/feed"
	"chartpipe/internal/metrics"
	"chartpipe/internal/model"
	"chartpipe/internal/render"
	"chartpipe/internal/series"
)

const defaultJournalQueue = 1024

// Options configures a Pipeline. Transport is required; everything else is
// optional.
type Options struct {
	Transport feed.Transport
	Feed      feed.Config
	Series    series.Config
	Render    render.Config
	Scheduler render.FrameScheduler

	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus

	// Journal receives every finalized candle.
	Journal      model.CandleWriter
	JournalQueue int

	Logger *slog.Logger
}

// Pipeline is the surface exposed to chart collaborators.
type Pipeline struct {
	log     *slog.Logger
	rec     *series.Reconciler
	feed    *feed.Manager
	opt     *render.Optimizer
	metrics *metrics.Metrics
	health  *metrics.HealthStatus

	journal   model.CandleWriter
	journalCh chan model.Candle
	journalMu sync.RWMutex // guards sends against close on shutdown
	journalOK bool

	focus atomic.Value // string: symbol rendered by the optimizer
	stale atomic.Bool  // focus series changed since the optimizer last saw it

	runOnce sync.Once
}

// New wires the components together. Nothing connects until Connect,
// Subscribe or Run is called.
func New(opts Options) (*Pipeline, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("pipeline: transport is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.JournalQueue <= 0 {
		opts.JournalQueue = defaultJournalQueue
	}

	p := &Pipeline{
		log:     log.With(slog.String("component", "pipeline")),
		rec:     series.New(opts.Series, log),
		opt:     render.NewOptimizer(opts.Render, opts.Scheduler, log),
		metrics: opts.Metrics,
		health:  opts.Health,
		journal: opts.Journal,
	}
	p.focus.Store("")
	p.feed = feed.NewManager(opts.Transport, p.rec, opts.Feed, log)
	if p.journal != nil {
		p.journalCh = make(chan model.Candle, opts.JournalQueue)
		p.journalOK = true
	}

	p.wireReconciler()
	p.wireFeed()
	p.wireRender()
	return p, nil
}

func (p *Pipeline) wireReconciler() {
	p.rec.OnOutcome = func(_ string, o series.Outcome) {
		if p.metrics != nil {
			p.metrics.UpdatesTotal.WithLabelValues(o.String()).Inc()
		}
	}
	p.rec.OnWarning = func(*series.IntegrityWarning) {
		if p.metrics != nil {
			p.metrics.IntegrityWarnings.Inc()
		}
	}
	p.rec.OnFinalized = func(c model.Candle) {
		p.journalMu.RLock()
		defer p.journalMu.RUnlock()
		if !p.journalOK {
			return
		}
		select {
		case p.journalCh <- c:
		default:
			p.log.Warn("journal queue full, dropping finalized candle", slog.String("symbol", c.Symbol))
			if p.metrics != nil {
				p.metrics.JournalDropped.Inc()
			}
		}
	}
}

func (p *Pipeline) wireFeed() {
	m := p.feed
	m.OnStateChange = func(_, to feed.State) {
		if p.metrics != nil {
			p.metrics.ConnectionState.Set(float64(to))
		}
		if p.health != nil {
			p.health.SetFeedState(to.String(), to == feed.Connected)
			if to == feed.Connected {
				p.health.SetLastError(nil)
			}
		}
	}
	m.OnError = func(err error) {
		p.log.Error("feed unavailable, reconnects exhausted", slog.String("error", err.Error()))
		if p.metrics != nil {
			p.metrics.ConnectFailures.Inc()
		}
		if p.health != nil {
			p.health.SetLastError(err)
		}
	}
	m.OnReconnectScheduled = func(int, time.Duration) {
		if p.metrics != nil {
			p.metrics.Reconnects.Inc()
		}
	}
	m.OnFrame = func(typ string) {
		if p.metrics != nil {
			p.metrics.FramesTotal.WithLabelValues(typ).Inc()
		}
	}
	m.OnParseError = func(*feed.MessageParseError) {
		if p.metrics != nil {
			p.metrics.ParseErrors.Inc()
		}
	}
	m.OnSubscriberPanic = func(*feed.SubscriberCallbackError) {
		if p.metrics != nil {
			p.metrics.SubscriberPanics.Inc()
		}
	}
	m.OnControlSent = func(f model.ControlFrame) {
		if p.metrics != nil {
			p.metrics.ControlFramesSent.WithLabelValues(f.Type).Inc()
		}
	}
	m.OnUpdate = func(c model.Candle, _ series.Outcome) {
		if c.Symbol == p.Focus() {
			p.stale.Store(true)
		}
		if p.health != nil {
			p.health.SetLastCandleTime(time.Now())
		}
	}
}

func (p *Pipeline) wireRender() {
	p.opt.OnMetrics = func(pm model.PerformanceMetrics) {
		if p.metrics == nil {
			return
		}
		p.metrics.DataPoints.Set(float64(pm.DataPoints))
		p.metrics.CompressionRatio.Set(pm.CompressionRatio)
		p.metrics.FPS.Set(pm.FPS)
		p.metrics.MemoryMB.Set(pm.MemoryUsageMB)
	}
	p.opt.OnConfigChange = func(_ render.Config, reason string) {
		if p.metrics != nil {
			p.metrics.AutoOptimize.WithLabelValues(reason).Inc()
		}
	}
}

// ── Connection surface ──

// Connect establishes the feed connection. See feed.Manager.Connect.
func (p *Pipeline) Connect(ctx context.Context) error {
	return p.feed.Connect(ctx)
}

// Disconnect closes the feed and drops every subscription.
func (p *Pipeline) Disconnect() {
	p.feed.Disconnect()
	p.syncSubscriptions()
}

// IsConnected reports whether the feed is live.
func (p *Pipeline) IsConnected() bool {
	return p.feed.IsConnected()
}

// LastError returns the last connection error, if any. Together with
// IsConnected it lets a UI decide to show a delayed-data indicator.
func (p *Pipeline) LastError() error {
	return p.feed.LastError()
}

// Subscribe registers onCandle for symbol's reconciled candles.
func (p *Pipeline) Subscribe(symbol string, onCandle feed.CandleHandler) (feed.SubscriptionID, error) {
	id, err := p.feed.Subscribe(symbol, onCandle)
	if err != nil {
		return "", err
	}
	p.syncSubscriptions()
	return id, nil
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (p *Pipeline) Unsubscribe(id feed.SubscriptionID) {
	p.feed.Unsubscribe(id)
	p.syncSubscriptions()
}

func (p *Pipeline) syncSubscriptions() {
	n := p.feed.Subscriptions()
	if p.metrics != nil {
		p.metrics.Subscriptions.Set(float64(n))
	}
	if p.health != nil {
		p.health.SetSubscriptions(n)
	}
}

// ── Series surface ──

// Series returns a copy of symbol's reconciled candles.
func (p *Pipeline) Series(symbol string) []model.Candle {
	return p.rec.Series(symbol)
}

// Last returns symbol's live candle.
func (p *Pipeline) Last(symbol string) (model.Candle, bool) {
	return p.rec.Last(symbol)
}

// WarmStart seeds each symbol's series from r before any live update.
// Returns the number of candles loaded.
func (p *Pipeline) WarmStart(ctx context.Context, r model.CandleReader, symbols []string, limit int) (int, error) {
	total := 0
	for _, sym := range symbols {
		candles, err := r.ReadCandles(ctx, sym, limit)
		if err != nil {
			return total, fmt.Errorf("warm start %s: %w", sym, err)
		}
		n := p.rec.Seed(sym, candles)
		total += n
		p.log.Info("warm start", slog.String("symbol", sym), slog.Int("candles", n))
		if sym == p.Focus() {
			p.stale.Store(true)
		}
	}
	return total, nil
}

// ── Render surface ──

// Focus returns the symbol whose series backs GetViewWindow.
func (p *Pipeline) Focus() string {
	return p.focus.Load().(string)
}

// SetFocus selects the symbol rendered by GetViewWindow.
func (p *Pipeline) SetFocus(symbol string) {
	p.focus.Store(symbol)
	p.stale.Store(true)
}

// GetViewWindow returns the bounded view of the focused series for the
// normalized viewport [viewStart, viewEnd].
func (p *Pipeline) GetViewWindow(viewStart, viewEnd float64) model.ViewWindow {
	if p.stale.Swap(false) {
		p.opt.SetSeries(p.rec.Series(p.Focus()))
	}
	w := p.opt.GetViewWindow(viewStart, viewEnd)
	if p.metrics != nil {
		p.metrics.RenderTime.Observe(p.opt.Metrics().RenderTimeMs / 1000)
	}
	return w
}

// Metrics returns the latest render performance snapshot.
func (p *Pipeline) Metrics() model.PerformanceMetrics {
	return p.opt.Metrics()
}

// Warnings returns the render thresholds currently breached.
func (p *Pipeline) Warnings() []string {
	return p.opt.Warnings()
}

// Suggestions returns advisory render config changes.
func (p *Pipeline) Suggestions() []string {
	return p.opt.Suggestions()
}

// UpdateWithAnimation transitions the rendered view to newSeries.
// See render.Optimizer.UpdateWithAnimation.
func (p *Pipeline) UpdateWithAnimation(newSeries []model.Candle, onFrame func(model.ViewWindow), onComplete func()) func() {
	p.stale.Store(false)
	return p.opt.UpdateWithAnimation(newSeries, onFrame, onComplete)
}

// Optimizer exposes the render optimizer.
func (p *Pipeline) Optimizer() *render.Optimizer {
	return p.opt
}

// ── Lifecycle ──

// Run starts the render monitor and the journal writer, connects, and
// blocks until ctx is cancelled. A failed initial connect is not fatal: the
// reconnect schedule keeps trying. On return the feed is disconnected and
// the journal drained.
func (p *Pipeline) Run(ctx context.Context) error {
	started := false
	p.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("pipeline: Run called twice")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.opt.Run(ctx)
	}()

	journalDone := make(chan struct{})
	if p.journal != nil {
		go func() {
			defer close(journalDone)
			// Background context: the journal drains the channel after ctx ends.
			p.journal.Run(context.Background(), p.journalCh)
		}()
	} else {
		close(journalDone)
	}

	if err := p.Connect(ctx); err != nil && ctx.Err() == nil {
		p.log.Warn("initial connect failed, retrying in background", slog.String("error", err.Error()))
	}

	<-ctx.Done()
	p.Disconnect()
	wg.Wait()

	p.journalMu.Lock()
	if p.journalOK {
		p.journalOK = false
		close(p.journalCh)
	}
	p.journalMu.Unlock()
	<-journalDone
	p.log.Info("pipeline stopped")
	return nil
}

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"chartpipe/config"
	"chartpipe/internal/feed"
	"chartpipe/internal/metrics"
	"chartpipe/internal/model"
	"chartpipe/internal/pipeline"
	"chartpipe/internal/render"
	"chartpipe/internal/series"
	"chartpipe/internal/store/sqlite"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the live pipeline",
	Long: `Connect to the configured feed, subscribe to every configured symbol and keep
reconciled candle series in memory. Finalized candles are journaled to
SQLite and read back on the next start. /metrics and /healthz are served on
METRICS_ADDR.

Example:
  chartpipe run --focus BTCUSD --report 5s`,
	RunE: runPipeline,
}

var (
	runFocus  string
	runReport time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runFocus, "focus", "", "symbol rendered in the periodic view report (default: first symbol)")
	runCmd.Flags().DurationVar(&runReport, "report", 10*time.Second, "interval of the view window report, 0 disables it")
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig("chartpipe")
	if err != nil {
		return err
	}
	symbols := cfg.ParseSymbols()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	srv := metrics.NewServer(cfg.MetricsAddr, health, reg, log)
	srv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(shutdownCtx)
	}()

	// ---- Transport ----
	var (
		transport feed.Transport
		rdb       *goredis.Client
	)
	switch cfg.Transport {
	case "redis":
		rt := feed.NewRedisTransport(feed.RedisConfig{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			ChannelPrefix: cfg.RedisChannelPrefix,
		})
		defer rt.Close()
		transport, rdb = rt, rt.Client()
		log.Info("feed transport", slog.String("transport", "redis"), slog.String("addr", cfg.RedisAddr))
	default:
		transport = feed.NewWSTransport(cfg.FeedURL)
		log.Info("feed transport", slog.String("transport", "ws"), slog.String("url", cfg.FeedURL))
	}

	// ---- Journal ----
	var (
		journal model.CandleWriter
		reader  *sqlite.Reader
		db      *sql.DB
	)
	if cfg.SQLitePath != "" {
		w, r, err := openJournal(cfg.SQLitePath, prom, log)
		if err != nil {
			return err
		}
		defer w.Close()
		defer r.Close()
		journal, reader, db = w, r, w.DB()
	}
	health.StartLivenessChecker(ctx, rdb, db, 10*time.Second)

	// ---- Pipeline ----
	p, err := pipeline.New(pipeline.Options{
		Transport: transport,
		Feed:      feedConfig(cfg),
		Series:    seriesConfig(cfg),
		Render:    renderConfig(cfg),
		Metrics:   prom,
		Health:    health,
		Journal:   journal,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	focus := runFocus
	if focus == "" {
		focus = symbols[0]
	}
	p.SetFocus(focus)

	if reader != nil && cfg.WarmStartCandles > 0 {
		n, err := p.WarmStart(ctx, reader, symbols, cfg.WarmStartCandles)
		if err != nil {
			log.Warn("warm start incomplete", slog.String("error", err.Error()))
		}
		log.Info("warm start done", slog.Int("candles", n))
	}

	for _, sym := range symbols {
		sym := sym
		if _, err := p.Subscribe(sym, func(c model.Candle) {
			log.Debug("candle", slog.String("symbol", sym), slog.Int64("open_ts", c.OpenTimestamp),
				slog.Float64("close", c.Close), slog.Float64("volume", c.Volume))
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}

	if runReport > 0 {
		go reportLoop(ctx, p, runReport, log)
	}

	log.Info("pipeline running", slog.Any("symbols", symbols), slog.String("focus", focus))
	return p.Run(ctx)
}

func openJournal(path string, prom *metrics.Metrics, log *slog.Logger) (*sqlite.Writer, *sqlite.Reader, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	w, err := sqlite.New(sqlite.WriterConfig{DBPath: path}, log)
	if err != nil {
		return nil, nil, err
	}
	w.OnCommit = func(n int, d time.Duration) {
		prom.JournalCommitDur.Observe(d.Seconds())
		prom.JournalWritten.Add(float64(n))
	}
	w.OnDrop = func(n int) {
		prom.JournalDropped.Add(float64(n))
	}
	w.Breaker().OnStateChange = func(from, to sqlite.BreakerState) {
		log.Warn("journal breaker", slog.String("from", from.String()), slog.String("to", to.String()))
	}

	r, err := sqlite.NewReader(path, log)
	if err != nil {
		w.Close()
		return nil, nil, err
	}
	return w, r, nil
}

// reportLoop periodically renders the focused series and logs what a chart
// would receive.
func reportLoop(ctx context.Context, p *pipeline.Pipeline, every time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w := p.GetViewWindow(0, 1)
			m := p.Metrics()
			attrs := []any{
				slog.String("symbol", p.Focus()),
				slog.Bool("connected", p.IsConnected()),
				slog.Int("visible", len(w.Visible)),
				slog.Int("source", w.TotalSourceLength),
				slog.Float64("compression_ratio", w.CompressionRatio),
				slog.Float64("render_ms", m.RenderTimeMs),
				slog.Float64("heap_mb", m.MemoryUsageMB),
			}
			if c, ok := p.Last(p.Focus()); ok {
				attrs = append(attrs, slog.Float64("last_close", c.Close), slog.Int64("last_open_ts", c.OpenTimestamp))
			}
			if err := p.LastError(); err != nil && !p.IsConnected() {
				attrs = append(attrs, slog.String("last_error", err.Error()))
			}
			log.Info("view report", attrs...)
			for _, warn := range p.Warnings() {
				log.Warn("render warning", slog.String("warning", warn))
			}
			for _, s := range p.Suggestions() {
				log.Info("render suggestion", slog.String("suggestion", s))
			}
		}
	}
}

func feedConfig(c *config.Config) feed.Config {
	return feed.Config{
		ConnectTimeout:       c.ConnectTimeout,
		ReconnectBase:        c.ReconnectBase,
		ReconnectMax:         c.ReconnectMax,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ControlRate:          c.ControlRate,
		ControlBurst:         c.ControlBurst,
	}
}

func seriesConfig(c *config.Config) series.Config {
	return series.Config{
		BucketInterval: c.BucketInterval,
		RetentionCap:   c.RetentionCap,
		LateTolerance:  c.LateTolerance,
		AlignBuckets:   c.AlignBuckets,
	}
}

func renderConfig(c *config.Config) render.Config {
	rc := render.DefaultConfig()
	rc.MaxDataPoints = c.MaxDataPoints
	rc.CompressionThreshold = c.CompressionThreshold
	rc.EnableCompression = c.EnableCompression
	rc.EnableVirtualization = c.EnableVirtualization
	rc.ViewportBuffer = c.ViewportBuffer
	rc.AnimationDuration = c.AnimationDuration
	rc.MemoryLimitMB = c.MemoryLimitMB
	rc.AutoOptimize = c.AutoOptimize
	return rc
}

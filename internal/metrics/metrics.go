package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the chart pipeline.
type Metrics struct {
	FramesTotal       *prometheus.CounterVec // labels: type
	ParseErrors       prometheus.Counter
	Reconnects        prometheus.Counter
	ConnectFailures   prometheus.Counter
	ConnectionState   prometheus.Gauge       // 0=disconnected, 1=connecting, 2=connected
	ControlFramesSent *prometheus.CounterVec // labels: type
	Subscriptions     prometheus.Gauge

	// Reconciler
	UpdatesTotal      *prometheus.CounterVec // labels: outcome=appended|merged|discarded
	IntegrityWarnings prometheus.Counter
	SubscriberPanics  prometheus.Counter

	// Render optimizer
	RenderTime       prometheus.Histogram
	DataPoints       prometheus.Gauge
	CompressionRatio prometheus.Gauge
	FPS              prometheus.Gauge
	MemoryMB         prometheus.Gauge
	AutoOptimize     *prometheus.CounterVec // labels: reason

	// History journal
	JournalCommitDur prometheus.Histogram
	JournalWritten   prometheus.Counter
	JournalDropped   prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartpipe_frames_total",
			Help: "Inbound feed frames by type",
		}, []string{"type"}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartpipe_parse_errors_total",
			Help: "Malformed inbound frames dropped",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartpipe_reconnects_total",
			Help: "Automatic reconnect attempts scheduled",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartpipe_reconnects_exhausted_total",
			Help: "Times the reconnect schedule ran out of attempts",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartpipe_connection_state",
			Help: "Feed connection state (0=disconnected, 1=connecting, 2=connected)",
		}),
		ControlFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartpipe_control_frames_sent_total",
			Help: "Subscribe/unsubscribe frames written upstream",
		}, []string{"type"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartpipe_subscriptions",
			Help: "Live subscriptions",
		}),

		UpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartpipe_updates_total",
			Help: "Price updates by reconcile outcome",
		}, []string{"outcome"}),
		IntegrityWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartpipe_integrity_warnings_total",
			Help: "Updates clamped or discarded by the reconciler",
		}),
		SubscriberPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartpipe_subscriber_panics_total",
			Help: "Subscriber callbacks that panicked",
		}),

		RenderTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartpipe_render_duration_seconds",
			Help:    "View window recompute latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		DataPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartpipe_view_data_points",
			Help: "Candles in the last view window",
		}),
		CompressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartpipe_compression_ratio",
			Help: "Source length over reduced length",
		}),
		FPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartpipe_fps",
			Help: "Measured frames per second",
		}),
		MemoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartpipe_heap_mb",
			Help: "Heap in use, MiB",
		}),
		AutoOptimize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartpipe_auto_optimize_total",
			Help: "Render config changes made by auto-optimize",
		}, []string{"reason"}),

		JournalCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartpipe_journal_commit_duration_seconds",
			Help:    "SQLite journal batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		JournalWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartpipe_journal_candles_total",
			Help: "Finalized candles written to the journal",
		}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartpipe_journal_dropped_total",
			Help: "Finalized candles dropped because the journal queue was full",
		}),
	}

	reg.MustRegister(
		m.FramesTotal,
		m.ParseErrors,
		m.Reconnects,
		m.ConnectFailures,
		m.ConnectionState,
		m.ControlFramesSent,
		m.Subscriptions,
		m.UpdatesTotal,
		m.IntegrityWarnings,
		m.SubscriberPanics,
		m.RenderTime,
		m.DataPoints,
		m.CompressionRatio,
		m.FPS,
		m.MemoryMB,
		m.AutoOptimize,
		m.JournalCommitDur,
		m.JournalWritten,
		m.JournalDropped,
	)

	return m
}

// HealthStatus represents the pipeline health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedState      string    `json:"feed_state"`
	FeedConnected  bool      `json:"feed_connected"`
	LastError      string    `json:"last_error"`
	LastCandleTime time.Time `json:"last_candle_time"`
	Subscriptions  int       `json:"subscriptions"`

	// Optional dependencies; only checked when enabled.
	RedisEnabled     bool    `json:"redis_enabled"`
	RedisConnected   bool    `json:"redis_connected"`
	RedisLatencyMs   float64 `json:"redis_latency_ms"`
	JournalEnabled   bool    `json:"journal_enabled"`
	JournalOK        bool    `json:"journal_ok"`
	JournalLatencyMs float64 `json:"journal_latency_ms"`

	LastCheckAt time.Time `json:"last_check_at"`
	StartedAt   time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		FeedState: "disconnected",
		StartedAt: time.Now(),
	}
}

// SetFeedState records the connection state name and whether it is live.
func (h *HealthStatus) SetFeedState(state string, connected bool) {
	h.mu.Lock()
	h.FeedState = state
	h.FeedConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastError(err error) {
	h.mu.Lock()
	if err == nil {
		h.LastError = ""
	} else {
		h.LastError = err.Error()
	}
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	h.LastCandleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSubscriptions(n int) {
	h.mu.Lock()
	h.Subscriptions = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckJournal pings the SQLite journal and records latency + health.
func (h *HealthStatus) CheckJournal(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.JournalEnabled = true
	h.JournalOK = err == nil
	h.JournalLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil dependencies are
// skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckJournal(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	depsDown := (h.RedisEnabled && !h.RedisConnected) || (h.JournalEnabled && !h.JournalOK)
	if !h.FeedConnected || depsDown {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.FeedConnected && h.LastError != "" && depsDown {
		overallStatus = "unhealthy"
	}

	candleAge := ""
	if !h.LastCandleTime.IsZero() {
		candleAge = time.Since(h.LastCandleTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status           string  `json:"status"`
		Uptime           string  `json:"uptime"`
		FeedState        string  `json:"feed_state"`
		FeedConnected    bool    `json:"feed_connected"`
		LastError        string  `json:"last_error,omitempty"`
		LastCandleTime   string  `json:"last_candle_time"`
		CandleAge        string  `json:"candle_age"`
		Subscriptions    int     `json:"subscriptions"`
		RedisConnected   *bool   `json:"redis_connected,omitempty"`
		RedisLatencyMs   float64 `json:"redis_latency_ms,omitempty"`
		JournalOK        *bool   `json:"journal_ok,omitempty"`
		JournalLatencyMs float64 `json:"journal_latency_ms,omitempty"`
		LastCheckAt      string  `json:"last_check_at"`
	}{
		Status:           overallStatus,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		FeedState:        h.FeedState,
		FeedConnected:    h.FeedConnected,
		LastError:        h.LastError,
		LastCandleTime:   h.LastCandleTime.Format(time.RFC3339),
		CandleAge:        candleAge,
		Subscriptions:    h.Subscriptions,
		RedisLatencyMs:   h.RedisLatencyMs,
		JournalLatencyMs: h.JournalLatencyMs,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}
	if h.RedisEnabled {
		v := h.RedisConnected
		status.RedisConnected = &v
	}
	if h.JournalEnabled {
		v := h.JournalOK
		status.JournalOK = &v
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server. gatherer selects the
// registry served on /metrics; nil serves the default one.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	if gatherer == nil {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With(slog.String("component", "metrics")),
	}
}

// Handler returns the server's mux, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("server error", slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

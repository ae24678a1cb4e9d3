package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chartpipe/internal/feed"
	"chartpipe/internal/feedsim"
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Serve simulated prices",
	Long: `Run a demo price source. Each configured symbol random-walks; clients get
price_update frames for the symbols they subscribe to, a candle_update every
--candle-every ticks and a heartbeat to everyone. With --redis the same
frames are also published to one Redis channel per symbol.

Examples:
  chartpipe feed
  SYMBOLS=AAPL,MSFT chartpipe feed --redis --candle-every 10`,
	RunE: runFeed,
}

var (
	feedRedis       bool
	feedCandleEvery int
	feedHeartbeat   time.Duration
	feedSeed        int64
)

func init() {
	rootCmd.AddCommand(feedCmd)
	feedCmd.Flags().BoolVar(&feedRedis, "redis", false, "also publish frames to redis pub/sub")
	feedCmd.Flags().IntVar(&feedCandleEvery, "candle-every", feedsim.DefaultCandleEvery, "ticks between candle_update frames, 0 disables them")
	feedCmd.Flags().DurationVar(&feedHeartbeat, "heartbeat", feedsim.DefaultHeartbeatInterval, "heartbeat interval")
	feedCmd.Flags().Int64Var(&feedSeed, "seed", 0, "random seed, 0 seeds from the clock")
}

func runFeed(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig("chartpipe-feed")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := feedsim.NewHub(log)
	sinks := []feedsim.Sink{hub}
	if feedRedis {
		rs, err := feedsim.NewRedisSink(feed.RedisConfig{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			ChannelPrefix: cfg.RedisChannelPrefix,
		}, log)
		if err != nil {
			return err
		}
		defer rs.Close()
		sinks = append(sinks, rs)
	}

	gen := feedsim.NewGenerator(feedsim.Config{
		Symbols:           cfg.ParseSymbols(),
		TickInterval:      cfg.FeedTickInterval,
		CandleEvery:       feedCandleEvery,
		HeartbeatInterval: feedHeartbeat,
		BucketInterval:    cfg.BucketInterval,
		Seed:              feedSeed,
	}, log, sinks...)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"service": "chartpipe-feed",
			"clients": hub.Clients(),
		})
	})
	srv := &http.Server{
		Addr:              cfg.FeedListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("feed listening", slog.String("addr", cfg.FeedListenAddr),
			slog.String("ws", "ws://localhost"+cfg.FeedListenAddr+"/ws"))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()
	go gen.Run(genCtx)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancelGen()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("feed shutting down")
	return srv.Shutdown(shutdownCtx)
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from, in rising
// precedence: built-in defaults, an optional YAML file, a .env file, and
// the process environment.
type Config struct {
	// Feed
	Transport string `yaml:"transport"` // "ws" or "redis"
	FeedURL   string `yaml:"feed_url"`
	Symbols   string `yaml:"symbols"` // comma-separated

	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ControlRate          float64       `yaml:"control_rate"`
	ControlBurst         int           `yaml:"control_burst"`

	// Series
	BucketInterval time.Duration `yaml:"bucket_interval"`
	RetentionCap   int           `yaml:"retention_cap"`
	LateTolerance  time.Duration `yaml:"late_tolerance"`
	AlignBuckets   bool          `yaml:"align_buckets"`

	// Render
	MaxDataPoints        int           `yaml:"max_data_points"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	EnableCompression    bool          `yaml:"enable_compression"`
	EnableVirtualization bool          `yaml:"enable_virtualization"`
	ViewportBuffer       int           `yaml:"viewport_buffer"`
	AnimationDuration    time.Duration `yaml:"animation_duration"`
	MemoryLimitMB        float64       `yaml:"memory_limit_mb"`
	AutoOptimize         bool          `yaml:"auto_optimize"`

	// Infrastructure
	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	RedisDB            int    `yaml:"redis_db"`
	RedisChannelPrefix string `yaml:"redis_channel_prefix"`
	SQLitePath         string `yaml:"sqlite_path"` // empty disables the journal
	WarmStartCandles   int    `yaml:"warm_start_candles"`
	MetricsAddr        string `yaml:"metrics_addr"`
	LogLevel           string `yaml:"log_level"`

	// Demo feed server
	FeedListenAddr   string        `yaml:"feed_listen_addr"`
	FeedTickInterval time.Duration `yaml:"feed_tick_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Transport: "ws",
		FeedURL:   "ws://localhost:8081/ws",
		Symbols:   "BTCUSD,ETHUSD",

		ConnectTimeout:       10 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 5,
		ControlRate:          20,
		ControlBurst:         10,

		BucketInterval: time.Minute,
		RetentionCap:   20000,
		LateTolerance:  2 * time.Second,

		MaxDataPoints:        1000,
		CompressionThreshold: 5000,
		EnableCompression:    true,
		EnableVirtualization: true,
		ViewportBuffer:       50,
		AnimationDuration:    300 * time.Millisecond,
		MemoryLimitMB:        100,

		RedisAddr:          "localhost:6379",
		RedisChannelPrefix: "pub:price:",
		SQLitePath:         "data/candles.db",
		WarmStartCandles:   1000,
		MetricsAddr:        ":9090",
		LogLevel:           "info",

		FeedListenAddr:   ":8081",
		FeedTickInterval: 250 * time.Millisecond,
	}
}

// Load builds the configuration. path names an optional YAML file; "" skips
// it. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env", slog.String("component", "config"), slog.String("error", err.Error()))
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Transport = getEnv("FEED_TRANSPORT", c.Transport)
	c.FeedURL = getEnv("FEED_URL", c.FeedURL)
	c.Symbols = getEnv("SYMBOLS", c.Symbols)

	c.ConnectTimeout = getEnvDuration("CONNECT_TIMEOUT", c.ConnectTimeout)
	c.ReconnectBase = getEnvDuration("RECONNECT_BASE", c.ReconnectBase)
	c.ReconnectMax = getEnvDuration("RECONNECT_MAX", c.ReconnectMax)
	c.MaxReconnectAttempts = getEnvInt("MAX_RECONNECT_ATTEMPTS", c.MaxReconnectAttempts)
	c.ControlRate = getEnvFloat("CONTROL_RATE", c.ControlRate)
	c.ControlBurst = getEnvInt("CONTROL_BURST", c.ControlBurst)

	c.BucketInterval = getEnvDuration("BUCKET_INTERVAL", c.BucketInterval)
	c.RetentionCap = getEnvInt("RETENTION_CAP", c.RetentionCap)
	c.LateTolerance = getEnvDuration("LATE_TOLERANCE", c.LateTolerance)
	c.AlignBuckets = getEnvBool("ALIGN_BUCKETS", c.AlignBuckets)

	c.MaxDataPoints = getEnvInt("MAX_DATA_POINTS", c.MaxDataPoints)
	c.CompressionThreshold = getEnvInt("COMPRESSION_THRESHOLD", c.CompressionThreshold)
	c.EnableCompression = getEnvBool("ENABLE_COMPRESSION", c.EnableCompression)
	c.EnableVirtualization = getEnvBool("ENABLE_VIRTUALIZATION", c.EnableVirtualization)
	c.ViewportBuffer = getEnvInt("VIEWPORT_BUFFER", c.ViewportBuffer)
	c.AnimationDuration = getEnvDuration("ANIMATION_DURATION", c.AnimationDuration)
	c.MemoryLimitMB = getEnvFloat("MEMORY_LIMIT_MB", c.MemoryLimitMB)
	c.AutoOptimize = getEnvBool("AUTO_OPTIMIZE", c.AutoOptimize)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.RedisChannelPrefix = getEnv("REDIS_CHANNEL_PREFIX", c.RedisChannelPrefix)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.WarmStartCandles = getEnvInt("WARM_START_CANDLES", c.WarmStartCandles)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.FeedListenAddr = getEnv("FEED_LISTEN_ADDR", c.FeedListenAddr)
	c.FeedTickInterval = getEnvDuration("FEED_TICK_INTERVAL", c.FeedTickInterval)
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case "ws":
		if c.FeedURL == "" {
			errs = append(errs, errors.New("feed_url is required for the ws transport"))
		}
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (want ws or redis)", c.Transport))
	}
	if c.BucketInterval <= 0 {
		errs = append(errs, errors.New("bucket_interval must be positive"))
	}
	if c.RetentionCap <= 0 {
		errs = append(errs, errors.New("retention_cap must be positive"))
	}
	if c.LateTolerance < 0 || c.LateTolerance >= c.BucketInterval {
		errs = append(errs, errors.New("late_tolerance must be in [0, bucket_interval)"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		errs = append(errs, errors.New("reconnect_base must be positive and not above reconnect_max"))
	}
	if c.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("max_reconnect_attempts must be at least 1"))
	}
	if c.MaxDataPoints < 1 {
		errs = append(errs, errors.New("max_data_points must be at least 1"))
	}
	if c.ViewportBuffer < 0 {
		errs = append(errs, errors.New("viewport_buffer must not be negative"))
	}
	if len(c.ParseSymbols()) == 0 {
		errs = append(errs, errors.New("at least one symbol is required"))
	}
	return errors.Join(errs...)
}

// ParseSymbols splits Symbols on commas, dropping blanks and duplicates.
func (c *Config) ParseSymbols() []string {
	parts := strings.Split(c.Symbols, ",")
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		invalid(key, v)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		invalid(key, v)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		invalid(key, v)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		invalid(key, v)
		return fallback
	}
	return d
}

func invalid(key, value string) {
	slog.Warn("ignoring invalid env value", slog.String("component", "config"),
		slog.String("key", key), slog.String("value", value))
}

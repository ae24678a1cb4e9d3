// Package series reconciles a duplicate-prone, possibly out-of-order stream of
// price updates into strictly time-ordered candle series, one per symbol.
// Each incoming update either extends the live (newest) candle or opens a new
// bucket; the newest candle is mutated in place and becomes immutable once a
// newer bucket opens.
package series

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"chartpipe/internal/model"
)

const (
	DefaultBucketInterval = time.Minute
	DefaultRetentionCap   = 20000
	DefaultLateTolerance  = 2 * time.Second
	DefaultMinPrice       = 1e-8
)

// Outcome says what Apply did with an update.
type Outcome int

const (
	Discarded Outcome = iota
	Appended
	Merged
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Merged:
		return "merged"
	default:
		return "discarded"
	}
}

// Config controls bucket size, retention and the late-update policy.
type Config struct {
	BucketInterval time.Duration
	RetentionCap   int
	// LateTolerance is how far behind the live bucket's open an update may be
	// and still merge into it. Older updates are discarded. Zero disables
	// late merges entirely.
	LateTolerance time.Duration
	// AlignBuckets floors new bucket timestamps to the interval grid instead
	// of using the opening update's timestamp.
	AlignBuckets bool
	// MinPrice replaces zero or negative prices.
	MinPrice float64
}

func (c *Config) defaults() {
	if c.BucketInterval <= 0 {
		c.BucketInterval = DefaultBucketInterval
	}
	if c.RetentionCap <= 0 {
		c.RetentionCap = DefaultRetentionCap
	}
	if c.LateTolerance < 0 {
		c.LateTolerance = 0
	}
	if c.MinPrice <= 0 {
		c.MinPrice = DefaultMinPrice
	}
}

// Reconciler owns every symbol's series. Safe for concurrent use; the
// series themselves are only ever handed out as copies.
type Reconciler struct {
	mu     sync.Mutex
	cfg    Config
	series map[string]*ring
	log    *slog.Logger

	// Hooks (optional). Called without the lock held.
	OnOutcome   func(symbol string, o Outcome)
	OnWarning   func(w *IntegrityWarning)
	OnFinalized func(c model.Candle) // the candle can no longer change
}

// New creates a Reconciler. A nil logger uses slog.Default().
func New(cfg Config, log *slog.Logger) *Reconciler {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		cfg:    cfg,
		series: make(map[string]*ring),
		log:    log.With(slog.String("component", "reconciler")),
	}
}

// Config returns the effective configuration.
func (r *Reconciler) Config() Config {
	return r.cfg
}

// Apply folds one update into its symbol's series and returns the candle it
// touched: the live candle after a merge, or the freshly opened one.
// A discarded update returns an *IntegrityWarning error and the series is left
// unchanged.
func (r *Reconciler) Apply(u model.Update) (model.Candle, Outcome, error) {
	if w := r.validate(u); w != nil {
		r.warn(w)
		r.report(u.Symbol, Discarded)
		return model.Candle{}, Discarded, w
	}

	var warnings []*IntegrityWarning
	u, warnings = r.clamp(u)

	interval := r.cfg.BucketInterval.Milliseconds()
	tolerance := r.cfg.LateTolerance.Milliseconds()

	r.mu.Lock()
	s, ok := r.series[u.Symbol]
	if !ok {
		s = newRing(r.cfg.RetentionCap)
		r.series[u.Symbol] = s
	}

	var (
		out       model.Candle
		outcome   Outcome
		finalized *model.Candle
		err       error
	)

	last := s.last()
	switch {
	case last == nil:
		out = r.open(u)
		s.push(out)
		outcome = Appended

	case u.Timestamp < last.OpenTimestamp:
		if last.OpenTimestamp-u.Timestamp <= tolerance {
			merge(last, u)
			out = *last
			outcome = Merged
		} else {
			w := &IntegrityWarning{
				Symbol:    u.Symbol,
				Timestamp: u.Timestamp,
				Reason:    "older than live bucket " + time.UnixMilli(last.OpenTimestamp).UTC().Format(time.RFC3339Nano),
				Err:       ErrStaleUpdate,
			}
			warnings = append(warnings, w)
			err = w
			outcome = Discarded
		}

	case u.Timestamp-last.OpenTimestamp < interval:
		merge(last, u)
		out = *last
		outcome = Merged

	default:
		prev := *last
		finalized = &prev
		out = r.open(u)
		if s.push(out) {
			r.log.Debug("retention cap reached, evicted oldest candle",
				slog.String("symbol", u.Symbol), slog.Int("cap", r.cfg.RetentionCap))
		}
		outcome = Appended
	}
	r.mu.Unlock()

	for _, w := range warnings {
		r.warn(w)
	}
	if finalized != nil && r.OnFinalized != nil {
		r.OnFinalized(*finalized)
	}
	r.report(u.Symbol, outcome)
	return out, outcome, err
}

// open builds the first candle of a new bucket from u.
func (r *Reconciler) open(u model.Update) model.Candle {
	ts := u.Timestamp
	if r.cfg.AlignBuckets {
		interval := r.cfg.BucketInterval.Milliseconds()
		ts -= mod(ts, interval)
	}

	c := model.Candle{
		Symbol:        u.Symbol,
		OpenTimestamp: ts,
		Open:          u.Price,
		High:          u.Price,
		Low:           u.Price,
		Close:         u.Price,
		Volume:        u.Volume,
	}
	if u.Kind == model.KindCandle {
		if u.Open > 0 {
			c.Open = u.Open
		}
		c.High = math.Max(math.Max(c.Open, c.Close), u.High)
		c.Low = math.Min(c.Open, c.Close)
		if u.Low > 0 {
			c.Low = math.Min(c.Low, u.Low)
		}
	}
	return c
}

// merge folds u into the live candle c. Open is never touched.
// Ticks accumulate volume; full-candle updates replace it.
func merge(c *model.Candle, u model.Update) {
	hi, lo := u.Price, u.Price
	if u.High > hi {
		hi = u.High
	}
	if u.Low > 0 && u.Low < lo {
		lo = u.Low
	}
	if u.Kind == model.KindCandle && u.Open > 0 {
		hi = math.Max(hi, u.Open)
		lo = math.Min(lo, u.Open)
	}

	c.Close = u.Price
	c.High = math.Max(c.High, hi)
	c.Low = math.Min(c.Low, lo)

	if u.Kind == model.KindCandle {
		c.Volume = u.Volume
	} else {
		c.Volume += u.Volume
	}
}

func (r *Reconciler) validate(u model.Update) *IntegrityWarning {
	reason := ""
	switch {
	case u.Symbol == "":
		reason = "missing symbol"
	case !finite(u.Price) || !finite(u.Open) || !finite(u.High) || !finite(u.Low) || !finite(u.Volume):
		reason = "non-finite price or volume"
	}
	if reason == "" {
		return nil
	}
	return &IntegrityWarning{Symbol: u.Symbol, Timestamp: u.Timestamp, Reason: reason, Err: ErrInvalidUpdate}
}

// clamp repairs non-positive prices and negative volume.
func (r *Reconciler) clamp(u model.Update) (model.Update, []*IntegrityWarning) {
	var warnings []*IntegrityWarning
	if u.Price <= 0 {
		warnings = append(warnings, &IntegrityWarning{
			Symbol:    u.Symbol,
			Timestamp: u.Timestamp,
			Reason:    "non-positive price clamped",
		})
		u.Price = r.cfg.MinPrice
	}
	if u.Open < 0 {
		u.Open = 0
	}
	if u.High < 0 {
		u.High = 0
	}
	if u.Low < 0 {
		u.Low = 0
	}
	if u.Volume < 0 {
		warnings = append(warnings, &IntegrityWarning{
			Symbol:    u.Symbol,
			Timestamp: u.Timestamp,
			Reason:    "negative volume clamped",
		})
		u.Volume = 0
	}
	return u, warnings
}

func (r *Reconciler) warn(w *IntegrityWarning) {
	r.log.Warn("data integrity warning",
		slog.String("symbol", w.Symbol),
		slog.Int64("ts", w.Timestamp),
		slog.String("reason", w.Reason))
	if r.OnWarning != nil {
		r.OnWarning(w)
	}
}

func (r *Reconciler) report(symbol string, o Outcome) {
	if r.OnOutcome != nil {
		r.OnOutcome(symbol, o)
	}
}

// Seed loads historical candles for symbol ahead of live updates. Candles that
// would break strict ordering (duplicates, older than the current newest) or
// violate OHLC bounds are skipped. Returns the number of candles accepted.
func (r *Reconciler) Seed(symbol string, candles []model.Candle) int {
	sorted := make([]model.Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenTimestamp < sorted[j].OpenTimestamp
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.series[symbol]
	if !ok {
		s = newRing(r.cfg.RetentionCap)
		r.series[symbol] = s
	}

	accepted := 0
	for _, c := range sorted {
		if !c.Valid() {
			continue
		}
		if last := s.last(); last != nil && c.OpenTimestamp <= last.OpenTimestamp {
			continue
		}
		c.Symbol = symbol
		s.push(c)
		accepted++
	}
	return accepted
}

// Series returns a time-ordered copy of symbol's candles.
func (r *Reconciler) Series(symbol string) []model.Candle {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[symbol]
	if !ok {
		return nil
	}
	return s.snapshot()
}

// Last returns the live candle for symbol.
func (r *Reconciler) Last(symbol string) (model.Candle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[symbol]
	if !ok || s.len() == 0 {
		return model.Candle{}, false
	}
	return *s.last(), true
}

// Len returns the number of candles held for symbol.
func (r *Reconciler) Len(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[symbol]; ok {
		return s.len()
	}
	return 0
}

// Symbols returns every symbol with a series, sorted.
func (r *Reconciler) Symbols() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.series))
	for sym := range r.series {
		out = append(out, sym)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// mod is a floor modulo so negative timestamps align downward too.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

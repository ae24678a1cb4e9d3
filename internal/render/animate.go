package render

import (
	"context"
	"time"

	"chartpipe/internal/model"
)

// DefaultFrameInterval is one frame at 60 Hz.
const DefaultFrameInterval = time.Second / 60

// FrameScheduler delivers animation frame timestamps until stopped.
type FrameScheduler interface {
	Start() (frames <-chan time.Time, stop func())
}

// TickerScheduler drives frames from a time.Ticker.
type TickerScheduler struct {
	Interval time.Duration
}

func (s TickerScheduler) Start() (<-chan time.Time, func()) {
	iv := s.Interval
	if iv <= 0 {
		iv = DefaultFrameInterval
	}
	t := time.NewTicker(iv)
	return t.C, t.Stop
}

// EaseOutCubic maps linear progress p in [0,1] to 1-(1-p)^3.
func EaseOutCubic(p float64) float64 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}
	q := 1 - p
	return 1 - q*q*q
}

// Interpolate blends two equal-length windows field by field. Timestamps
// and symbols come from to. t is the eased progress.
func Interpolate(from, to []model.Candle, t float64) []model.Candle {
	out := make([]model.Candle, len(to))
	for i := range to {
		a, b := from[i], to[i]
		out[i] = model.Candle{
			Symbol:        b.Symbol,
			OpenTimestamp: b.OpenTimestamp,
			Open:          lerp(a.Open, b.Open, t),
			High:          lerp(a.High, b.High, t),
			Low:           lerp(a.Low, b.Low, t),
			Close:         lerp(a.Close, b.Close, t),
			Volume:        lerp(a.Volume, b.Volume, t),
		}
	}
	return out
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// animate runs one transition on its own goroutine. No frame is delivered
// once ctx is cancelled, and onComplete fires only if the transition reaches
// the end without being cancelled.
func animate(ctx context.Context, sched FrameScheduler, from, to model.ViewWindow, d time.Duration,
	onFrame func(model.ViewWindow), onComplete func(), onTick func(time.Time)) {

	frames, stop := sched.Start()
	defer stop()

	var start time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ts := <-frames:
			if ctx.Err() != nil {
				return
			}
			if onTick != nil {
				onTick(ts)
			}
			if start.IsZero() {
				start = ts
			}
			progress := float64(ts.Sub(start)) / float64(d)
			w := to
			if progress < 1 {
				w.Visible = Interpolate(from.Visible, to.Visible, EaseOutCubic(progress))
			}
			if onFrame != nil {
				onFrame(w)
			}
			if progress >= 1 {
				if ctx.Err() == nil && onComplete != nil {
					onComplete()
				}
				return
			}
		}
	}
}

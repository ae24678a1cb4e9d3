package render

import (
	"math"

	"chartpipe/internal/model"
)

// recentShare of the point budget keeps the newest candles at full
// resolution when sampling.
const recentShare = 0.7

// Compress merges consecutive candles into chunks of ceil(len/maxPoints).
// Each chunk becomes one candle: first open, last close, max high, min low,
// summed volume, stamped with the chunk's last timestamp. src is not modified.
func Compress(src []model.Candle, maxPoints int) []model.Candle {
	if maxPoints <= 0 || len(src) <= maxPoints {
		return append([]model.Candle(nil), src...)
	}
	size := int(math.Ceil(float64(len(src)) / float64(maxPoints)))
	out := make([]model.Candle, 0, (len(src)+size-1)/size)
	for i := 0; i < len(src); i += size {
		end := i + size
		if end > len(src) {
			end = len(src)
		}
		out = append(out, mergeChunk(src[i:end]))
	}
	return out
}

func mergeChunk(chunk []model.Candle) model.Candle {
	first, last := chunk[0], chunk[len(chunk)-1]
	c := model.Candle{
		Symbol:        last.Symbol,
		OpenTimestamp: last.OpenTimestamp,
		Open:          first.Open,
		High:          first.High,
		Low:           first.Low,
		Close:         last.Close,
	}
	for _, k := range chunk {
		c.High = math.Max(c.High, k.High)
		c.Low = math.Min(c.Low, k.Low)
		c.Volume += k.Volume
	}
	return c
}

// Sample thins src to at most maxPoints: the newest 70% of the budget is kept
// as-is and the rest is filled with evenly spaced candles from the older part.
func Sample(src []model.Candle, maxPoints int) []model.Candle {
	if maxPoints <= 0 || len(src) <= maxPoints {
		return append([]model.Candle(nil), src...)
	}

	recent := int(float64(maxPoints) * recentShare)
	if recent < 1 {
		recent = 1
	}
	budget := maxPoints - recent
	older := src[:len(src)-recent]

	out := make([]model.Candle, 0, maxPoints)
	if budget > 0 {
		step := float64(len(older)) / float64(budget)
		for i := 0; i < budget; i++ {
			out = append(out, older[int(float64(i)*step)])
		}
	}
	return append(out, src[len(src)-recent:]...)
}

// Viewport maps a normalized [viewStart, viewEnd] range onto n candles,
// widened by buffer candles either side. end is exclusive.
func Viewport(n int, viewStart, viewEnd float64, buffer int) (start, end int) {
	if n == 0 {
		return 0, 0
	}
	viewStart, viewEnd = clamp01(viewStart, 0), clamp01(viewEnd, 1)
	if viewStart > viewEnd {
		viewStart, viewEnd = viewEnd, viewStart
	}
	if buffer < 0 {
		buffer = 0
	}

	start = int(math.Floor(viewStart*float64(n))) - buffer
	end = int(math.Ceil(viewEnd*float64(n))) + buffer
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start > end {
		start = end
	}
	return start, end
}

func clamp01(v, fallback float64) float64 {
	switch {
	case math.IsNaN(v):
		return fallback
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

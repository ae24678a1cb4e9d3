package render

import (
	"math"
	"runtime"
	"sort"
	"sync"
	"time"
)

// renderTimes keeps the last N recompute durations and reports percentiles.
type renderTimes struct {
	mu    sync.Mutex
	ms    []float64 // circular
	next  int
	count int
}

func newRenderTimes(size int) *renderTimes {
	if size <= 0 {
		size = 1024
	}
	return &renderTimes{ms: make([]float64, size)}
}

func (r *renderTimes) record(d time.Duration) {
	r.mu.Lock()
	r.ms[r.next] = float64(d) / float64(time.Millisecond)
	r.next = (r.next + 1) % len(r.ms)
	if r.count < len(r.ms) {
		r.count++
	}
	r.mu.Unlock()
}

// percentiles returns p50, p95 and p99 in milliseconds, or zeros when empty.
func (r *renderTimes) percentiles() (p50, p95, p99 float64) {
	r.mu.Lock()
	sorted := make([]float64, r.count)
	copy(sorted, r.ms[:r.count])
	r.mu.Unlock()

	if len(sorted) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(sorted)
	return rank(sorted, 0.50), rank(sorted, 0.95), rank(sorted, 0.99)
}

// rank interpolates the p-quantile (0..1) of an ascending slice.
func rank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	if lo+1 >= n {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

// fpsMeter counts frames over rolling one-second windows.
type fpsMeter struct {
	mu          sync.Mutex
	windowStart time.Time
	frames      int
	fps         float64
}

// frame records one frame at t and returns the latest measured rate.
func (f *fpsMeter) frame(t time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.windowStart.IsZero() {
		f.windowStart = t
		return f.fps
	}
	f.frames++
	if elapsed := t.Sub(f.windowStart); elapsed >= time.Second {
		f.fps = float64(f.frames) / elapsed.Seconds()
		f.frames = 0
		f.windowStart = t
	}
	return f.fps
}

// heapMB reports the live heap in MiB.
func heapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}

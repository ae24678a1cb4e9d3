package series

import "chartpipe/internal/model"

// ring is a bounded, time-ordered candle buffer for one symbol.
// It grows by append until it reaches capacity, then overwrites the oldest
// entry on every push. Not safe for concurrent use; the Reconciler guards it.
type ring struct {
	buf  []model.Candle
	cap  int
	pos  int // next write position once full
	full bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultRetentionCap
	}
	initial := capacity
	if initial > 1024 {
		initial = 1024
	}
	return &ring{buf: make([]model.Candle, 0, initial), cap: capacity}
}

// push appends c, evicting the oldest candle when at capacity.
// Returns true if a candle was evicted.
func (r *ring) push(c model.Candle) bool {
	if !r.full {
		r.buf = append(r.buf, c)
		if len(r.buf) == r.cap {
			r.full = true
			r.pos = 0
		}
		return false
	}
	r.buf[r.pos] = c
	r.pos = (r.pos + 1) % r.cap
	return true
}

func (r *ring) len() int {
	return len(r.buf)
}

// last returns a pointer to the newest candle so it can be mutated in place.
func (r *ring) last() *model.Candle {
	n := len(r.buf)
	if n == 0 {
		return nil
	}
	if !r.full {
		return &r.buf[n-1]
	}
	return &r.buf[(r.pos-1+r.cap)%r.cap]
}

// snapshot copies the series out in time order.
func (r *ring) snapshot() []model.Candle {
	n := len(r.buf)
	out := make([]model.Candle, n)
	if !r.full {
		copy(out, r.buf)
		return out
	}
	copy(out, r.buf[r.pos:])
	copy(out[n-r.pos:], r.buf[:r.pos])
	return out
}

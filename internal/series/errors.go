package series

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleUpdate marks an update older than the live bucket beyond LateTolerance.
	ErrStaleUpdate = errors.New("stale update")

	// ErrInvalidUpdate marks an update that cannot be reconciled at all
	// (missing symbol, NaN or infinite prices).
	ErrInvalidUpdate = errors.New("invalid update")
)

// IntegrityWarning describes an update that was clamped or discarded.
// It is never fatal: the series ordering invariant is kept by dropping or
// repairing the offending update.
type IntegrityWarning struct {
	Symbol    string
	Timestamp int64
	Reason    string
	Err       error // ErrStaleUpdate, ErrInvalidUpdate or nil for repairs
}

func (w *IntegrityWarning) Error() string {
	return fmt.Sprintf("series %s ts=%d: %s", w.Symbol, w.Timestamp, w.Reason)
}

func (w *IntegrityWarning) Unwrap() error {
	return w.Err
}

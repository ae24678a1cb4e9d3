package model

// UpdateKind distinguishes tick updates from full-candle updates.
// Volume accumulates for ticks and is replaced for candles.
type UpdateKind int

const (
	KindTick   UpdateKind = iota // price_update
	KindCandle                   // candle_update
)

func (k UpdateKind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindCandle:
		return "candle"
	default:
		return "unknown"
	}
}

// Update is a normalized inbound price update for one symbol.
// Price is the last traded price for ticks and the close for candles.
// Open, High and Low are zero when the source did not send them.
type Update struct {
	Kind      UpdateKind
	Symbol    string
	Timestamp int64 // epoch ms
	Price     float64
	Open      float64
	High      float64
	Low       float64
	Volume    float64
}

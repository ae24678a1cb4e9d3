package model

import "encoding/json"

// Candle is one OHLCV bucket for a symbol.
// OpenTimestamp is the bucket start in epoch milliseconds.
type Candle struct {
	Symbol        string  `json:"symbol"`
	OpenTimestamp int64   `json:"openTimestamp"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
}

// Valid reports whether the candle satisfies low <= open,close <= high
// with non-negative prices and volume.
func (c *Candle) Valid() bool {
	if c.Low < 0 || c.Volume < 0 {
		return false
	}
	return c.Low <= c.Open && c.Low <= c.Close &&
		c.Open <= c.High && c.Close <= c.High
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

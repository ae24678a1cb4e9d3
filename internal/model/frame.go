package model

import (
	"errors"
	"time"
)

// Frame type discriminators on the wire.
const (
	FramePriceUpdate  = "price_update"
	FrameCandleUpdate = "candle_update"
	FrameHeartbeat    = "heartbeat"
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
)

// InboundFrame is the union of all frames the data source sends:
//
//	{"type":"price_update","symbol":"AAPL","price":101.5,"volume":12,"timestamp":1700000000000}
//	{"type":"candle_update","symbol":"AAPL","open":100,"high":102,"low":99,"close":101,"volume":900,"timestamp":...}
//	{"type":"heartbeat"}
type InboundFrame struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol,omitempty"`
	Price     float64 `json:"price,omitempty"`
	Open      float64 `json:"open,omitempty"`
	High      float64 `json:"high,omitempty"`
	Low       float64 `json:"low,omitempty"`
	Close     float64 `json:"close,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
	Timestamp *int64  `json:"timestamp,omitempty"` // epoch ms; receive time when absent
}

var errMissingSymbol = errors.New("missing symbol")

// ToUpdate converts a price or candle frame into an Update.
// now supplies the timestamp for frames that carry none.
func (f *InboundFrame) ToUpdate(now time.Time) (Update, error) {
	if f.Symbol == "" {
		return Update{}, errMissingSymbol
	}

	ts := now.UnixMilli()
	if f.Timestamp != nil {
		ts = *f.Timestamp
	}

	u := Update{
		Symbol:    f.Symbol,
		Timestamp: ts,
		Open:      f.Open,
		High:      f.High,
		Low:       f.Low,
		Volume:    f.Volume,
	}
	switch f.Type {
	case FramePriceUpdate:
		u.Kind = KindTick
		u.Price = f.Price
	case FrameCandleUpdate:
		u.Kind = KindCandle
		u.Price = f.Close
	default:
		return Update{}, errors.New("frame " + f.Type + " carries no price data")
	}
	return u, nil
}

// ControlFrame is the outbound subscribe/unsubscribe request.
type ControlFrame struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Timestamp int64  `json:"timestamp"` // epoch ms
}

// NewControlFrame stamps a control frame with the current time.
func NewControlFrame(typ, symbol string) ControlFrame {
	return ControlFrame{Type: typ, Symbol: symbol, Timestamp: time.Now().UnixMilli()}
}

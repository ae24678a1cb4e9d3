package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) InboundFrame {
	t.Helper()
	var f InboundFrame
	require.NoError(t, json.Unmarshal([]byte(s), &f))
	return f
}

func TestInboundFrame_PriceUpdate(t *testing.T) {
	f := decode(t, `{"type":"price_update","symbol":"AAPL","price":101.5,"volume":12,"high":102,"low":99,"timestamp":1700000000000}`)

	u, err := f.ToUpdate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, KindTick, u.Kind)
	assert.Equal(t, "AAPL", u.Symbol)
	assert.Equal(t, int64(1700000000000), u.Timestamp)
	assert.Equal(t, 101.5, u.Price)
	assert.Equal(t, 102.0, u.High)
	assert.Equal(t, 99.0, u.Low)
	assert.Equal(t, 12.0, u.Volume)
}

func TestInboundFrame_CandleUpdateUsesClose(t *testing.T) {
	f := decode(t, `{"type":"candle_update","symbol":"X","open":1,"high":3,"low":0.5,"close":2,"volume":40,"timestamp":60000}`)

	u, err := f.ToUpdate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, KindCandle, u.Kind)
	assert.Equal(t, 2.0, u.Price)
	assert.Equal(t, 1.0, u.Open)
}

func TestInboundFrame_MissingTimestampUsesReceiveTime(t *testing.T) {
	now := time.UnixMilli(1_234_567)
	f := decode(t, `{"type":"price_update","symbol":"X","price":1}`)

	u, err := f.ToUpdate(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1_234_567), u.Timestamp)

	f = decode(t, `{"type":"price_update","symbol":"X","price":1,"timestamp":0}`)
	u, err = f.ToUpdate(now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Timestamp, "an explicit zero timestamp is kept")
}

func TestInboundFrame_Rejects(t *testing.T) {
	f := decode(t, `{"type":"price_update","price":1}`)
	_, err := f.ToUpdate(time.Now())
	assert.Error(t, err)

	f = decode(t, `{"type":"heartbeat","symbol":"X"}`)
	_, err = f.ToUpdate(time.Now())
	assert.Error(t, err)
}

func TestCandle_Valid(t *testing.T) {
	ok := Candle{Open: 2, High: 3, Low: 1, Close: 2.5}
	assert.True(t, ok.Valid())

	bad := []Candle{
		{Open: 4, High: 3, Low: 1, Close: 2},
		{Open: 2, High: 3, Low: 2.5, Close: 2},
		{Open: 2, High: 3, Low: 1, Close: 2, Volume: -1},
	}
	for _, c := range bad {
		assert.False(t, c.Valid(), "%+v", c)
	}
}

func TestControlFrame_JSON(t *testing.T) {
	f := NewControlFrame(FrameSubscribe, "ETH")
	assert.InDelta(t, time.Now().UnixMilli(), f.Timestamp, 5000)

	b, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"subscribe"`)
	assert.Contains(t, string(b), `"symbol":"ETH"`)
}

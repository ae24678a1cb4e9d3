package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chartpipe/internal/model"
)

const (
	// DefaultPingInterval is how often the websocket transport pings the server.
	DefaultPingInterval = 15 * time.Second
	wsControlDeadline   = 5 * time.Second
)

// WSTransport dials a websocket price source. Inbound frames are text JSON.
type WSTransport struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	PingInterval time.Duration
}

// NewWSTransport returns a transport for url using the default dialer.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{URL: url, Dialer: websocket.DefaultDialer, PingInterval: DefaultPingInterval}
}

// Dial opens the websocket. The handshake is bounded by ctx.
func (t *WSTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial %s: %s: %w", t.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("ws dial %s: %w", t.URL, err)
	}

	wc := &wsConn{conn: c, done: make(chan struct{})}
	interval := t.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	go wc.pingLoop(interval)
	return wc, nil
}

type wsConn struct {
	conn *websocket.Conn

	// gorilla allows one concurrent writer; pings and control frames share it.
	wmu  sync.Mutex
	once sync.Once
	done chan struct{}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, f model.ControlFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(wsControlDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlDeadline))
			c.wmu.Unlock()
			if err != nil {
				// The read side sees the broken connection and reports it.
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

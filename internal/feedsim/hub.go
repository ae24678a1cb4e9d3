package feedsim

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chartpipe/internal/model"
)

const (
	clientQueue  = 256
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// client is one websocket peer and the symbols it asked for.
type client struct {
	id   string
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

func (c *client) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[symbol]
}

func (c *client) set(symbol string, on bool) {
	c.mu.Lock()
	if on {
		c.subs[symbol] = true
	} else {
		delete(c.subs, symbol)
	}
	c.mu.Unlock()
}

// Hub fans frames out to websocket clients. Price and candle frames go only
// to clients subscribed to the symbol; heartbeats go to everyone.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log.With(slog.String("component", "feedsim_hub")),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements Sink. A slow client drops frames rather than stalling
// the generator.
func (h *Hub) Publish(_ context.Context, f model.InboundFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if f.Type != model.FrameHeartbeat && !c.wants(f.Symbol) {
			continue
		}
		select {
		case c.send <- b:
		default:
		}
	}
	return nil
}

// ServeHTTP upgrades the request and serves one client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		id:   uuid.NewString(),
		send: make(chan []byte, clientQueue),
		subs: make(map[string]bool),
	}
	log := h.log.With(slog.String("client_id", c.id), slog.String("remote", r.RemoteAddr))
	log.Info("client connected")
	h.register(c)

	go h.readPump(conn, c, log)

	defer func() {
		h.unregister(c)
		conn.Close()
		log.Info("client disconnected")
	}()
	for msg := range c.send {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump applies control frames until the peer goes away.
func (h *Hub) readPump(conn *websocket.Conn, c *client, log *slog.Logger) {
	defer h.unregister(c)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f model.ControlFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Symbol == "" {
			log.Debug("ignoring malformed control frame", slog.Int("bytes", len(data)))
			continue
		}
		switch f.Type {
		case model.FrameSubscribe:
			c.set(f.Symbol, true)
		case model.FrameUnsubscribe:
			c.set(f.Symbol, false)
		default:
			log.Debug("ignoring control frame", slog.String("type", f.Type))
			continue
		}
		log.Debug("control frame", slog.String("type", f.Type), slog.String("symbol", f.Symbol))
	}
}

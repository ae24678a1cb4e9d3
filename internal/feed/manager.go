// Package feed maintains a single live connection to a real-time price source
// and multiplexes per-symbol subscriptions over it.
//
// State machine: Disconnected -> Connecting -> Connected -> (Disconnected | Connecting).
// A dropped connection or failed attempt schedules a reconnect with exponential
// backoff until MaxReconnectAttempts is exhausted; after that the manager stays
// Disconnected until Connect (or Subscribe) is called again.
//
// Inbound frames are parsed, reconciled through a series.Reconciler and the
// resulting candle is handed to every live subscriber of its symbol.
// Subscriptions survive disconnects: after every successful (re)connect the
// manager replays a subscribe control frame for each symbol with subscribers.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chartpipe/internal/logger"
	"chartpipe/internal/model"
	"chartpipe/internal/series"
)

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectBase        = time.Second
	DefaultReconnectMax         = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultControlRate          = 20 // frames per second
	DefaultControlBurst         = 10
	DefaultOutboundQueue        = 256
	DefaultWriteTimeout         = 5 * time.Second
)

// Config controls timeouts, the reconnect schedule and control-frame pacing.
// Zero values take the defaults above.
type Config struct {
	ConnectTimeout       time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	ControlRate   float64
	ControlBurst  int
	OutboundQueue int
	WriteTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ControlRate <= 0 {
		c.ControlRate = DefaultControlRate
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = DefaultControlBurst
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// SubscriptionID identifies one Subscribe call.
type SubscriptionID string

// CandleHandler receives every reconciled candle for a symbol.
type CandleHandler func(c model.Candle)

type subscription struct {
	id      SubscriptionID
	symbol  string
	handler CandleHandler
	active  atomic.Bool
}

// connectAttempt is shared by every Connect caller while Connecting.
type connectAttempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (a *connectAttempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Manager owns the transport connection and the subscriber registry.
// All methods are safe for concurrent use.
type Manager struct {
	transport Transport
	rec       *series.Reconciler
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	state      State
	gen        uint64 // bumped by every dial and by Disconnect
	conn       Conn
	connCancel context.CancelFunc
	outbound   chan model.ControlFrame
	attempt    *connectAttempt
	cancelDial context.CancelFunc
	retryTimer *time.Timer
	failures   int // consecutive failed dials since the last successful connect
	lastErr    error

	subs     map[SubscriptionID]*subscription
	bySymbol map[string][]*subscription // copy-on-write
	sent     map[string]bool            // symbols subscribed on the current connection

	pending []func() // hooks queued under mu, run by unlock

	// Hooks (optional). Set before the first Connect/Subscribe. Called without
	// the lock held.
	OnStateChange        func(from, to State)
	OnError              func(err error) // reconnect attempts exhausted
	OnReconnectScheduled func(failures int, delay time.Duration)
	OnFrame              func(frameType string)
	OnParseError         func(err *MessageParseError)
	OnSubscriberPanic    func(err *SubscriberCallbackError)
	OnControlSent        func(f model.ControlFrame)
	OnUpdate             func(c model.Candle, o series.Outcome)
}

// NewManager creates a Disconnected manager. A nil reconciler gets a default
// one; a nil logger uses slog.Default().
func NewManager(t Transport, rec *series.Reconciler, cfg Config, log *slog.Logger) *Manager {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = series.New(series.Config{}, log)
	}
	return &Manager{
		transport: t,
		rec:       rec,
		cfg:       cfg,
		log:       log.With(slog.String("component", "feed")),
		now:       time.Now,
		subs:      make(map[SubscriptionID]*subscription),
		bySymbol:  make(map[string][]*subscription),
	}
}

// Reconciler returns the reconciler fed by this manager.
func (m *Manager) Reconciler() *series.Reconciler {
	return m.rec
}

// Connect establishes the connection, or joins the attempt already in flight.
// It returns nil once connected, a *ConnectionError when the handshake fails
// or times out, or ctx.Err() if ctx ends first (the attempt keeps running).
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	var a *connectAttempt
	switch m.state {
	case Connected:
		m.unlock()
		return nil
	case Connecting:
		a = m.attempt
	default:
		m.failures = 0
		m.stopRetryLocked()
		a = m.startAttemptLocked()
	}
	m.unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for symbol and returns immediately. If the
// manager is Disconnected with no reconnect pending, a connect is started in
// the background; the subscribe control frame goes out once connected.
func (m *Manager) Subscribe(symbol string, handler CandleHandler) (SubscriptionID, error) {
	if symbol == "" || handler == nil {
		return "", ErrInvalidSubscription
	}
	s := &subscription{
		id:      SubscriptionID(uuid.NewString()),
		symbol:  symbol,
		handler: handler,
	}
	s.active.Store(true)

	m.mu.Lock()
	m.subs[s.id] = s
	list := m.bySymbol[symbol]
	m.bySymbol[symbol] = append(list[:len(list):len(list)], s)

	switch {
	case m.state == Connected:
		if !m.sent[symbol] {
			m.sent[symbol] = true
			m.sendLocked(model.NewControlFrame(model.FrameSubscribe, symbol))
		}
	case m.state == Disconnected && m.retryTimer == nil:
		m.failures = 0
		m.startAttemptLocked()
	}
	m.unlock()

	m.log.Debug("subscribed", slog.String("symbol", symbol), slog.String("subscription_id", string(s.id)))
	return s.id, nil
}

// Unsubscribe removes a subscription. No callback for it starts after
// Unsubscribe returns. Unknown or already-removed ids are ignored. When the
// last subscriber of a symbol goes, an unsubscribe frame is sent best-effort.
func (m *Manager) Unsubscribe(id SubscriptionID) {
	m.mu.Lock()
	s, ok := m.subs[id]
	if !ok {
		m.unlock()
		return
	}
	s.active.Store(false)
	delete(m.subs, id)

	old := m.bySymbol[s.symbol]
	rest := make([]*subscription, 0, len(old))
	for _, o := range old {
		if o != s {
			rest = append(rest, o)
		}
	}
	if len(rest) > 0 {
		m.bySymbol[s.symbol] = rest
	} else {
		delete(m.bySymbol, s.symbol)
		if m.sent[s.symbol] {
			delete(m.sent, s.symbol)
			m.sendLocked(model.NewControlFrame(model.FrameUnsubscribe, s.symbol))
		}
	}
	m.unlock()

	m.log.Debug("unsubscribed", slog.String("symbol", s.symbol), slog.String("subscription_id", string(id)))
}

// Disconnect closes the transport, cancels any connect attempt or pending
// reconnect and drops every subscription.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopRetryLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	a := m.attempt
	m.attempt = nil
	conn := m.closeConnLocked()

	for _, s := range m.subs {
		s.active.Store(false)
	}
	m.subs = make(map[SubscriptionID]*subscription)
	m.bySymbol = make(map[string][]*subscription)
	m.failures = 0
	m.setStateLocked(Disconnected)
	m.unlock()

	if a != nil {
		a.finish(&ConnectionError{Op: "connect", Err: ErrClosed})
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("close connection", slog.String("error", err.Error()))
		}
	}
	m.log.Info("disconnected")
}

// IsConnected reports whether a connection is live.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent connection error, or nil after a
// successful connect.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Subscriptions returns the number of live subscriptions.
func (m *Manager) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// startAttemptLocked moves to Connecting and dials in the background.
func (m *Manager) startAttemptLocked() *connectAttempt {
	m.gen++
	gen := m.gen
	a := &connectAttempt{done: make(chan struct{})}
	m.attempt = a

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.cancelDial = cancel
	m.setStateLocked(Connecting)

	go m.dial(ctx, cancel, gen, a)
	return a
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, a *connectAttempt) {
	defer cancel()

	start := time.Now()
	conn, err := m.transport.Dial(ctx)
	if err == nil && ctx.Err() != nil {
		// Handshake finished after the deadline; treat as failed.
		_ = conn.Close()
		conn, err = nil, ctx.Err()
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, m.cfg.ConnectTimeout, err)
	}

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect (or a newer attempt) superseded this one.
		m.unlock()
		if conn != nil {
			_ = conn.Close()
		}
		a.finish(&ConnectionError{Op: "connect", Err: ErrClosed})
		return
	}
	m.cancelDial = nil
	m.attempt = nil

	if err != nil {
		cerr := &ConnectionError{Op: "connect", Err: err}
		m.lastErr = cerr
		m.failures++
		m.setStateLocked(Disconnected)
		m.scheduleRetryLocked()
		m.unlock()

		m.log.Error("connect failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		a.finish(cerr)
		return
	}

	connID := uuid.NewString()
	connCtx, connCancel := context.WithCancel(logger.WithConnID(context.Background(), connID))
	out := make(chan model.ControlFrame, m.cfg.OutboundQueue)

	m.conn = conn
	m.connCancel = connCancel
	m.outbound = out
	m.sent = make(map[string]bool, len(m.bySymbol))
	m.failures = 0
	m.lastErr = nil
	m.setStateLocked(Connected)

	// Replay every active subscription on the new connection.
	for symbol := range m.bySymbol {
		m.sent[symbol] = true
		m.sendLocked(model.NewControlFrame(model.FrameSubscribe, symbol))
	}
	replayed := len(m.sent)
	m.unlock()

	log := m.log.With(logger.Attrs(connCtx)...)
	log.Info("connected",
		slog.Int("replayed_symbols", replayed),
		slog.Duration("elapsed", time.Since(start)))

	go m.writeLoop(connCtx, conn, out, log)
	go m.readLoop(gen, conn, log)
	a.finish(nil)
}

// readLoop owns conn's read side until the connection fails or is closed.
func (m *Manager) readLoop(gen uint64, conn Conn, log *slog.Logger) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			m.handleDrop(gen, err, log)
			return
		}
		m.handleFrame(data, log)
	}
}

func (m *Manager) handleDrop(gen uint64, err error, log *slog.Logger) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.unlock()
		return
	}
	conn := m.closeConnLocked()
	m.lastErr = &ConnectionError{Op: "read", Err: err}
	m.setStateLocked(Disconnected)
	m.scheduleRetryLocked()
	m.unlock()

	_ = conn.Close()
	log.Warn("connection lost", slog.String("error", err.Error()))
}

// writeLoop drains the outbound control queue, paced by a token bucket.
// Failed writes are logged and dropped.
func (m *Manager) writeLoop(ctx context.Context, conn Conn, out <-chan model.ControlFrame, log *slog.Logger) {
	limiter := rate.NewLimiter(rate.Limit(m.cfg.ControlRate), m.cfg.ControlBurst)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
			err := conn.WriteFrame(wctx, f)
			cancel()
			if err != nil {
				log.Warn("control frame not sent",
					slog.String("type", f.Type),
					slog.String("symbol", f.Symbol),
					slog.String("error", err.Error()))
				continue
			}
			if m.OnControlSent != nil {
				m.OnControlSent(f)
			}
		}
	}
}

// handleFrame parses one inbound frame and dispatches the reconciled candle.
// Malformed frames are logged and dropped; the connection stays up.
func (m *Manager) handleFrame(data []byte, log *slog.Logger) {
	var f model.InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		m.parseError(data, err, log)
		return
	}
	if m.OnFrame != nil {
		m.OnFrame(f.Type)
	}

	switch f.Type {
	case model.FrameHeartbeat:
		return
	case model.FramePriceUpdate, model.FrameCandleUpdate:
	default:
		log.Debug("ignoring unknown frame type", slog.String("type", f.Type))
		return
	}

	u, err := f.ToUpdate(m.now())
	if err != nil {
		m.parseError(data, err, log)
		return
	}

	c, outcome, _ := m.rec.Apply(u)
	if outcome == series.Discarded {
		return
	}
	m.dispatch(c)
	if m.OnUpdate != nil {
		m.OnUpdate(c, outcome)
	}
}

func (m *Manager) parseError(data []byte, err error, log *slog.Logger) {
	perr := &MessageParseError{Raw: append([]byte(nil), data...), Err: err}
	log.Warn("dropping malformed frame", slog.String("error", perr.Error()))
	if m.OnParseError != nil {
		m.OnParseError(perr)
	}
}

// dispatch notifies a snapshot of the symbol's subscribers. Each one is
// checked for liveness right before it is invoked.
func (m *Manager) dispatch(c model.Candle) {
	m.mu.Lock()
	subs := m.bySymbol[c.Symbol]
	m.mu.Unlock()

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		m.invoke(s, c)
	}
}

func (m *Manager) invoke(s *subscription, c model.Candle) {
	defer func() {
		if v := recover(); v != nil {
			err := &SubscriberCallbackError{SubscriptionID: s.id, Symbol: s.symbol, Value: v}
			m.log.Error("subscriber panicked", slog.String("error", err.Error()))
			if m.OnSubscriberPanic != nil {
				m.OnSubscriberPanic(err)
			}
		}
	}()
	s.handler(c)
}

// sendLocked queues a control frame for the writer. Without a live
// connection the frame is dropped; the replay on connect covers it.
func (m *Manager) sendLocked(f model.ControlFrame) {
	if m.outbound == nil {
		return
	}
	select {
	case m.outbound <- f:
	default:
		m.log.Warn("outbound queue full, dropping control frame",
			slog.String("type", f.Type), slog.String("symbol", f.Symbol))
	}
}

// scheduleRetryLocked arms the reconnect timer, or reports exhaustion once
// MaxReconnectAttempts consecutive dials have failed. The delay is
// Backoff(failures): a dropped connection retries after base, the Nth
// failed dial waits base·2^N.
func (m *Manager) scheduleRetryLocked() {
	if m.failures >= m.cfg.MaxReconnectAttempts {
		err := m.lastErr
		m.log.Error("reconnect attempts exhausted", slog.Int("failures", m.failures))
		if hook := m.OnError; hook != nil {
			m.pending = append(m.pending, func() { hook(err) })
		}
		return
	}

	n := m.failures
	delay := Backoff(n, m.cfg.ReconnectBase, m.cfg.ReconnectMax)
	gen := m.gen
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(gen) })

	m.log.Info("reconnect scheduled", slog.Int("failures", n), slog.Duration("delay", delay))
	if hook := m.OnReconnectScheduled; hook != nil {
		m.pending = append(m.pending, func() { hook(n, delay) })
	}
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Disconnected {
		m.unlock()
		return
	}
	m.retryTimer = nil
	m.startAttemptLocked()
	m.unlock()
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// closeConnLocked detaches the live connection and stops its writer. The
// caller closes the returned Conn after releasing the lock.
func (m *Manager) closeConnLocked() Conn {
	conn := m.conn
	if m.connCancel != nil {
		m.connCancel()
	}
	m.conn = nil
	m.connCancel = nil
	m.outbound = nil
	m.sent = nil
	return conn
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if hook := m.OnStateChange; hook != nil {
		m.pending = append(m.pending, func() { hook(from, to) })
	}
}

// unlock releases mu and runs the hooks queued while it was held.
func (m *Manager) unlock() {
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxmesh/voxmesh/internals/metrics"
	"go.uber.org/zap"
)

// ErrRelayUnavailable is surfaced when the transport loses the relay and
// exhausts its reconnect budget.
var ErrRelayUnavailable = errors.New("signaling relay unavailable")

type TransportConfig struct {
	URL string

	QueueSize             int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int

	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

func (c *TransportConfig) withDefaults() TransportConfig {
	out := *c
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.ReconnectInitialDelay <= 0 {
		out.ReconnectInitialDelay = 500 * time.Millisecond
	}
	if out.ReconnectMaxDelay <= 0 {
		out.ReconnectMaxDelay = 15 * time.Second
	}
	if out.ReconnectMaxAttempts <= 0 {
		out.ReconnectMaxAttempts = 8
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = 60 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 54 * time.Second
	}
	if out.ReadLimit <= 0 {
		out.ReadLimit = 524288
	}
	return out
}

// Transport is the client side of the relay connection. Inbound messages are
// delivered from a single goroutine in arrival order; outbound messages go
// through a bounded queue and are dropped with a warning when it overflows.
type Transport struct {
	cfg    TransportConfig
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	send    chan Message
	pending atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool

	// Callbacks. Set before Dial returns control to the caller's loops; the
	// transport never invokes them after Close.
	OnMessage     func(Message)
	OnReconnected func()
	OnDown        func(error)
}

// DialTransport connects to the relay and starts the read/write pumps.
func DialTransport(ctx context.Context, cfg TransportConfig, logger *zap.Logger) (*Transport, error) {
	cfg = cfg.withDefaults()

	tctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:    cfg,
		logger: logger,
		send:   make(chan Message, cfg.QueueSize),
		ctx:    tctx,
		cancel: cancel,
	}

	conn, err := t.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	t.conn = conn

	go t.writePump()
	go t.readPump(conn)

	return t, nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(t.cfg.ReadLimit)
	return conn, nil
}

// Send enqueues a message for delivery. It never blocks: when the queue is
// full the message is dropped and a warning surfaced, rather than buffering
// without bound while the relay is away.
func (t *Transport) Send(message Message) {
	if t.closed.Load() {
		return
	}
	select {
	case t.send <- message:
		t.pending.Add(1)
	default:
		metrics.OutboundDropped.Inc()
		t.logger.Warn("Relay send queue full, dropping message",
			zap.String("type", string(message.Type)),
		)
	}
}

// Flush blocks until every enqueued message has been written, or the timeout
// expires. It reports whether the queue drained fully.
func (t *Transport) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t.pending.Load() == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return t.pending.Load() == 0
}

func (t *Transport) writePump() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case message := <-t.send:
			// During an outage the message is held here until a fresh
			// connection is up; the queue keeps buffering behind it.
			conn := t.awaitConn()
			if conn == nil {
				t.pending.Add(-1)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := conn.WriteJSON(message); err != nil {
				t.logger.Warn("Failed to write to relay",
					zap.String("type", string(message.Type)),
					zap.Error(err),
				)
			}
			t.pending.Add(-1)
		case <-ticker.C:
			conn := t.currentConn()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

func (t *Transport) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
		return nil
	})

	for {
		var message Message
		if err := conn.ReadJSON(&message); err != nil {
			if t.closed.Load() {
				return
			}
			t.logger.Warn("Relay connection lost", zap.Error(err))
			t.reconnect()
			return
		}

		if message.Type == MessageTypePing {
			t.Send(Message{Type: MessageTypePong, Timestamp: time.Now()})
			continue
		}

		if t.OnMessage != nil {
			t.OnMessage(message)
		}
	}
}

// reconnect retries with bounded exponential backoff. On success a fresh read
// pump takes over; on exhaustion the transport reports ErrRelayUnavailable
// and stays down until Close.
func (t *Transport) reconnect() {
	// Drop the dead connection first so the write pump holds messages
	// instead of failing them against it.
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	delay := t.cfg.ReconnectInitialDelay

	for attempt := 1; attempt <= t.cfg.ReconnectMaxAttempts; attempt++ {
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(delay):
		}

		metrics.ReconnectsTotal.Inc()
		conn, err := t.dial(t.ctx)
		if err == nil {
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()

			t.logger.Info("Reconnected to relay", zap.Int("attempt", attempt))
			if t.OnReconnected != nil {
				t.OnReconnected()
			}
			go t.readPump(conn)
			return
		}

		t.logger.Warn("Reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		delay *= 2
		if delay > t.cfg.ReconnectMaxDelay {
			delay = t.cfg.ReconnectMaxDelay
		}
	}

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()

	if t.OnDown != nil {
		t.OnDown(ErrRelayUnavailable)
	}
}

func (t *Transport) currentConn() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// awaitConn returns the live connection, waiting out a reconnect in progress.
// It returns nil only when the transport shuts down.
func (t *Transport) awaitConn() *websocket.Conn {
	for {
		if conn := t.currentConn(); conn != nil {
			return conn
		}
		select {
		case <-t.ctx.Done():
			return nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Close tears the transport down. Safe to call more than once.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	return nil
}

package client

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AScozzari/cashflow-realtime/internal/protocol"
)

// Manager maintains a single best-effort persistent connection to the
// realtime endpoint, reconnecting transparently on failure.
type Manager interface {
	// Connect opens the transport unless an attempt is already in
	// flight or the connection is open. It returns immediately;
	// failures surface only through emitted events.
	Connect()

	// Disconnect cancels any pending reconnect, stops the heartbeat,
	// and closes the transport with a normal-closure code. Idempotent.
	// The manager stays idle until Connect is called again.
	Disconnect()

	// Send writes payload as a text frame. Non-string payloads are
	// JSON-encoded. It returns false, without performing I/O, when the
	// connection is not open; there is no implicit queueing.
	Send(payload any) bool

	// On registers a listener for an event. Delivery follows
	// registration order.
	On(event Event, l Listener)

	// Off removes a previously registered listener by identity.
	Off(event Event, l Listener)

	// IsConnected reports whether the transport is open.
	IsConnected() bool

	// State returns the current connection state.
	State() State
}

// manager implements the Manager interface.
type manager struct {
	cfg    Config
	logger *slog.Logger

	// Connection state. gen invalidates goroutines and timers from
	// earlier connection attempts.
	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	retryCount     int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	gen            int

	// Write serialization
	writeMu sync.Mutex

	// Listener registry
	listenerMu sync.Mutex
	listeners  map[Event][]Listener
}

// New creates a connection Manager.
func New(cfg Config, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &manager{
		cfg:       cfg,
		logger:    logger,
		state:     StateIdle,
		listeners: make(map[Event][]Listener),
	}
}

// Connect starts a connection attempt.
func (m *manager) Connect() {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.state == StateFailed {
		// An explicit call after an exhausted cycle starts a fresh budget.
		m.retryCount = 0
	}
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.dial(gen)
}

// Disconnect tears the manager down to idle.
func (m *manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	conn := m.conn
	m.conn = nil
	wasOpen := m.state == StateOpen
	m.state = StateIdle
	m.retryCount = 0
	m.mu.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
	if wasOpen {
		m.emit(Notice{Event: EventDisconnected})
	}
}

// Send writes a payload if the connection is open.
func (m *manager) Send(payload any) bool {
	m.mu.Lock()
	if m.state != StateOpen || m.conn == nil {
		m.mu.Unlock()
		return false
	}
	conn := m.conn
	m.mu.Unlock()

	data, err := encodePayload(payload)
	if err != nil {
		m.logger.Warn("cannot encode payload", "error", err)
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

// On registers a listener.
func (m *manager) On(event Event, l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners[event] = append(m.listeners[event], l)
}

// Off removes the first registered listener equal to l.
func (m *manager) Off(event Event, l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	ls := m.listeners[event]
	for i, cur := range ls {
		if cur == l {
			m.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// IsConnected reports whether the transport is open.
func (m *manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen
}

// State returns the current state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// dial performs one connection attempt for generation gen.
func (m *manager) dial(gen int) {
	dialer := websocket.Dialer{
		HandshakeTimeout: m.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.Dial(m.cfg.URL, nil)

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect raced the dial; discard the result.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.teardown(gen, err)
		return
	}

	m.conn = conn
	m.state = StateOpen
	m.retryCount = 0
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()

	m.logger.Debug("websocket connected", "url", m.cfg.URL)
	m.emit(Notice{Event: EventConnected})

	go m.readLoop(conn, gen)
	go m.heartbeatLoop(conn, stop)
}

// readLoop reads until the transport fails, forwarding application
// messages to listeners. Heartbeat responses are protocol noise and
// never reach message listeners.
func (m *manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.teardown(gen, err)
			return
		}
		if string(data) == protocol.PongToken {
			continue
		}
		m.emit(Notice{Event: EventMessage, Data: data})
	}
}

// heartbeatLoop sends the liveness token while the connection is open.
func (m *manager) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.PingToken))
			m.writeMu.Unlock()
			if err != nil {
				m.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

// teardown handles loss of the transport for generation gen (dial
// failure or read error) and either schedules a retry or reports an
// exhausted budget.
func (m *manager) teardown(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}

	exhausted := m.retryCount >= m.cfg.MaxRetries
	if exhausted {
		m.state = StateFailed
	} else {
		m.state = StateRetrying
		delay := m.backoffDelay(m.retryCount)
		m.reconnectTimer = time.AfterFunc(delay, m.retryFire)
		m.logger.Debug("reconnect scheduled",
			"attempt", m.retryCount+1,
			"delay", delay,
		)
	}
	m.mu.Unlock()

	if cause != nil {
		m.emit(Notice{Event: EventError, Err: cause})
	}
	m.emit(Notice{Event: EventDisconnected})
	if exhausted {
		m.logger.Warn("reconnect budget exhausted", "max_retries", m.cfg.MaxRetries)
		m.emit(Notice{Event: EventMaxRetriesReached})
	}
}

// retryFire runs when the backoff timer elapses.
func (m *manager) retryFire() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.state != StateRetrying {
		m.mu.Unlock()
		return
	}
	m.retryCount++
	m.mu.Unlock()

	m.Connect()
}

// backoffDelay computes min(base * 2^retry, max).
func (m *manager) backoffDelay(retry int) time.Duration {
	base := m.cfg.ReconnectBaseDelay
	max := m.cfg.ReconnectMaxDelay
	if retry >= 62 {
		return max
	}
	d := base << uint(retry)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// emit delivers a notice to listeners registered for its event.
func (m *manager) emit(n Notice) {
	m.listenerMu.Lock()
	ls := append([]Listener(nil), m.listeners[n.Event]...)
	m.listenerMu.Unlock()

	for _, l := range ls {
		l.Notify(n)
	}
}

// encodePayload serializes a payload for a text frame.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

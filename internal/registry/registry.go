package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AScozzari/cashflow-realtime/internal/protocol"
)

// Registry accepts inbound connections, maintains the authoritative
// set of live sessions, evicts dead ones, and provides send primitives
// to publishers.
type Registry struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// Connection set; all mutation is serialized through mu.
	mu     sync.RWMutex
	conns  map[uuid.UUID]*Connection
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Registry. Call Start to begin the liveness sweep.
func New(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Transport authentication and origin policy are enforced
			// upstream at connection-accept time.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[uuid.UUID]*Connection),
		done:  make(chan struct{}),
	}
}

// Start launches the periodic liveness sweep.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.sweepLoop(ctx)

	r.logger.Info("registry started",
		"path", r.cfg.Path,
		"sweep_interval", r.cfg.SweepInterval,
	)
}

// Handler returns the HTTP handler exposing the upgrade path and the
// diagnostic path.
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(r.cfg.Path, r.handleUpgrade)
	mux.HandleFunc(r.cfg.HealthPath, r.handleHealthProbe)
	return mux
}

// Count returns the current registry size.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast sends a notification envelope to every authenticated
// connection and reports how many received it. Unauthenticated
// connections are skipped: only identified clients get push
// notifications.
func (r *Registry) Broadcast(payload any) int {
	data, err := encodeNotification(payload)
	if err != nil {
		r.logger.Warn("cannot encode notification", "error", err)
		return 0
	}

	sent := 0
	for _, c := range r.snapshot() {
		if !c.authenticated() {
			continue
		}
		if err := c.send(data); err != nil {
			r.logger.Debug("broadcast send failed", "conn_id", c.id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// SendToUser sends a notification envelope to every connection bound
// to userID (a user may hold several live sessions) and reports how
// many received it.
func (r *Registry) SendToUser(userID string, payload any) int {
	data, err := encodeNotification(payload)
	if err != nil {
		r.logger.Warn("cannot encode notification", "error", err)
		return 0
	}

	sent := 0
	for _, c := range r.snapshot() {
		if c.UserID() != userID {
			continue
		}
		if err := c.send(data); err != nil {
			r.logger.Debug("targeted send failed", "conn_id", c.id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Shutdown stops the sweep, closes every tracked connection with a
// normal-closure code, and waits for connection goroutines to finish.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[uuid.UUID]*Connection)
	r.mu.Unlock()

	close(r.done)
	for _, c := range conns {
		c.closeNormal()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("registry stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("registry shutdown timed out")
		return ctx.Err()
	}
}

// handleUpgrade registers a new connection and starts its read loop.
func (r *Registry) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	c := newConnection(ws, r.cfg.WriteTimeout)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("rejecting connection", "remote", req.RemoteAddr, "error", ErrShutdown)
		c.closeNormal()
		return
	}
	r.conns[c.id] = c
	count := len(r.conns)
	r.mu.Unlock()

	// Any liveness response from the peer flips the flag back on;
	// the next sweep observes it.
	ws.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		c.markAlive()
		return ws.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(r.cfg.WriteTimeout),
		)
	})

	r.logger.Debug("connection accepted",
		"conn_id", c.id,
		"remote", req.RemoteAddr,
		"count", count,
	)

	if data, err := json.Marshal(protocol.NewConnected(count)); err == nil {
		if err := c.send(data); err != nil {
			r.logger.Debug("connected ack failed", "conn_id", c.id, "error", err)
		}
	}

	r.wg.Add(1)
	go r.readLoop(c)
}

// handleHealthProbe accepts the upgrade and immediately closes with a
// normal-closure code, for external connectivity checks.
func (r *Registry) handleHealthProbe(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(r.cfg.WriteTimeout),
	)
	ws.Close()
}

// readLoop consumes inbound frames until the transport fails or closes.
func (r *Registry) readLoop(c *Connection) {
	defer r.wg.Done()
	defer r.remove(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
			) {
				r.logger.Debug("connection error", "conn_id", c.id, "error", err)
			}
			return
		}
		r.handleMessage(c, data)
	}
}

// handleMessage dispatches one inbound frame. The literal ping token is
// answered directly and never reaches structured dispatch. Malformed
// and unrecognized messages are logged and dropped; the connection
// stays open.
func (r *Registry) handleMessage(c *Connection, data []byte) {
	if string(data) == protocol.PingToken {
		if err := c.send([]byte(protocol.PongToken)); err != nil {
			r.logger.Debug("pong send failed", "conn_id", c.id, "error", err)
		}
		return
	}

	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		r.logger.Warn("dropping message", "conn_id", c.id, "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Auth:
		c.bind(m.UserID, m.SessionID)
		r.reply(c, protocol.NewAuthSuccess(m.UserID))
		r.logger.Info("connection authenticated",
			"conn_id", c.id,
			"user_id", m.UserID,
		)
	case protocol.Subscribe:
		// Channel filtering is delegated to publishers; the registry
		// only acknowledges.
		r.reply(c, protocol.NewSubscribed(m.Channel))
	case protocol.Unsubscribe:
		r.reply(c, protocol.NewUnsubscribed(m.Channel))
	}
}

// reply marshals and sends an acknowledgment envelope.
func (r *Registry) reply(c *Connection, env any) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.send(data); err != nil {
		r.logger.Debug("reply send failed", "conn_id", c.id, "error", err)
	}
}

// remove drops a connection from the registry and closes its transport.
func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	_, tracked := r.conns[c.id]
	if tracked {
		delete(r.conns, c.id)
	}
	count := len(r.conns)
	r.mu.Unlock()

	c.terminate()

	if tracked {
		r.logger.Debug("connection removed", "conn_id", c.id, "count", count)
	}
}

// sweepLoop runs the periodic liveness sweep.
func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep evicts connections whose previous probe went unanswered, then
// marks and probes the rest. A dead peer survives at most two sweeps.
func (r *Registry) sweep() {
	for _, c := range r.snapshot() {
		if !c.sweepMark() {
			r.logger.Info("evicting dead connection",
				"conn_id", c.id,
				"user_id", c.UserID(),
			)
			r.remove(c)
			continue
		}
		if err := c.ping(); err != nil {
			r.logger.Debug("liveness probe failed", "conn_id", c.id, "error", err)
		}
	}
}

// snapshot copies the connection set so iteration never holds the lock
// across sends.
func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// encodeNotification wraps a payload in the notification envelope.
func encodeNotification(payload any) ([]byte, error) {
	env, err := protocol.NewNotification(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection is one accepted transport session. The Registry
// exclusively owns the set of live Connections; a reference must not
// be held past removal.
type Connection struct {
	id uuid.UUID
	ws *websocket.Conn

	writeTimeout time.Duration

	// Identity and liveness
	mu        sync.Mutex
	alive     bool
	userID    string
	sessionID string

	// Write serialization
	writeMu sync.Mutex
}

func newConnection(ws *websocket.Conn, writeTimeout time.Duration) *Connection {
	return &Connection{
		id:           uuid.New(),
		ws:           ws,
		writeTimeout: writeTimeout,
		alive:        true,
	}
}

// ID returns the opaque connection handle.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// UserID returns the bound user identifier, empty until authenticated.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SessionID returns the bound session identifier, if any.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) bind(userID, sessionID string) {
	c.mu.Lock()
	c.userID = userID
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Connection) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID != ""
}

// markAlive records an accepted liveness response from the peer.
func (c *Connection) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// sweepMark clears the liveness flag and reports its previous value.
// A false return means the previous sweep's probe went unanswered.
func (c *Connection) sweepMark() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

// send writes a text frame, serialized against concurrent writers.
func (c *Connection) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ping sends a transport-level liveness probe.
func (c *Connection) ping() error {
	return c.ws.WriteControl(
		websocket.PingMessage,
		nil,
		time.Now().Add(c.writeTimeout),
	)
}

// closeNormal sends a normal-closure frame and closes the transport.
func (c *Connection) closeNormal() {
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout),
	)
	c.ws.Close()
}

// terminate closes the transport without the closing handshake.
func (c *Connection) terminate() {
	c.ws.Close()
}

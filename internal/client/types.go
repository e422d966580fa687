package client

import "time"

// Event identifies a class of connection lifecycle notifications.
type Event string

const (
	EventConnected         Event = "connected"
	EventDisconnected      Event = "disconnected"
	EventMessage           Event = "message"
	EventError             Event = "error"
	EventMaxRetriesReached Event = "maxRetriesReached"
)

// Notice carries one event delivery to a Listener.
type Notice struct {
	Event Event
	Data  []byte // message payload (EventMessage only)
	Err   error  // transport error (EventError only)
}

// Listener receives connection events. Listeners registered for the
// same event are notified in registration order. Off removes by
// identity, so implementations must be comparable (register a pointer).
type Listener interface {
	Notify(Notice)
}

// State of the manager's single logical connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateRetrying
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a Manager.
type Config struct {
	URL                string        // WebSocket URL (e.g., wss://host/ws)
	MaxRetries         int           // Automatic reconnect attempts before giving up
	ReconnectBaseDelay time.Duration // Backoff base delay
	ReconnectMaxDelay  time.Duration // Backoff ceiling
	HeartbeatInterval  time.Duration // Interval between heartbeat tokens
	HandshakeTimeout   time.Duration // Dial handshake timeout
	WriteTimeout       time.Duration // Write deadline for sends
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         5,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       5 * time.Second,
	}
}

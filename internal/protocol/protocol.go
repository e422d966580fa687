package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Text-level liveness tokens. These travel as ordinary text frames and
// are independent of WebSocket ping/pong control frames.
const (
	PingToken = "ping"
	PongToken = "pong"
)

// Inbound envelope type tags.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Outbound envelope type tags.
const (
	TypeConnected    = "connected"
	TypeAuthSuccess  = "auth_success"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeNotification = "notification"
)

// ErrUnknownType is returned by DecodeInbound for a well-formed
// envelope whose type tag is not recognized.
var ErrUnknownType = errors.New("unknown message type")

// Inbound is the sum of all structured messages a client may send.
type Inbound interface {
	inbound()
}

// Auth binds an authenticated user to the connection.
type Auth struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// Subscribe requests delivery for a named channel.
type Subscribe struct {
	Channel string `json:"channel"`
}

// Unsubscribe revokes a previous Subscribe.
type Unsubscribe struct {
	Channel string `json:"channel"`
}

func (Auth) inbound()        {}
func (Subscribe) inbound()   {}
func (Unsubscribe) inbound() {}

// DecodeInbound parses a structured client message. It returns a wrapped
// json error for non-parseable data and ErrUnknownType for unrecognized
// type tags; callers log and drop both without closing the connection.
func DecodeInbound(data []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	switch head.Type {
	case TypeAuth:
		var m Auth
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse auth: %w", err)
		}
		return m, nil
	case TypeSubscribe:
		var m Subscribe
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse subscribe: %w", err)
		}
		return m, nil
	case TypeUnsubscribe:
		var m Unsubscribe
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse unsubscribe: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

// Connected is the acknowledgment sent once per accepted connection.
type Connected struct {
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp"`
	ClientCount int    `json:"clientCount"`
}

// NewConnected builds the accept acknowledgment for the given registry size.
func NewConnected(clientCount int) Connected {
	return Connected{
		Type:        TypeConnected,
		Timestamp:   Timestamp(),
		ClientCount: clientCount,
	}
}

// AuthSuccess acknowledges a successful auth message.
type AuthSuccess struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// NewAuthSuccess builds the auth acknowledgment.
func NewAuthSuccess(userID string) AuthSuccess {
	return AuthSuccess{Type: TypeAuthSuccess, UserID: userID}
}

// Subscribed acknowledges a subscribe message.
type Subscribed struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// NewSubscribed builds the subscribe acknowledgment.
func NewSubscribed(channel string) Subscribed {
	return Subscribed{Type: TypeSubscribed, Channel: channel}
}

// Unsubscribed acknowledges an unsubscribe message.
type Unsubscribed struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// NewUnsubscribed builds the unsubscribe acknowledgment.
func NewUnsubscribed(channel string) Unsubscribed {
	return Unsubscribed{Type: TypeUnsubscribed, Channel: channel}
}

// Notification is the server-initiated push envelope.
type Notification struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// NewNotification wraps an arbitrary payload in a notification envelope.
func NewNotification(payload any) (Notification, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Notification{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Notification{
		Type:      TypeNotification,
		Data:      data,
		Timestamp: Timestamp(),
	}, nil
}

// Timestamp returns the envelope timestamp format (RFC3339, UTC).
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

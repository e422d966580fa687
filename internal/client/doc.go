// Package client implements the client-side Connection Manager.
//
// The Manager:
//   - Maintains one best-effort persistent WebSocket connection
//   - Reconnects with capped exponential backoff, up to MaxRetries
//   - Emits a fixed heartbeat token while the connection is open
//   - Surfaces lifecycle changes through registered event listeners
//
// The client never enforces a response timeout for its own heartbeat;
// dead connections are detected by the server's liveness sweep, and on
// the client side the transport's own close/error path is taken as
// sufficient evidence of failure.
package client

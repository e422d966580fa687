// Package protocol defines the wire format shared by the realtime
// client and server: the text-level ping/pong liveness tokens and the
// JSON envelopes exchanged over the WebSocket.
//
// Inbound messages decode into a sealed sum type (Inbound) so every
// dispatch site handles the unrecognized-tag case explicitly.
package protocol

// Package registry implements the server-side Connection Registry.
//
// The Registry:
//   - Accepts inbound WebSocket upgrades and tracks every session
//   - Detects silently-dead peers with a two-phase mark/probe sweep
//   - Offers broadcast and per-user send primitives to publishers
//   - Answers the text-level ping token without touching dispatch
//
// Broadcast delivery is restricted to connections that have completed
// authentication; unauthenticated sessions are skipped by policy.
// A dead connection occupies registry resources for at most two sweep
// intervals before it is closed and removed.
package registry

// Package notifier publishes business events to connected clients
// through the registry and keeps a best-effort audit trail of
// deliveries in PostgreSQL.
//
// Audit rows are batched and flushed on a timer; delivery itself is
// fire-and-forget and never waits on the database.
package notifier

// Package store provides SQLite-backed durable storage for multistore.
//
// Two tables live in one database:
//   - kv: persisted state slices, one row per persistence key
//   - actions: an append-only journal of committed actions per session
//
// # Critical Patterns
//
// Logical time only:
//   - Journal ordering uses the engine's seq, NEVER timestamps
//   - Replaying a session in seq order rebuilds the same state
//
// Deterministic query results:
//   - Journal queries order by seq ASC, id ASC COLLATE BINARY
//
// Idempotent writes:
//   - Journal IDs are content-addressed (ir.ActionID)
//   - INSERT ... ON CONFLICT DO NOTHING, so a retried append is harmless
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Payloads are stored as RFC 8785 canonical JSON (ir.MarshalCanonical).
package store

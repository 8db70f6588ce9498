// Package stores provides the persistence layer for regionctl.
//
// SQLiteStore keeps workspaces, approval records and the audit trail in a
// single SQLite database (WAL mode, embedded migrations). It also implements
// engine.StateBackend, storing per-region state blobs with a monotonically
// increasing version and leases with an expiry.
//
// S3Backend is an alternative engine.StateBackend for teams that keep state in
// an S3-compatible bucket. Version checks and lease ownership are enforced with
// conditional writes, so two orchestrator processes never overwrite each
// other's state.
//
// Both backends report conflicts as engine errors: VERSION_CONFLICT when a
// write is not based on the current version, ALREADY_LOCKED when a live lease
// exists, and INVALID_TOKEN when a renew or release uses a token that no
// longer holds the lease.
package stores

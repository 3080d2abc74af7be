// Package ledger records transaction ids that have already been delivered to
// application code and settled with the store.
//
// The ledger is append-only. Once a transaction id is recorded it is treated
// as permanently settled for the lifetime of the installation; entries are
// never reverted during normal operation (Clear exists for tests and manual
// resets only).
//
// # Failure policy
//
// Ledger failures must never break the purchase flow:
//   - HasRecordOf answers false when the ledger is disabled, the id is empty,
//     or the backend cannot be read.
//   - Record logs and swallows backend errors.
//
// The accepted risk is a duplicate delivery after a failed write; on the next
// cold start the store re-reports the purchase, it is treated as new, and the
// application sees it again.
//
// # Backends
//
//   - SQLiteBackend: durable local file (default), WAL mode, idempotent inserts
//   - RedisBackend: shared set for multi-process deployments
//   - MemoryBackend: tests and ephemeral sessions
//
// No locking is done in Ledger itself; the engine only touches it from the
// dispatch goroutine. Backends are individually safe for concurrent use so the
// CLI can inspect a ledger while a session is running.
package ledger

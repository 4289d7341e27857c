// Package store persists workers and runs in SQLite and is the system of
// record for the worker manager.
//
// The Store manages the database connection, schema initialization, and the
// compare-and-set primitives the manager builds its state machine on:
// TransitionRun applies a mutation only when a run is still in an expected
// status, and PromoteRetry closes a retry_scheduled attempt and inserts its
// successor atomically so two sweeps can never promote the same run twice.
// The schema enforces the run invariants directly (pid only while running,
// next_retry_at only while a retry is pending, attempt never above
// max_attempts).
//
// Schema changes bump schemaVersion in schema.go; users delete the database to
// adopt the new schema.
package store

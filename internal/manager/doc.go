// Package manager is the daemon's authority over workers and their runs.
//
// A Manager admits runs for dispatched events under each worker's
// concurrency limit, spawns them through internal/runner, reaps exits into
// the run state machine (done, retry_scheduled, error, stopped, paused), and
// promotes due retries from a periodic sweep. Every mutation is persisted in
// internal/store before the calling operation returns, so the in-memory view
// (process handles, compiled filters and templates, activity loggers) can be
// rebuilt from the database after a restart via RestoreWorkers.
//
// Conflicting mutations are serialized through a keyed lock map: the worker
// lock guards admission, stop, and retry promotion; the run lock guards every
// run transition. Locks are always taken worker first, then run.
package manager

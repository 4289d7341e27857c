// Package daemon coordinates the long-running tether process.
//
// It wires configuration, the SQLite store, the worker manager, and the
// optional event sources into a single lifecycle with flock-based locking to
// prevent multiple instances. Start reconciles workers persisted by a
// previous daemon before anything new is dispatched; Stop drains attached
// workers and leaves detached ones running for the next start to adopt.
//
// Keep orchestration logic here: supervision lives in internal/manager and
// the socket protocol in internal/ipc, while the daemon focuses on startup,
// shutdown, and high level coordination.
package daemon

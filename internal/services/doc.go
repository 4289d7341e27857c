// Package services defines shared utilities consumed by the worker manager,
// the IPC layer, and the CLI.
//
// Key responsibilities:
//   - Context helpers that stamp worker IDs, run IDs, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper, and the Kind/FromKind
//     pair that carries those markers across the IPC socket so a client can
//     still use errors.Is on a failure produced inside the daemon.
//
// Use these helpers when adding new operations so failures classify the same
// way everywhere (not found vs validation vs invalid state).
package services

// Package ipc exposes the daemon over a Unix domain socket and ships the
// matching client used by the CLI.
//
// Messages are length-prefixed JSON frames: a 4-byte big-endian length
// followed by a Request or Response body. Every response echoes the request
// id and, on failure, carries the error kind from internal/services so the
// client can rebuild the sentinel marker and callers keep using errors.Is.
//
// The server handles one request at a time per connection and any number of
// connections in parallel. Reuse the DTOs in types.go when adding operations
// so the CLI and daemon stay in step.
package ipc

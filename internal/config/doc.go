// Package config loads, normalizes, and validates tether configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), and reads TOML files. The Config type centralizes every knob the
// daemon and CLI need: where state, logs, the pid file and the IPC socket
// live, the retry backoff timings, the built-in event sources, and the named
// runner templates workers can reference instead of spelling out a command.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config

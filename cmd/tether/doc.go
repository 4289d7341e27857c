// Package main hosts the tether CLI entrypoint and command graph.
//
// The Cobra command tree translates terminal invocations into IPC calls
// against the daemon: worker and run management, log paging, manual event
// emission, and daemon lifecycle control. Configuration resolution and socket
// discovery live in the command context so subcommands only render results.
//
// The hidden `daemon` command runs the daemon in the foreground; `tether start`
// launches it detached.
package main

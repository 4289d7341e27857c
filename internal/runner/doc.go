// Package runner owns the OS process behind a single run.
//
// Spawn starts the command in its own process group with stdout and stderr
// interleaved into one log file per run, then hands back a Handle whose
// reaper goroutine is the only owner of the process wait. Callers observe the
// exit through TryWait, Wait, or Done, and terminate it with Kill (blocking)
// or StartKill (fire and forget, SIGTERM then SIGKILL after the grace period).
package runner

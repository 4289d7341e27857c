package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"tether/internal/services"
)

// DefaultKillGrace is used when Spec.KillGrace is zero.
const DefaultKillGrace = 3 * time.Second

// Spec describes one process to launch for a run.
type Spec struct {
	RunID     string
	Command   string
	Args      []string
	Dir       string
	Env       map[string]string
	KillGrace time.Duration
}

// SpawnError reports a process that could not be started.
type SpawnError struct {
	Command string
	Args    []string
	Err     error
}

func (e *SpawnError) Error() string {
	cmdline := strings.TrimSpace(strings.Join(append([]string{e.Command}, e.Args...), " "))
	return fmt.Sprintf("spawn %q: %v", cmdline, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{services.ErrSpawn, e.Err}
}

// Handle owns the OS process of a single run. A reaper goroutine started by
// Spawn is the only caller of cmd.Wait; everything else observes done.
type Handle struct {
	runID   string
	pid     int
	logPath string
	grace   time.Duration

	cmd      *exec.Cmd
	done     chan struct{}
	exit     Exit
	killOnce sync.Once
	killed   atomic.Bool
}

// LogPath returns the log file location for runID under logDir.
func LogPath(logDir, runID string) string {
	return filepath.Join(logDir, runID+".log")
}

// Spawn creates logDir if needed, truncates the run's log file, and starts the
// command in its own process group with stdout and stderr both attached to
// that file.
func Spawn(spec Spec, logDir string) (*Handle, error) {
	if strings.TrimSpace(spec.RunID) == "" {
		return nil, services.Wrap(services.ErrValidation, "runner", "spawn", "run id is required", nil)
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, &SpawnError{Command: spec.Command, Args: spec.Args, Err: errors.New("empty command")}
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrIO, "runner", "spawn", "create log directory", err)
	}
	logPath := LogPath(logDir, spec.RunID)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, services.Wrap(services.ErrIO, "runner", "spawn", "open run log", err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec.Env)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := cmd.Start()
	// the child holds its own copy of the descriptor
	_ = logFile.Close()
	if startErr != nil {
		return nil, &SpawnError{Command: spec.Command, Args: spec.Args, Err: startErr}
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil, services.Wrap(services.ErrConflict, "runner", "spawn", "process started without a pid", nil)
	}

	grace := spec.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	h := &Handle{
		runID:   spec.RunID,
		pid:     cmd.Process.Pid,
		logPath: logPath,
		grace:   grace,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	exit := exitFromWait(h.cmd.ProcessState, err)
	exit.Killed = h.killed.Load()
	h.exit = exit
	close(h.done)
}

// RunID returns the run this process belongs to.
func (h *Handle) RunID() string { return h.runID }

// PID returns the OS process id (also the process group id).
func (h *Handle) PID() int { return h.pid }

// LogPath returns the combined output file.
func (h *Handle) LogPath() string { return h.logPath }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// TryWait reports the exit status without blocking. ok is false while the
// process is still running.
func (h *Handle) TryWait() (Exit, bool) {
	select {
	case <-h.done:
		return h.exit, true
	default:
		return Exit{}, false
	}
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Exit, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-h.done:
		return h.exit, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// StartKill begins termination without waiting: SIGTERM to the process group,
// then SIGKILL once the grace period passes.
func (h *Handle) StartKill() {
	h.killOnce.Do(func() {
		h.killed.Store(true)
		go h.terminate()
	})
}

// Kill terminates the process group and waits for the reaper to observe the exit.
func (h *Handle) Kill(ctx context.Context) (Exit, error) {
	h.StartKill()
	return h.Wait(ctx)
}

func (h *Handle) terminate() {
	select {
	case <-h.done:
		return
	default:
	}
	if err := unix.Kill(-h.pid, unix.SIGTERM); err != nil {
		_ = h.cmd.Process.Kill()
	}
	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		_ = unix.Kill(-h.pid, unix.SIGKILL)
	}
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// TerminatePID stops a process group that has no Handle, such as a run
// adopted after a daemon restart. It sends SIGTERM, polls for exit, and sends
// SIGKILL once grace passes. It returns once the process is gone or ctx ends.
func TerminatePID(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 || !ProcessAlive(pid) {
		return nil
	}
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = unix.Kill(pid, unix.SIGTERM)
	}
	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	killed := false
	for ProcessAlive(pid) {
		if !killed && time.Now().After(deadline) {
			_ = unix.Kill(-pid, unix.SIGKILL)
			_ = unix.Kill(pid, unix.SIGKILL)
			killed = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"tether/internal/config"
	"tether/internal/daemon"
	"tether/internal/ipc"
	"tether/internal/preflight"
	"tether/internal/runner"
	"tether/internal/store"
)

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	SocketPath string
	ConfigPath string
	LogLevel   string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
	Version  string
}

// Launch starts a detached tether daemon process in its own session so it
// outlives the invoking shell.
func Launch(executablePath string, opts LaunchOptions) error {
	if strings.TrimSpace(executablePath) == "" {
		return fmt.Errorf("resolve executable: executable path is empty")
	}

	args := []string{"daemon"}
	if socket := strings.TrimSpace(opts.SocketPath); socket != "" {
		args = append(args, "--socket", socket)
	}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		args = append(args, "--log-level", level)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch daemon: %w", err)
	}
	return proc.Process.Release()
}

// WaitForClient waits for IPC socket availability and returns a connected client.
func WaitForClient(socketPath string, timeout time.Duration) (*ipc.Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err == nil {
			if _, err = client.Ping(); err == nil {
				return client, nil
			}
			_ = client.Close()
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless one already answers on socketPath.
func EnsureStarted(socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client, err := ipc.Dial(socketPath)
	launched := false
	if err != nil {
		if launchErr := Launch(executablePath, opts); launchErr != nil {
			return StartResult{}, launchErr
		}
		client, err = WaitForClient(socketPath, waitTimeout)
		if err != nil {
			return StartResult{}, err
		}
		launched = true
	}
	defer client.Close()

	result := StartResult{State: StartStateAlreadyRunning, Launched: launched}
	if launched {
		result.State = StartStateStarted
	}
	status, err := client.Status()
	if err != nil {
		return result, err
	}
	result.PID = status.PID
	result.Version = status.Version
	return result, nil
}

// WaitForShutdown waits for daemon IPC to disappear.
func WaitForShutdown(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err != nil {
			if isDaemonUnavailable(err) {
				return nil
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}
		_, pingErr := client.Ping()
		_ = client.Close()
		if pingErr != nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not stop within %s", timeout)
}

// ProcessInfo returns whether daemon IPC is reachable and the daemon PID when available.
func ProcessInfo(socketPath string) (bool, int, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	defer client.Close()
	status, statusErr := client.Status()
	if statusErr != nil {
		return true, 0, statusErr
	}
	return true, status.PID, nil
}

// ForceKillProcess terminates the daemon process group and cleans up the pid
// file and socket it left behind.
func ForceKillProcess(cfg *config.Config, fallbackPID int, grace time.Duration) (int, error) {
	pid := daemon.ReadPIDFile(cfg.PIDPath())
	if pid <= 0 {
		pid = fallbackPID
	}
	if pid <= 0 {
		return 0, fmt.Errorf("unable to determine daemon pid (pid file: %s)", cfg.PIDPath())
	}
	if pid == os.Getpid() {
		return 0, fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace+2*time.Second)
	defer cancel()
	if err := runner.TerminatePID(ctx, pid, grace); err != nil {
		return 0, fmt.Errorf("kill daemon process %d: %w", pid, err)
	}
	if err := os.Remove(cfg.PIDPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove pid file %q: %w", cfg.PIDPath(), err)
	}
	_ = os.Remove(cfg.SocketPath())
	return pid, nil
}

// ErrDaemonNotRunning indicates daemon IPC is unavailable.
var ErrDaemonNotRunning = errors.New("daemon not running")

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	ForcedKill       bool
	PID              int
}

// RestartResult captures stop/start outcomes for daemon restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// StopAndTerminate requests a graceful shutdown and kills the daemon if it
// is still answering after gracePeriod.
func StopAndTerminate(socketPath string, cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, err
	}
	pid := 0
	if status, statusErr := client.Status(); statusErr == nil {
		pid = status.PID
	}
	resp, err := client.Shutdown()
	_ = client.Close()
	if err != nil {
		return StopResult{}, err
	}
	result := StopResult{PID: pid, StopAcknowledged: resp.Ack == ipc.ShutdownAck}

	if err := WaitForShutdown(socketPath, gracePeriod); err == nil {
		return result, nil
	}
	alive, livePID, aliveErr := ProcessInfo(socketPath)
	if aliveErr != nil || !alive {
		return result, nil
	}
	if livePID == 0 {
		livePID = pid
	}
	killedPID, killErr := ForceKillProcess(cfg, livePID, cfg.KillGrace())
	if killErr != nil {
		return result, fmt.Errorf("failed to stop daemon process: %w", killErr)
	}
	result.ForcedKill = true
	result.PID = killedPID
	return result, nil
}

// Restart stops the daemon if running, then ensures it is started.
func Restart(socketPath string, cfg *config.Config, executablePath string, opts LaunchOptions, stopGracePeriod, startWaitTimeout time.Duration) (RestartResult, error) {
	stopResult, stopErr := StopAndTerminate(socketPath, cfg, stopGracePeriod)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}

	startResult, err := EnsureStarted(socketPath, executablePath, opts, startWaitTimeout)
	if err != nil {
		return RestartResult{}, err
	}

	return RestartResult{
		WasRunning: stopErr == nil,
		Stop:       stopResult,
		Start:      startResult,
	}, nil
}

// StatusLine is one row of the human status view.
type StatusLine struct {
	Label    string `json:"label"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Snapshot is the daemon status plus derived checks.
type Snapshot struct {
	Status ipc.StatusResponse `json:"status"`
	Checks []StatusLine       `json:"checks"`
}

// BuildStatusSnapshot asks the daemon for its status. When the daemon is not
// reachable the worker and run counts are read from the state database.
func BuildStatusSnapshot(ctx context.Context, socketPath string, cfg *config.Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	snapshot := &Snapshot{}
	snapshot.Status.SocketPath = socketPath
	snapshot.Status.DatabasePath = cfg.DatabasePath()
	snapshot.Status.LockPath = cfg.LockPath()
	snapshot.Status.LogPath = cfg.DaemonLogPath()

	client, err := ipc.Dial(socketPath)
	if err == nil {
		defer client.Close()
		if resp, statusErr := client.Status(); statusErr == nil && resp != nil {
			snapshot.Status = *resp
		}
	}

	if !snapshot.Status.Running {
		if err := fillOfflineCounts(ctx, cfg, &snapshot.Status); err != nil {
			snapshot.Status.Error = err.Error()
		}
	}
	snapshot.Checks = BuildSystemChecks(cfg, snapshot.Status)
	return snapshot, nil
}

func fillOfflineCounts(ctx context.Context, cfg *config.Config, status *ipc.StatusResponse) error {
	if _, err := os.Stat(cfg.DatabasePath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	st, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	workers, err := st.WorkerCounts(queryCtx)
	if err != nil {
		return err
	}
	runs, err := st.Stats(queryCtx)
	if err != nil {
		return err
	}
	status.Summary.Workers = workers
	status.Summary.Runs = runs
	status.Summary.DatabasePath = st.Path()
	return nil
}

// BuildSystemChecks resolves status lines that combine runtime state and config checks.
func BuildSystemChecks(cfg *config.Config, status ipc.StatusResponse) []StatusLine {
	lines := make([]StatusLine, 0, 5)
	if status.Running {
		lines = append(lines, StatusLine{Label: "Tether", Severity: "ok", Detail: fmt.Sprintf("Running (pid %d, %s)", status.PID, status.Version)})
	} else {
		lines = append(lines, StatusLine{Label: "Tether", Severity: "warn", Detail: "Not running (run `tether start`)"})
	}

	workers := status.Summary.Workers[store.WorkerRunning]
	switch {
	case workers > 0:
		lines = append(lines, StatusLine{Label: "Workers", Severity: "ok", Detail: fmt.Sprintf("%d running", workers)})
	default:
		lines = append(lines, StatusLine{Label: "Workers", Severity: "info", Detail: "None running"})
	}
	if failed := status.Summary.Workers[store.WorkerError]; failed > 0 {
		lines = append(lines, StatusLine{Label: "Worker Errors", Severity: "warn", Detail: fmt.Sprintf("%d in error", failed)})
	}

	names := cfg.RunnerNames()
	if len(names) > 0 {
		lines = append(lines, StatusLine{Label: "Runners", Severity: "ok", Detail: strings.Join(names, ", ")})
	} else {
		lines = append(lines, StatusLine{Label: "Runners", Severity: "info", Detail: "None configured"})
	}

	lines = append(lines, eventSourceLine("Inbox", "inbox", cfg.Events.InboxEnabled, status))
	lines = append(lines, eventSourceLine("Device Events", "udev", cfg.Events.UdevEnabled, status))
	return append(lines, preflightLines(preflight.RunAll(cfg))...)
}

// preflightLines collapses passing checks into one line and reports each
// failure separately.
func preflightLines(results []preflight.Result) []StatusLine {
	failed := preflight.Failed(results)
	if len(failed) == 0 {
		return []StatusLine{{Label: "Preflight", Severity: "ok", Detail: fmt.Sprintf("%d checks passed", len(results))}}
	}
	lines := make([]StatusLine, 0, len(failed))
	for _, r := range failed {
		lines = append(lines, StatusLine{Label: r.Name, Severity: "error", Detail: r.Detail})
	}
	return lines
}

func eventSourceLine(label, name string, enabled bool, status ipc.StatusResponse) StatusLine {
	if !enabled {
		return StatusLine{Label: label, Severity: "info", Detail: "Disabled"}
	}
	if !status.Running {
		return StatusLine{Label: label, Severity: "info", Detail: "Inactive (daemon not running)"}
	}
	for _, src := range status.EventSources {
		if src == name {
			return StatusLine{Label: label, Severity: "ok", Detail: "Active"}
		}
	}
	return StatusLine{Label: label, Severity: "warn", Detail: "Enabled but not running"}
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

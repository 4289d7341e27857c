package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tether/internal/config"
	"tether/internal/daemon"
	"tether/internal/ipc"
	"tether/internal/logging"
	"tether/internal/preflight"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the tether daemon runtime loop and blocks until a signal or an
// IPC shutdown request ends it.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := strings.TrimSpace(opts.LogLevel)
	if level == "" {
		level = cfg.Logging.Level
	}
	logPath := cfg.DaemonLogPath()
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.Int("pid", os.Getpid()))

	logger.Info("tether daemon starting",
		logging.String("state", "starting"),
		logging.String("version", daemon.Version),
		logging.String(logging.FieldEventType, "daemon_starting"),
		logging.String("socket", cfg.SocketPath()),
	)
	removed := logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "*.log", Exclude: []string{logPath}},
		logging.RetentionTarget{Dir: cfg.RunLogDir(), Pattern: "*.log"},
	)
	if removed > 0 {
		logger.Debug("pruned old logs", logging.Int("removed", removed))
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another running daemon and state directory permissions"),
		)
		return fmt.Errorf("start daemon: %w", err)
	}
	for _, r := range preflight.Failed(preflight.RunAll(cfg)) {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
		)
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "ipc bind failed", "ipc_bind_failed",
			logging.Error(err),
			logging.String("socket", cfg.SocketPath()),
			logging.String(logging.FieldErrorHint, "remove the socket file if no daemon owns it"),
		)
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(signalCtx), cfg.ShutdownTimeout())
		_ = d.Stop(stopCtx)
		stopCancel()
		return fmt.Errorf("start IPC server: %w", err)
	}
	ipcServer.Serve()
	logger.Info("tether daemon serving",
		logging.String("state", "serving"),
		logging.String(logging.FieldEventType, "daemon_serving"),
	)

	reason := "signal"
	select {
	case <-signalCtx.Done():
	case <-d.ShutdownRequested():
		reason = "ipc_shutdown"
	}

	logger.Info("tether daemon draining",
		logging.String("state", "draining"),
		logging.String("reason", reason),
		logging.String(logging.FieldEventType, "daemon_draining"),
	)
	ipcServer.Close()

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(signalCtx), cfg.ShutdownTimeout())
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		logging.WarnWithContext(logger, "daemon stop incomplete", "daemon_stop_incomplete",
			logging.Error(err),
			logging.String(logging.FieldImpact, "some runs may be reported as orphaned on next start"),
		)
	}
	logger.Info("tether daemon exited",
		logging.String("state", "exited"),
		logging.String(logging.FieldEventType, "daemon_exited"),
	)
	return nil
}

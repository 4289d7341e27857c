package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDaemon()
	c.normalizeLogging()
	if err := c.normalizeEvents(); err != nil {
		return err
	}
	c.normalizeRunners()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		c.Paths.RuntimeDir = defaultRuntimeDir
	}
	if c.Paths.RuntimeDir, err = expandPath(c.Paths.RuntimeDir); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SocketPath) != "" {
		if c.Paths.SocketPath, err = expandPath(c.Paths.SocketPath); err != nil {
			return fmt.Errorf("paths.socket_path: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeDaemon() {
	if c.Daemon.SweepIntervalMillis == 0 {
		c.Daemon.SweepIntervalMillis = defaultSweepIntervalMillis
	}
	if c.Daemon.RetryBaseMillis == 0 {
		c.Daemon.RetryBaseMillis = defaultRetryBaseMillis
	}
	if c.Daemon.RetryMaxMillis == 0 {
		c.Daemon.RetryMaxMillis = defaultRetryMaxMillis
	}
	if c.Daemon.DefaultMaxAttempts == 0 {
		c.Daemon.DefaultMaxAttempts = defaultMaxAttempts
	}
	if c.Daemon.ShutdownTimeoutSeconds == 0 {
		c.Daemon.ShutdownTimeoutSeconds = defaultShutdownTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeEvents() error {
	var err error
	if strings.TrimSpace(c.Events.InboxDir) == "" {
		c.Events.InboxDir = defaultInboxDir
	}
	if c.Events.InboxDir, err = expandPath(c.Events.InboxDir); err != nil {
		return fmt.Errorf("events.inbox_dir: %w", err)
	}
	if c.Events.InboxDebounceMillis <= 0 {
		c.Events.InboxDebounceMillis = defaultInboxDebounceMillis
	}
	subsystems := c.Events.UdevSubsystems[:0]
	for _, s := range c.Events.UdevSubsystems {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			subsystems = append(subsystems, trimmed)
		}
	}
	c.Events.UdevSubsystems = subsystems
	return nil
}

func (c *Config) normalizeRunners() {
	if c.Runners == nil {
		c.Runners = map[string]Runner{}
		return
	}
	for name, r := range c.Runners {
		r.Command = strings.TrimSpace(r.Command)
		r.On = strings.TrimSpace(r.On)
		c.Runners[name] = r
	}
}

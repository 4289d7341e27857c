package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateEvents(); err != nil {
		return err
	}
	if err := c.validateRunners(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if err := ensurePositiveMap(map[string]int{
		"daemon.sweep_interval_ms":        c.Daemon.SweepIntervalMillis,
		"daemon.retry_base_ms":            c.Daemon.RetryBaseMillis,
		"daemon.retry_max_ms":             c.Daemon.RetryMaxMillis,
		"daemon.default_max_attempts":     c.Daemon.DefaultMaxAttempts,
		"daemon.shutdown_timeout_seconds": c.Daemon.ShutdownTimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Daemon.RetryMaxMillis < c.Daemon.RetryBaseMillis {
		return errors.New("daemon.retry_max_ms must be greater than or equal to daemon.retry_base_ms")
	}
	if c.Daemon.KillGraceMillis < 0 {
		return errors.New("daemon.kill_grace_ms must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

func (c *Config) validateEvents() error {
	if c.Events.InboxEnabled && strings.TrimSpace(c.Events.InboxDir) == "" {
		return errors.New("events.inbox_dir must be set when events.inbox_enabled is true")
	}
	if c.Events.UdevEnabled && len(c.Events.UdevSubsystems) == 0 {
		return errors.New("events.udev_subsystems must include at least one subsystem when events.udev_enabled is true")
	}
	return nil
}

func (c *Config) validateRunners() error {
	for _, name := range c.RunnerNames() {
		r := c.Runners[name]
		if strings.TrimSpace(name) == "" {
			return errors.New("runners: runner name must not be empty")
		}
		if r.Command == "" {
			return fmt.Errorf("runners.%s.command must be set", name)
		}
		if r.Concurrency != nil && *r.Concurrency <= 0 {
			return fmt.Errorf("runners.%s.concurrency must be positive", name)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

package config

const (
	defaultConfigPath             = "~/.config/tether/config.toml"
	defaultStateDir               = "~/.local/share/tether"
	defaultLogDir                 = "~/.local/share/tether/logs"
	defaultRuntimeDir             = "~/.local/share/tether/run"
	defaultInboxDir               = "~/.local/share/tether/inbox"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultLogRetentionDays       = 30
	defaultSweepIntervalMillis    = 500
	defaultRetryBaseMillis        = 1000
	defaultRetryMaxMillis         = 60000
	defaultMaxAttempts            = 3
	defaultKillGraceMillis        = 3000
	defaultShutdownTimeoutSeconds = 30
	defaultInboxDebounceMillis    = 200
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:   defaultStateDir,
			LogDir:     defaultLogDir,
			RuntimeDir: defaultRuntimeDir,
		},
		Daemon: Daemon{
			SweepIntervalMillis:    defaultSweepIntervalMillis,
			RetryBaseMillis:        defaultRetryBaseMillis,
			RetryMaxMillis:         defaultRetryMaxMillis,
			DefaultMaxAttempts:     defaultMaxAttempts,
			KillGraceMillis:        defaultKillGraceMillis,
			ShutdownTimeoutSeconds: defaultShutdownTimeoutSeconds,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Events: Events{
			InboxDir:            defaultInboxDir,
			InboxDebounceMillis: defaultInboxDebounceMillis,
			UdevSubsystems:      []string{"block"},
		},
		Runners: map[string]Runner{},
	}
}

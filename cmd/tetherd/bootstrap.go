package main

import (
	"fmt"
	"strings"

	"tether/internal/config"
)

type bootstrapOptions struct {
	configPath  string
	socketPath  string
	logLevel    string
	development bool
}

// loadConfig resolves the configuration and applies command-line overrides.
func loadConfig(opts bootstrapOptions) (*config.Config, error) {
	cfg, _, _, err := config.Load(strings.TrimSpace(opts.configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if socket := strings.TrimSpace(opts.socketPath); socket != "" {
		expanded, err := config.ExpandPath(socket)
		if err != nil {
			return nil, fmt.Errorf("resolve socket path: %w", err)
		}
		cfg.Paths.SocketPath = expanded
	}
	return cfg, nil
}

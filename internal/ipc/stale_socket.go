package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"tether/internal/services"
)

const staleProbeTimeout = time.Second

// cleanStaleSocket removes a socket file left behind by a crashed daemon. A
// socket that still accepts connections belongs to a live daemon and is left
// alone; the caller gets a conflict error instead.
func cleanStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return services.Wrap(services.ErrConflict, "ipc", "listen",
			fmt.Sprintf("%s exists and is not a socket", path), nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), staleProbeTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, dialErr := dialer.DialContext(ctx, "unix", path)
	if dialErr == nil {
		_ = conn.Close()
		return services.Wrap(services.ErrConflict, "ipc", "listen",
			fmt.Sprintf("another daemon is already serving %s", path), nil)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}

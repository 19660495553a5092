// Package sdnotify speaks the systemd service notification protocol. Every
// call is a no-op when NOTIFY_SOCKET is unset.
package sdnotify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Notify sends the given "KEY=value" assignments as one datagram.
func Notify(assignments ...string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" || len(assignments) == 0 {
		return nil
	}

	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return fmt.Errorf("sdnotify: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	msg := strings.Join(assignments, "\n")
	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("sdnotify: write %q: %w", msg, err)
	}
	return nil
}

// Ready reports that startup finished, with a status line.
func Ready(status string) error {
	if status == "" {
		return Notify("READY=1")
	}
	return Notify("READY=1", "STATUS="+status)
}

// Stopping reports that graceful shutdown has begun.
func Stopping() error {
	return Notify("STOPPING=1")
}

// Reloading reports that a forced reconcile pass is in progress.
// MONOTONIC_USEC is required by Type=notify-reload.
func Reloading() error {
	return Notify("RELOADING=1", "MONOTONIC_USEC="+strconv.FormatInt(monotonicUsec(), 10))
}

// Status updates the free-form status line shown by systemctl.
func Status(format string, args ...any) error {
	return Notify("STATUS=" + fmt.Sprintf(format, args...))
}

// WatchdogInterval returns half the watchdog timeout configured by systemd,
// or 0 if the watchdog is disabled.
func WatchdogInterval() time.Duration {
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	if pid := os.Getenv("WATCHDOG_PID"); pid != "" && pid != strconv.Itoa(os.Getpid()) {
		return 0
	}
	return time.Duration(usec) * time.Microsecond / 2
}

// RunWatchdog pings the watchdog every interval until ctx is done. A ping
// is only sent while check passes, so a wedged backend gets the service
// restarted.
func RunWatchdog(ctx context.Context, interval time.Duration, logger *slog.Logger, check func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if check != nil {
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			err := check(checkCtx)
			cancel()
			if err != nil {
				logger.Warn("watchdog_check_failed",
					"error", err,
					"component", "sdnotify",
				)
				continue
			}
		}
		if err := Notify("WATCHDOG=1"); err != nil {
			logger.Warn("sd_watchdog_failed",
				"error", err,
				"component", "sdnotify",
			)
		}
	}
}

// Package systemd reports service state to the systemd manager. Every call
// is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready signals that startup finished (Type=notify units).
func Ready() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping signals the start of a graceful shutdown.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Status publishes a one-line status shown by `systemctl status`.
func Status(text string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+text)
}

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. It returns immediately when WatchdogSec is not set.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}

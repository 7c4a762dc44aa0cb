// Package systemd reports service state to the systemd manager through
// sd_notify. Every call is a no-op when the process was not started by
// systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func notify(state string) (bool, error) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		return false, fmt.Errorf("sd_notify %q: %w", state, err)
	}
	return ok, nil
}

// Ready tells systemd that startup finished (Type=notify units).
func Ready() (bool, error) { return notify(daemon.SdNotifyReady) }

func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(text string) (bool, error) { return notify("STATUS=" + text) }

func Watchdog() (bool, error) { return notify(daemon.SdNotifyWatchdog) }

// WatchdogInterval is how often Watchdog should be called: half of
// WatchdogSec, or 0 when the watchdog is off for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

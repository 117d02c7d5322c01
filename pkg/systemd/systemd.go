// Package systemd reports service state to the systemd notify socket.
// Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	enabled bool
}

func New(enabled bool) Notifier { return Notifier{enabled: enabled} }

func (n Notifier) send(state string) (bool, error) {
	if !n.enabled {
		return false, nil
	}
	return daemon.SdNotify(false, state)
}

func (n Notifier) Ready() (bool, error)    { return n.send(daemon.SdNotifyReady) }
func (n Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }
func (n Notifier) Watchdog() (bool, error) { return n.send(daemon.SdNotifyWatchdog) }

func (n Notifier) Status(s string) (bool, error) { return n.send("STATUS=" + s) }

// WatchdogInterval is half of WATCHDOG_USEC, or 0 when no watchdog is set.
func (n Notifier) WatchdogInterval() time.Duration {
	if !n.enabled {
		return 0
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

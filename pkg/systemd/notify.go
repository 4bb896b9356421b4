// Package systemd talks to the service manager: sd_notify readiness and
// watchdog messages, and unit jobs over D-Bus.
package systemd

import (
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "timerd/pkg/logx"
)

// Notifier sends sd_notify states. Without NOTIFY_SOCKET every call is a
// no-op.
type Notifier struct {
	log     logx.Logger
	enabled atomic.Bool
	send    func(unsetEnv bool, state string) (bool, error)
	pings   atomic.Uint64
}

func NewNotifier(enabled bool, log logx.Logger) *Notifier {
	n := &Notifier{log: log, send: daemon.SdNotify}
	n.enabled.Store(enabled)
	return n
}

func (n *Notifier) SetEnabled(v bool) { n.enabled.Store(v) }

func (n *Notifier) Ready() bool     { return n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() bool  { return n.notify(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() bool { return n.notify(daemon.SdNotifyReloading) }

// Watchdog pings the watchdog timer.
func (n *Notifier) Watchdog() bool {
	if n.notify(daemon.SdNotifyWatchdog) {
		n.pings.Add(1)
		return true
	}
	return false
}

// Pings returns how many watchdog pings were delivered.
func (n *Notifier) Pings() uint64 { return n.pings.Load() }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) bool { return n.notify("STATUS=" + s) }

func (n *Notifier) notify(state string) bool {
	if !n.enabled.Load() {
		return false
	}
	ok, err := n.send(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// WatchdogInterval returns the ping period: half of WATCHDOG_USEC, or 0 when
// the watchdog is off for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

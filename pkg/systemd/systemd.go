// Package systemd reports service state to systemd when pagetest runs as a
// Type=notify unit. Outside systemd every call is a no-op.
package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "pagetest/pkg/logx"
)

// Notifier sends sd_notify messages. The zero value is ready to use.
type Notifier struct {
	Log logx.Logger
}

// Ready tells systemd start-up is complete.
func (n Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

// Stopping tells systemd shutdown has begun.
func (n Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status publishes a one-line status shown by systemctl status.
func (n Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

func (n Notifier) send(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil && !n.Log.IsZero() {
		n.Log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return sent
}

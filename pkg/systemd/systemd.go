// Package systemd speaks the sd_notify protocol when the process runs as a
// Type=notify unit. Every call is a no-op outside systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state updates to the service manager.
type Notifier struct {
	// send is daemon.SdNotify; tests swap it.
	send     func(unsetEnv bool, state string) (bool, error)
	interval func(unsetEnv bool) (time.Duration, error)
}

func New() *Notifier {
	return &Notifier{send: daemon.SdNotify, interval: daemon.SdWatchdogEnabled}
}

// Ready reports READY=1. It returns false when NOTIFY_SOCKET is not set.
func (n *Notifier) Ready() (bool, error) { return n.send(false, daemon.SdNotifyReady) }

// Stopping reports STOPPING=1.
func (n *Notifier) Stopping() (bool, error) { return n.send(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) (bool, error) { return n.send(false, "STATUS="+msg) }

// Watchdog pings WATCHDOG=1 at half the configured WatchdogSec until ctx is
// done. healthy gates each ping so a wedged process gets restarted. It returns
// immediately when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context, healthy func(ctx context.Context) error) error {
	every, err := n.interval(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil {
				hctx, cancel := context.WithTimeout(ctx, every/4)
				herr := healthy(hctx)
				cancel()
				if herr != nil {
					continue
				}
			}
			if _, err := n.send(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}

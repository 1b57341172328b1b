package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "yinchabot/pkg/logx"
)

// sdNotifier reports lifecycle state to systemd. Without NOTIFY_SOCKET every
// call is a no-op.
type sdNotifier struct {
	enabled bool
	log     logx.Logger
	notify  func(state string) (bool, error)
}

func newSdNotifier(enabled bool, log logx.Logger) *sdNotifier {
	return &sdNotifier{
		enabled: enabled,
		log:     log.With(logx.String("comp", "systemd")),
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *sdNotifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdog pings at half the interval systemd asked for. It returns at once
// when the unit has no WatchdogSec.
func (n *sdNotifier) watchdog(ctx context.Context) error {
	if n == nil || !n.enabled {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

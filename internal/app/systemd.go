package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "rbs/pkg/logx"
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func sdNotify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func sdReady(log logx.Logger)     { sdNotify(log, daemon.SdNotifyReady) }
func sdReloading(log logx.Logger) { sdNotify(log, daemon.SdNotifyReloading) }
func sdStopping(log logx.Logger)  { sdNotify(log, daemon.SdNotifyStopping) }

// startSystemd reports readiness and, when WatchdogSec is set on the unit,
// pings the watchdog at half the interval while the supervisor is healthy.
func (a *App) startSystemd() {
	sdReady(a.log)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if a.Err() == nil {
					sdNotify(a.log, daemon.SdNotifyWatchdog)
				}
			}
		}
	})
}

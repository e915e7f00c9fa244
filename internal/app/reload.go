package app

import (
	"context"
	"strings"
	"time"

	"rbs/internal/config"
	logx "rbs/pkg/logx"
)

// reloadLoop applies published configs until ctx ends. Bursts are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			next = c
		}
	drain:
		for {
			select {
			case newer, ok := <-sub:
				if !ok {
					break drain
				}
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		if next == nil {
			continue
		}
		sdReloading(a.log)
		a.apply(ctx, last, next)
		sdReady(a.log)
		last = next
	}
}

// apply pushes the live-reloadable sections into running components.
// Sections that need a restart are only reported.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RestartRequired[s] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(newCfg))

	if pol, err := mapPolicy(newCfg); err != nil {
		a.log.Warn("invalid engine policy; keeping previous", logx.Err(err))
	} else {
		a.engine.Reconfigure(pol.rotation, pol.rule, pol.statsTTL, pol.translateTimeout)
	}

	if ncfg, err := mapNotifier(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	for name, spec := range jobSpecs(newCfg) {
		if err := a.sched.Reschedule(name, spec); err != nil {
			a.log.Warn("reschedule failed", logx.String("job", name), logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

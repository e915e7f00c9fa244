// Package app wires the engine to its storage, notifier, scheduler,
// operator surfaces and event sinks, and owns process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rbs/internal/config"
	"rbs/internal/engine"
	"rbs/internal/eventbus"
	"rbs/internal/mail"
	"rbs/internal/metrics"
	"rbs/internal/notifier"
	"rbs/internal/opsserver"
	"rbs/internal/publish"
	"rbs/internal/runtime/supervisor"
	"rbs/internal/schedule"
	"rbs/internal/storage"
	"rbs/internal/token"
	"rbs/internal/transport/telegram"
	logx "rbs/pkg/logx"
)

const (
	jobTick         = "rotation.tick"
	jobStatsRefresh = "stats.refresh"
	jobFlush        = "state.flush"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store   storage.Store
	engine  *engine.Engine
	notif   *notifier.Service
	breaker *mail.Breaker
	sched   *schedule.Service
	ops     *opsserver.Server
	bot     *telegram.Bot

	fwdCfg publish.ForwarderConfig
	kafka  *publish.KafkaSink
	fwd    *publish.Forwarder
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	bootLog := logx.NewConsole("INFO")

	var bot *telegram.Bot
	if tc, ok, err := mapTelegram(cfg); err != nil {
		return nil, err
	} else if ok {
		if bot, err = telegram.New(tc, bootLog); err != nil {
			return nil, err
		}
	}

	// A nil *Bot must not reach logx as a non-nil interface.
	var alerts logx.AlertSender
	if bot != nil {
		alerts = bot
	}
	logSvc, log := logx.New(mapLogging(cfg), alerts)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus, store: store, bot: bot}
	if err := a.build(cfg); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	var sender notifier.Sender = mail.LogSender{Log: a.log.With(logx.String("comp", "mail"))}
	hc, bc, webhook, err := mapMail(cfg)
	if err != nil {
		return err
	}
	if webhook {
		hs, err := mail.NewHTTPSender(hc)
		if err != nil {
			return err
		}
		bc.OnStateChange = func(_, to string) { metrics.SetBreakerState(bc.Name, to) }
		a.breaker = mail.NewBreaker(hs, bc, a.log)
		metrics.SetBreakerState(bc.Name, a.breaker.State())
		sender = a.breaker
	}

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, sender, a.log.With(logx.String("comp", "notifier")), a.bus, a.store)

	pol, err := mapPolicy(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engine.Deps{
		Store:            a.store,
		Tokens:           token.New(token.WithSize(cfg.Tokens.Bytes)),
		Rotation:         pol.rotation,
		Rule:             pol.rule,
		StatsTTL:         pol.statsTTL,
		Notifier:         a.notif,
		TranslateTimeout: pol.translateTimeout,
		Bus:              a.bus,
		Log:              a.log.With(logx.String("comp", "engine")),
	})

	a.sched, err = schedule.New(cfg.Schedule.Timezone, a.log.With(logx.String("comp", "schedule")))
	if err != nil {
		return err
	}
	timeout, err := config.ParseDurationOrDefault("schedule.job_timeout", cfg.Schedule.JobTimeout, defaultJobTimeout)
	if err != nil {
		return err
	}
	specs := jobSpecs(cfg)
	jobs := []struct {
		name string
		run  schedule.Func
	}{
		{jobTick, func(ctx context.Context) error { _, err := a.engine.Advance(ctx); return err }},
		{jobStatsRefresh, func(ctx context.Context) error { _, err := a.engine.Stats(ctx); return err }},
		{jobFlush, a.engine.Flush},
	}
	for _, j := range jobs {
		if err := a.sched.Add(j.name, specs[j.name], timeout, j.run); err != nil {
			return err
		}
	}

	oc, err := mapOps(cfg)
	if err != nil {
		return err
	}
	a.ops = opsserver.New(oc, a.engine, a.health, a.log)

	if a.fwdCfg, err = mapForwarder(cfg); err != nil {
		return err
	}
	if kc, ok, err := mapKafka(cfg); err != nil {
		return err
	} else if ok {
		if a.kafka, err = publish.NewKafkaSink(kc); err != nil {
			return err
		}
	}
	return nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() map[string]error {
	out := map[string]error{"supervisor": a.Err()}
	if a.breaker != nil && a.breaker.State() == "open" {
		out["mail"] = mail.ErrUnavailable
	}
	if a.notif != nil && !a.notif.Enabled() {
		out["notifier"] = errors.New("disabled")
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.engine.Load(runCtx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("metrics.consume", func(c context.Context) error {
		defer unsub()
		return metrics.Consume(c, events)
	})

	if err := a.startForwarder(runCtx); err != nil {
		return err
	}

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.sched.Start(runCtx)

	if err := a.ops.Start(runCtx); err != nil {
		return err
	}
	if a.bot != nil {
		a.bot.Start(runCtx, a.engine)
	}

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapPolicy(cfg)
		if err == nil {
			_, err = mapNotifier(cfg)
		}
		return err
	})
	reload := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(reload)
		a.reloadLoop(c, reload)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.startSystemd()
	a.log.Info("app started", logx.Int64("round", a.engine.Current().ID))
	return nil
}

func (a *App) startForwarder(ctx context.Context) error {
	var sinks []publish.Sink
	if a.kafka != nil {
		sinks = append(sinks, a.kafka)
	}
	if rc, ok, err := mapRedis(a.cfgm.Get()); err != nil {
		return err
	} else if ok {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		mirror, err := publish.NewRedisMirror(pctx, rc, a.engine.StatsView)
		cancel()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		sinks = append(sinks, mirror)
	}
	if len(sinks) == 0 {
		return nil
	}
	a.fwd = publish.NewForwarder(a.fwdCfg, a.log.With(logx.String("comp", "publish")), sinks...)
	ch, unsub := a.bus.Subscribe(1024)
	a.sup.Go("publish.forward", func(c context.Context) error {
		defer unsub()
		return a.fwd.Run(c, ch)
	})
	return nil
}

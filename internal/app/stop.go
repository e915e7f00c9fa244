package app

import (
	"context"
	"fmt"
	"time"

	logx "rbs/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest; the final flush runs before
// storage closes.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdStopping(a.log)
	a.sup.Cancel()

	a.step(ctx, "scheduler", 5*time.Second, a.sched.Stop)
	a.step(ctx, "flush", 5*time.Second, a.engine.Flush)
	a.step(ctx, "ops", 2*time.Second, a.ops.Stop)
	if a.bot != nil {
		a.step(ctx, "telegram", 3*time.Second, a.bot.Stop)
	}
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	if a.fwd != nil {
		a.step(ctx, "publish", 2*time.Second, func(context.Context) error { return a.fwd.Close() })
	} else if a.kafka != nil {
		a.step(ctx, "kafka", 2*time.Second, func(context.Context) error { return a.kafka.Close() })
	}
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs fn with its own deadline, never past the caller's. A step that
// misses its deadline is left running and reported when it finishes.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

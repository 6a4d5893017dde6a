package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"pagetest/internal/config"
	"pagetest/internal/runtime/supervisor"
	"pagetest/internal/task"
	"pagetest/internal/task/scheduler"
	"pagetest/internal/task/timer"
	"pagetest/internal/trigger"
	logx "pagetest/pkg/logx"
)

// Watch serves the test page and re-runs the suite whenever a source file
// changes (and on the rerun schedule, if any) until ctx ends or a
// background component fails. Runs triggered while one is in flight
// collapse into one queued run.
func (a *App) Watch(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	opts := []scheduler.Option{
		scheduler.WithPollInterval(a.dur.PollInterval),
		scheduler.WithLogger(a.log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(a.bus),
	}
	if a.metrics != nil {
		opts = append(opts, scheduler.WithMetrics(a.metrics))
	}
	sched := scheduler.New[Report](timer.Real{}, opts...)
	sched.OnComplete(func(rep Report) { a.finish(config.ModeWatch, rep, nil) })
	sched.OnError(func(_ task.Task[Report], err error) { a.finish(config.ModeWatch, Report{}, err) })

	fire := func() {
		if err := sched.Schedule(a.run); err != nil && !errors.Is(err, scheduler.ErrStopped) {
			a.log.Warn("schedule failed", logx.Err(err))
		}
	}

	var rerun *trigger.Rerun
	if a.cfg.Rerun != "" {
		rr, err := trigger.NewRerun(a.cfg.Rerun, time.Local, fire, a.log.With(logx.String("comp", "rerun")))
		if err != nil {
			sup.Cancel()
			return err
		}
		rerun = rr
	}

	// The loop runs on its own context so Shutdown can let the in-flight run
	// finish; it is canceled only if that takes too long.
	schedCtx, cancelSched := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSched()
	sup.Go("scheduler", func(context.Context) error {
		err := sched.Start(schedCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	watcher := trigger.NewWatcher(a.cfg.Sources, fire,
		trigger.WithDebounce(a.dur.Debounce),
		trigger.WithLogger(a.log.With(logx.String("comp", "watcher"))),
	)
	sup.GoRestart("watcher", watcher.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if rerun != nil {
		sup.Go("rerun", rerun.Run)
	}
	// History outlives the triggers so runs finishing during shutdown are
	// still recorded.
	histCtx, stopHist := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHist()
	sup.Go("history", func(context.Context) error { return a.recordHistory(histCtx) })
	if a.cfgm != nil {
		a.watchConfig(sup)
	}

	// Run once on start, like a watcher reporting every existing file.
	fire()
	a.notify.Ready()
	a.log.Info("watching", logx.String("sources", a.cfg.Sources), logx.String("url", a.server.URL()))

	<-sup.Context().Done()
	a.notify.Stopping()
	a.log.Info("stopping watch session")

	stopCtx := context.Background()
	_ = stopStep(stopCtx, a.log, "scheduler", 15*time.Second, func(c context.Context) error {
		if err := sched.Shutdown(c); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			return err
		}
		return nil
	})
	// After a clean Shutdown the loop is already gone; otherwise this cancels
	// the in-flight run.
	cancelSched()
	stopHist()
	if err := stopStep(stopCtx, a.log, "supervisor", 5*time.Second, sup.Wait); err != nil {
		a.log.Warn("background work did not stop", logx.Err(err))
	}
	return sup.Err()
}

// watchConfig reloads the config file on change and applies what can be
// applied live.
func (a *App) watchConfig(sup *supervisor.Supervisor) {
	sub := a.cfgm.Subscribe(1)
	sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c, a.dur.Debounce)
	})
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				sections, attrs, restart := config.SummarizeChange(last, next)
				last = next
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config changed", fields...)
				if a.logs != nil {
					a.logs.Apply(next.Logging.LogConfig())
				}
				if restart {
					a.log.Warn("config change requires a restart to take effect")
				}
			}
		}
	})
}

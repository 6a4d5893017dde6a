package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pagetest/internal/browser"
	"pagetest/internal/coverage"
	"pagetest/internal/eventbus"
	"pagetest/internal/storage"
	"pagetest/internal/task"
	logx "pagetest/pkg/logx"
)

// EventRunFinished is published after every run with a storage.RunRecord.
const EventRunFinished = "run.finished"

// Report is what a run tells the user: the failure count and the coverage
// of project sources, as already filtered by the browser task.
type Report struct {
	Failures int
	Coverage []*coverage.Entry
	Started  time.Time
	Duration time.Duration
}

// suiteRun turns browser results into reports. Every trigger schedules the
// same instance so the scheduler collapses bursts into one queued run.
type suiteRun struct {
	inner task.Task[browser.Result]

	mu      sync.Mutex
	started time.Time
}

func (r *suiteRun) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	r.mu.Lock()
	r.started = start
	r.mu.Unlock()

	res, err := r.inner.Run(ctx)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Failures: res.Failures,
		Coverage: res.Coverage,
		Started:  start,
		Duration: time.Since(start),
	}, nil
}

func (r *suiteRun) Cancel(ctx context.Context) error { return r.inner.Cancel(ctx) }

func (r *suiteRun) lastStarted() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// finish handles a finished run: coverage reports, metrics, history event
// and a log line.
func (a *App) finish(mode string, rep Report, runErr error) {
	if rep.Started.IsZero() && a.run != nil {
		rep.Started = a.run.lastStarted()
		rep.Duration = time.Since(rep.Started)
	}
	rec := storage.RunRecord{
		ID:       storage.NewRunID(),
		Mode:     mode,
		Started:  rep.Started,
		Duration: rep.Duration,
		Failures: rep.Failures,
	}

	if runErr == nil {
		if a.metrics != nil {
			a.metrics.ObserveResult(rep.Failures, len(rep.Coverage))
		}
		if a.cfg.Coverage.Enabled {
			rec.CoverageFiles = len(rep.Coverage)
			if err := coverage.Write(a.cfg.Coverage.Output, a.cfg.Coverage.Reporters, rep.Coverage, a.out); err != nil {
				a.log.Error("coverage report failed", logx.Err(err))
			}
		}
	} else {
		rec.Error = runErr.Error()
	}

	a.bus.Publish(eventbus.Event{Type: EventRunFinished, Data: rec})

	switch {
	case runErr != nil:
		a.log.Error("test run failed", logx.String("run", rec.ID), logx.Err(runErr))
		a.notify.Status("last run errored: " + runErr.Error())
	case rep.Failures > 0:
		a.log.Warn("tests failed", logx.String("run", rec.ID), logx.Int("failures", rep.Failures), logx.Duration("took", rep.Duration))
		a.notify.Status(fmt.Sprintf("last run: %d failures", rep.Failures))
	default:
		a.log.Info("tests passed", logx.String("run", rec.ID), logx.Duration("took", rep.Duration))
		a.notify.Status("last run: passed")
	}
}

// recordHistory appends finished runs to the store until ctx ends, then
// drains what is already buffered.
func (a *App) recordHistory(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	write := func(ev eventbus.Event) {
		rec, ok := ev.Data.(storage.RunRecord)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := a.store.AppendRun(wctx, rec); err != nil {
			a.log.Warn("run history write failed", logx.String("run", rec.ID), logx.Err(err))
		}
	}
	for {
		select {
		case ev, ok := <-a.history:
			if !ok {
				return nil
			}
			write(ev)
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-a.history:
					if !ok {
						return nil
					}
					write(ev)
				default:
					return nil
				}
			}
		}
	}
}

package app

import (
	"context"
	"time"

	"pagetest/internal/config"
	"pagetest/internal/runtime/supervisor"
	logx "pagetest/pkg/logx"
)

// CI runs the suite once and returns its report. The server is closed and
// the browser task canceled before returning, whatever the outcome. The App
// cannot be reused afterwards.
func (a *App) CI(ctx context.Context) (Report, error) {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))
	sup.Go("history", a.recordHistory)
	defer a.close()
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sup.Wait(wctx); err != nil {
			a.log.Warn("background work did not stop", logx.Err(err))
		}
	}()

	if err := a.start(ctx); err != nil {
		return Report{}, err
	}
	start := time.Now()
	rep, err := a.run.Run(ctx)
	if a.metrics != nil {
		a.metrics.ObserveRun(time.Since(start), err)
	}
	a.finish(config.ModeCI, rep, err)
	return rep, err
}

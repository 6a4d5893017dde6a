package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "pagetest/pkg/logx"
)

// Rerun fires on a clock schedule, independent of file changes.
type Rerun struct {
	sched Schedule
	c     *cron.Cron
	id    cron.EntryID
	log   logx.Logger
}

// NewRerun parses raw and prepares a cron runner calling fire on every tick.
// fire must not block; in practice it is Scheduler.Schedule.
func NewRerun(raw string, loc *time.Location, fire func(), log logx.Logger) (*Rerun, error) {
	if fire == nil {
		return nil, fmt.Errorf("rerun: nil callback")
	}
	sched, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	cs, err := sched.CronSchedule()
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	id := c.Schedule(cs, cron.FuncJob(func() {
		log.Debug("rerun fired", logx.String("schedule", sched.String()))
		fire()
	}))
	return &Rerun{sched: sched, c: c, id: id, log: log}, nil
}

func (r *Rerun) Schedule() Schedule { return r.sched }

// Next returns the next fire time, or zero before Run starts.
func (r *Rerun) Next() time.Time { return r.c.Entry(r.id).Next }

// Run starts the cron runner and blocks until ctx ends.
func (r *Rerun) Run(ctx context.Context) error {
	r.c.Start()
	r.log.Info("rerun trigger started", logx.String("schedule", r.sched.String()), logx.Time("next", r.Next()))
	<-ctx.Done()
	<-r.c.Stop().Done()
	return nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

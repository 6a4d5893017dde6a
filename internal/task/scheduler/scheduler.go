package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pagetest/internal/eventbus"
	"pagetest/internal/task"
	"pagetest/internal/task/timer"
	logx "pagetest/pkg/logx"
)

// Scheduler executes tasks serially in the order they were first queued.
type Scheduler[T any] struct {
	timer timer.Timer
	opt   options

	mu       sync.Mutex
	state    state
	queue    []task.Task[T]
	pending  chan struct{} // closed when the in-flight execution has been handled
	idleStop chan struct{} // closed by Shutdown to cut the idle wait short
	loopDone chan struct{}

	lmu        sync.RWMutex
	onComplete []func(T)
	onError    []func(task.Task[T], error)

	hmu     sync.Mutex
	history []HistoryItem

	executions atomic.Uint64
	failures   atomic.Uint64
}

// New returns a Scheduler in the Created state.
func New[T any](t timer.Timer, opts ...Option) *Scheduler[T] {
	if t == nil {
		t = timer.Real{}
	}
	o := options{poll: DefaultPollInterval, historySize: defaultHistorySize}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return &Scheduler[T]{timer: t, opt: o}
}

// OnComplete registers a listener for successful executions. Listeners run
// on the loop goroutine, in completion order.
func (s *Scheduler[T]) OnComplete(fn func(result T)) {
	if fn == nil {
		return
	}
	s.lmu.Lock()
	s.onComplete = append(s.onComplete, fn)
	s.lmu.Unlock()
}

// OnError registers a listener for failed executions. It is called after the
// failed task has been canceled.
func (s *Scheduler[T]) OnError(fn func(t task.Task[T], err error)) {
	if fn == nil {
		return
	}
	s.lmu.Lock()
	s.onError = append(s.onError, fn)
	s.lmu.Unlock()
}

// Schedule appends t to the queue unless the same instance is already queued.
// It never blocks on the run loop.
func (s *Scheduler[T]) Schedule(t task.Task[T]) error {
	if t == nil {
		return ErrNilTask
	}
	s.mu.Lock()
	if s.state == stateStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	for _, q := range s.queue {
		if q == t {
			s.mu.Unlock()
			s.opt.log.Trace("task already queued")
			return nil
		}
	}
	s.queue = append(s.queue, t)
	n := len(s.queue)
	s.mu.Unlock()

	if s.opt.metrics != nil {
		s.opt.metrics.SetQueueDepth(n)
	}
	s.opt.log.Debug("task queued", logx.Int("queue_len", n))
	return nil
}

// Start runs the loop until Shutdown is called or ctx ends. The context is
// also handed to every task.Run; Shutdown itself never cancels an in-flight
// execution.
func (s *Scheduler[T]) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.state {
	case stateRunning:
		s.mu.Unlock()
		return ErrAlreadyStarted
	case stateStopped:
		s.mu.Unlock()
		return ErrStopped
	}
	s.state = stateRunning
	s.idleStop = make(chan struct{})
	s.loopDone = make(chan struct{})
	idleStop := s.idleStop
	loopDone := s.loopDone
	s.mu.Unlock()
	defer close(loopDone)

	idleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-idleStop:
			cancel()
		case <-idleCtx.Done():
		}
	}()

	s.opt.log.Info("scheduler started", logx.Duration("poll", s.opt.poll))
	for {
		if err := ctx.Err(); err != nil {
			s.opt.log.Debug("scheduler loop exiting", logx.Any("err", err))
			return err
		}
		t, pending, running := s.next()
		if !running {
			s.opt.log.Debug("scheduler loop exiting")
			return nil
		}
		if t != nil {
			s.execute(ctx, t, pending)
			continue
		}
		if err := s.timer.Wait(idleCtx, s.opt.poll); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// next dequeues the head task and marks it in flight. It returns running=false
// once the scheduler has been shut down.
func (s *Scheduler[T]) next() (task.Task[T], chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return nil, nil, false
	}
	if len(s.queue) == 0 {
		return nil, nil, true
	}
	t := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.pending = make(chan struct{})
	if s.opt.metrics != nil {
		s.opt.metrics.SetQueueDepth(len(s.queue))
	}
	return t, s.pending, true
}

func (s *Scheduler[T]) execute(ctx context.Context, t task.Task[T], pending chan struct{}) {
	id := uuid.NewString()
	started := time.Now()
	log := s.opt.log.With(logx.String("run", id))
	log.Debug("execution started")

	result, err := s.runSafe(ctx, t)
	dur := time.Since(started)
	s.executions.Add(1)
	if s.opt.metrics != nil {
		s.opt.metrics.ObserveRun(dur, err)
	}

	if err != nil {
		s.failures.Add(1)
		log.Warn("execution failed; canceling task", logx.Duration("took", dur), logx.Err(err))
		if cerr := t.Cancel(ctx); cerr != nil {
			log.Warn("task cancel failed", logx.Err(cerr))
		}
		s.record(HistoryItem{ID: id, Started: started, Duration: dur, Outcome: "error", Error: err.Error()})
		s.publish(EventTaskError, TaskEvent{ID: id, Started: started, Duration: dur, Error: err.Error()})
		s.emitError(log, t, err)
	} else {
		log.Debug("execution complete", logx.Duration("took", dur))
		s.record(HistoryItem{ID: id, Started: started, Duration: dur, Outcome: "complete"})
		s.publish(EventTaskComplete, TaskEvent{ID: id, Started: started, Duration: dur})
		s.emitComplete(log, result)
	}

	s.mu.Lock()
	if s.pending == pending {
		s.pending = nil
	}
	s.mu.Unlock()
	close(pending)
}

func (s *Scheduler[T]) runSafe(ctx context.Context, t task.Task[T]) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return t.Run(ctx)
}

func (s *Scheduler[T]) emitComplete(log logx.Logger, result T) {
	s.lmu.RLock()
	fns := slices.Clone(s.onComplete)
	s.lmu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("complete listener panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			fn(result)
		}()
	}
}

func (s *Scheduler[T]) emitError(log logx.Logger, t task.Task[T], err error) {
	s.lmu.RLock()
	fns := slices.Clone(s.onError)
	s.lmu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("error listener panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			fn(t, err)
		}()
	}
}

// Shutdown stops the scheduler for good. It waits for the in-flight execution
// (whose failure, if any, is handled by the loop), then cancels every task
// still queued in FIFO order. Cancel failures are logged and returned joined;
// they are not retried.
func (s *Scheduler[T]) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state != stateRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", ErrNotRunning, st)
	}
	s.state = stateStopped
	close(s.idleStop)
	pending := s.pending
	loopDone := s.loopDone
	s.mu.Unlock()

	start := time.Now()
	s.opt.log.Info("shutdown requested", logx.Bool("in_flight", pending != nil))

	var errs []error
	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for in-flight execution: %w", ctx.Err()))
		}
	}

	drained := 0
	for {
		t := s.popQueued()
		if t == nil {
			break
		}
		drained++
		if err := t.Cancel(ctx); err != nil {
			s.opt.log.Warn("queued task cancel failed", logx.Err(err))
			errs = append(errs, err)
		}
		now := time.Now()
		s.record(HistoryItem{ID: uuid.NewString(), Started: now, Outcome: "canceled"})
		s.publish(EventTaskCanceled, TaskEvent{Started: now})
	}

	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
		}
	}
	if s.opt.metrics != nil {
		s.opt.metrics.SetQueueDepth(0)
	}
	s.opt.log.Info("scheduler stopped", logx.Int("drained", drained), logx.Duration("took", time.Since(start)))
	return errors.Join(errs...)
}

func (s *Scheduler[T]) popQueued() task.Task[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	t := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return t
}

// Len returns the number of queued (not yet started) tasks.
func (s *Scheduler[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running reports whether the scheduler is between Start and Shutdown.
func (s *Scheduler[T]) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

func (s *Scheduler[T]) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:        s.state.String(),
		QueueLen:     len(s.queue),
		InFlight:     s.pending != nil,
		PollInterval: s.opt.poll,
	}
	s.mu.Unlock()
	snap.Executions = s.executions.Load()
	snap.Failures = s.failures.Load()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Scheduler[T]) record(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > s.opt.historySize {
		s.history = s.history[len(s.history)-s.opt.historySize:]
	}
	s.hmu.Unlock()
}

func (s *Scheduler[T]) publish(typ string, ev TaskEvent) {
	if s.opt.bus == nil {
		return
	}
	s.opt.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

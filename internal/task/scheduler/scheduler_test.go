package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagetest/internal/eventbus"
	"pagetest/internal/task"
	"pagetest/internal/task/tasktest"
	"pagetest/internal/task/timer"
)

const poll = 100 * time.Millisecond

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// startLoop runs s.Start in the background and shuts the scheduler down when
// the test ends (unless the test already did).
func startLoop[T any](t *testing.T, ctx context.Context, s *Scheduler[T]) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()
	t.Cleanup(func() {
		if s.Running() {
			_ = s.Shutdown(context.Background())
		}
	})
	return errc
}

func recordingFunc(name string, mu *sync.Mutex, order *[]string) *task.Func[int] {
	return task.NewFunc(func(context.Context) (int, error) {
		mu.Lock()
		*order = append(*order, name)
		mu.Unlock()
		return 1, nil
	}, nil)
}

func TestDuplicateScheduleRunsOnce(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))
	tk := tasktest.NewTimed(v, 100*time.Millisecond)

	require.NoError(t, s.Schedule(tk))
	require.NoError(t, s.Schedule(tk))
	assert.Equal(t, 1, s.Len())

	startLoop(t, ctx, s)
	require.NoError(t, v.BlockUntil(ctx, 1))
	require.NoError(t, v.Flush(ctx, 100*time.Millisecond))

	assert.Equal(t, 1, tk.Calls())
	assert.Equal(t, 0, s.Len())
}

func TestRescheduleAfterCompletion(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))
	tk := tasktest.NewTimed(v, 100*time.Millisecond)

	var (
		mu      sync.Mutex
		results []int
	)
	s.OnComplete(func(n int) {
		mu.Lock()
		results = append(results, n)
		mu.Unlock()
	})

	require.NoError(t, s.Schedule(tk))
	require.NoError(t, s.Schedule(tk))
	startLoop(t, ctx, s)
	require.NoError(t, v.BlockUntil(ctx, 1))

	// 100ms: the single queued execution completes.
	require.NoError(t, v.Flush(ctx, 100*time.Millisecond))
	require.Equal(t, 1, tk.Calls())

	require.NoError(t, s.Schedule(tk))

	// 200ms: the loop wakes from idling and starts the second execution.
	require.NoError(t, v.Flush(ctx, 100*time.Millisecond))
	assert.Equal(t, 1, tk.Calls())

	// 300ms: the second execution completes.
	require.NoError(t, v.Flush(ctx, 100*time.Millisecond))
	assert.Equal(t, 2, tk.Calls())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, results)
}

func TestScheduleWhileRunningQueuesNextExecution(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))
	tk := tasktest.NewTimed(v, 100*time.Millisecond)

	startLoop(t, ctx, s)
	require.NoError(t, v.BlockUntil(ctx, 1))
	require.NoError(t, s.Schedule(tk))

	// 100ms: scheduler resumes from idle, the task starts.
	require.NoError(t, v.Flush(ctx, 100*time.Millisecond))
	assert.Equal(t, 0, tk.Calls())

	// The task is in flight, not queued, so this queues a second execution.
	require.NoError(t, s.Schedule(tk))
	assert.Equal(t, 1, s.Len())

	// 200ms: first execution completes, second starts.
	require.NoError(t, v.Flush(ctx, 100*time.Millisecond))
	assert.Equal(t, 1, tk.Calls())

	// 300ms: second execution completes.
	require.NoError(t, v.Flush(ctx, 100*time.Millisecond))
	assert.Equal(t, 2, tk.Calls())
	assert.Equal(t, 1, tk.MaxInFlight())
}

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))

	var (
		mu    sync.Mutex
		order []string
	)
	a := recordingFunc("A", &mu, &order)
	b := recordingFunc("B", &mu, &order)

	startLoop(t, ctx, s)
	require.NoError(t, v.BlockUntil(ctx, 1))
	require.NoError(t, s.Schedule(a))
	require.NoError(t, s.Schedule(b))
	require.NoError(t, s.Schedule(a))

	require.NoError(t, v.Flush(ctx, poll))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestSerialExecution(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))

	var (
		mu       sync.Mutex
		inflight int
		maxIn    int
	)
	newTask := func() *task.Func[int] {
		return task.NewFunc(func(ctx context.Context) (int, error) {
			mu.Lock()
			inflight++
			if inflight > maxIn {
				maxIn = inflight
			}
			mu.Unlock()
			err := v.Wait(ctx, 50*time.Millisecond)
			mu.Lock()
			inflight--
			mu.Unlock()
			return 0, err
		}, nil)
	}
	a, b := newTask(), newTask()
	require.NoError(t, s.Schedule(a))
	require.NoError(t, s.Schedule(b))

	startLoop(t, ctx, s)
	require.NoError(t, v.BlockUntil(ctx, 1))
	assert.Equal(t, 1, v.Pending())

	require.NoError(t, v.Flush(ctx, 50*time.Millisecond))
	assert.Equal(t, 1, v.Pending(), "second task should be the only one in flight")

	require.NoError(t, v.Flush(ctx, 50*time.Millisecond))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxIn)
	assert.Equal(t, 0, inflight)
}

func TestFailedExecutionIsContained(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := New[int](v, WithPollInterval(poll), WithBus(bus))

	failing := &tasktest.Failing{}
	done := make(chan struct{})
	next := task.NewFunc(func(context.Context) (int, error) {
		close(done)
		return 7, nil
	}, nil)

	var (
		mu      sync.Mutex
		errored []task.Task[int]
		errs    []error
	)
	s.OnError(func(tk task.Task[int], err error) {
		mu.Lock()
		errored = append(errored, tk)
		errs = append(errs, err)
		mu.Unlock()
	})

	require.NoError(t, s.Schedule(failing))
	require.NoError(t, s.Schedule(next))
	startLoop(t, ctx, s)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("task queued after a failure never ran")
	}
	require.NoError(t, v.BlockUntil(ctx, 1))

	assert.Equal(t, 1, failing.Runs())
	assert.Equal(t, 1, failing.Canceled())
	assert.Equal(t, 0, next.Canceled())

	mu.Lock()
	require.Len(t, errored, 1)
	assert.True(t, errored[0] == task.Task[int](failing))
	assert.ErrorIs(t, errs[0], tasktest.ErrRunFailed)
	mu.Unlock()

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Executions)
	assert.Equal(t, uint64(1), snap.Failures)
	require.Len(t, snap.History, 2)
	assert.Equal(t, "error", snap.History[0].Outcome)
	assert.Equal(t, "complete", snap.History[1].Outcome)

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-ctx.Done():
			t.Fatal("missing bus events")
		}
	}
	assert.Equal(t, []string{EventTaskError, EventTaskComplete}, types)
}

func TestPanickingTaskIsReportedAsFailure(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))

	boom := task.NewFunc(func(context.Context) (int, error) {
		panic("boom")
	}, nil)
	errc := make(chan error, 1)
	s.OnError(func(_ task.Task[int], err error) { errc <- err })

	require.NoError(t, s.Schedule(boom))
	startLoop(t, ctx, s)

	select {
	case err := <-errc:
		var pe *PanicError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "boom", pe.Value)
	case <-ctx.Done():
		t.Fatal("panic was not reported")
	}
	assert.Equal(t, 1, boom.Canceled())
	assert.True(t, s.Running())
}

func TestIdlePollingDelaysExecution(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))

	var (
		mu    sync.Mutex
		order []string
	)
	a := recordingFunc("A", &mu, &order)

	startLoop(t, ctx, s)
	require.NoError(t, v.BlockUntil(ctx, 1))
	require.NoError(t, s.Schedule(a))

	require.NoError(t, v.Flush(ctx, poll-time.Millisecond))
	mu.Lock()
	assert.Empty(t, order, "no execution may start before the poll interval elapses")
	mu.Unlock()

	require.NoError(t, v.Flush(ctx, time.Millisecond))
	mu.Lock()
	assert.Equal(t, []string{"A"}, order)
	mu.Unlock()
}

func TestShutdownDrainsQueue(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))

	x := tasktest.NewTimed(v, 100*time.Millisecond)
	var (
		mu       sync.Mutex
		canceled []string
		ran      []string
	)
	release := make(chan struct{})
	newQueued := func(name string, block bool) *task.Func[int] {
		return task.NewFunc(func(context.Context) (int, error) {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return 0, nil
		}, func(context.Context) error {
			if block {
				<-release
			}
			mu.Lock()
			canceled = append(canceled, name)
			mu.Unlock()
			return nil
		})
	}
	y := newQueued("Y", false)
	z := newQueued("Z", true)

	require.NoError(t, s.Schedule(x))
	require.NoError(t, s.Schedule(y))
	require.NoError(t, s.Schedule(z))
	errc := startLoop(t, ctx, s)
	require.NoError(t, v.BlockUntil(ctx, 1))

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- s.Shutdown(ctx) }()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)

	select {
	case <-shutdownErr:
		t.Fatal("shutdown returned while an execution was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	// Let X finish; shutdown then cancels Y and blocks on Z.
	require.NoError(t, v.Flush(ctx, 100*time.Millisecond))
	select {
	case <-shutdownErr:
		t.Fatal("shutdown returned before all cancellations completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-shutdownErr:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("shutdown did not finish")
	}
	require.NoError(t, <-errc)

	assert.Equal(t, 1, x.Calls())
	assert.Equal(t, 0, x.Canceled())
	mu.Lock()
	assert.Equal(t, []string{"Y", "Z"}, canceled)
	assert.Empty(t, ran)
	mu.Unlock()
	assert.Equal(t, 0, s.Len())
}

func TestShutdownReportsCancelFailures(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))

	blocker := tasktest.NewTimed(v, time.Hour)
	cancelErr := errors.New("browser already gone")
	queued := &tasktest.Failing{CancelErr: cancelErr}

	require.NoError(t, s.Schedule(blocker))
	require.NoError(t, s.Schedule(queued))
	startLoop(t, ctx, s)
	require.NoError(t, v.BlockUntil(ctx, 1))

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- s.Shutdown(ctx) }()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
	require.NoError(t, v.Flush(ctx, time.Hour))

	err := <-shutdownErr
	assert.ErrorIs(t, err, cancelErr)
	assert.Equal(t, 0, queued.Runs())
	assert.Equal(t, 1, queued.Canceled())
}

func TestLifecycleContract(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))

	assert.ErrorIs(t, s.Shutdown(ctx), ErrNotRunning)
	assert.ErrorIs(t, s.Schedule(nil), ErrNilTask)

	errc := startLoop(t, ctx, s)
	require.NoError(t, v.BlockUntil(ctx, 1))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-errc)

	assert.ErrorIs(t, s.Schedule(tasktest.NewTimed(v, 0)), ErrStopped)
	assert.ErrorIs(t, s.Start(ctx), ErrStopped)
	assert.ErrorIs(t, s.Shutdown(ctx), ErrNotRunning)
	assert.Equal(t, "stopped", s.Snapshot().State)
}

func TestStartReturnsWhenContextEnds(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(testContext(t))
	v := timer.NewVirtual()
	s := New[int](v, WithPollInterval(poll))

	errc := startLoop(t, ctx, s)
	require.NoError(t, v.BlockUntil(ctx, 1))
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestRealTimerPolling(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	s := New[int](timer.Real{}, WithPollInterval(5*time.Millisecond))

	done := make(chan int, 1)
	s.OnComplete(func(n int) { done <- n })
	startLoop(t, ctx, s)

	require.NoError(t, s.Schedule(task.NewFunc(func(context.Context) (int, error) { return 42, nil }, nil)))
	select {
	case n := <-done:
		assert.Equal(t, 42, n)
	case <-ctx.Done():
		t.Fatal("task never completed")
	}
	require.NoError(t, s.Shutdown(ctx))
}

// Package tasktest provides task.Task doubles for scheduler tests.
package tasktest

import (
	"context"
	"errors"
	"sync"
	"time"

	"pagetest/internal/task/timer"
)

var ErrRunFailed = errors.New("tasktest: run failed")

// Timed waits on a timer for Duration, then counts the call and reports the
// new count as its result.
type Timed struct {
	Timer    timer.Timer
	Duration time.Duration
	// OnRun, if set, is called with the new call count after each run.
	OnRun func(calls int)

	mu       sync.Mutex
	calls    int
	canceled int
	inflight int
	maxIn    int
}

func NewTimed(t timer.Timer, d time.Duration) *Timed {
	return &Timed{Timer: t, Duration: d}
}

func (t *Timed) Run(ctx context.Context) (int, error) {
	t.mu.Lock()
	t.inflight++
	if t.inflight > t.maxIn {
		t.maxIn = t.inflight
	}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.inflight--
		t.mu.Unlock()
	}()

	if err := t.Timer.Wait(ctx, t.Duration); err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.calls++
	n := t.calls
	t.mu.Unlock()
	if t.OnRun != nil {
		t.OnRun(n)
	}
	return n, nil
}

func (t *Timed) Cancel(context.Context) error {
	t.mu.Lock()
	t.canceled++
	t.mu.Unlock()
	return nil
}

func (t *Timed) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *Timed) Canceled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// MaxInFlight reports the highest number of concurrent Run calls observed.
func (t *Timed) MaxInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxIn
}

// Failing always fails its Run and records cancellations.
type Failing struct {
	Err error
	// CancelErr is returned from Cancel when set.
	CancelErr error

	mu       sync.Mutex
	runs     int
	canceled int
}

func (f *Failing) Run(context.Context) (int, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	return 0, ErrRunFailed
}

func (f *Failing) Cancel(context.Context) error {
	f.mu.Lock()
	f.canceled++
	f.mu.Unlock()
	return f.CancelErr
}

func (f *Failing) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func (f *Failing) Canceled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

// Package task defines the unit of work driven by the scheduler.
//
// A Task is stateful and identity-significant: it may keep a resource open
// (a browser session, a connection) across many Run calls, and the scheduler
// deduplicates queued tasks by identity. Implement Task on a pointer type so
// that two references to the same instance compare equal and two distinct
// instances never do.
package task

import (
	"context"
	"sync"
)

// Task is one schedulable, cancellable unit of asynchronous work.
//
// Run performs one execution and may be called many times over the task's
// lifetime. Cancel releases whatever Run acquired; it must be idempotent and
// safe to call while a Run is being abandoned.
type Task[T any] interface {
	Run(ctx context.Context) (T, error)
	Cancel(ctx context.Context) error
}

// Func adapts plain functions into a Task.
//
// CancelFn may be nil. Func values must be used by pointer (see NewFunc) so
// the scheduler can tell instances apart.
type Func[T any] struct {
	RunFn    func(ctx context.Context) (T, error)
	CancelFn func(ctx context.Context) error

	mu       sync.Mutex
	canceled int
}

// NewFunc returns a Task backed by run and (optionally) cancel.
func NewFunc[T any](run func(ctx context.Context) (T, error), cancel func(ctx context.Context) error) *Func[T] {
	return &Func[T]{RunFn: run, CancelFn: cancel}
}

func (f *Func[T]) Run(ctx context.Context) (T, error) {
	if f.RunFn == nil {
		var zero T
		return zero, nil
	}
	return f.RunFn(ctx)
}

func (f *Func[T]) Cancel(ctx context.Context) error {
	f.mu.Lock()
	f.canceled++
	f.mu.Unlock()
	if f.CancelFn == nil {
		return nil
	}
	return f.CancelFn(ctx)
}

// Canceled reports how many times Cancel was called.
func (f *Func[T]) Canceled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

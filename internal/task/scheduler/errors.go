package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrStopped        = errors.New("scheduler stopped")
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotRunning     = errors.New("scheduler not running")
	ErrNilTask        = errors.New("task is nil")
)

// PanicError is the execution failure reported when a task's Run panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

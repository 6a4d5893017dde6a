// Package scheduler runs tasks one at a time off a deduplicated FIFO queue.
//
// The run loop alternates between draining the queue and idling on a
// timer.Timer for a fixed poll interval. Schedule may be called from any
// goroutine (typically a file-watch callback); scheduling a task that is
// already queued is a no-op, so a burst of change events collapses into a
// single pending re-run.
//
// Lifecycle: Created -> Running (Start) -> Stopped (Shutdown). Shutdown lets
// the in-flight execution finish, then cancels everything still queued.
package scheduler

package scheduler

import (
	"time"

	"pagetest/internal/eventbus"
	logx "pagetest/pkg/logx"
)

const (
	DefaultPollInterval = 1000 * time.Millisecond
	defaultHistorySize  = 200
)

// Event types published on the bus for every execution outcome.
const (
	EventTaskComplete = "task.complete"
	EventTaskError    = "task.error"
	EventTaskCanceled = "task.canceled"
)

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Metrics receives execution signals. Implementations must be safe for
// concurrent use; a nil Metrics is ignored.
type Metrics interface {
	ObserveRun(d time.Duration, err error)
	SetQueueDepth(n int)
}

type Option func(*options)

type options struct {
	poll        time.Duration
	log         logx.Logger
	bus         eventbus.Bus
	metrics     Metrics
	historySize int
}

// WithPollInterval sets how long the loop idles when the queue is empty.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

func WithMetrics(m Metrics) Option { return func(o *options) { o.metrics = m } }

// WithHistorySize bounds the in-memory execution history kept for Snapshot.
func WithHistorySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.historySize = n
		}
	}
}

// HistoryItem records one finished execution (or a drained cancellation).
type HistoryItem struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Outcome  string // "complete" | "error" | "canceled"
	Error    string
}

// TaskEvent is the payload of bus events published by the scheduler.
type TaskEvent struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	State        string
	QueueLen     int
	InFlight     bool
	PollInterval time.Duration
	Executions   uint64
	Failures     uint64
	History      []HistoryItem
}

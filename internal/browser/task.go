// Package browser drives headless Chrome through the test page and reports
// the Mocha failure count and V8 coverage.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/profiler"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"pagetest/internal/coverage"
	logx "pagetest/pkg/logx"
)

// ErrClosed is returned by Run when the browser goes away mid-run, usually
// because Cancel was called.
var ErrClosed = errors.New("browser: closed")

// doneBinding is the page function Mocha's completion callback reports to.
const doneBinding = "__done__"

// Result is the outcome of one run of the test page.
type Result struct {
	Failures int
	// Coverage is filtered to project sources; nil when coverage is off.
	Coverage []*coverage.Entry
}

type Options struct {
	// URL of the test page.
	URL            string
	ExecPath       string
	ViewportWidth  int
	ViewportHeight int
	DebugAddress   string
	DebugPort      int
	Coverage       bool
	SpecsGlob      string
	// RunTimeout bounds one Run; zero means no bound.
	RunTimeout time.Duration
}

// RunTask loads the test page in a Chrome instance it launches on first use
// and keeps alive across runs. It implements task.Task[Result].
type RunTask struct {
	opts    Options
	log     logx.Logger
	console *ConsoleSink

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	done          chan string
}

func NewRunTask(opts Options, console *ConsoleSink, log logx.Logger) *RunTask {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RunTask{opts: opts, console: console, log: log}
}

// Run loads the page and blocks until Mocha reports completion, ctx ends,
// the run times out or the browser closes.
func (t *RunTask) Run(ctx context.Context) (Result, error) {
	bctx, err := t.browser()
	if err != nil {
		return Result{}, err
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if t.opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(bctx, t.opts.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(bctx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	done := make(chan string, 1)
	t.mu.Lock()
	t.done = done
	t.mu.Unlock()

	start := time.Now()
	actions := []chromedp.Action{}
	if t.opts.Coverage {
		actions = append(actions, profiler.Enable(), chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := profiler.StartPreciseCoverage().WithCallCount(true).WithDetailed(true).Do(ctx)
			return err
		}))
	}
	actions = append(actions, chromedp.Navigate(t.opts.URL))
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return Result{}, t.runError(ctx, bctx, runCtx, fmt.Errorf("browser: load %s: %w", t.opts.URL, err))
	}

	var payload string
	select {
	case payload = <-done:
	case <-runCtx.Done():
		return Result{}, t.runError(ctx, bctx, runCtx, runCtx.Err())
	}
	failures, err := strconv.Atoi(payload)
	if err != nil {
		return Result{}, fmt.Errorf("browser: bad failure count %q: %w", payload, err)
	}

	res := Result{Failures: failures}
	if t.opts.Coverage {
		var entries []*profiler.ScriptCoverage
		err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			entries, _, err = profiler.TakePreciseCoverage().Do(ctx)
			if err != nil {
				return err
			}
			return profiler.StopPreciseCoverage().Do(ctx)
		}))
		if err != nil {
			return Result{}, t.runError(ctx, bctx, runCtx, fmt.Errorf("browser: take coverage: %w", err))
		}
		res.Coverage = coverage.Filter(entries, t.opts.SpecsGlob)
	}
	t.log.Debug("page run finished",
		logx.Int("failures", failures),
		logx.Int("coverage_files", len(res.Coverage)),
		logx.Duration("took", time.Since(start)),
	)
	return res, nil
}

// runError maps a failure to the most useful cause: browser gone, caller
// canceled, or timeout.
func (t *RunTask) runError(ctx, bctx, runCtx context.Context, err error) error {
	switch {
	case bctx.Err() != nil:
		return ErrClosed
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("browser: run exceeded %s: %w", t.opts.RunTimeout, context.DeadlineExceeded)
	}
	return err
}

// browser returns the live browser context, launching Chrome if needed.
func (t *RunTask) browser() (context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browserCtx != nil && t.browserCtx.Err() == nil {
		return t.browserCtx, nil
	}
	t.releaseLocked()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(t.opts.DebugPort)),
		chromedp.WindowSize(t.opts.ViewportWidth, t.opts.ViewportHeight),
	)
	if t.opts.DebugAddress != "" {
		opts = append(opts, chromedp.Flag("remote-debugging-address", t.opts.DebugAddress))
	}
	if t.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(t.opts.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	bctx, bcancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(f string, a ...any) { t.log.Trace(fmt.Sprintf(f, a...)) }),
		chromedp.WithErrorf(func(f string, a ...any) { t.log.Debug("chromedp: " + fmt.Sprintf(f, a...)) }),
	)
	chromedp.ListenTarget(bctx, t.onEvent)

	// The first Run starts the browser and ties its lifetime to bctx.
	if err := chromedp.Run(bctx, runtime.AddBinding(doneBinding)); err != nil {
		bcancel()
		allocCancel()
		return nil, fmt.Errorf("browser: launch: %w", err)
	}
	t.allocCancel, t.browserCtx, t.browserCancel = allocCancel, bctx, bcancel
	t.log.Info("browser launched",
		logx.String("exec", t.opts.ExecPath),
		logx.String("debug_addr", fmt.Sprintf("%s:%d", t.opts.DebugAddress, t.opts.DebugPort)),
	)
	return bctx, nil
}

func (t *RunTask) onEvent(ev any) {
	switch ev := ev.(type) {
	case *runtime.EventBindingCalled:
		if ev.Name != doneBinding {
			return
		}
		t.mu.Lock()
		ch := t.done
		t.mu.Unlock()
		if ch == nil {
			return
		}
		select {
		case ch <- ev.Payload:
		default:
		}
	case *runtime.EventConsoleAPICalled:
		t.forward(ConsoleMessage{Level: string(ev.Type), Text: formatArgs(ev.Args)})
	case *runtime.EventExceptionThrown:
		t.forward(ConsoleMessage{Level: "error", Text: formatException(ev.ExceptionDetails)})
	case *inspector.EventTargetCrashed:
		t.log.Error("browser page crashed")
	}
}

func (t *RunTask) forward(m ConsoleMessage) {
	if t.console != nil {
		t.console.Write(m)
	}
}

// Cancel closes the browser. It is idempotent and safe to call while Run is
// in progress, which then returns ErrClosed.
func (t *RunTask) Cancel(ctx context.Context) error {
	t.mu.Lock()
	bctx := t.browserCtx
	bcancel, acancel := t.browserCancel, t.allocCancel
	t.allocCancel, t.browserCtx, t.browserCancel = nil, nil, nil
	t.mu.Unlock()
	if bctx == nil {
		return nil
	}

	// Graceful close first; the allocator cancel below kills the process.
	closed := make(chan error, 1)
	go func() { closed <- chromedp.Cancel(bctx) }()
	var err error
	select {
	case err = <-closed:
	case <-ctx.Done():
		err = ctx.Err()
	}
	bcancel()
	acancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("browser: close: %w", err)
	}
	t.log.Info("browser closed")
	return nil
}

// releaseLocked frees a dead browser's allocator before relaunching.
func (t *RunTask) releaseLocked() {
	if t.browserCancel != nil {
		t.browserCancel()
	}
	if t.allocCancel != nil {
		t.allocCancel()
	}
	t.allocCancel, t.browserCtx, t.browserCancel = nil, nil, nil
}

package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/runtime"
	"golang.org/x/time/rate"

	logx "pagetest/pkg/logx"
)

// ConsoleMessage is one console API call or uncaught exception from the page.
type ConsoleMessage struct {
	Level string
	Text  string
}

// ConsoleSink writes page console output to out at a bounded rate. Messages
// arriving while the buffer is full are dropped and counted.
type ConsoleSink struct {
	out io.Writer
	log logx.Logger
	lim *rate.Limiter
	ch  chan ConsoleMessage

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

const consoleBuffer = 512

// NewConsoleSink starts the writer goroutine. perSecond <= 0 disables the
// limit.
func NewConsoleSink(out io.Writer, perSecond int, log logx.Logger) *ConsoleSink {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &ConsoleSink{
		out:    out,
		log:    log,
		lim:    lim,
		ch:     make(chan ConsoleMessage, consoleBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *ConsoleSink) Write(m ConsoleMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- m:
	default:
		c.dropped.Add(1)
	}
}

// Dropped is the number of messages discarded so far.
func (c *ConsoleSink) Dropped() uint64 { return c.dropped.Load() }

// Close writes what is buffered without rate limiting and stops the sink.
func (c *ConsoleSink) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	close(c.ch)
	c.mu.Unlock()
	<-c.done
}

func (c *ConsoleSink) loop() {
	defer close(c.done)
	var reported uint64
	for m := range c.ch {
		// Wait fails once the sink is closing; the backlog is flushed as is.
		_ = c.lim.Wait(c.ctx)
		if n := c.dropped.Load(); n > reported {
			c.log.Warn("browser console output dropped", logx.Uint64("count", n-reported))
			reported = n
		}
		if _, err := io.WriteString(c.out, m.Text+"\n"); err != nil {
			c.log.Debug("console write failed", logx.Err(err))
		}
	}
}

// formatArgs renders console arguments the way a terminal user expects:
// strings unquoted, other values as JSON or their description.
func formatArgs(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		parts = append(parts, formatObject(a))
	}
	return strings.Join(parts, " ")
}

func formatObject(a *runtime.RemoteObject) string {
	if len(a.Value) > 0 {
		var s string
		if err := json.Unmarshal(a.Value, &s); err == nil {
			return s
		}
		return string(a.Value)
	}
	if a.UnserializableValue != "" {
		return string(a.UnserializableValue)
	}
	if a.Description != "" {
		return a.Description
	}
	return string(a.Type)
}

func formatException(d *runtime.ExceptionDetails) string {
	if d == nil {
		return "uncaught exception"
	}
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	if d.URL != "" {
		return fmt.Sprintf("%s (%s:%d:%d)", d.Text, d.URL, d.LineNumber+1, d.ColumnNumber+1)
	}
	return d.Text
}

package browser

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pagetest/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestConsoleSinkWritesInOrder(t *testing.T) {
	var out syncBuffer
	c := NewConsoleSink(&out, 0, logx.Nop())
	for i := 0; i < 5; i++ {
		c.Write(ConsoleMessage{Level: "log", Text: fmt.Sprintf("line %d", i)})
	}
	c.Close()
	c.Close()
	c.Write(ConsoleMessage{Text: "after close"})

	assert.Equal(t, "line 0\nline 1\nline 2\nline 3\nline 4\n", out.String())
	assert.Zero(t, c.Dropped())
}

func TestConsoleSinkDropsWhenFull(t *testing.T) {
	var out syncBuffer
	// One message per second: the writer stalls and the buffer overflows.
	c := NewConsoleSink(&out, 1, logx.Nop())
	for i := 0; i < consoleBuffer+100; i++ {
		c.Write(ConsoleMessage{Text: "spam"})
	}
	assert.Greater(t, c.Dropped(), uint64(0))

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not flush the backlog promptly")
	}
	lines := strings.Count(out.String(), "\n")
	assert.Equal(t, uint64(consoleBuffer+100), uint64(lines)+c.Dropped())
}

func TestFormatArgs(t *testing.T) {
	args := []*runtime.RemoteObject{
		{Type: runtime.TypeString, Value: []byte(`"  ✓ adds numbers"`)},
		{Type: runtime.TypeNumber, Value: []byte(`3`)},
		{Type: runtime.TypeNumber, UnserializableValue: "NaN"},
		{Type: runtime.TypeObject, Description: "Error: boom"},
		{Type: runtime.TypeUndefined},
		nil,
	}
	assert.Equal(t, "  ✓ adds numbers 3 NaN Error: boom undefined", formatArgs(args))
}

func TestFormatException(t *testing.T) {
	assert.Equal(t, "uncaught exception", formatException(nil))
	assert.Equal(t, "TypeError: x is undefined", formatException(&runtime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &runtime.RemoteObject{Description: "TypeError: x is undefined"},
	}))
	assert.Equal(t, "Uncaught SyntaxError (http://h/a.js:3:5)", formatException(&runtime.ExceptionDetails{
		Text: "Uncaught SyntaxError", URL: "http://h/a.js", LineNumber: 2, ColumnNumber: 4,
	}))
}

func TestCancelBeforeRunIsNoop(t *testing.T) {
	task := NewRunTask(Options{}, nil, logx.Nop())
	require.NoError(t, task.Cancel(context.Background()))
	require.NoError(t, task.Cancel(context.Background()))
}

func chromeOrSkip(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("browser test in -short mode")
	}
	p := FindChrome()
	if p == "" {
		t.Skip("no Chrome executable on PATH")
	}
	return p
}

func testPage(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/lib.js":
			w.Header().Set("Content-Type", "text/javascript")
			fmt.Fprint(w, "window.answer = function () { return 42; };")
		default:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, body)
		}
	}))
}

func TestRunReportsFailures(t *testing.T) {
	exec := chromeOrSkip(t)
	srv := testPage(`<!DOCTYPE html><script src="/lib.js"></script><script>
console.log("hello", window.answer());
setTimeout(function () { window.__done__("2"); }, 10);
</script>`)
	defer srv.Close()

	var out syncBuffer
	sink := NewConsoleSink(&out, 0, logx.Nop())
	task := NewRunTask(Options{
		URL: srv.URL, ExecPath: exec, ViewportWidth: 800, ViewportHeight: 600,
		DebugAddress: "127.0.0.1", Coverage: true, SpecsGlob: "**/*.test.js",
		RunTimeout: 30 * time.Second,
	}, sink, logx.Nop())
	defer func() { _ = task.Cancel(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := task.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failures)
	require.NotEmpty(t, res.Coverage)
	for _, e := range res.Coverage {
		assert.NotEqual(t, srv.URL+"/", e.URL, "inline page script is filtered")
	}

	// The browser is reused for the next run.
	res, err = task.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failures)

	sink.Close()
	assert.Contains(t, out.String(), "hello 42")
}

func TestCancelInterruptsRun(t *testing.T) {
	exec := chromeOrSkip(t)
	srv := testPage(`<!DOCTYPE html><p>never finishes</p>`)
	defer srv.Close()

	task := NewRunTask(Options{URL: srv.URL, ExecPath: exec, ViewportWidth: 800, ViewportHeight: 600, DebugAddress: "127.0.0.1"}, nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := task.Run(ctx)
		errc <- err
	}()
	time.Sleep(2 * time.Second)
	require.NoError(t, task.Cancel(ctx))
	require.NoError(t, task.Cancel(ctx))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(30 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

func TestRunTimeout(t *testing.T) {
	exec := chromeOrSkip(t)
	srv := testPage(`<!DOCTYPE html><p>never finishes</p>`)
	defer srv.Close()

	task := NewRunTask(Options{
		URL: srv.URL, ExecPath: exec, ViewportWidth: 800, ViewportHeight: 600,
		DebugAddress: "127.0.0.1", RunTimeout: 2 * time.Second,
	}, nil, logx.Nop())
	defer func() { _ = task.Cancel(context.Background()) }()

	_, err := task.Run(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

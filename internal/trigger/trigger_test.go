package trigger

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pagetest/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, source: "cron"},
		{name: "every", raw: "@every 10m", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron"},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every:00:50", kind: KindInterval, source: "hhmm", duration: 50 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == KindInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
			_, err = got.CronSchedule()
			assert.NoError(t, err)
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "interval:-5m", "00:00", "12:75", "61 * * * *"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestRerunFires(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	r, err := NewRerun("1s", time.UTC, func() { fired.Add(1) }, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "every 1s", r.Schedule().String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, r.Next().IsZero())
	cancel()
	require.NoError(t, <-done)
}

func TestNewRerunRejectsBadInput(t *testing.T) {
	t.Parallel()
	_, err := NewRerun("whenever", nil, func() {}, logx.Nop())
	assert.Error(t, err)
	_, err = NewRerun("1m", nil, nil, logx.Nop())
	assert.Error(t, err)
}

func TestDebouncerCollapsesBurst(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	d := newDebouncer(50*time.Millisecond, func() { fired.Add(1) })
	for i := 0; i < 10; i++ {
		d.trigger()
	}
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	d.stop()
	d.trigger()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestWatcherFiresOnChanges(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0o755))

	var fired atomic.Int32
	w := NewWatcher(root, func() { fired.Add(1) }, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher starts asynchronously; keep touching until it sees a change.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(root, "sum.js"), []byte("export const x = 1"), 0o644)
		return fired.Load() >= 1
	}, 5*time.Second, 50*time.Millisecond)

	// Directories created after start are watched too.
	sub := filepath.Join(root, "core")
	require.NoError(t, os.Mkdir(sub, 0o755))
	before := fired.Load()
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(sub, "sum.test.js"), []byte("suite('x')"), 0o644)
		return fired.Load() > before
	}, 5*time.Second, 50*time.Millisecond)

	// Ignored trees never count.
	time.Sleep(100 * time.Millisecond)
	events := w.Events()
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep", "index.js"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, events, w.Events())
}

func TestWatcherIgnored(t *testing.T) {
	t.Parallel()
	w := NewWatcher("/src", func() {})
	assert.True(t, w.ignored("/src/node_modules/mocha/mocha.js"))
	assert.True(t, w.ignored("/src/a/.git/HEAD"))
	assert.False(t, w.ignored("/src/core/sum.js"))
}

package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestVirtualReleasesOnlyPastTarget(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := NewVirtual()

	done := make(chan struct{})
	go func() {
		_ = v.Wait(ctx, 100*time.Millisecond)
		close(done)
	}()
	require.NoError(t, v.BlockUntil(ctx, 1))

	require.NoError(t, v.Flush(ctx, 90*time.Millisecond))
	select {
	case <-done:
		t.Fatal("wait resolved before its target")
	default:
	}
	assert.Equal(t, 1, v.Pending())

	require.NoError(t, v.Flush(ctx, 11*time.Millisecond))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait not resolved after target passed")
	}
	assert.Equal(t, 0, v.Pending())
	assert.Equal(t, 101*time.Millisecond, v.Now())
}

func TestVirtualSharedTargetResolvesTogether(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := NewVirtual()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = v.Wait(ctx, 50*time.Millisecond)
		}()
	}
	require.NoError(t, v.BlockUntil(ctx, 2))

	v.mu.Lock()
	targets := len(v.targets)
	v.mu.Unlock()
	assert.Equal(t, 1, targets, "same absolute target should share one completion")

	require.NoError(t, v.Flush(ctx, 50*time.Millisecond))
	wg.Wait()
	assert.Equal(t, 0, v.Pending())
}

func TestVirtualFlushReleasesInAscendingOrder(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := NewVirtual()

	var (
		mu    sync.Mutex
		order []time.Duration
		wg    sync.WaitGroup
	)
	for _, d := range []time.Duration{30, 10, 20} {
		d := d * time.Millisecond
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := v.Wait(ctx, d); err == nil {
				mu.Lock()
				order = append(order, d)
				mu.Unlock()
			}
		}()
	}
	require.NoError(t, v.BlockUntil(ctx, 3))
	require.NoError(t, v.Flush(ctx, 30*time.Millisecond))
	wg.Wait()

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, order)
}

func TestVirtualFlushCapturesChainedWaits(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := NewVirtual()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := v.Wait(ctx, 50*time.Millisecond); err != nil {
			return
		}
		_ = v.Wait(ctx, 50*time.Millisecond)
	}()
	require.NoError(t, v.BlockUntil(ctx, 1))

	require.NoError(t, v.Flush(ctx, 100*time.Millisecond))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chained wait inside the flushed window was not released")
	}
}

func TestVirtualChainedWaitOutsideWindowStaysPending(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := NewVirtual()

	second := make(chan struct{})
	go func() {
		if err := v.Wait(ctx, 50*time.Millisecond); err != nil {
			return
		}
		_ = v.Wait(ctx, 100*time.Millisecond)
		close(second)
	}()
	require.NoError(t, v.BlockUntil(ctx, 1))

	require.NoError(t, v.Flush(ctx, 100*time.Millisecond))
	assert.Equal(t, 1, v.Pending())
	select {
	case <-second:
		t.Fatal("wait targeting 150ms released by a flush to 100ms")
	default:
	}

	require.NoError(t, v.Flush(ctx, 50*time.Millisecond))
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second wait not released")
	}
}

func TestVirtualFlushGivesUpOnWaiterThatDoesNotWaitAgain(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := NewVirtual(WithSettleGrace(20 * time.Millisecond))

	hold := make(chan struct{})
	defer close(hold)
	go func() {
		_ = v.Wait(ctx, 10*time.Millisecond)
		<-hold
	}()
	require.NoError(t, v.BlockUntil(ctx, 1))

	start := time.Now()
	require.NoError(t, v.Flush(ctx, 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "settle grace is real time")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 10*time.Millisecond, v.Now(), "the virtual clock only moves by the flushed amount")
	assert.Equal(t, 0, v.Pending())
}

func TestVirtualWaitHonorsContext(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	v := NewVirtual()

	wctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() { errc <- v.Wait(wctx, time.Hour) }()
	require.NoError(t, v.BlockUntil(ctx, 1))

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled wait did not return")
	}
	assert.Equal(t, 0, v.Pending())
}

func TestRealWait(t *testing.T) {
	t.Parallel()

	start := time.Now()
	require.NoError(t, Real{}.Wait(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Real{}.Wait(ctx, time.Hour), context.Canceled)
}

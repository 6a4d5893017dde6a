package timer

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultSettleGrace = 50 * time.Millisecond

// Virtual is a Timer driven by an explicit virtual clock.
//
// Waits that land on the same absolute target share one completion. Flush
// advances the clock and releases due targets in ascending order; after each
// release it lets the woken goroutines run until they call back into the
// timer, so waits chained off a release are captured by the same Flush when
// their target is still inside the window.
//
// A woken goroutine that never waits again (it returns, or blocks on
// something else) is given a short real-time grace period instead.
type Virtual struct {
	flushMu sync.Mutex

	mu        sync.Mutex
	now       time.Duration
	targets   map[time.Duration]*completion
	parked    int
	unsettled int
	changed   chan struct{}

	grace time.Duration
}

type completion struct {
	ch chan struct{}
	n  int
}

// VirtualOption configures a Virtual timer.
type VirtualOption func(*Virtual)

// WithSettleGrace bounds how long Flush waits for a released goroutine to
// call back into the timer before moving on.
func WithSettleGrace(d time.Duration) VirtualOption {
	return func(v *Virtual) {
		if d > 0 {
			v.grace = d
		}
	}
}

func NewVirtual(opts ...VirtualOption) *Virtual {
	v := &Virtual{
		targets: map[time.Duration]*completion{},
		changed: make(chan struct{}),
		grace:   defaultSettleGrace,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Now returns the virtual time elapsed since the timer was created.
func (v *Virtual) Now() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Pending reports how many goroutines are parked in Wait.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.parked
}

func (v *Virtual) Wait(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if d < 0 {
		d = 0
	}

	v.mu.Lock()
	if v.unsettled > 0 {
		v.unsettled--
	}
	if err := ctx.Err(); err != nil {
		v.notifyLocked()
		v.mu.Unlock()
		return err
	}
	target := v.now + d
	c := v.targets[target]
	if c == nil {
		c = &completion{ch: make(chan struct{})}
		v.targets[target] = c
	}
	c.n++
	v.parked++
	v.notifyLocked()
	v.mu.Unlock()

	select {
	case <-c.ch:
		return nil
	case <-ctx.Done():
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	select {
	case <-c.ch:
		// Released concurrently with cancellation; the release wins.
		return nil
	default:
	}
	c.n--
	v.parked--
	if c.n == 0 && v.targets[target] == c {
		delete(v.targets, target)
	}
	v.notifyLocked()
	return ctx.Err()
}

// Flush advances the virtual clock by d and releases every wait whose target
// falls inside the advanced window.
//
// Flush is the one place Virtual touches wall-clock time: after a release it
// waits for each woken goroutine to call back into the timer, and one that
// does not is given up on after a real-time settle grace (50ms by default).
// The clock itself only moves through Flush.
func (v *Virtual) Flush(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if d < 0 {
		d = 0
	}
	v.flushMu.Lock()
	defer v.flushMu.Unlock()

	v.mu.Lock()
	end := v.now + d
	for {
		target, c, ok := v.nextDueLocked(end)
		if !ok {
			break
		}
		delete(v.targets, target)
		v.now = target
		v.parked -= c.n
		v.unsettled += c.n
		close(c.ch)
		v.notifyLocked()

		if err := v.settleLocked(ctx); err != nil {
			v.mu.Unlock()
			return err
		}
	}
	v.now = end
	v.mu.Unlock()
	return nil
}

// BlockUntil blocks until at least n goroutines are parked in Wait.
func (v *Virtual) BlockUntil(ctx context.Context, n int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		v.mu.Lock()
		if v.parked >= n {
			v.mu.Unlock()
			return nil
		}
		ch := v.changed
		v.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// settleLocked waits (releasing mu while blocked) until every released
// goroutine has called back into the timer or the grace period expires.
func (v *Virtual) settleLocked(ctx context.Context) error {
	if v.unsettled == 0 {
		return nil
	}
	grace := time.NewTimer(v.grace)
	defer grace.Stop()
	for v.unsettled > 0 {
		ch := v.changed
		v.mu.Unlock()
		select {
		case <-ch:
			v.mu.Lock()
		case <-grace.C:
			v.mu.Lock()
			v.unsettled = 0
		case <-ctx.Done():
			v.mu.Lock()
			v.unsettled = 0
			return ctx.Err()
		}
	}
	return nil
}

func (v *Virtual) nextDueLocked(end time.Duration) (time.Duration, *completion, bool) {
	if len(v.targets) == 0 {
		return 0, nil, false
	}
	keys := make([]time.Duration, 0, len(v.targets))
	for k := range v.targets {
		if k <= end {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, nil, false
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0], v.targets[keys[0]], true
}

func (v *Virtual) notifyLocked() {
	close(v.changed)
	v.changed = make(chan struct{})
}

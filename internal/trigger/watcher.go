package trigger

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "pagetest/pkg/logx"
)

// DefaultIgnore lists directory names the watcher never descends into.
var DefaultIgnore = []string{".git", "node_modules"}

// Watcher recursively watches a directory tree and calls fire once per burst
// of changes.
type Watcher struct {
	root     string
	fire     func()
	debounce time.Duration
	ignore   map[string]bool
	log      logx.Logger

	mu     sync.Mutex
	events int
}

type WatcherOption func(*Watcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithIgnore replaces DefaultIgnore.
func WithIgnore(names ...string) WatcherOption {
	return func(w *Watcher) {
		w.ignore = map[string]bool{}
		for _, n := range names {
			w.ignore[n] = true
		}
	}
}

func WithLogger(log logx.Logger) WatcherOption {
	return func(w *Watcher) { w.log = log }
}

func NewWatcher(root string, fire func(), opts ...WatcherOption) *Watcher {
	w := &Watcher{root: root, fire: fire, debounce: 250 * time.Millisecond, log: logx.Nop()}
	WithIgnore(DefaultIgnore...)(w)
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	return w
}

// Events returns how many relevant file events were observed.
func (w *Watcher) Events() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

// Run watches until ctx ends. A broken fsnotify watcher is recreated with a
// jittered exponential backoff; a change burst spanning the gap may be missed.
func (w *Watcher) Run(ctx context.Context) error {
	if w.fire == nil {
		return errors.New("watcher: nil callback")
	}
	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	deb := newDebouncer(w.debounce, w.fire)
	defer deb.stop()

	for ctx.Err() == nil {
		fw, err := w.open()
		if err != nil {
			wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
			backoff = min(backoff*2, backoffMax)
			w.log.Warn("watch init failed; retrying", logx.String("root", w.root), logx.Duration("backoff", wait), logx.Err(err))
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}
		backoff = backoffBase
		w.log.Debug("watcher started", logx.String("root", w.root))

		err = w.loop(ctx, fw, deb)
		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("watcher stopped; restarting", logx.String("root", w.root), logx.Err(err))
		// Changes may have happened while the watcher was down.
		deb.trigger()
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, deb *debouncer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if ev.Op == fsnotify.Chmod || w.ignored(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					if err := w.addTree(fw, ev.Name); err != nil {
						w.log.Warn("watch add failed", logx.String("dir", ev.Name), logx.Err(err))
					}
				}
			}
			w.mu.Lock()
			w.events++
			w.mu.Unlock()
			w.log.Trace("file change", logx.String("path", ev.Name), logx.String("op", ev.Op.String()))
			deb.trigger()
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("watch overflow; scheduling a run", logx.String("root", w.root))
				deb.trigger()
				continue
			}
			w.log.Warn("watch error", logx.Err(err))
		}
	}
}

func (w *Watcher) open() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.addTree(fw, w.root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return fw, nil
}

// addTree adds dir and every non-ignored directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The directory may vanish between the event and the walk.
			if path != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignore[d.Name()] {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.ignore[part] {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// debouncer calls fn once, delay after the last trigger of a burst.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.t != nil {
		d.t.Stop()
	}
}

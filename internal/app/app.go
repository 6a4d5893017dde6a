// Package app wires the test server, the browser task and the triggers into
// the two harness modes: a single CI run and a long-lived watch session.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"pagetest/internal/browser"
	"pagetest/internal/config"
	"pagetest/internal/eventbus"
	"pagetest/internal/metrics"
	"pagetest/internal/server"
	"pagetest/internal/storage"
	"pagetest/internal/task"
	logx "pagetest/pkg/logx"
	"pagetest/pkg/systemd"
)

// TaskFactory builds the page-run task once the test server URL is known.
type TaskFactory func(url string) task.Task[browser.Result]

type App struct {
	cfg *config.Config
	dur config.Durations
	log logx.Logger
	out io.Writer

	bus     eventbus.Bus
	metrics *metrics.Recorder
	store   storage.Store
	console *browser.ConsoleSink
	server  *server.Server
	notify  systemd.Notifier

	newTask TaskFactory
	run     *suiteRun

	// Optional hot reload (watch mode).
	cfgm *config.Manager
	logs *logx.Service

	history   <-chan eventbus.Event
	unsubHist func()
	closeOnce sync.Once
}

type Option func(*App)

// WithOutput sets where reports and page console output go (stdout by
// default).
func WithOutput(w io.Writer) Option { return func(a *App) { a.out = w } }

// WithTaskFactory replaces the Chrome-backed task.
func WithTaskFactory(f TaskFactory) Option { return func(a *App) { a.newTask = f } }

// WithConfigReload enables config hot reload in watch mode. Logging changes
// are applied to logs; other changes are reported as needing a restart.
func WithConfigReload(m *config.Manager, logs *logx.Service) Option {
	return func(a *App) { a.cfgm, a.logs = m, logs }
}

// New builds every component; nothing listens or launches until CI or
// Watch is called.
func New(cfg *config.Config, log logx.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &App{
		cfg:    cfg,
		dur:    d,
		log:    log.With(logx.String("comp", "app")),
		out:    os.Stdout,
		bus:    eventbus.New(),
		notify: systemd.Notifier{Log: log.With(logx.String("comp", "systemd"))},
	}
	for _, o := range opts {
		o(a)
	}

	if cfg.MetricsEnabled() {
		a.metrics = metrics.New()
	}
	if sc, ok := mapStorageConfig(cfg, d); ok {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, fmt.Errorf("app: open storage: %w", err)
		}
		a.store = st
		a.log.Info("run history enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	srvOpts := server.Options{
		Sources:        cfg.Sources,
		NodeModules:    cfg.NodeModules,
		SpecsGlob:      cfg.SpecsGlob,
		UI:             cfg.UI,
		DisableCaching: cfg.DisableCaching,
		Port:           cfg.Server.Port,
	}
	if cfg.Coverage.Enabled {
		srvOpts.CoverageDir = cfg.Coverage.Output
	}
	if a.metrics != nil {
		srvOpts.Metrics = a.metrics.Handler()
	}
	a.server, err = server.New(srvOpts, log.With(logx.String("comp", "server")))
	if err != nil {
		a.closeStore()
		return nil, err
	}

	a.console = browser.NewConsoleSink(a.out, cfg.Chrome.ConsoleRate, log.With(logx.String("comp", "console")))
	if a.newTask == nil {
		a.newTask = a.chromeTask
	}
	a.history, a.unsubHist = a.bus.Subscribe(64, EventRunFinished)
	return a, nil
}

func (a *App) chromeTask(url string) task.Task[browser.Result] {
	exec := a.cfg.Chrome.ExecutablePath
	if exec == "" {
		exec = browser.FindChrome()
	}
	return browser.NewRunTask(browser.Options{
		URL:            url,
		ExecPath:       exec,
		ViewportWidth:  a.cfg.Chrome.ViewportWidth,
		ViewportHeight: a.cfg.Chrome.ViewportHeight,
		DebugAddress:   a.cfg.Chrome.RemoteDebuggingAddress,
		DebugPort:      a.cfg.Chrome.RemoteDebuggingPort,
		Coverage:       a.cfg.Coverage.Enabled,
		SpecsGlob:      a.cfg.SpecsGlob,
		RunTimeout:     a.dur.RunTimeout,
	}, a.console, a.log.With(logx.String("comp", "browser")))
}

// Bus exposes run events (EventRunFinished plus the scheduler's task events
// in watch mode).
func (a *App) Bus() eventbus.Bus { return a.bus }

// Metrics is nil when metrics are disabled.
func (a *App) Metrics() *metrics.Recorder { return a.metrics }

// start brings the server up and builds the task pointed at it.
func (a *App) start(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return err
	}
	a.run = &suiteRun{inner: a.newTask(a.server.URL())}
	return nil
}

// close releases everything in order. The server and the task are always
// closed, whatever failed before.
func (a *App) close() {
	a.closeOnce.Do(func() {
		ctx := context.Background()
		if a.run != nil {
			_ = stopStep(ctx, a.log, "browser", 10*time.Second, a.run.Cancel)
		}
		_ = stopStep(ctx, a.log, "server", 5*time.Second, a.server.Shutdown)
		a.console.Close()
		a.unsubHist()
		a.closeStore()
	})
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pagetest/internal/app"
	"pagetest/internal/config"
	logx "pagetest/pkg/logx"
)

const usage = `usage: pagetest [flags] <ci|watch> [specs-glob]
       pagetest [flags] history [limit]

Runs Mocha spec files in headless Chrome.

  ci       run the suite once; exit status 1 when any test fails
  watch    re-run the suite whenever a file under -sources changes
  history  list recorded runs, newest first (default limit 20)

Flags:
`

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type flags struct {
	fs *flag.FlagSet

	configPath     string
	sources        string
	nodeModules    string
	ui             string
	disableCaching bool
	coverage       bool
	coverageOutput string
	reporters      listFlag
	chromePath     string
	viewportW      int
	viewportH      int
	debugAddress   string
	debugPort      int
	port           int
	rerun          string
	logLevel       string
}

func newFlags() *flags {
	f := &flags{fs: flag.NewFlagSet("pagetest", flag.ContinueOnError)}
	fs := f.fs
	fs.StringVar(&f.configPath, "config", "", "config file (yaml or json); defaults to ./pagetest.{yaml,yml,json} when present")
	fs.StringVar(&f.sources, "sources", "", "source and spec root (required)")
	fs.StringVar(&f.nodeModules, "node-modules", "", "node_modules directory (default ./node_modules)")
	fs.StringVar(&f.ui, "ui", "", "Mocha interface: bdd, tdd or qunit (default tdd)")
	fs.BoolVar(&f.disableCaching, "disable-caching", false, "serve sources with Cache-Control: no-store")
	fs.BoolVar(&f.coverage, "coverage", false, "collect V8 coverage of project sources")
	fs.StringVar(&f.coverageOutput, "coverage-output", "", "coverage report directory (default ./coverage)")
	fs.Var(&f.reporters, "coverage-reporter", "coverage reporter: json, text or text-summary (repeatable)")
	fs.StringVar(&f.chromePath, "chrome-executable-path", "", "Chrome executable (default: found on PATH)")
	fs.IntVar(&f.viewportW, "chrome-viewport-width", 0, "browser viewport width (default 800)")
	fs.IntVar(&f.viewportH, "chrome-viewport-height", 0, "browser viewport height (default 600)")
	fs.StringVar(&f.debugAddress, "chrome-remote-debugging-address", "", "Chrome remote debugging address (default 0.0.0.0)")
	fs.IntVar(&f.debugPort, "chrome-remote-debugging-port", 0, "Chrome remote debugging port (default 9222)")
	fs.IntVar(&f.port, "port", 0, "test server port (default: random)")
	fs.StringVar(&f.rerun, "rerun", "", "watch mode: also re-run on a schedule (cron, @every 10m, 10m, HH:MM)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	return f
}

// overlay applies only the flags given on the command line so they win over
// the config file and the environment, including on hot reload.
func (f *flags) overlay(mode, glob string) func(*config.Config) {
	set := map[string]bool{}
	f.fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	return func(c *config.Config) {
		c.Mode = mode
		if glob != "" {
			c.SpecsGlob = glob
		}
		if set["sources"] {
			c.Sources = f.sources
		}
		if set["node-modules"] {
			c.NodeModules = f.nodeModules
		}
		if set["ui"] {
			c.UI = f.ui
		}
		if set["disable-caching"] {
			c.DisableCaching = f.disableCaching
		}
		if set["coverage"] {
			c.Coverage.Enabled = f.coverage
		}
		if set["coverage-output"] {
			c.Coverage.Output = f.coverageOutput
		}
		if set["coverage-reporter"] {
			c.Coverage.Reporters = append([]string(nil), f.reporters...)
		}
		if set["chrome-executable-path"] {
			c.Chrome.ExecutablePath = f.chromePath
		}
		if set["chrome-viewport-width"] {
			c.Chrome.ViewportWidth = f.viewportW
		}
		if set["chrome-viewport-height"] {
			c.Chrome.ViewportHeight = f.viewportH
		}
		if set["chrome-remote-debugging-address"] {
			c.Chrome.RemoteDebuggingAddress = f.debugAddress
		}
		if set["chrome-remote-debugging-port"] {
			c.Chrome.RemoteDebuggingPort = f.debugPort
		}
		if set["port"] {
			c.Server.Port = f.port
		}
		if set["rerun"] {
			c.Rerun = f.rerun
		}
		if set["log-level"] {
			c.Logging.Level = f.logLevel
		}
	}
}

const (
	modeHistory         = "history"
	defaultHistoryLimit = 20
)

// historyOverlay applies the flags like a ci run would. Listing history
// never serves sources, so a missing -sources falls back to the working
// directory.
func (f *flags) historyOverlay() func(*config.Config) {
	base := f.overlay(config.ModeCI, "")
	return func(c *config.Config) {
		base(c)
		if c.Sources == "" {
			c.Sources = "."
		}
	}
}

func defaultConfigPath() string {
	for _, p := range []string{"pagetest.yaml", "pagetest.yml", "pagetest.json"} {
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f := newFlags()
	if err := f.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := f.fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		f.fs.Usage()
		return 2
	}
	mode := rest[0]
	var arg string
	if len(rest) == 2 {
		arg = rest[1]
	}
	overlay := f.overlay(mode, arg)
	limit := defaultHistoryLimit
	switch mode {
	case config.ModeCI, config.ModeWatch:
	case modeHistory:
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				fmt.Fprintf(f.fs.Output(), "history: limit must be a positive number, got %q\n", arg)
				return 2
			}
			limit = n
		}
		overlay = f.historyOverlay()
	default:
		f.fs.Usage()
		return 2
	}

	boot := logx.NewConsole("info")
	cfgPath := f.configPath
	if cfgPath == "" {
		cfgPath = defaultConfigPath()
	}
	cfgm := config.NewManager(cfgPath)
	cfgm.SetOverlay(overlay)
	cfg, err := cfgm.Load()
	if err != nil {
		boot.Error("config", logx.Err(err))
		return 2
	}

	logs, log := logx.New(cfg.Logging.LogConfig())
	defer logs.Close()
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if mode == modeHistory {
		runs, err := app.History(ctx, cfg, log, limit)
		if err != nil {
			log.Error("history", logx.Err(err))
			return 1
		}
		if err := app.WriteHistory(os.Stdout, runs, time.Now()); err != nil {
			return 1
		}
		return 0
	}

	a, err := app.New(cfg, log, app.WithConfigReload(cfgm, logs))
	if err != nil {
		log.Error("startup failed", logx.Err(err))
		return 1
	}

	switch mode {
	case config.ModeCI:
		rep, err := a.CI(ctx)
		if err != nil {
			log.Error("run failed", logx.Err(err))
			return 1
		}
		if rep.Failures > 0 {
			return 1
		}
		return 0
	default:
		if err := a.Watch(ctx); err != nil {
			log.Error("watch stopped", logx.Err(err))
			return 1
		}
		return 0
	}
}

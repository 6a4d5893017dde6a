package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSpecsGlob      = "**/*.test.js"
	DefaultUI             = "tdd"
	DefaultPollInterval   = time.Second
	DefaultDebounce       = 250 * time.Millisecond
	DefaultRunTimeout     = 5 * time.Minute
	DefaultViewportWidth  = 800
	DefaultViewportHeight = 600
	DefaultDebugAddress   = "0.0.0.0"
	DefaultDebugPort      = 9222
	DefaultConsoleRate    = 50

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PAGETEST_"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SpecsGlob:   DefaultSpecsGlob,
		UI:          DefaultUI,
		NodeModules: "node_modules",
		Coverage: CoverageConfig{
			Output:    "coverage",
			Reporters: []string{"text"},
		},
		Chrome: ChromeConfig{
			ViewportWidth:          DefaultViewportWidth,
			ViewportHeight:         DefaultViewportHeight,
			RemoteDebuggingAddress: DefaultDebugAddress,
			RemoteDebuggingPort:    DefaultDebugPort,
			ConsoleRate:            DefaultConsoleRate,
		},
		PollInterval: DefaultPollInterval.String(),
		Debounce:     DefaultDebounce.String(),
		RunTimeout:   DefaultRunTimeout.String(),
		Logging:      LoggingConfig{Level: "info"},
		Storage:      StorageConfig{Driver: "none"},
	}
}

// fillDefaults sets every empty field from Default().
func fillDefaults(c *Config) {
	d := Default()
	setStr(&c.SpecsGlob, d.SpecsGlob)
	setStr(&c.UI, d.UI)
	setStr(&c.NodeModules, d.NodeModules)
	setStr(&c.Coverage.Output, d.Coverage.Output)
	if len(c.Coverage.Reporters) == 0 {
		c.Coverage.Reporters = d.Coverage.Reporters
	}
	setInt(&c.Chrome.ViewportWidth, d.Chrome.ViewportWidth)
	setInt(&c.Chrome.ViewportHeight, d.Chrome.ViewportHeight)
	setStr(&c.Chrome.RemoteDebuggingAddress, d.Chrome.RemoteDebuggingAddress)
	setInt(&c.Chrome.RemoteDebuggingPort, d.Chrome.RemoteDebuggingPort)
	setInt(&c.Chrome.ConsoleRate, d.Chrome.ConsoleRate)
	setStr(&c.PollInterval, d.PollInterval)
	setStr(&c.Debounce, d.Debounce)
	setStr(&c.RunTimeout, d.RunTimeout)
	setStr(&c.Logging.Level, d.Logging.Level)
	setStr(&c.Storage.Driver, d.Storage.Driver)
}

func setStr(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// ApplyEnv overrides c with PAGETEST_* variables found through lookup
// (os.LookupEnv when nil). Variable names mirror the command-line flags:
// PAGETEST_SPECS_GLOB, PAGETEST_COVERAGE_REPORTER (comma separated), ...
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	strs := map[string]*string{
		"MODE":                            &c.Mode,
		"SPECS_GLOB":                      &c.SpecsGlob,
		"UI":                              &c.UI,
		"SOURCES":                         &c.Sources,
		"NODE_MODULES":                    &c.NodeModules,
		"COVERAGE_OUTPUT":                 &c.Coverage.Output,
		"CHROME_EXECUTABLE_PATH":          &c.Chrome.ExecutablePath,
		"CHROME_REMOTE_DEBUGGING_ADDRESS": &c.Chrome.RemoteDebuggingAddress,
		"POLL_INTERVAL":                   &c.PollInterval,
		"DEBOUNCE":                        &c.Debounce,
		"RUN_TIMEOUT":                     &c.RunTimeout,
		"RERUN":                           &c.Rerun,
		"LOG_LEVEL":                       &c.Logging.Level,
		"LOG_FILE":                        &c.Logging.File.Path,
		"STORAGE_DRIVER":                  &c.Storage.Driver,
		"STORAGE_PATH":                    &c.Storage.Path,
	}
	for name, dst := range strs {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CHROME_VIEWPORT_WIDTH":        &c.Chrome.ViewportWidth,
		"CHROME_VIEWPORT_HEIGHT":       &c.Chrome.ViewportHeight,
		"CHROME_REMOTE_DEBUGGING_PORT": &c.Chrome.RemoteDebuggingPort,
		"SERVER_PORT":                  &c.Server.Port,
	}
	for name, dst := range ints {
		v, ok := get(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: invalid integer %q", EnvPrefix, name, v)
		}
		*dst = n
	}

	bools := map[string]func(bool){
		"DISABLE_CACHING": func(b bool) { c.DisableCaching = b },
		"COVERAGE":        func(b bool) { c.Coverage.Enabled = b },
		"METRICS":         func(b bool) { c.Metrics = &b },
		"LOG_CONSOLE":     func(b bool) { c.Logging.Console = &b },
	}
	for name, set := range bools {
		v, ok := get(name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: invalid boolean %q", EnvPrefix, name, v)
		}
		set(b)
	}

	if v, ok := get("COVERAGE_REPORTER"); ok {
		c.Coverage.Reporters = splitList(v)
	}
	if v, ok := get("LOG_FILE"); ok && v != "" {
		c.Logging.File.Enabled = true
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Finalize fills defaults and turns every path into an absolute one, relative
// to the working directory.
func Finalize(c *Config) error {
	fillDefaults(c)
	for _, p := range []*string{&c.Sources, &c.NodeModules, &c.Coverage.Output} {
		if strings.TrimSpace(*p) == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolve path %q: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

package config

// Config is the complete pagetest configuration.
//
// Sources of values, lowest precedence first: Default(), the config file,
// PAGETEST_* environment variables, command-line flags.
//
// Durations are Go duration strings (e.g. "250ms", "1s", "5m").
type Config struct {
	// Mode is "ci" (run once, exit with the result) or "watch".
	Mode string `json:"mode,omitempty"`

	// SpecsGlob selects spec files relative to Sources. Supports "**".
	SpecsGlob string `json:"specs_glob,omitempty"`

	// UI is the Mocha interface exposed to spec files: bdd, tdd or qunit.
	UI string `json:"ui,omitempty"`

	// Sources is the project's source and spec root (made absolute on load).
	Sources string `json:"sources,omitempty"`

	// NodeModules is served under /node_modules (made absolute on load).
	NodeModules string `json:"node_modules,omitempty"`

	// DisableCaching marks every served source file as non-cacheable.
	DisableCaching bool `json:"disable_caching,omitempty"`

	Coverage CoverageConfig `json:"coverage"`
	Chrome   ChromeConfig   `json:"chrome"`
	Server   ServerConfig   `json:"server"`

	// PollInterval is the scheduler's idle polling interval (watch mode).
	PollInterval string `json:"poll_interval,omitempty"`
	// Debounce collapses bursts of file events into one re-run.
	Debounce string `json:"debounce,omitempty"`
	// RunTimeout bounds one browser run. "0s" disables the bound.
	RunTimeout string `json:"run_timeout,omitempty"`
	// Rerun optionally re-runs the suite on a schedule in watch mode
	// (cron expression, "@every 10m", "10m", "HH:MM").
	Rerun string `json:"rerun,omitempty"`

	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Metrics exposes Prometheus metrics on /__pagetest/metrics.
	// Pointer so an explicit false survives defaults.
	Metrics *bool `json:"metrics,omitempty"`
}

type CoverageConfig struct {
	Enabled bool `json:"enabled"`
	// Output is the report directory (made absolute on load).
	Output string `json:"output,omitempty"`
	// Reporters: json, text, text-summary.
	Reporters []string `json:"reporters,omitempty"`
}

type ChromeConfig struct {
	// ExecutablePath defaults to google-chrome/chromium/chrome found on PATH.
	ExecutablePath string `json:"executable_path,omitempty"`

	ViewportWidth  int `json:"viewport_width,omitempty"`
	ViewportHeight int `json:"viewport_height,omitempty"`

	RemoteDebuggingAddress string `json:"remote_debugging_address,omitempty"`
	RemoteDebuggingPort    int    `json:"remote_debugging_port,omitempty"`

	// ConsoleRate caps forwarded browser console messages per second.
	ConsoleRate int `json:"console_rate,omitempty"`
}

type ServerConfig struct {
	// Port 0 picks a random free port.
	Port int `json:"port"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"`
	// Console is a pointer so an explicit false survives defaults.
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the optional run history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./.pagetest/history.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // none|file|sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

const (
	ModeCI    = "ci"
	ModeWatch = "watch"
)

// MetricsEnabled reports the effective metrics switch (default on).
func (c *Config) MetricsEnabled() bool {
	return c.Metrics == nil || *c.Metrics
}

// ConsoleEnabled reports the effective console logging switch (default on).
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

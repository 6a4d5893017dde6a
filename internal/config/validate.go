package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	logx "pagetest/pkg/logx"
)

var knownReporters = map[string]bool{"json": true, "text": true, "text-summary": true}

// Validate returns the first invalid field. It expects a finalized config.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeCI, ModeWatch:
	case "":
		return errors.New("mode: required (ci or watch)")
	default:
		return fmt.Errorf("mode: expected ci or watch, got %q", c.Mode)
	}
	if c.Sources == "" || !filepath.IsAbs(c.Sources) {
		return fmt.Errorf("sources: expected absolute path, got %q", c.Sources)
	}
	if c.NodeModules == "" || !filepath.IsAbs(c.NodeModules) {
		return fmt.Errorf("node_modules: expected absolute path, got %q", c.NodeModules)
	}
	if strings.TrimSpace(c.SpecsGlob) == "" {
		return errors.New("specs_glob: expected glob pattern")
	}
	if !doublestar.ValidatePattern(c.SpecsGlob) {
		return fmt.Errorf("specs_glob: invalid pattern %q", c.SpecsGlob)
	}
	switch c.UI {
	case "bdd", "tdd", "qunit":
	default:
		return fmt.Errorf("ui: expected bdd, tdd or qunit, got %q", c.UI)
	}
	if c.Coverage.Enabled {
		for _, r := range c.Coverage.Reporters {
			if !knownReporters[r] {
				return fmt.Errorf("coverage.reporters: unknown reporter %q", r)
			}
		}
	}
	if c.Chrome.ViewportWidth <= 0 || c.Chrome.ViewportHeight <= 0 {
		return fmt.Errorf("chrome: viewport must be positive, got %dx%d", c.Chrome.ViewportWidth, c.Chrome.ViewportHeight)
	}
	if c.Chrome.RemoteDebuggingPort < 0 || c.Chrome.RemoteDebuggingPort > 65535 {
		return fmt.Errorf("chrome.remote_debugging_port: out of range: %d", c.Chrome.RemoteDebuggingPort)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", c.Server.Port)
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: expected none, file or sqlite, got %q", c.Storage.Driver)
	}
	if _, err := c.Durations(); err != nil {
		return err
	}
	return nil
}

package config

import (
	"reflect"
	"sort"

	logx "pagetest/pkg/logx"
)

// liveSections can be applied without restarting a watch session.
var liveSections = map[string]bool{"logging": true}

// SummarizeChange returns the changed top-level sections, structured fields
// describing the new values for logging, and whether any change needs a
// restart to take effect.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	mark("specs", oldCfg.SpecsGlob != newCfg.SpecsGlob || oldCfg.UI != newCfg.UI ||
		oldCfg.Sources != newCfg.Sources || oldCfg.NodeModules != newCfg.NodeModules ||
		oldCfg.DisableCaching != newCfg.DisableCaching,
		logx.String("specs.glob", newCfg.SpecsGlob),
		logx.String("specs.ui", newCfg.UI),
	)
	mark("coverage", !reflect.DeepEqual(oldCfg.Coverage, newCfg.Coverage),
		logx.Bool("coverage.enabled", newCfg.Coverage.Enabled),
		logx.Any("coverage.reporters", newCfg.Coverage.Reporters),
	)
	mark("chrome", oldCfg.Chrome != newCfg.Chrome,
		logx.Int("chrome.viewport_width", newCfg.Chrome.ViewportWidth),
		logx.Int("chrome.viewport_height", newCfg.Chrome.ViewportHeight),
	)
	mark("server", oldCfg.Server != newCfg.Server, logx.Int("server.port", newCfg.Server.Port))
	mark("timing", oldCfg.PollInterval != newCfg.PollInterval || oldCfg.Debounce != newCfg.Debounce ||
		oldCfg.RunTimeout != newCfg.RunTimeout || oldCfg.Rerun != newCfg.Rerun,
		logx.String("poll_interval", newCfg.PollInterval),
		logx.String("rerun", newCfg.Rerun),
	)
	mark("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.ConsoleEnabled()),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
	)
	mark("storage", oldCfg.Storage != newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.path_set", newCfg.Storage.Path != ""),
	)
	mark("metrics", oldCfg.MetricsEnabled() != newCfg.MetricsEnabled(), logx.Bool("metrics", newCfg.MetricsEnabled()))

	restart := false
	for _, s := range changed {
		if !liveSections[s] {
			restart = true
		}
	}
	sort.Strings(changed)
	return changed, attrs, restart
}

// LogConfig maps the logging section to logx.Config.
func (l LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.ConsoleEnabled(),
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

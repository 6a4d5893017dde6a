package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations holds the parsed duration fields of a Config.
type Durations struct {
	PollInterval time.Duration
	Debounce     time.Duration
	// RunTimeout of zero means unbounded.
	RunTimeout  time.Duration
	BusyTimeout time.Duration
}

// Durations parses every duration field, applying defaults to empty or zero
// values (run_timeout "0s" stays zero).
func (c *Config) Durations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	if d.PollInterval, err = ParseDurationOrDefault("poll_interval", c.PollInterval, DefaultPollInterval); err != nil {
		return d, err
	}
	if d.Debounce, err = ParseDurationOrDefault("debounce", c.Debounce, DefaultDebounce); err != nil {
		return d, err
	}
	if strings.TrimSpace(c.RunTimeout) == "" {
		d.RunTimeout = DefaultRunTimeout
	} else if d.RunTimeout, err = ParseDurationField("run_timeout", c.RunTimeout); err != nil {
		return d, err
	}
	if d.BusyTimeout, err = ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second); err != nil {
		return d, err
	}
	return d, nil
}

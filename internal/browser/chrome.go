package browser

import (
	"os/exec"
	goruntime "runtime"
)

// FindChrome returns the first Chrome or Chromium executable on PATH, or ""
// when there is none.
func FindChrome() string {
	names := []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"}
	if goruntime.GOOS == "windows" {
		names = []string{"chrome"}
	}
	for _, n := range names {
		if p, err := exec.LookPath(n); err == nil {
			return p
		}
	}
	return ""
}

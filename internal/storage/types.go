package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one finished test run. Keep it compact and schema-stable.
type RunRecord struct {
	ID            string        `json:"id"`
	Mode          string        `json:"mode"`
	Started       time.Time     `json:"started"`
	Duration      time.Duration `json:"duration"`
	Failures      int           `json:"failures"`
	Error         string        `json:"error,omitempty"`
	CoverageFiles int           `json:"coverage_files,omitempty"`
}

// OK reports whether the run finished without errors or failed tests.
func (r RunRecord) OK() bool { return r.Error == "" && r.Failures == 0 }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

func prepare(r *RunRecord) {
	if r.ID == "" {
		r.ID = NewRunID()
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
}

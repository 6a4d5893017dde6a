package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"pagetest/internal/config"
	"pagetest/internal/storage"
	logx "pagetest/pkg/logx"
)

// History opens the configured run store and returns up to limit recorded
// runs, newest first. It returns storage.ErrDisabled when history is off.
func History(ctx context.Context, cfg *config.Config, log logx.Logger, limit int) ([]storage.RunRecord, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	sc, ok := mapStorageConfig(cfg, d)
	if !ok {
		return nil, storage.ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("app: open storage: %w", err)
	}
	defer st.Close()
	return st.ListRuns(ctx, limit)
}

// WriteHistory prints runs as a table, one line per run.
func WriteHistory(out io.Writer, runs []storage.RunRecord, now time.Time) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "No runs recorded.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODE\tRESULT\tTOOK\tCOVERAGE\t")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d files\t\n",
			humanize.RelTime(r.Started, now, "ago", "from now"),
			r.Mode,
			runResult(r),
			r.Duration.Round(time.Millisecond),
			r.CoverageFiles,
		)
	}
	return tw.Flush()
}

func runResult(r storage.RunRecord) string {
	switch {
	case r.Error != "":
		return "error: " + r.Error
	case r.Failures > 0:
		return fmt.Sprintf("%d failed", r.Failures)
	default:
		return "passed"
	}
}

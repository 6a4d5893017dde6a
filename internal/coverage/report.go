package coverage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

const (
	ReporterJSON        = "json"
	ReporterText        = "text"
	ReporterTextSummary = "text-summary"
)

// Reporters lists the accepted reporter names.
var Reporters = []string{ReporterJSON, ReporterText, ReporterTextSummary}

// JSONFile is the file written by the json reporter inside the output dir.
const JSONFile = "coverage.json"

// Write clears and recreates dir, then runs every reporter in order. Text
// reporters print to out.
func Write(dir string, reporters []string, entries []*Entry, out io.Writer) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("coverage: clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("coverage: create %s: %w", dir, err)
	}
	for _, r := range reporters {
		var err error
		switch r {
		case ReporterJSON:
			err = writeJSON(filepath.Join(dir, JSONFile), entries)
		case ReporterText:
			err = writeText(out, entries)
		case ReporterTextSummary:
			err = writeSummary(out, entries)
		default:
			err = fmt.Errorf("unknown reporter %q", r)
		}
		if err != nil {
			return fmt.Errorf("coverage: %s reporter: %w", r, err)
		}
	}
	return nil
}

func writeJSON(path string, entries []*Entry) error {
	if entries == nil {
		entries = []*Entry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func measureAll(entries []*Entry) []Stats {
	stats := make([]Stats, 0, len(entries))
	for _, e := range entries {
		stats = append(stats, Measure(e))
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	return stats
}

func writeText(out io.Writer, entries []*Entry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "File\tBytes\tCovered\t% Bytes\t")
	var sum Stats
	for _, s := range measureAll(entries) {
		sum.Total += s.Total
		sum.Covered += s.Covered
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t\n", s.Path, humanize.Bytes(uint64(s.Total)), humanize.Bytes(uint64(s.Covered)), s.Percent())
	}
	fmt.Fprintf(tw, "All files\t%s\t%s\t%.2f\t\n", humanize.Bytes(uint64(sum.Total)), humanize.Bytes(uint64(sum.Covered)), sum.Percent())
	return tw.Flush()
}

func writeSummary(out io.Writer, entries []*Entry) error {
	var sum Stats
	for _, s := range measureAll(entries) {
		sum.Total += s.Total
		sum.Covered += s.Covered
	}
	_, err := fmt.Fprintf(out, "Coverage summary: %d files, bytes %.2f%% (%s / %s)\n",
		len(entries), sum.Percent(), humanize.Comma(sum.Covered), humanize.Comma(sum.Total))
	return err
}

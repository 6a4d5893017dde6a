// Package coverage filters V8 precise coverage down to project sources and
// renders it with a small set of reporters.
package coverage

import (
	"net/url"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/chromedp/cdproto/profiler"
)

// Entry is one script's V8 coverage as reported by the Profiler domain.
type Entry = profiler.ScriptCoverage

// HarnessPrefix is the URL prefix of the harness's own client scripts.
const HarnessPrefix = "/__pagetest/"

// Filter drops everything that is not project source: spec files matched by
// specsGlob, the inline page script, harness client code, node_modules and
// scripts without a URL. Order is preserved.
func Filter(entries []*Entry, specsGlob string) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		p := Path(e.URL)
		switch {
		case p == "", p == "/":
			continue
		case strings.HasPrefix(p, HarnessPrefix), strings.HasPrefix(p, "/node_modules/"):
			continue
		}
		if specsGlob != "" {
			if ok, _ := doublestar.Match(specsGlob, strings.TrimPrefix(p, "/")); ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// Path returns the URL path of a script, or "" for anonymous scripts.
func Path(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return ""
	}
	return u.Path
}

// Stats is byte coverage of one script.
type Stats struct {
	Path    string
	Total   int64
	Covered int64
}

func (s Stats) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Covered) * 100 / float64(s.Total)
}

type span struct {
	start, end, count int64
}

// Measure computes byte coverage from block ranges. V8 nests ranges: the
// innermost range containing a byte decides its count.
func Measure(e *Entry) Stats {
	st := Stats{Path: Path(e.URL)}
	var spans []span
	bounds := map[int64]struct{}{}
	for _, fn := range e.Functions {
		if fn == nil {
			continue
		}
		for _, r := range fn.Ranges {
			if r == nil || r.EndOffset <= r.StartOffset {
				continue
			}
			spans = append(spans, span{r.StartOffset, r.EndOffset, r.Count})
			bounds[r.StartOffset] = struct{}{}
			bounds[r.EndOffset] = struct{}{}
			if r.EndOffset > st.Total {
				st.Total = r.EndOffset
			}
		}
	}
	if len(spans) == 0 {
		return st
	}
	points := make([]int64, 0, len(bounds))
	for p := range bounds {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	for i := 0; i+1 < len(points); i++ {
		lo, hi := points[i], points[i+1]
		inner, found := span{}, false
		for _, s := range spans {
			if s.start <= lo && hi <= s.end {
				if !found || s.end-s.start < inner.end-inner.start {
					inner, found = s, true
				}
			}
		}
		if found && inner.count > 0 {
			st.Covered += hi - lo
		}
	}
	return st
}

// Package metrics exposes test-run metrics in Prometheus format.
package metrics

import (
	"errors"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pagetest"

// Recorder owns a private registry so tests and multiple harness instances
// never collide on the global one.
type Recorder struct {
	reg *prom.Registry

	runsTotal    *prom.CounterVec
	runDuration  prom.Histogram
	testFailures prom.Gauge
	coverage     prom.Gauge
	queueDepth   prom.Gauge
}

func New() *Recorder {
	r := &Recorder{
		reg: prom.NewRegistry(),
		runsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Test runs by outcome (passed, failed, error).",
		}, []string{"outcome"}),
		runDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of one test run.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		testFailures: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "test_failures",
			Help:      "Failed tests reported by the last completed run.",
		}),
		coverage: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "coverage_files",
			Help:      "Source files with coverage data in the last completed run.",
		}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Runs waiting in the scheduler queue.",
		}),
	}
	r.reg.MustRegister(
		r.runsTotal, r.runDuration, r.testFailures, r.coverage, r.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveRun records one scheduler execution. A non-nil err counts as an
// "error" outcome; test failures are recorded by ObserveResult.
func (r *Recorder) ObserveRun(d time.Duration, err error) {
	if r == nil {
		return
	}
	r.runDuration.Observe(d.Seconds())
	if err != nil {
		r.runsTotal.WithLabelValues("error").Inc()
	}
}

// ObserveResult records the outcome of a run that completed.
func (r *Recorder) ObserveResult(failures, coverageFiles int) {
	if r == nil {
		return
	}
	outcome := "passed"
	if failures > 0 {
		outcome = "failed"
	}
	r.runsTotal.WithLabelValues(outcome).Inc()
	r.testFailures.Set(float64(failures))
	r.coverage.Set(float64(coverageFiles))
}

func (r *Recorder) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// Gather exposes the registry for tests and debug output.
func (r *Recorder) Gather() (int, error) {
	if r == nil {
		return 0, errors.New("metrics disabled")
	}
	mfs, err := r.reg.Gather()
	return len(mfs), err
}

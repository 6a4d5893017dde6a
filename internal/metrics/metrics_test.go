package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.ObserveRun(2*time.Second, nil)
	r.ObserveResult(0, 4)
	r.ObserveRun(time.Second, nil)
	r.ObserveResult(3, 4)
	r.ObserveRun(time.Second, errors.New("chrome exited"))
	r.SetQueueDepth(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.testFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.coverage))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queueDepth))

	n, err := r.Gather()
	require.NoError(t, err)
	assert.Greater(t, n, 5)
}

func TestHandlerExposition(t *testing.T) {
	r := New()
	r.ObserveResult(1, 0)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `pagetest_runs_total{outcome="failed"} 1`)
	assert.Contains(t, string(body), "pagetest_test_failures 1")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveRun(time.Second, nil)
		r.ObserveResult(1, 1)
		r.SetQueueDepth(2)
	})
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

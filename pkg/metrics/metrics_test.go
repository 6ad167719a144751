package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/yolotrain/pkg/models"
)

type staticJobs []*models.Job

func (s staticJobs) ListJobs() ([]*models.Job, error) { return s, nil }

func TestRecorders(t *testing.T) {
	m := New()

	m.JobStarted()
	m.JobStarted()
	m.JobFinished(models.JobStatusCompleted, 3*time.Second)
	m.EpochCompleted()
	m.DatasetRejected("traversal")
	m.DatasetRejected("")
	m.SetActive(2)
	m.SetQueued(1)
	m.MessagesRelayed(5)
	m.SetSubscribers(3)
	m.DeliveryFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.epochs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.datasetRejected.WithLabelValues("traversal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.datasetRejected.WithLabelValues("unknown")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolQueued))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.relayed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveryFailures))
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	m := New()
	r := mux.NewRouter()
	r.Use(m.Middleware)
	r.HandleFunc("/api/training/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/training/status/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/training/status/{id}", "404")))
	assert.Equal(t, 14.0, testutil.ToFloat64(m.bytesSent.WithLabelValues("GET", "/api/training/status/{id}")))
}

func TestExporterOutput(t *testing.T) {
	m := New()
	m.JobStarted()
	jobs := staticJobs{
		{ID: "1", Status: models.JobStatusRunning},
		{ID: "2", Status: models.JobStatusRunning},
		{ID: "3", Status: models.JobStatusFailed},
	}

	rec := httptest.NewRecorder()
	NewExporter(jobs, m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, want := range []string{
		`yolotrain_jobs{status="running"} 2`,
		`yolotrain_jobs{status="failed"} 1`,
		`yolotrain_jobs{status="pending"} 0`,
		"yolotrain_uptime_seconds",
		"yolotrain_jobs_started_total 1",
		"yolotrain_host_memory_used_bytes",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}

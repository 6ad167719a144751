package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/yolotrain/pkg/models"
)

// JobLister provides the job registry contents
type JobLister interface {
	ListJobs() ([]*models.Job, error)
}

// Exporter serves job state gauges computed at scrape time followed by
// every collector in the registry.
type Exporter struct {
	jobs      JobLister
	metrics   *Metrics
	startTime time.Time
}

// NewExporter creates an exporter over jobs and m
func NewExporter(jobs JobLister, m *Metrics) *Exporter {
	return &Exporter{jobs: jobs, metrics: m, startTime: time.Now()}
}

var allStatuses = []models.JobStatus{
	models.JobStatusPending,
	models.JobStatusRunning,
	models.JobStatusCompleted,
	models.JobStatusFailed,
	models.JobStatusStopped,
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobs, err := e.jobs.ListJobs()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting job metrics: %v", err), http.StatusInternalServerError)
		return
	}

	byStatus := make(map[models.JobStatus]int, len(allStatuses))
	for _, j := range jobs {
		byStatus[j.Status]++
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# HELP yolotrain_jobs Jobs in the registry by status\n")
	fmt.Fprintf(&buf, "# TYPE yolotrain_jobs gauge\n")
	// every status is exported, zero or not
	for _, s := range allStatuses {
		fmt.Fprintf(&buf, "yolotrain_jobs{status=\"%s\"} %d\n", s, byStatus[s])
	}
	fmt.Fprintf(&buf, "# HELP yolotrain_uptime_seconds Server uptime in seconds\n")
	fmt.Fprintf(&buf, "# TYPE yolotrain_uptime_seconds gauge\n")
	fmt.Fprintf(&buf, "yolotrain_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	families, err := e.metrics.Registry().Gather()
	if err != nil {
		fmt.Fprintf(&buf, "# Error gathering metrics: %v\n", err)
	}
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			fmt.Fprintf(&buf, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}

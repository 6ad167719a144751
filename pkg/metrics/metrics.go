package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/yolotrain/pkg/models"
)

const namespace = "yolotrain"

// Metrics holds every collector exported by the server. It implements the
// observer interfaces of the training manager, worker pool, relay and hub.
type Metrics struct {
	registry *prometheus.Registry

	jobsStarted     prometheus.Counter
	jobsFinished    *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	epochs          prometheus.Counter
	datasetRejected *prometheus.CounterVec

	poolActive prometheus.Gauge
	poolQueued prometheus.Gauge

	relayed          prometheus.Counter
	subscribers      prometheus.Gauge
	deliveryFailures prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	bytesSent    *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Training jobs accepted",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Training jobs that left the active states, by final status",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from start to final status",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
		}, []string{"status"}),
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_completed_total",
			Help:      "Epochs recorded across all jobs",
		}),
		datasetRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dataset_rejections_total",
			Help:      "Dataset archives rejected, by rule",
		}, []string{"rule"}),
		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_active",
			Help:      "Trainings holding a worker slot",
		}),
		poolQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_queued",
			Help:      "Trainings waiting for a worker slot",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Messages moved from job mailboxes to subscribers",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_subscribers",
			Help:      "Connected live-update subscribers",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_delivery_failures_total",
			Help:      "Subscribers dropped after a failed send",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_response_bytes_total",
			Help:      "Response bytes written by route",
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.jobsStarted, m.jobsFinished, m.jobDuration, m.epochs, m.datasetRejected,
		m.poolActive, m.poolQueued,
		m.relayed, m.subscribers, m.deliveryFailures,
		m.httpRequests, m.httpDuration, m.bytesSent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_cpu_usage_percent",
			Help:      "Host CPU utilization since the previous scrape",
		}, hostCPU),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_used_bytes",
			Help:      "Host memory in use",
		}, hostMemory),
	)
	return m
}

// Registry exposes the underlying registry for gathering
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) JobStarted() { m.jobsStarted.Inc() }

func (m *Metrics) JobFinished(status models.JobStatus, d time.Duration) {
	m.jobsFinished.WithLabelValues(string(status)).Inc()
	m.jobDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (m *Metrics) EpochCompleted() { m.epochs.Inc() }

func (m *Metrics) DatasetRejected(rule string) {
	if rule == "" {
		rule = "unknown"
	}
	m.datasetRejected.WithLabelValues(rule).Inc()
}

func (m *Metrics) SetActive(n int) { m.poolActive.Set(float64(n)) }
func (m *Metrics) SetQueued(n int) { m.poolQueued.Set(float64(n)) }

func (m *Metrics) MessagesRelayed(n int) { m.relayed.Add(float64(n)) }

func (m *Metrics) SetSubscribers(n int) { m.subscribers.Set(float64(n)) }
func (m *Metrics) DeliveryFailed()      { m.deliveryFailures.Inc() }

// Middleware records request counts, latency and response size by route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if rw.bytesWritten > 0 {
			m.bytesSent.WithLabelValues(r.Method, route).Add(float64(rw.bytesWritten))
		}
	})
}

func hostCPU() float64 {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		return pct[0]
	}
	return 0
}

func hostMemory() float64 {
	if vm, err := mem.VirtualMemory(); err == nil {
		return float64(vm.Used)
	}
	return 0
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades pass through the middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

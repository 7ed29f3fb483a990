package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devflow"

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	deployments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployments_total",
		Help:      "Finished deployments by status.",
	}, []string{"status"})

	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_jobs_processed_total",
		Help:      "Queue jobs handled by class and outcome.",
	}, []string{"class", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_job_duration_seconds",
		Help:      "Queue job run time by class.",
		Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900},
	}, []string{"class"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_pending_jobs",
		Help:      "Jobs waiting per queue.",
	}, []string{"queue"})

	healthResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_check_results_total",
		Help:      "Health check results by type and status.",
	}, []string{"type", "status"})

	backupBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backup_bytes_total",
		Help:      "Bytes written to backup storage by driver.",
	}, []string{"driver"})
)

// ObserveHTTP records one served request.
func ObserveHTTP(method, route, status string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, status).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveDeployment counts a finished deployment.
func ObserveDeployment(status string) {
	deployments.WithLabelValues(status).Inc()
}

// ObserveJob records a queue job outcome: success, retry or failed.
func ObserveJob(class, outcome string, d time.Duration) {
	jobsProcessed.WithLabelValues(class, outcome).Inc()
	jobDuration.WithLabelValues(class).Observe(d.Seconds())
}

// SetQueueDepth publishes the pending count for a queue.
func SetQueueDepth(queue string, n int) {
	queueDepth.WithLabelValues(queue).Set(float64(n))
}

// ObserveHealthResult counts a health check result.
func ObserveHealthResult(checkType, status string) {
	healthResults.WithLabelValues(checkType, status).Inc()
}

// AddBackupBytes counts archive bytes written.
func AddBackupBytes(driver string, n int64) {
	backupBytes.WithLabelValues(driver).Add(float64(n))
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer serves /metrics and /healthz on a dedicated listener.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/identity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bitbucket_stats"

// Report names used on the stats report counter.
const (
	ReportMyPullRequests = "my_pull_requests"
	ReportReviews        = "reviews"
)

// Recorder owns the service's Prometheus collectors. A nil Recorder discards observations.
type Recorder struct {
	registry *prometheus.Registry

	upstreamRequests *prometheus.CounterVec
	upstreamRetries  *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	identityLookups  *prometheus.CounterVec
	reports          *prometheus.CounterVec
}

// NewRecorder registers all collectors on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	recorder := &Recorder{
		registry: registry,
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream Bitbucket request attempts by endpoint and status class.",
		}, []string{"endpoint", "status_class"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Scheduled upstream retries by endpoint.",
		}, []string{"endpoint"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of single upstream request attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		identityLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_lookups_total",
			Help:      "Identity cache lookups by result.",
		}, []string{"result"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Stats reports served by report and outcome.",
		}, []string{"report", "outcome"}),
	}
	registry.MustRegister(
		recorder.upstreamRequests,
		recorder.upstreamRetries,
		recorder.upstreamDuration,
		recorder.identityLookups,
		recorder.reports,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return recorder
}

// Handler renders the registry through the Prometheus OpenMetrics encoder.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{EnableOpenMetrics: true})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveAttempt records one upstream request attempt.
func (r *Recorder) ObserveAttempt(endpoint string, statusCode int, duration time.Duration, _ error) {
	if r == nil {
		return
	}
	r.upstreamRequests.WithLabelValues(endpoint, StatusClass(statusCode)).Inc()
	r.upstreamDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRetry records one scheduled retry.
func (r *Recorder) ObserveRetry(endpoint string, _ time.Duration) {
	if r == nil {
		return
	}
	r.upstreamRetries.WithLabelValues(endpoint).Inc()
}

// ObserveIdentityLookup records how an identity lookup was served.
func (r *Recorder) ObserveIdentityLookup(result identity.Result) {
	if r == nil {
		return
	}
	r.identityLookups.WithLabelValues(string(result)).Inc()
}

// ObserveReport records a finished stats report. outcome is "ok" or an error kind.
func (r *Recorder) ObserveReport(report, outcome string) {
	if r == nil {
		return
	}
	r.reports.WithLabelValues(report, outcome).Inc()
}

// StatusClass buckets an HTTP status into 2xx..5xx, or "error" when no response was received.
func StatusClass(statusCode int) string {
	if statusCode < 100 || statusCode > 599 {
		return "error"
	}
	return strconv.Itoa(statusCode/100) + "xx"
}

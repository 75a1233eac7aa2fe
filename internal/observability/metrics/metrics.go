package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	// MustCurryWith on a HistogramVec yields an ObserverVec, hence the
	// interface type here.
	HTTPRequestDurationSeconds prometheus.ObserverVec = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	KeysPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagnosis_keys_published_total",
			Help: "Publish attempts by outcome.",
		},
		[]string{"service", "outcome"},
	)

	ExposedDownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exposed_downloads_total",
			Help: "Exposed list downloads by outcome.",
		},
		[]string{"service", "outcome"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName})
	KeysPublishedTotal = KeysPublishedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	ExposedDownloadsTotal = ExposedDownloadsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		KeysPublishedTotal,
		ExposedDownloadsTotal,
	)
}

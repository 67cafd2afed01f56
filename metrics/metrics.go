// Package metrics exposes the application's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	dataPointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "market_data_points_total",
			Help: "Total number of market data points",
		},
	)

	symbolsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "symbols_tracked",
			Help: "Number of symbols being tracked",
		},
	)

	pollingJobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "polling_jobs_active",
			Help: "Number of active polling jobs",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint"},
	)

	httpDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	appVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_version",
			Help: "Application version",
		},
		[]string{"version"},
	)
)

func init() {
	Registry.MustRegister(
		dataPointsTotal,
		symbolsTracked,
		pollingJobsActive,
		httpRequests,
		httpDuration,
		appVersion,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations for every handled request.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		httpRequests.WithLabelValues(c.Request.Method, endpoint).Inc()

		c.Next()

		httpDuration.Observe(time.Since(start).Seconds())
	}
}

// SetAppVersion publishes the running application version.
func SetAppVersion(version string) {
	appVersion.WithLabelValues(version).Set(1)
}

// RecordDataPoint counts one stored market data observation.
func RecordDataPoint() {
	dataPointsTotal.Inc()
}

// SetSymbolsTracked updates the distinct-symbol gauge.
func SetSymbolsTracked(n int) {
	symbolsTracked.Set(float64(n))
}

// SetActivePollingJobs updates the polling job gauge.
func SetActivePollingJobs(n int) {
	pollingJobsActive.Set(float64(n))
}

// Package metrics exposes Prometheus collectors for the crawler workers.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	claimsTotal        *prometheus.CounterVec
	tasksTotal         *prometheus.CounterVec
	discoveredTotal    *prometheus.CounterVec
	downloadBytesTotal prometheus.Counter
	downloadSeconds    prometheus.Histogram
	poolBytes          prometheus.Gauge
	poolSuspended      prometheus.Gauge
	activeWorkers      prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playgraph_claims_total",
				Help: "Total lease claim attempts, labeled by record kind and result.",
			},
			[]string{"kind", "result"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playgraph_tasks_total",
				Help: "Total tasks processed, labeled by record kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		discoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playgraph_discovered_packages_total",
				Help: "Packages seen during relation expansion, labeled by insert result.",
			},
			[]string{"result"},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "playgraph_download_bytes_total",
				Help: "Total bytes written to the binary pool.",
			},
		)

		downloadSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "playgraph_download_duration_seconds",
				Help:    "Histogram of binary download durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		poolBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "playgraph_pool_bytes",
				Help: "Last measured size of the binary pool directory.",
			},
		)

		poolSuspended = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "playgraph_pool_suspended",
				Help: "1 while the pool manager is suspended on disk backpressure.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "playgraph_active_workers",
				Help: "Number of workers currently processing a claimed record.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveClaim records the result of one claim attempt ("claimed", "empty"
// or "error").
func ObserveClaim(kind, result string) {
	if claimsTotal == nil {
		return
	}
	claimsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveTask records the outcome of one processed task.
func ObserveTask(kind, outcome string) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveDiscovery records a relation-expansion insert attempt ("inserted"
// or "duplicate").
func ObserveDiscovery(result string) {
	if discoveredTotal == nil {
		return
	}
	discoveredTotal.WithLabelValues(result).Inc()
}

// ObserveDownload records a completed binary download.
func ObserveDownload(bytes int64, duration time.Duration) {
	if downloadBytesTotal == nil {
		return
	}
	downloadBytesTotal.Add(float64(bytes))
	downloadSeconds.Observe(duration.Seconds())
}

// SetPoolBytes publishes the last measured pool directory size.
func SetPoolBytes(size int64) {
	if poolBytes == nil {
		return
	}
	poolBytes.Set(float64(size))
}

// SetPoolSuspended flips the backpressure gauge.
func SetPoolSuspended(suspended bool) {
	if poolSuspended == nil {
		return
	}
	if suspended {
		poolSuspended.Set(1)
	} else {
		poolSuspended.Set(0)
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ScenesDiscovered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "eodd_scenes_discovered_total", Help: "New scenes recorded by catalog pollers"})
	ScenesInvalid      = prometheus.NewCounter(prometheus.CounterOpts{Name: "eodd_scenes_invalid_total", Help: "Descriptors rejected by metadata validation"})
	DownloadsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "eodd_downloads_succeeded_total", Help: "Scene downloads committed after verification"})
	DownloadsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "eodd_downloads_failed_total", Help: "Scene downloads that reached terminal failure"})
	ChecksumMismatches = prometheus.NewCounter(prometheus.CounterOpts{Name: "eodd_checksum_mismatch_total", Help: "Downloads whose integrity check failed"})
	ARDSucceeded       = prometheus.NewCounter(prometheus.CounterOpts{Name: "eodd_ard_succeeded_total", Help: "ARD conversions completed"})
	ARDFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "eodd_ard_failed_total", Help: "ARD conversions that reached terminal failure"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "eodd_jobs_retried_total", Help: "Job attempts requeued with backoff"})
	JobsReaped         = prometheus.NewCounter(prometheus.CounterOpts{Name: "eodd_jobs_reaped_total", Help: "Expired leases reset to queued"})
	SensorsSuspended   = prometheus.NewCounter(prometheus.CounterOpts{Name: "eodd_sensors_suspended_total", Help: "Sensors suspended after authentication failure"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "eodd_queue_depth", Help: "Jobs queued and ready to claim"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "eodd_jobs_inflight", Help: "Jobs currently leased by this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ScenesDiscovered,
			ScenesInvalid,
			DownloadsSucceeded,
			DownloadsFailed,
			ChecksumMismatches,
			ARDSucceeded,
			ARDFailed,
			JobsRetried,
			JobsReaped,
			SensorsSuspended,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}

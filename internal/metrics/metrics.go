// Package metrics exposes Prometheus collectors for the gallery crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Download results used as the "result" label.
const (
	DownloadStored    = "stored"
	DownloadDuplicate = "duplicate"
	DownloadStatus    = "bad_status"
	DownloadTimeout   = "timeout"
	DownloadError     = "error"
)

var (
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerPageFetchSeconds    *prometheus.HistogramVec
	crawlerImagesTotal         *prometheus.CounterVec
	crawlerImageBytesTotal     prometheus.Counter
	crawlerDownloadsInFlight   prometheus.Gauge
	crawlerWorkersTotal        *prometheus.CounterVec
	crawlerActiveWorkers       prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages fetched, labeled by site, kind and status.",
			},
			[]string{"site", "kind", "status"},
		)

		crawlerPageFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_page_fetch_seconds",
				Help:    "Histogram of page fetch durations.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 15, 60, 300},
			},
			[]string{"site"},
		)

		crawlerImagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_images_total",
				Help: "Total number of image downloads, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerImageBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_image_bytes_total",
				Help: "Total number of image bytes written to the content store.",
			},
		)

		crawlerDownloadsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_downloads_in_flight",
				Help: "Number of image downloads currently running.",
			},
		)

		crawlerWorkersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_workers_total",
				Help: "Total number of page workers finished, labeled by exit status.",
			},
			[]string{"exit_status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a page.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one page fetch.
func ObservePage(pageURL, kind string, status int, duration time.Duration) {
	Init()
	site := SanitizeSite(pageURL)
	crawlerPagesTotal.WithLabelValues(site, kind, strconv.Itoa(status)).Inc()
	if duration > 0 {
		crawlerPageFetchSeconds.WithLabelValues(site).Observe(duration.Seconds())
	}
}

// ObserveDownload records one finished image download.
func ObserveDownload(result string, bytesWritten int64) {
	Init()
	crawlerImagesTotal.WithLabelValues(result).Inc()
	if bytesWritten > 0 {
		crawlerImageBytesTotal.Add(float64(bytesWritten))
	}
}

// IncDownloadsInFlight increments the in-flight downloads gauge.
func IncDownloadsInFlight() {
	Init()
	crawlerDownloadsInFlight.Inc()
}

// DecDownloadsInFlight decrements the in-flight downloads gauge.
func DecDownloadsInFlight() {
	Init()
	crawlerDownloadsInFlight.Dec()
}

// ObserveWorker counts one finished page worker.
func ObserveWorker(exitStatus int) {
	Init()
	crawlerWorkersTotal.WithLabelValues(strconv.Itoa(exitStatus)).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

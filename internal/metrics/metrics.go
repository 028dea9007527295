// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "topiccrawler"

var (
	crawlOK              prometheus.Counter
	crawlFail            *prometheus.CounterVec
	duplicateContent     prometheus.Counter
	robotsBlocked        prometheus.Counter
	extractionOK         prometheus.Counter
	extractionFail       *prometheus.CounterVec
	outlinksEnqueued     prometheus.Counter
	fetchDurationMS      prometheus.Histogram
	textLen              prometheus.Histogram
	outlinksPerPage      prometheus.Histogram
	parseDurationMS      prometheus.Histogram
	discoveryQueueDepth  prometheus.Gauge
	extractionQueueDepth prometheus.Gauge
	politenessDelay      prometheus.Histogram
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlOK = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_ok",
			Help:      "Pages fetched, parsed, and persisted.",
		})
		crawlFail = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_fail",
			Help:      "Crawl failures by reason code.",
		}, []string{"reason"})
		duplicateContent = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_content",
			Help:      "Pages skipped because their text hash was already stored.",
		})
		robotsBlocked = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "robots_blocked",
			Help:      "URLs refused by robots.txt.",
		})
		extractionOK = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_ok",
			Help:      "Structured extractions persisted.",
		})
		extractionFail = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_fail",
			Help:      "Extraction failures by reason code.",
		}, []string{"reason"})
		outlinksEnqueued = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outlinks_enqueued",
			Help:      "Outbound links added to the discovery queue.",
		})
		fetchDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_ms",
			Help:      "Page fetch latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 15000},
		})
		textLen = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "text_len",
			Help:      "Extracted text length in characters.",
			Buckets:   prometheus.ExponentialBuckets(250, 2, 10),
		})
		outlinksPerPage = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outlinks_per_page",
			Help:      "Outbound links enqueued per persisted page.",
			Buckets:   []float64{0, 1, 5, 10, 20, 30, 40, 50},
		})
		parseDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "parse_duration_ms",
			Help:      "HTML parse latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		})
		discoveryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovery_queue_depth",
			Help:      "Ready items in the discovery queue.",
		})
		extractionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "extraction_queue_depth",
			Help:      "Ready jobs in the extraction queue.",
		})
		politenessDelay = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "politeness_delay_seconds",
			Help:      "Time spent waiting on the per-host rate limiter.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method and status code.",
		}, []string{"method", "code"})
		httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by method and route.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"})
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ObserveCrawlOK records a persisted page with its text length and link fan-out.
func ObserveCrawlOK(textChars, outlinks int) {
	Init()
	crawlOK.Inc()
	textLen.Observe(float64(textChars))
	outlinksPerPage.Observe(float64(outlinks))
	outlinksEnqueued.Add(float64(outlinks))
}

// ObserveCrawlFail records a crawl failure.
func ObserveCrawlFail(reason string) {
	Init()
	crawlFail.WithLabelValues(reason).Inc()
}

// ObserveDuplicateContent records a content-hash duplicate.
func ObserveDuplicateContent() {
	Init()
	duplicateContent.Inc()
}

// ObserveRobotsBlocked records a robots.txt refusal.
func ObserveRobotsBlocked() {
	Init()
	robotsBlocked.Inc()
}

// ObserveFetch records fetch latency.
func ObserveFetch(d time.Duration) {
	Init()
	fetchDurationMS.Observe(ms(d))
}

// ObserveParse records parse latency.
func ObserveParse(d time.Duration) {
	Init()
	parseDurationMS.Observe(ms(d))
}

// ObserveExtractionOK records a persisted extraction.
func ObserveExtractionOK() {
	Init()
	extractionOK.Inc()
}

// ObserveExtractionFail records an extraction failure.
func ObserveExtractionFail(reason string) {
	Init()
	extractionFail.WithLabelValues(reason).Inc()
}

// SetQueueDepths updates both queue depth gauges.
func SetQueueDepths(discovery, extraction int64) {
	Init()
	discoveryQueueDepth.Set(float64(discovery))
	extractionQueueDepth.Set(float64(extraction))
}

// ObservePolitenessDelay records a rate limiter wait.
func ObservePolitenessDelay(d time.Duration) {
	Init()
	politenessDelay.Observe(d.Seconds())
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

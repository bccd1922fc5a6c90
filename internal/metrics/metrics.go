// Package metrics exposes Prometheus collectors for the chapter retrieval service.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novelcrawler_fetch_attempts_total",
			Help: "Total fetch attempts, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	fetchBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novelcrawler_fetch_blocked_total",
			Help: "Total responses classified as blocked, labeled by site and reason.",
		},
		[]string{"site", "reason"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "novelcrawler_fetch_duration_seconds",
			Help:    "Histogram of single-attempt fetch latencies, labeled by site.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	proxyQuarantinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novelcrawler_proxy_quarantines_total",
			Help: "Total proxies placed into quarantine.",
		},
	)

	proxyDeadTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novelcrawler_proxy_dead_total",
			Help: "Total proxies permanently removed from rotation.",
		},
	)

	chaptersCollectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novelcrawler_chapters_collected_total",
			Help: "Total chapters collected, labeled by strategy.",
		},
		[]string{"strategy"},
	)

	chaptersDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novelcrawler_chapters_dropped_total",
			Help: "Total chapters dropped after exhausting all retry passes.",
		},
	)

	deferredRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "novelcrawler_deferred_retries_total",
			Help: "Total deferred chapter retry attempts.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "novelcrawler_active_workers",
			Help: "Number of worker streams currently fetching a chapter.",
		},
	)

	crawlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "novelcrawler_crawls_total",
			Help: "Total crawl jobs processed, labeled by status.",
		},
		[]string{"status"},
	)
)

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

// ObserveFetchAttempt increments the attempt counter and records latency.
func ObserveFetchAttempt(site, outcome string, duration time.Duration) {
	sanitized := SanitizeSite(site)
	fetchAttemptsTotal.WithLabelValues(sanitized, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
}

// ObserveBlocked increments the blocked-response counter.
func ObserveBlocked(site, reason string) {
	fetchBlockedTotal.WithLabelValues(SanitizeSite(site), reason).Inc()
}

// ObserveProxyQuarantine increments the quarantine counter.
func ObserveProxyQuarantine() {
	proxyQuarantinesTotal.Inc()
}

// ObserveProxyDead increments the dead-proxy counter.
func ObserveProxyDead() {
	proxyDeadTotal.Inc()
}

// ObserveChapterCollected increments the collected-chapter counter.
func ObserveChapterCollected(strategy string) {
	chaptersCollectedTotal.WithLabelValues(strategy).Inc()
}

// ObserveChapterDropped increments the dropped-chapter counter.
func ObserveChapterDropped() {
	chaptersDroppedTotal.Inc()
}

// ObserveDeferredRetry increments the deferred retry counter.
func ObserveDeferredRetry() {
	deferredRetriesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveCrawl increments the crawl counter for the given status.
func ObserveCrawl(status string) {
	crawlsTotal.WithLabelValues(status).Inc()
}

// Package metrics holds the prometheus collectors shared by the proxy pool
// and the handler that exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxy_checker"

var (
	// ChecksTotal counts finished checks by result: "verified" or a reject reason.
	ChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checks_total",
		Help:      "Proxy checks by result.",
	}, []string{"result"})

	CheckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "check_latency_seconds",
		Help:      "Latency of verified proxies in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
	})

	InFlightChecks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "checks_in_flight",
		Help:      "Checks currently holding a worker slot.",
	})

	GeoLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_lookups_total",
		Help:      "Geolocation lookups by result.",
	}, []string{"result"})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a full aggregate/verify/persist/prune cycle.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	WorkingProxies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "working_proxies",
		Help:      "Proxies verified in the last cycle.",
	})

	PrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pruned_records_total",
		Help:      "Records deleted by TTL pruning.",
	})

	StoreErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Storage engine errors swallowed at the store boundary.",
	}, []string{"op"})
)

// Registry 是本进程专用的注册表，避免与默认注册表中的 Go 运行时指标混在一起。
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ChecksTotal,
		CheckLatency,
		InFlightChecks,
		GeoLookupsTotal,
		CycleDuration,
		WorkingProxies,
		PrunedTotal,
		StoreErrorsTotal,
	)
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

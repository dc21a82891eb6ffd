// Package metrics holds the Prometheus collectors of the simulator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "carbonshift"
)

var (
	// Registry is the registry every collector of this package is registered with
	Registry = prometheus.NewRegistry()

	// ProviderFetches counts carbon history fetches by result
	ProviderFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fetch_total",
			Help:      "Number of carbon intensity history fetches by result",
		},
		[]string{"result"}, // "success", "error", "stale"
	)

	// SearchDuration measures how long one best/worst offset search takes
	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Duration of runtime offset searches",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)

	// OffsetsEvaluated tracks the number of offsets evaluated per search
	OffsetsEvaluated = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_offsets_evaluated",
			Help:      "Number of discretized offsets evaluated per search",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	// BestEmissions records the lowest estimated emissions found for a provider
	BestEmissions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_emissions_grams",
			Help:      "Lowest estimated emissions (gCO2eq) found for a provider and region",
		},
		[]string{"provider", "region"},
	)

	// WorstEmissions records the highest estimated emissions found for a provider
	WorstEmissions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worst_emissions_grams",
			Help:      "Highest estimated emissions (gCO2eq) found for a provider and region",
		},
		[]string{"provider", "region"},
	)

	// CacheRequests counts carbon history cache lookups
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Carbon intensity history cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss"
	)
)

func init() {
	Registry.MustRegister(
		ProviderFetches,
		SearchDuration,
		OffsetsEvaluated,
		BestEmissions,
		WorstEmissions,
		CacheRequests,
	)
}

// WriteTextfile writes the current state of Registry in the text exposition format,
// for collection by the node-exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}

// Package scan runs the runtime offset search across a list of carbon intensity
// providers, one provider at a time.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/metrics"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/search"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/series"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

// ErrNoOverlap is recorded for providers whose history cannot be aligned with the run
var ErrNoOverlap = errors.New("no overlapping carbon intensity data")

// HistoryFetcher fetches the carbon intensity history of a provider
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, provider types.Provider, window types.TimeWindow) ([]types.RawCarbonRecord, error)
}

// Scanner searches best and worst runtimes per provider
type Scanner struct {
	fetcher HistoryFetcher
}

// NewScanner creates a scanner fetching histories through fetcher
func NewScanner(fetcher HistoryFetcher) *Scanner {
	return &Scanner{fetcher: fetcher}
}

// Scan processes providers sequentially, in order, and returns one result per provider.
// A failing provider is recorded in its result and does not stop the scan. Providers
// not reached before ctx is done are recorded with the context error.
func (s *Scanner) Scan(ctx context.Context, energy *types.EnergySeries, metric string, providers []types.Provider, window types.TimeWindow) []types.ProviderResult {
	results := make([]types.ProviderResult, 0, len(providers))

	klog.V(2).InfoS("Starting provider scan",
		"providers", len(providers),
		"metric", metric,
		"windowStart", window.Start,
		"windowEnd", window.End)

	for _, provider := range providers {
		if err := ctx.Err(); err != nil {
			results = append(results, failed(provider, fmt.Errorf("scan aborted: %w", err)))
			continue
		}
		results = append(results, s.scanProvider(ctx, energy, metric, provider, window))
	}

	return results
}

func (s *Scanner) scanProvider(ctx context.Context, energy *types.EnergySeries, metric string, provider types.Provider, window types.TimeWindow) types.ProviderResult {
	raw, err := s.fetcher.FetchHistory(ctx, provider, window)
	if err != nil {
		metrics.ProviderFetches.WithLabelValues("error").Inc()
		klog.ErrorS(err, "Failed to fetch carbon intensity history", "provider", provider.String())
		return failed(provider, err)
	}
	metrics.ProviderFetches.WithLabelValues("success").Inc()

	carbon := series.BuildCarbonSeries(raw)
	extremes := Search(energy, carbon, metric)
	if extremes == nil {
		klog.V(2).InfoS("No overlapping data for provider", "provider", provider.String(), "carbonPoints", len(carbon))
		result := failed(provider, ErrNoOverlap)
		result.NoOverlap = true
		result.Points = len(carbon)
		return result
	}

	metrics.BestEmissions.WithLabelValues(provider.Name, provider.Region).Set(extremes.Best.Total)
	metrics.WorstEmissions.WithLabelValues(provider.Name, provider.Region).Set(extremes.Worst.Total)

	klog.V(2).InfoS("Scanned provider",
		"provider", provider.String(),
		"best", extremes.Best.Total,
		"worst", extremes.Worst.Total,
		"mode", extremes.Mode,
		"coverage", extremes.Best.Coverage)

	best, worst := extremes.Best, extremes.Worst
	return types.ProviderResult{
		Provider: provider,
		Best:     &best,
		Worst:    &worst,
		Points:   len(carbon),
	}
}

// Search runs the offset search and records its duration and size
func Search(energy *types.EnergySeries, carbon []types.CarbonPoint, metric string) *search.Extremes {
	start := time.Now()
	extremes := search.FindBestAndWorstOffset(energy, carbon, metric)
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	if extremes != nil {
		metrics.OffsetsEvaluated.Observe(float64(extremes.Evaluated))
	}
	return extremes
}

func failed(provider types.Provider, err error) types.ProviderResult {
	return types.ProviderResult{Provider: provider, Err: err, Error: err.Error()}
}

// Summary condenses a scan for reporting
type Summary struct {
	// Lowest is the provider with the lowest best total among those with the highest
	// best coverage, or nil when no provider produced a result.
	Lowest    *types.ProviderResult `json:"lowest,omitempty"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Err       error                 `json:"-"`
}

// Summarize picks the lowest-emission provider and aggregates the provider errors
func Summarize(results []types.ProviderResult) Summary {
	var summary Summary
	var errs []error

	for i := range results {
		r := &results[i]
		if !r.OK() {
			summary.Failed++
			if r.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.Provider, r.Err))
			}
			continue
		}
		summary.Succeeded++

		if summary.Lowest == nil {
			summary.Lowest = r
			continue
		}
		lowest := summary.Lowest.Best
		if r.Best.Coverage > lowest.Coverage ||
			(r.Best.Coverage == lowest.Coverage && r.Best.Total < lowest.Total) {
			summary.Lowest = r
		}
	}

	summary.Err = utilerrors.NewAggregate(errs)
	return summary
}

package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

// Fetcher serves canned carbon intensity histories keyed by provider value
type Fetcher struct {
	// FetchFunc, when set, takes precedence over the canned histories
	FetchFunc func(ctx context.Context, provider types.Provider, window types.TimeWindow) ([]types.RawCarbonRecord, error)

	histories map[string][]types.RawCarbonRecord
	failures  map[string]error

	mu    sync.Mutex
	calls []types.Provider
}

// NewFetcher creates a fetcher with no histories
func NewFetcher() *Fetcher {
	return &Fetcher{
		histories: make(map[string][]types.RawCarbonRecord),
		failures:  make(map[string]error),
	}
}

// WithHistory registers the history returned for providerValue
func (f *Fetcher) WithHistory(providerValue string, records []types.RawCarbonRecord) *Fetcher {
	f.histories[providerValue] = records
	return f
}

// WithError makes fetches for providerValue fail
func (f *Fetcher) WithError(providerValue string, err error) *Fetcher {
	f.failures[providerValue] = err
	return f
}

// FetchHistory implements scan.HistoryFetcher
func (f *Fetcher) FetchHistory(ctx context.Context, provider types.Provider, window types.TimeWindow) ([]types.RawCarbonRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, provider)
	f.mu.Unlock()

	if f.FetchFunc != nil {
		return f.FetchFunc(ctx, provider, window)
	}
	if err, ok := f.failures[provider.Value]; ok {
		return nil, err
	}
	records, ok := f.histories[provider.Value]
	if !ok {
		return nil, fmt.Errorf("no history for provider %q (mock)", provider.Value)
	}
	return records, nil
}

// Calls returns the providers fetched so far, in call order
func (f *Fetcher) Calls() []types.Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Provider, len(f.calls))
	copy(out, f.calls)
	return out
}

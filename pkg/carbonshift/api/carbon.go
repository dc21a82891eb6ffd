package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/config"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/metrics"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

// HistoryCache stores carbon intensity histories by key
type HistoryCache interface {
	Get(ctx context.Context, key string) ([]types.RawCarbonRecord, bool)
	Set(ctx context.Context, key string, records []types.RawCarbonRecord)
}

// CarbonClient talks to the carbon intensity service
type CarbonClient struct {
	req   *requester
	cache HistoryCache
}

// CarbonClientOption allows customizing the client
type CarbonClientOption func(*CarbonClient)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(client HTTPClient) CarbonClientOption {
	return func(c *CarbonClient) {
		c.req.httpClient = client
	}
}

// WithCache adds a history cache to the client
func WithCache(cache HistoryCache) CarbonClientOption {
	return func(c *CarbonClient) {
		c.cache = cache
	}
}

// NewCarbonClient creates a carbon intensity service client. It fails when the
// service URL is not configured.
func NewCarbonClient(svc config.CarbonServiceConfig, clientCfg config.ClientConfig, opts ...CarbonClientOption) (*CarbonClient, error) {
	if svc.URL == "" {
		return nil, config.ErrServiceNotConfigured
	}

	setAuth := func(req *http.Request) {
		if svc.Token != "" {
			req.Header.Set("Authorization", "Bearer "+svc.Token)
		}
	}
	client := &CarbonClient{req: newRequester(svc.URL, clientCfg, setAuth)}

	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// GetProviders lists the available providers and regions. The service answers with
// [name, region, value] tuples.
func (c *CarbonClient) GetProviders(ctx context.Context) ([]types.Provider, error) {
	body, err := c.req.get(ctx, "/providers", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get providers: %w", err)
	}

	var providers []types.Provider
	payload(body).ForEach(func(_, entry gjson.Result) bool {
		fields := entry.Array()
		if len(fields) < 3 {
			return true
		}
		providers = append(providers, types.Provider{
			Name:   fields[0].String(),
			Region: fields[1].String(),
			Value:  fields[2].String(),
		})
		return true
	})

	klog.V(2).InfoS("Fetched carbon intensity providers", "count", len(providers))
	return providers, nil
}

// FetchHistory returns the raw carbon intensity history of provider over window.
// It implements scan.HistoryFetcher.
func (c *CarbonClient) FetchHistory(ctx context.Context, provider types.Provider, window types.TimeWindow) ([]types.RawCarbonRecord, error) {
	key := HistoryKey(provider, window)
	if c.cache != nil {
		if records, ok := c.cache.Get(ctx, key); ok {
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			klog.V(2).InfoS("Using cached carbon intensity history", "provider", provider.String(), "records", len(records))
			return records, nil
		}
		metrics.CacheRequests.WithLabelValues("miss").Inc()
	}

	query := url.Values{}
	query.Set("region", provider.Region)
	query.Set("startTime", window.Start.UTC().Format(time.RFC3339))
	query.Set("endTime", window.End.UTC().Format(time.RFC3339))
	query.Set("provider", provider.Value)

	body, err := c.req.get(ctx, "/carbon-intensity/history", query)
	if err != nil {
		return nil, fmt.Errorf("failed to get carbon intensity history for %s: %w", provider, err)
	}

	records := ParseHistory(body)
	if c.cache != nil {
		c.cache.Set(ctx, key, records)
	}

	klog.V(2).InfoS("Fetched carbon intensity history",
		"provider", provider.String(),
		"records", len(records),
		"start", window.Start,
		"end", window.End)
	return records, nil
}

// ParseHistory reads history entries of the form {time, carbon_intensity}. Fields that
// are missing or of the wrong type are left empty for the normalizer to drop.
func ParseHistory(body []byte) []types.RawCarbonRecord {
	records := []types.RawCarbonRecord{}
	payload(body).ForEach(func(_, entry gjson.Result) bool {
		var rec types.RawCarbonRecord
		if ts := entry.Get("time"); ts.Type == gjson.String {
			rec.Time = ts.String()
		}
		if ci := entry.Get("carbon_intensity"); ci.Type == gjson.Number {
			v := ci.Float()
			rec.Intensity = &v
		}
		records = append(records, rec)
		return true
	})
	return records
}

// HistoryKey identifies a history request for caching
func HistoryKey(provider types.Provider, window types.TimeWindow) string {
	return fmt.Sprintf("%s|%s|%d|%d", provider.Value, provider.Region, window.Start.Unix(), window.End.Unix())
}

// GetURL returns the base URL used for API requests
func (c *CarbonClient) GetURL() string {
	return c.req.baseURL
}

// Close cleans up client resources
func (c *CarbonClient) Close() {
	c.req.close()
}

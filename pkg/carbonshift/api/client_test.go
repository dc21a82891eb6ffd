package api

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/config"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

// MockHTTPClient is a mock implementation of HTTPClient for testing
type MockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

// Do implements the HTTPClient interface
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.DoFunc != nil {
		return m.DoFunc(req)
	}
	return nil, errors.New("mock http client not implemented")
}

// mapCache is an in-memory HistoryCache for testing
type mapCache struct {
	mu   sync.Mutex
	data map[string][]types.RawCarbonRecord
}

func (c *mapCache) Get(_ context.Context, key string) ([]types.RawCarbonRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records, ok := c.data[key]
	return records, ok
}

func (c *mapCache) Set(_ context.Context, key string, records []types.RawCarbonRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = records
}

func testClientConfig() config.ClientConfig {
	return config.ClientConfig{
		Timeout:    time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		RateLimit:  1000,
	}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestNewCarbonClientRequiresURL(t *testing.T) {
	_, err := NewCarbonClient(config.CarbonServiceConfig{}, testClientConfig())
	assert.ErrorIs(t, err, config.ErrServiceNotConfigured)
}

func TestFetchHistory(t *testing.T) {
	var gotQuery string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/carbon-intensity/history", r.URL.Path)
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"time": "2024-05-01T00:00:00Z", "carbon_intensity": 321.5},
			{"time": "2024-05-01T01:00:00Z", "carbon_intensity": "n/a"},
			{"carbon_intensity": 10}
		]`)
	}))
	defer server.Close()

	client, err := NewCarbonClient(config.CarbonServiceConfig{URL: server.URL + "/", Token: "secret"}, testClientConfig())
	require.NoError(t, err)
	defer client.Close()

	provider := types.Provider{Name: "Electricity Maps", Region: "DE", Value: "electricitymaps"}
	window := types.TimeWindow{
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	}

	records, err := client.FetchHistory(context.Background(), provider, window)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "2024-05-01T00:00:00Z", records[0].Time)
	require.NotNil(t, records[0].Intensity)
	assert.Equal(t, 321.5, *records[0].Intensity)
	assert.Nil(t, records[1].Intensity)
	assert.Empty(t, records[2].Time)

	assert.Contains(t, gotQuery, "region=DE")
	assert.Contains(t, gotQuery, "provider=electricitymaps")
	assert.Contains(t, gotQuery, "startTime=2024-05-01T00%3A00%3A00Z")
	assert.Contains(t, gotQuery, "endTime=2024-05-02T00%3A00%3A00Z")
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, server.URL, client.GetURL())
}

func TestFetchHistoryUsesCache(t *testing.T) {
	calls := 0
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(http.StatusOK, `{"data": [{"time": "2024-05-01T00:00:00Z", "carbon_intensity": 100}]}`), nil
	}}
	cache := &mapCache{data: make(map[string][]types.RawCarbonRecord)}

	client, err := NewCarbonClient(config.CarbonServiceConfig{URL: "http://carbon"}, testClientConfig(),
		WithHTTPClient(mock), WithCache(cache))
	require.NoError(t, err)
	defer client.Close()

	provider := types.Provider{Name: "p", Region: "r", Value: "v"}
	window := types.TimeWindow{Start: time.Unix(0, 0), End: time.Unix(3600, 0)}

	for i := 0; i < 3; i++ {
		records, err := client.FetchHistory(context.Background(), provider, window)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	}
	assert.Equal(t, 1, calls)

	_, ok := cache.Get(context.Background(), HistoryKey(provider, window))
	assert.True(t, ok)
}

func TestRetries(t *testing.T) {
	tests := []struct {
		name      string
		responses []int
		wantCalls int
		wantErr   error
	}{
		{
			name:      "recovers after server errors",
			responses: []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK},
			wantCalls: 3,
		},
		{
			name:      "gives up after max retries",
			responses: []int{http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests},
			wantCalls: 3,
			wantErr:   ErrRateLimited,
		},
		{
			name:      "unauthorized is not retried",
			responses: []int{http.StatusUnauthorized},
			wantCalls: 1,
			wantErr:   ErrUnauthorized,
		},
		{
			name:      "not found is not retried",
			responses: []int{http.StatusNotFound},
			wantCalls: 1,
			wantErr:   ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
				status := tt.responses[calls]
				calls++
				return jsonResponse(status, `[]`), nil
			}}
			client, err := NewCarbonClient(config.CarbonServiceConfig{URL: "http://carbon"}, testClientConfig(), WithHTTPClient(mock))
			require.NoError(t, err)
			defer client.Close()

			_, err = client.GetProviders(context.Background())
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequestErrors(t *testing.T) {
	tests := []struct {
		name    string
		doFunc  func(req *http.Request) (*http.Response, error)
		wantMsg string
	}{
		{
			name:    "network failure",
			doFunc:  func(req *http.Request) (*http.Response, error) { return nil, errors.New("connection refused") },
			wantMsg: "connection refused",
		},
		{
			name:    "invalid JSON",
			doFunc:  func(req *http.Request) (*http.Response, error) { return jsonResponse(http.StatusOK, `{not json`), nil },
			wantMsg: "invalid JSON",
		},
		{
			name: "unexpected status",
			doFunc: func(req *http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusTeapot, `short and stout`), nil
			},
			wantMsg: "unexpected status code 418: short and stout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewCarbonClient(config.CarbonServiceConfig{URL: "http://carbon"}, testClientConfig(),
				WithHTTPClient(&MockHTTPClient{DoFunc: tt.doFunc}))
			require.NoError(t, err)
			defer client.Close()

			_, err = client.FetchHistory(context.Background(), types.Provider{Value: "v"}, types.TimeWindow{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestContextCancelled(t *testing.T) {
	client, err := NewCarbonClient(config.CarbonServiceConfig{URL: "http://carbon"}, testClientConfig(),
		WithHTTPClient(&MockHTTPClient{}))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.GetProviders(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetProviders(t *testing.T) {
	mock := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "/providers", req.URL.Path)
		return jsonResponse(http.StatusOK, `[
			["Electricity Maps", "DE", "electricitymaps"],
			["WattTime", "CAISO_NORTH", "watttime"],
			["incomplete"]
		]`), nil
	}}
	client, err := NewCarbonClient(config.CarbonServiceConfig{URL: "http://carbon"}, testClientConfig(), WithHTTPClient(mock))
	require.NoError(t, err)
	defer client.Close()

	providers, err := client.GetProviders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.Provider{
		{Name: "Electricity Maps", Region: "DE", Value: "electricitymaps"},
		{Name: "WattTime", Region: "CAISO_NORTH", Value: "watttime"},
	}, providers)
}

func TestBackoffDuration(t *testing.T) {
	r := newRequester("http://x", config.ClientConfig{RetryDelay: time.Second, RateLimit: 1}, nil)
	defer r.close()

	for attempt, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		d := r.getBackoffDuration(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2))
	}
	assert.LessOrEqual(t, r.getBackoffDuration(20), time.Duration(float64(time.Minute)*1.2))
}

func TestEnsureNonZero(t *testing.T) {
	assert.Equal(t, 5, ensureNonZero(5))
	assert.Equal(t, 1, ensureNonZero(0))
	assert.Equal(t, 1, ensureNonZero(-3))
}

func TestParseMeasurements(t *testing.T) {
	body := []byte(`{"success": true, "data": [
		[null, 1714521600000000, "psu_energy_ac_mcp_machine", 12000, "mJ"],
		["Phase 1", 1714521601000000, "cpu_energy_rapl_msr_component", "oops", "uJ"],
		["short", 1]
	]}`)

	rows := ParseMeasurements(body)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].Detail)
	assert.Equal(t, int64(1714521600000000), rows[0].TimeUs)
	assert.Equal(t, 12000.0, rows[0].Value)
	require.NotNil(t, rows[1].Detail)
	assert.Equal(t, "Phase 1", *rows[1].Detail)
	assert.True(t, math.IsNaN(rows[1].Value))
	assert.Equal(t, "uJ", rows[1].Unit)
}

func TestMeasurementClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("X-Authentication"))
		switch r.URL.Path {
		case "/v1/run/abc":
			_, _ = io.WriteString(w, `{"success": true, "data": {"start_measurement": 1000000, "end_measurement": 5000000}}`)
		case "/v1/run/broken":
			_, _ = io.WriteString(w, `{"success": true, "data": {}}`)
		case "/v1/measurements/single/abc":
			_, _ = io.WriteString(w, `{"data": [[null, 1000000, "m", 1, "J"]]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewMeasurementClient(config.MeasurementAPIConfig{URL: server.URL, Token: "token"}, testClientConfig())
	require.NoError(t, err)
	defer client.Close()

	run, err := client.GetRun(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, types.RunInfo{ID: "abc", StartMeasurementUs: 1000000, EndMeasurementUs: 5000000}, run)

	_, err = client.GetRun(context.Background(), "broken")
	assert.Error(t, err)

	_, err = client.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	rows, err := client.GetMeasurements(context.Background(), "abc")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = NewMeasurementClient(config.MeasurementAPIConfig{}, testClientConfig())
	assert.Error(t, err)
}

package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/config"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

// MeasurementClient reads runs and their measurements from the metrics API
type MeasurementClient struct {
	req *requester
}

// MeasurementClientOption allows customizing the client
type MeasurementClientOption func(*MeasurementClient)

// WithMeasurementHTTPClient allows injecting a custom HTTP client
func WithMeasurementHTTPClient(client HTTPClient) MeasurementClientOption {
	return func(c *MeasurementClient) {
		c.req.httpClient = client
	}
}

// NewMeasurementClient creates a metrics API client
func NewMeasurementClient(apiCfg config.MeasurementAPIConfig, clientCfg config.ClientConfig, opts ...MeasurementClientOption) (*MeasurementClient, error) {
	if apiCfg.URL == "" {
		return nil, fmt.Errorf("measurement API URL is not configured")
	}

	setAuth := func(req *http.Request) {
		if apiCfg.Token != "" {
			req.Header.Set("X-Authentication", apiCfg.Token)
		}
	}
	client := &MeasurementClient{req: newRequester(apiCfg.URL, clientCfg, setAuth)}

	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// GetRun returns the measurement boundaries of a run
func (c *MeasurementClient) GetRun(ctx context.Context, runID string) (types.RunInfo, error) {
	body, err := c.req.get(ctx, "/v1/run/"+url.PathEscape(runID), nil)
	if err != nil {
		return types.RunInfo{}, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	data := payload(body)
	start, end := data.Get("start_measurement"), data.Get("end_measurement")
	if start.Type != gjson.Number || end.Type != gjson.Number {
		return types.RunInfo{}, fmt.Errorf("run %s has no measurement boundaries", runID)
	}

	return types.RunInfo{
		ID:                 runID,
		StartMeasurementUs: start.Int(),
		EndMeasurementUs:   end.Int(),
	}, nil
}

// GetMeasurements returns the measurement rows of a run
func (c *MeasurementClient) GetMeasurements(ctx context.Context, runID string) ([]types.MeasurementRow, error) {
	body, err := c.req.get(ctx, "/v1/measurements/single/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get measurements for run %s: %w", runID, err)
	}

	rows := ParseMeasurements(body)
	klog.V(2).InfoS("Fetched run measurements", "run", runID, "rows", len(rows))
	return rows, nil
}

// ParseMeasurements reads [detail_name, time_us, metric_name, value, unit] rows.
// Rows with fewer than five fields are dropped; non-numeric values become NaN.
func ParseMeasurements(body []byte) []types.MeasurementRow {
	var rows []types.MeasurementRow
	skipped := 0

	payload(body).ForEach(func(_, entry gjson.Result) bool {
		fields := entry.Array()
		if len(fields) < 5 || fields[1].Type != gjson.Number {
			skipped++
			return true
		}

		row := types.MeasurementRow{
			TimeUs: fields[1].Int(),
			Metric: fields[2].String(),
			Value:  math.NaN(),
			Unit:   fields[4].String(),
		}
		if fields[0].Type != gjson.Null {
			detail := fields[0].String()
			row.Detail = &detail
		}
		if fields[3].Type == gjson.Number {
			row.Value = fields[3].Float()
		}
		rows = append(rows, row)
		return true
	})

	if skipped > 0 {
		klog.V(4).InfoS("Skipped malformed measurement rows", "skipped", skipped)
	}
	return rows
}

// Close cleans up client resources
func (c *MeasurementClient) Close() {
	c.req.close()
}

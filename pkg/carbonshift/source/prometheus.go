// Package source reads energy measurements from sources other than the measurement API.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/config"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

// DefaultMetric names series whose query result carries no metric name
const DefaultMetric = "prometheus_energy"

// PrometheusSource turns a Prometheus range query into measurement rows
type PrometheusSource struct {
	client       v1.API
	query        string
	step         time.Duration
	detailLabel  string
	unit         string
	queryTimeout time.Duration
}

// NewPrometheusSource creates a source from the prometheus section of the config
func NewPrometheusSource(cfg config.PrometheusConfig) (*PrometheusSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("prometheus URL is not configured")
	}
	if cfg.EnergyQuery == "" {
		return nil, fmt.Errorf("prometheus energy query is not configured")
	}

	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("error creating Prometheus client: %v", err)
	}

	step := cfg.Step
	if step <= 0 {
		step = time.Minute
	}

	klog.V(2).InfoS("Created Prometheus energy source",
		"prometheusURL", cfg.URL,
		"query", cfg.EnergyQuery,
		"step", step)

	return &PrometheusSource{
		client:       v1.NewAPI(client),
		query:        cfg.EnergyQuery,
		step:         step,
		detailLabel:  cfg.DetailLabel,
		unit:         cfg.Unit,
		queryTimeout: 30 * time.Second,
	}, nil
}

// GetMeasurements evaluates the energy query over the window. Each returned series
// becomes one detail, named by the configured label; series without it belong to the machine.
func (s *PrometheusSource) GetMeasurements(ctx context.Context, window types.TimeWindow) ([]types.MeasurementRow, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	r := v1.Range{Start: window.Start, End: window.End, Step: s.step}
	result, warnings, err := s.client.QueryRange(queryCtx, s.query, r)
	if err != nil {
		return nil, fmt.Errorf("error querying Prometheus for energy: %w", err)
	}
	if len(warnings) > 0 {
		klog.V(2).InfoS("Warnings received from Prometheus query",
			"warnings", warnings,
			"query", s.query)
	}

	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected Prometheus result type %s", result.Type())
	}

	var rows []types.MeasurementRow
	for _, stream := range matrix {
		metric := string(stream.Metric[model.MetricNameLabel])
		if metric == "" {
			metric = DefaultMetric
		}

		var detail *string
		if s.detailLabel != "" {
			if v, ok := stream.Metric[model.LabelName(s.detailLabel)]; ok && v != "" {
				name := string(v)
				detail = &name
			}
		}

		for _, pair := range stream.Values {
			rows = append(rows, types.MeasurementRow{
				Detail: detail,
				TimeUs: int64(pair.Timestamp) * 1000,
				Metric: metric,
				Value:  float64(pair.Value),
				Unit:   s.unit,
			})
		}
	}

	klog.V(2).InfoS("Loaded energy from Prometheus",
		"series", len(matrix),
		"rows", len(rows),
		"start", window.Start,
		"end", window.End)

	return rows, nil
}

// Package series turns raw measurement rows and carbon intensity history into the
// sorted time series consumed by the emissions estimator.
package series

import (
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

// carbonTimeLayouts are tried in order when parsing carbon history timestamps
var carbonTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// BuildEnergyGroups returns one series per detail group for metric, in the order the
// groups first appear in rows. Rows without a detail name go to types.MachineDetail.
func BuildEnergyGroups(rows []types.MeasurementRow, metric string) []types.EnergySeries {
	index := make(map[string]int)
	var groups []types.EnergySeries

	for _, row := range rows {
		if row.Metric != metric {
			continue
		}
		detail := types.MachineDetail
		if row.Detail != nil && *row.Detail != "" {
			detail = *row.Detail
		}

		i, exists := index[detail]
		if !exists {
			i = len(groups)
			index[detail] = i
			groups = append(groups, types.EnergySeries{Name: detail})
		}
		groups[i].Data = append(groups[i].Data, types.EnergySample{
			TimeMs: row.TimeUs / 1000,
			Value:  row.Value,
			Unit:   row.Unit,
		})
	}

	for i := range groups {
		data := groups[i].Data
		sort.SliceStable(data, func(a, b int) bool { return data[a].TimeMs < data[b].TimeMs })
	}

	return groups
}

// BuildEnergySeries returns the primary series for metric: the machine group when
// present, otherwise the first group seen. It returns nil when no row matches.
func BuildEnergySeries(rows []types.MeasurementRow, metric string) *types.EnergySeries {
	groups := BuildEnergyGroups(rows, metric)
	if len(groups) == 0 {
		klog.V(3).InfoS("No measurement rows for metric", "metric", metric, "rows", len(rows))
		return nil
	}

	for i := range groups {
		if groups[i].Name == types.MachineDetail {
			return &groups[i]
		}
	}
	return &groups[0]
}

// MetricKeys lists the distinct metrics found in rows, in first-seen order
func MetricKeys(rows []types.MeasurementRow) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, row := range rows {
		if _, ok := seen[row.Metric]; ok {
			continue
		}
		seen[row.Metric] = struct{}{}
		keys = append(keys, row.Metric)
	}
	return keys
}

// BuildCarbonSeries converts raw history into carbon points sorted by time.
// Records with a missing or unparseable time, or a missing intensity, are dropped.
// The result is never nil.
func BuildCarbonSeries(raw []types.RawCarbonRecord) []types.CarbonPoint {
	points := make([]types.CarbonPoint, 0, len(raw))
	dropped := 0

	for _, rec := range raw {
		if rec.Time == "" || rec.Intensity == nil {
			dropped++
			continue
		}
		ts, ok := ParseTime(rec.Time)
		if !ok {
			dropped++
			continue
		}
		points = append(points, types.CarbonPoint{
			TimeMs:    ts.UnixMilli(),
			Intensity: *rec.Intensity,
		})
	}

	sort.SliceStable(points, func(a, b int) bool { return points[a].TimeMs < points[b].TimeMs })

	if dropped > 0 {
		klog.V(4).InfoS("Dropped unusable carbon intensity records", "dropped", dropped, "kept", len(points))
	}
	return points
}

// ParseTime parses an ISO-8601 timestamp. Timestamps without a zone are read as UTC.
func ParseTime(value string) (time.Time, bool) {
	for _, layout := range carbonTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

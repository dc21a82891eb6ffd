// Package types holds the series, provider and result types shared by the simulator.
package types

import (
	"time"
)

// MachineDetail is the detail group used for measurement rows that carry no detail name.
// It is also the preferred primary group when a run has several.
const MachineDetail = "[MACHINE]"

// Overlap modes reported with every offset candidate
const (
	ModeFull    = "full"
	ModePartial = "partial"
)

// EnergySample is a single energy reading of a run, in the unit reported upstream
type EnergySample struct {
	TimeMs int64   `json:"timeMs"`
	Value  float64 `json:"value"` // NaN when the upstream value was not numeric
	Unit   string  `json:"unit"`
}

// EnergySeries is the time-ordered energy data of one detail group
type EnergySeries struct {
	Name string         `json:"name"`
	Data []EnergySample `json:"data"`
}

// Start returns the time of the first sample
func (s *EnergySeries) Start() int64 {
	return s.Data[0].TimeMs
}

// End returns the time of the last sample
func (s *EnergySeries) End() int64 {
	return s.Data[len(s.Data)-1].TimeMs
}

// Empty reports whether the series has no samples
func (s *EnergySeries) Empty() bool {
	return s == nil || len(s.Data) == 0
}

// CarbonPoint is a grid carbon intensity sample in gCO2eq/kWh
type CarbonPoint struct {
	TimeMs    int64   `json:"timeMs"`
	Intensity float64 `json:"intensity"`
}

// OffsetCandidate is the outcome of evaluating one time offset of an energy series
type OffsetCandidate struct {
	OffsetMs int64   `json:"offsetMs"`
	Total    float64 `json:"total"`    // gCO2eq
	Coverage float64 `json:"coverage"` // 0..1
	Mode     string  `json:"mode"`
	StartMs  int64   `json:"startMs"` // run start implied by the offset
}

// Start returns the implied run start as a time
func (c OffsetCandidate) Start() time.Time {
	return time.UnixMilli(c.StartMs).UTC()
}

// MeasurementRow is one row of the "measurements for a run" query:
// [detail_name, time_us, metric_name, value, unit]
type MeasurementRow struct {
	Detail *string
	TimeUs int64
	Metric string
	Value  float64 // NaN when not numeric
	Unit   string
}

// RawCarbonRecord is one entry of a carbon intensity history response.
// Either field may be missing upstream.
type RawCarbonRecord struct {
	Time      string   `json:"time"`
	Intensity *float64 `json:"carbon_intensity"`
}

// Provider identifies a carbon intensity provider and region
type Provider struct {
	Name   string `json:"name"`
	Region string `json:"region"`
	Value  string `json:"value"` // provider identifier passed to the history endpoint
}

// String returns "name/region"
func (p Provider) String() string {
	return p.Name + "/" + p.Region
}

// TimeWindow is a closed time interval used to request carbon intensity history
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether [startMs, endMs] lies within the window
func (w TimeWindow) Contains(startMs, endMs int64) bool {
	return startMs >= w.Start.UnixMilli() && endMs <= w.End.UnixMilli()
}

// RunInfo holds the run metadata used to seed history windows
type RunInfo struct {
	ID                 string `json:"id"`
	StartMeasurementUs int64  `json:"start_measurement"`
	EndMeasurementUs   int64  `json:"end_measurement"`
}

// Start returns the measurement start of the run
func (r RunInfo) Start() time.Time {
	return time.UnixMicro(r.StartMeasurementUs).UTC()
}

// End returns the measurement end of the run
func (r RunInfo) End() time.Time {
	return time.UnixMicro(r.EndMeasurementUs).UTC()
}

// ProviderResult is the outcome of scanning one provider
type ProviderResult struct {
	Provider  Provider         `json:"provider"`
	Best      *OffsetCandidate `json:"best,omitempty"`
	Worst     *OffsetCandidate `json:"worst,omitempty"`
	Points    int              `json:"carbonPoints"`
	NoOverlap bool             `json:"noOverlap,omitempty"`
	Err       error            `json:"-"`
	Error     string           `json:"error,omitempty"`
}

// OK reports whether the provider produced a best and worst candidate
func (r ProviderResult) OK() bool {
	return r.Err == nil && r.Best != nil && r.Worst != nil
}

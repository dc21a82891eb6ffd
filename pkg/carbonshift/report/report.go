// Package report assembles simulation and scan outcomes into a serializable document.
package report

import (
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/emissions"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/scan"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/search"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

// Report kinds
const (
	KindSimulation = "simulation"
	KindScan       = "scan"
)

// Report is the outcome of one simulator invocation
type Report struct {
	ID          string           `json:"id"`
	Kind        string           `json:"kind"`
	RunID       string           `json:"runId"`
	Metric      string           `json:"metric"`
	Series      string           `json:"series"`
	Samples     int              `json:"samples"`
	Window      types.TimeWindow `json:"window"`
	GeneratedAt time.Time        `json:"generatedAt"`

	Simulation *Simulation            `json:"simulation,omitempty"`
	Providers  []types.ProviderResult `json:"providers,omitempty"`
	Lowest     *types.Provider        `json:"lowest,omitempty"`
}

// Simulation is the single-provider part of a report
type Simulation struct {
	Provider    types.Provider        `json:"provider"`
	OffsetMs    int64                 `json:"offsetMs"`
	TotalGrams  float64               `json:"totalGrams"`
	Coverage    float64               `json:"coverage"`
	Diagnostics emissions.Diagnostics `json:"diagnostics"`
	Extremes    *search.Extremes      `json:"extremes,omitempty"`
	// SavingsGrams is the current total minus the best total, when both are known
	SavingsGrams *float64 `json:"savingsGrams,omitempty"`
}

// New creates an empty report with a fresh ID
func New(kind, runID, metric string, energy *types.EnergySeries, window types.TimeWindow) *Report {
	r := &Report{
		ID:          uuid.NewString(),
		Kind:        kind,
		RunID:       runID,
		Metric:      metric,
		Window:      window,
		GeneratedAt: time.Now().UTC(),
	}
	if energy != nil {
		r.Series = energy.Name
		r.Samples = len(energy.Data)
	}
	return r
}

// SetSimulation records a single-provider simulation
func (r *Report) SetSimulation(provider types.Provider, estimate emissions.Result, extremes *search.Extremes) {
	sim := &Simulation{
		Provider:    provider,
		OffsetMs:    estimate.OffsetMs,
		TotalGrams:  estimate.Total(),
		Coverage:    estimate.Coverage(),
		Diagnostics: estimate.Diagnostics,
		Extremes:    extremes,
	}
	if extremes != nil && estimate.Diagnostics.Emitted > 0 {
		savings := sim.TotalGrams - extremes.Best.Total
		sim.SavingsGrams = &savings
	}
	r.Simulation = sim
}

// SetScan records a provider scan
func (r *Report) SetScan(results []types.ProviderResult, summary scan.Summary) {
	r.Providers = results
	if summary.Lowest != nil {
		lowest := summary.Lowest.Provider
		r.Lowest = &lowest
	}
}

// BestTotal returns the lowest best total of the report, if any
func (r *Report) BestTotal() (float64, bool) {
	switch {
	case r.Simulation != nil && r.Simulation.Extremes != nil:
		return r.Simulation.Extremes.Best.Total, true
	case r.Lowest != nil:
		for _, p := range r.Providers {
			if p.Provider == *r.Lowest && p.Best != nil {
				return p.Best.Total, true
			}
		}
	}
	return 0, false
}

// Write encodes the report as indented JSON
func (r *Report) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

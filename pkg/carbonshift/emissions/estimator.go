// Package emissions pairs energy samples with grid carbon intensity to estimate
// the CO2 emitted by a run.
//
// The join is last-observation-carried-forward: each energy sample, shifted by an
// offset, takes the intensity of the latest carbon point at or before its time.
// Samples before the first carbon point, or whose energy cannot be converted to
// kWh, are skipped rather than zero-filled.
package emissions

import (
	"math"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/units"
)

// Point is one emitted estimate: the shifted sample time and the grams of CO2eq
type Point struct {
	TimeMs int64   `json:"timeMs"`
	Grams  float64 `json:"grams"`
}

// Diagnostics counts how the samples of a series were handled
type Diagnostics struct {
	Samples  int `json:"samples"`
	Emitted  int `json:"emitted"`
	NoKWh    int `json:"noKWh"`
	NoCarbon int `json:"noCarbon"`
}

// Result is the emission series for one offset
type Result struct {
	OffsetMs    int64       `json:"offsetMs"`
	Points      []Point     `json:"points"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Total sums the emitted grams
func (r *Result) Total() float64 {
	total := 0.0
	for _, p := range r.Points {
		total += p.Grams
	}
	return total
}

// Coverage is the fraction of samples that produced a point
func (r *Result) Coverage() float64 {
	if r.Diagnostics.Samples == 0 {
		return 0
	}
	return float64(r.Diagnostics.Emitted) / float64(r.Diagnostics.Samples)
}

// Estimate computes the emission series of energy shifted by offsetMs against carbon.
// Both series must be sorted by time. Empty inputs yield an empty result.
func Estimate(energy *types.EnergySeries, carbon []types.CarbonPoint, metric string, offsetMs int64) Result {
	result := Result{OffsetMs: offsetMs, Points: []Point{}}
	if energy.Empty() {
		return result
	}
	result.Diagnostics.Samples = len(energy.Data)

	var current *types.CarbonPoint
	i := 0
	for _, sample := range energy.Data {
		shifted := sample.TimeMs + offsetMs

		kwh, ok := units.EnergyToKWh(sample.Value, sample.Unit, metric)
		if !ok {
			result.Diagnostics.NoKWh++
			continue
		}

		for i < len(carbon) && carbon[i].TimeMs <= shifted {
			current = &carbon[i]
			i++
		}
		if current == nil {
			result.Diagnostics.NoCarbon++
			continue
		}

		result.Points = append(result.Points, Point{TimeMs: shifted, Grams: kwh * current.Intensity})
	}
	result.Diagnostics.Emitted = len(result.Points)

	if result.Diagnostics.NoKWh > 0 || result.Diagnostics.NoCarbon > 0 {
		klog.V(4).InfoS("Skipped energy samples during emission estimate",
			"series", energy.Name,
			"metric", metric,
			"offsetMs", offsetMs,
			"noKWh", result.Diagnostics.NoKWh,
			"noCarbon", result.Diagnostics.NoCarbon)
	}

	return result
}

// Prepared holds an energy series with every sample already converted to kWh, so the
// same series can be evaluated at many offsets without allocating.
type Prepared struct {
	times []int64
	kwh   []float64 // NaN marks an unconvertible sample
}

// Prepare converts the samples of energy once
func Prepare(energy *types.EnergySeries, metric string) *Prepared {
	p := &Prepared{}
	if energy.Empty() {
		return p
	}
	p.times = make([]int64, len(energy.Data))
	p.kwh = make([]float64, len(energy.Data))
	for i, sample := range energy.Data {
		p.times[i] = sample.TimeMs
		if kwh, ok := units.EnergyToKWh(sample.Value, sample.Unit, metric); ok {
			p.kwh[i] = kwh
		} else {
			p.kwh[i] = math.NaN()
		}
	}
	return p
}

// Len returns the number of samples, convertible or not
func (p *Prepared) Len() int {
	return len(p.times)
}

// Sum returns the total grams and the number of emitted points at offsetMs.
// It produces the same total and count as Estimate.
func (p *Prepared) Sum(carbon []types.CarbonPoint, offsetMs int64) (float64, int) {
	total := 0.0
	emitted := 0
	intensity := 0.0
	known := false
	i := 0

	for j, t := range p.times {
		kwh := p.kwh[j]
		if math.IsNaN(kwh) {
			continue
		}
		shifted := t + offsetMs
		for i < len(carbon) && carbon[i].TimeMs <= shifted {
			intensity = carbon[i].Intensity
			known = true
			i++
		}
		if !known {
			continue
		}
		total += kwh * intensity
		emitted++
	}

	return total, emitted
}

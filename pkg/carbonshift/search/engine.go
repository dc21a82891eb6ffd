// Package search finds the run start offsets that minimise and maximise the
// estimated emissions of an energy series against a carbon intensity series.
package search

import (
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/emissions"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

const (
	day = int64(24 * time.Hour / time.Millisecond)
)

// Extremes holds the best and worst offsets found by a search
type Extremes struct {
	Best      types.OffsetCandidate `json:"best"`
	Worst     types.OffsetCandidate `json:"worst"`
	Mode      string                `json:"mode"`
	StepMs    int64                 `json:"stepMs"`
	Evaluated int                   `json:"evaluated"`
}

// StepFor returns the offset resolution for a search window of widthMs
func StepFor(widthMs int64) int64 {
	switch {
	case widthMs <= day:
		return (5 * time.Minute).Milliseconds()
	case widthMs <= 3*day:
		return (15 * time.Minute).Milliseconds()
	case widthMs <= 5*day:
		return (30 * time.Minute).Milliseconds()
	default:
		return time.Hour.Milliseconds()
	}
}

// OffsetRange returns the offsets to search. In full mode every offset keeps the whole
// energy window inside the carbon window; when the energy window is too wide for that,
// partial mode accepts any overlap. ok is false when neither is possible.
func OffsetRange(energy *types.EnergySeries, carbon []types.CarbonPoint) (start, end int64, mode string, ok bool) {
	if energy.Empty() || len(carbon) == 0 {
		return 0, 0, "", false
	}
	energyStart, energyEnd := energy.Start(), energy.End()
	carbonStart, carbonEnd := carbon[0].TimeMs, carbon[len(carbon)-1].TimeMs

	start, end, mode = carbonStart-energyStart, carbonEnd-energyEnd, types.ModeFull
	if start > end {
		start, end, mode = carbonStart-energyEnd, carbonEnd-energyStart, types.ModePartial
	}
	if start > end {
		return 0, 0, "", false
	}
	return start, end, mode, true
}

// FindBestAndWorstOffset evaluates every step-aligned offset in the valid range and
// returns the best (lowest total) and worst (highest total) candidates among those
// with the highest coverage. It returns nil when no offset emits any point.
func FindBestAndWorstOffset(energy *types.EnergySeries, carbon []types.CarbonPoint, metric string) *Extremes {
	rangeStart, rangeEnd, mode, ok := OffsetRange(energy, carbon)
	if !ok {
		klog.V(3).InfoS("No usable offset range", "metric", metric, "carbonPoints", len(carbon))
		return nil
	}

	step := StepFor(rangeEnd - rangeStart)
	first := ceilToStep(rangeStart, step)
	last := floorToStep(rangeEnd, step)

	prepared := emissions.Prepare(energy, metric)
	samples := prepared.Len()
	energyStart := energy.Start()

	var best, worst candidate
	evaluated := 0
	for offset := first; offset <= last; offset += step {
		total, emitted := prepared.Sum(carbon, offset)
		evaluated++
		if emitted == 0 {
			continue
		}
		c := candidate{offset: offset, total: total, emitted: emitted}
		if best.better(c) {
			best = c
		}
		if worst.worse(c) {
			worst = c
		}
	}

	klog.V(3).InfoS("Runtime offset search finished",
		"metric", metric,
		"mode", mode,
		"rangeStartMs", rangeStart,
		"rangeEndMs", rangeEnd,
		"stepMs", step,
		"evaluated", evaluated,
		"found", best.emitted > 0)

	if best.emitted == 0 {
		return nil
	}

	return &Extremes{
		Best:      best.toOffset(samples, mode, energyStart),
		Worst:     worst.toOffset(samples, mode, energyStart),
		Mode:      mode,
		StepMs:    step,
		Evaluated: evaluated,
	}
}

type candidate struct {
	offset  int64
	total   float64
	emitted int
}

// better reports whether c should replace the current best. Coverage is compared by
// emitted count, which is exact for a fixed series.
func (b candidate) better(c candidate) bool {
	if c.emitted != b.emitted {
		return c.emitted > b.emitted
	}
	return c.total < b.total
}

func (w candidate) worse(c candidate) bool {
	if c.emitted != w.emitted {
		return c.emitted > w.emitted
	}
	return c.total > w.total
}

func (c candidate) toOffset(samples int, mode string, energyStart int64) types.OffsetCandidate {
	return types.OffsetCandidate{
		OffsetMs: c.offset,
		Total:    c.total,
		Coverage: float64(c.emitted) / float64(samples),
		Mode:     mode,
		StartMs:  energyStart + c.offset,
	}
}

func floorToStep(v, step int64) int64 {
	q := v / step
	if v%step != 0 && v < 0 {
		q--
	}
	return q * step
}

func ceilToStep(v, step int64) int64 {
	q := v / step
	if v%step != 0 && v > 0 {
		q++
	}
	return q * step
}

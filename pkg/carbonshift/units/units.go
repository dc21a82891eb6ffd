// Package units converts energy readings to kilowatt-hours.
package units

import (
	"math"
	"strings"
)

// Units per kilowatt-hour for every supported tag. Tags are case-sensitive.
var unitsPerKWh = map[string]float64{
	"uJ":  3.6e12,
	"mJ":  3.6e9,
	"J":   3.6e6,
	"kWh": 1,
	"Wh":  1e3,
	"mWh": 1e6,
	"uWh": 1e9,
}

// wildcardUnit is reported by some energy providers that leave the unit tag unset
const wildcardUnit = "*"

// Supported reports whether unit (after rate-suffix normalization) can be converted
func Supported(unit string) bool {
	_, ok := unitsPerKWh[Normalize(unit)]
	return ok
}

// Normalize strips a rate suffix, so "mJ/s" becomes "mJ"
func Normalize(unit string) string {
	if base, _, found := strings.Cut(unit, "/"); found {
		return base
	}
	return unit
}

// Resolve returns the unit tag to convert with. A wildcard unit on an energy metric
// is treated as microjoules.
func Resolve(unit, metric string) string {
	if unit == wildcardUnit && strings.Contains(metric, "energy") {
		return "uJ"
	}
	return Normalize(unit)
}

// EnergyToKWh converts value in unit to kWh. It reports false for non-finite values
// and unsupported units.
func EnergyToKWh(value float64, unit, metric string) (float64, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	factor, ok := unitsPerKWh[Resolve(unit, metric)]
	if !ok {
		return 0, false
	}
	if factor == 1 {
		return value, true
	}
	return value / factor, true
}

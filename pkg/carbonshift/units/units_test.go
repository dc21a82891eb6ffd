package units

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnergyToKWh(t *testing.T) {
	tests := []struct {
		name   string
		value  float64
		unit   string
		metric string
		want   float64
		wantOK bool
	}{
		{name: "kilowatt-hours", value: 2.5, unit: "kWh", metric: "m", want: 2.5, wantOK: true},
		{name: "watt-hours", value: 1000, unit: "Wh", metric: "m", want: 1, wantOK: true},
		{name: "milliwatt-hours", value: 1e6, unit: "mWh", metric: "m", want: 1, wantOK: true},
		{name: "microwatt-hours", value: 1e9, unit: "uWh", metric: "m", want: 1, wantOK: true},
		{name: "joules", value: 3.6e6, unit: "J", metric: "m", want: 1, wantOK: true},
		{name: "millijoules", value: 3.6e9, unit: "mJ", metric: "m", want: 1, wantOK: true},
		{name: "microjoules", value: 3.6e12, unit: "uJ", metric: "m", want: 1, wantOK: true},
		{name: "rate suffix stripped", value: 3.6e6, unit: "J/s", metric: "m", want: 1, wantOK: true},
		{name: "wildcard on energy metric", value: 3.6e12, unit: "*", metric: "psu_energy_ac_mcp_machine", want: 1, wantOK: true},
		{name: "wildcard on other metric", value: 3.6e12, unit: "*", metric: "some_other_metric", wantOK: false},
		{name: "unsupported unit", value: 1, unit: "XYZ", metric: "cpu_energy", wantOK: false},
		{name: "case sensitive", value: 1, unit: "kwh", metric: "m", wantOK: false},
		{name: "not numeric", value: math.NaN(), unit: "J", metric: "m", wantOK: false},
		{name: "infinite", value: math.Inf(1), unit: "J", metric: "m", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EnergyToKWh(tt.value, tt.unit, tt.metric)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.InDelta(t, tt.want, got, 1e-12)
			}
		})
	}
}

func TestEnergyToKWhIsLinear(t *testing.T) {
	for unit := range unitsPerKWh {
		for _, v := range []float64{0, 1, 123.456, 9e9, -5} {
			single, ok := EnergyToKWh(v, unit, "m")
			assert.True(t, ok, unit)
			double, ok := EnergyToKWh(2*v, unit, "m")
			assert.True(t, ok, unit)
			assert.InDelta(t, 2*single, double, math.Abs(single)*1e-12+1e-18, "unit %s value %v", unit, v)
		}
	}
}

func TestKWhRoundTripIsExact(t *testing.T) {
	for _, v := range []float64{0, 0.1, 1.0 / 3.0, 12345.6789, math.MaxFloat64} {
		got, ok := EnergyToKWh(v, "kWh", "m")
		assert.True(t, ok)
		assert.Equal(t, v, got)
	}
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("mJ"))
	assert.True(t, Supported("mJ/s"))
	assert.False(t, Supported("*"))
	assert.False(t, Supported("W"))
}

package forecast

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxedge/wxedge/internal/calibration"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/units"
)

func fp(v float64) *float64 { return &v }

func TestRangeProbabilityNormalCelsius(t *testing.T) {
	snap := calibration.Empty()
	rng := models.Range{Min: fp(18), Max: fp(22), Unit: units.Celsius}

	// Symmetric one-sigma band around the forecast.
	p, err := RangeProbability(snap, "lon", 20, 2, rng)
	require.NoError(t, err)
	assert.InDelta(t, 0.6827, p, 1e-3)
}

func TestRangeProbabilityNormalFahrenheit(t *testing.T) {
	snap := calibration.Empty()
	// 73.4-80.6°F is 23-27°C; sigma 2°C around 25°C is again one sigma
	// each side.
	rng := models.Range{Min: fp(73.4), Max: fp(80.6), Unit: units.Fahrenheit}
	p, err := RangeProbability(snap, "nyc", 77, 2, rng)
	require.NoError(t, err)
	assert.InDelta(t, 0.6827, p, 1e-3)
}

func TestRangeProbabilityComplements(t *testing.T) {
	snap := calibration.Empty()
	below := models.Range{Max: fp(21), Unit: units.Celsius}
	above := models.Range{Min: fp(21), Unit: units.Celsius}

	pBelow, err := RangeProbability(snap, "lon", 20, 1.5, below)
	require.NoError(t, err)
	pAbove, err := RangeProbability(snap, "lon", 20, 1.5, above)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, pBelow+pAbove, 1e-9)
}

func TestRangeProbabilityEdgeCases(t *testing.T) {
	snap := calibration.Empty()

	p, err := RangeProbability(snap, "x", 20, 2, models.Range{Unit: units.Celsius})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p, 1e-9, "whole-axis contract always resolves YES")

	p, err = RangeProbability(snap, "x", 20, 2, models.Range{Min: fp(21), Max: fp(21), Unit: units.Celsius})
	require.NoError(t, err)
	assert.Zero(t, p, "zero-width range")

	_, err = RangeProbability(snap, "x", math.NaN(), 2, models.Range{Min: fp(21), Unit: units.Celsius})
	assert.Error(t, err, "non-finite forecast refused")

	_, err = RangeProbability(snap, "x", 20, 0, models.Range{Min: fp(21), Unit: units.Celsius})
	assert.Error(t, err, "zero sigma refused without an empirical CDF")
}

func TestRangeProbabilityEmpiricalPath(t *testing.T) {
	// 40 signed errors uniform on [-2, 2): enough history to activate.
	errs := make([]float64, 40)
	for i := range errs {
		errs[i] = -2 + float64(i)*0.1
	}
	snap := calibration.Empty()
	snap.CityEmpiricalCDF["phl"] = calibration.NewErrorCDF(errs, units.Fahrenheit, 30)
	require.True(t, snap.CityEmpiricalCDF["phl"].Active)

	// Forecast far above the range: error table says the high lands
	// above Max almost surely, so the bounded probability collapses to
	// the tail difference.
	rng := models.Range{Min: fp(60), Max: fp(62), Unit: units.Fahrenheit}
	p, err := RangeProbability(snap, "phl", 80, 2, rng)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, p, 1e-9, "both cum probs clamp to the same upper tail")

	// Forecast centered in the range.
	rng = models.Range{Min: fp(78), Max: fp(82), Unit: units.Fahrenheit}
	p, err = RangeProbability(snap, "phl", 80, 2, rng)
	require.NoError(t, err)
	assert.Greater(t, p, 0.8, "centered forecast with tight errors")

	// Unit mismatch falls back to the normal model.
	rngC := models.Range{Min: fp(20), Max: fp(22), Unit: units.Celsius}
	p, err = RangeProbability(snap, "phl", 21, 1, rngC)
	require.NoError(t, err)
	assert.InDelta(t, 0.6827, p, 1e-3)
}

func TestErrorCDFTails(t *testing.T) {
	errs := make([]float64, 40)
	for i := range errs {
		errs[i] = -2 + float64(i)*0.1
	}
	cdf := calibration.NewErrorCDF(errs, units.Fahrenheit, 30)

	assert.InDelta(t, 0.025, cdf.CumProb(-100), 1e-9)
	assert.InDelta(t, 0.975, cdf.CumProb(100), 1e-9)
	mid := cdf.CumProb(0)
	assert.Greater(t, mid, 0.4)
	assert.Less(t, mid, 0.6)
}

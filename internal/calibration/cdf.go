package calibration

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/wxedge/wxedge/internal/units"
)

// cdfPercentiles are the 19 probability levels of the per-city error
// table: 5%, 10%, ..., 95%.
const cdfPoints = 19

// Tail clamps applied outside the table's span.
const (
	cdfLowerTail = 0.025
	cdfUpperTail = 0.975
)

// ErrorCDF is a per-city empirical distribution of signed forecast
// error (forecast - actual) in the city's native unit.
type ErrorCDF struct {
	Quantiles [cdfPoints]float64 // ascending, at 5..95%
	Unit      units.Unit
	N         int
	Active    bool
}

// NewErrorCDF builds the percentile table from raw signed errors.
func NewErrorCDF(errors []float64, unit units.Unit, minN int) *ErrorCDF {
	cdf := &ErrorCDF{Unit: unit, N: len(errors)}
	if len(errors) == 0 {
		return cdf
	}
	sorted := append([]float64(nil), errors...)
	sort.Float64s(sorted)
	for i := 0; i < cdfPoints; i++ {
		p := float64(i+1) * 0.05
		cdf.Quantiles[i] = stat.Quantile(p, stat.Empirical, sorted, nil)
	}
	cdf.Active = len(errors) >= minN
	return cdf
}

// CumProb returns P(error <= v) by linear interpolation of the
// percentile table, clamped to the tail probabilities outside it.
func (c *ErrorCDF) CumProb(v float64) float64 {
	if v < c.Quantiles[0] {
		return cdfLowerTail
	}
	if v >= c.Quantiles[cdfPoints-1] {
		return cdfUpperTail
	}
	for i := 1; i < cdfPoints; i++ {
		lo, hi := c.Quantiles[i-1], c.Quantiles[i]
		if v > hi {
			continue
		}
		pLo := float64(i) * 0.05
		pHi := float64(i+1) * 0.05
		if hi == lo {
			return pLo
		}
		return pLo + (pHi-pLo)*(v-lo)/(hi-lo)
	}
	return cdfUpperTail
}

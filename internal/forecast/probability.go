package forecast

import (
	"fmt"
	"math"

	"github.com/wxedge/wxedge/internal/calibration"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/units"
)

// RangeProbability estimates P(daily high lands in the contract range)
// for the given ensemble temperature. The per-city empirical error CDF
// is used when it has enough history; otherwise the normal model on the
// °C scale. temp is the venue-adjusted ensemble value in the market
// unit; sigmaC carries any platform multiplier already applied.
func RangeProbability(snap *calibration.Snapshot, cityKey string, temp, sigmaC float64, rng models.Range) (float64, error) {
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return 0, fmt.Errorf("probability %s: non-finite forecast", cityKey)
	}
	if rng.Min == nil && rng.Max == nil {
		// A contract covering the whole axis always resolves YES.
		return 1.0, nil
	}
	if rng.Min != nil && rng.Max != nil && *rng.Min == *rng.Max {
		return 0, nil
	}

	if cdf := snap.CityEmpiricalCDF[cityKey]; cdf != nil && cdf.Active && cdf.Unit == rng.Unit {
		return clampProb(empiricalProb(cdf, temp, rng)), nil
	}

	if sigmaC <= 0 || math.IsNaN(sigmaC) {
		return 0, fmt.Errorf("probability %s: invalid sigma %.3f", cityKey, sigmaC)
	}
	return clampProb(normalProb(temp, sigmaC, rng)), nil
}

// empiricalProb works on the signed error e = forecast - actual in the
// market's native unit: P(actual <= x) = 1 - P(e <= T - x).
func empiricalProb(cdf *calibration.ErrorCDF, temp float64, rng models.Range) float64 {
	switch {
	case rng.Min != nil && rng.Max != nil:
		return cdf.CumProb(temp-*rng.Min) - cdf.CumProb(temp-*rng.Max)
	case rng.Min != nil:
		return cdf.CumProb(temp - *rng.Min)
	default:
		return 1.0 - cdf.CumProb(temp-*rng.Max)
	}
}

// normalProb evaluates the range under N(temp, sigma) after converting
// both to °C, where the calibrated sigma lives.
func normalProb(temp, sigmaC float64, rng models.Range) float64 {
	tC := temp
	convert := func(v float64) float64 { return v }
	if rng.Unit == units.Fahrenheit {
		tC = units.FToC(temp)
		convert = units.FToC
	}
	switch {
	case rng.Min != nil && rng.Max != nil:
		zLo := (convert(*rng.Min) - tC) / sigmaC
		zHi := (convert(*rng.Max) - tC) / sigmaC
		return Phi(zHi) - Phi(zLo)
	case rng.Min != nil:
		return 1.0 - Phi((convert(*rng.Min)-tC)/sigmaC)
	default:
		return Phi((convert(*rng.Max) - tC) / sigmaC)
	}
}

func clampProb(p float64) float64 {
	return math.Min(1, math.Max(0, p))
}

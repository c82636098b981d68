package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxedge/wxedge/internal/calibration"
	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/sources"
	"github.com/wxedge/wxedge/internal/units"
)

func testEngine() *Engine {
	return &Engine{cfg: config.Default()}
}

func cityFixture() models.City {
	return models.City{
		Key:        "nyc",
		Name:       "New York",
		Timezone:   "America/New_York",
		MarketUnit: units.Fahrenheit,
		Stations:   map[string]string{"kalshi": "KNYC", "polymarket": "KNYC"},
		USCity:     true,
	}
}

func TestTrimOutlier(t *testing.T) {
	// gfs deviates 12°F from the mean of the others; over the 8°F
	// ceiling, so it is trimmed.
	live := map[string]float64{"gfs": 92, "ecmwf": 80, "icon": 80, "gem": 80}
	out, trimmed := trimOutlier(live, 8.0)
	assert.Equal(t, "gfs", trimmed)
	require.Len(t, out, 3)
	assert.NotContains(t, out, "gfs")

	// Within the ceiling: untouched.
	live = map[string]float64{"gfs": 84, "ecmwf": 80, "icon": 80}
	out, trimmed = trimOutlier(live, 8.0)
	assert.Empty(t, trimmed)
	assert.Len(t, out, 3)

	// Fewer than three sources: never trimmed, even wildly apart.
	live = map[string]float64{"gfs": 100, "ecmwf": 60}
	out, trimmed = trimOutlier(live, 8.0)
	assert.Empty(t, trimmed)
	assert.Len(t, out, 2)
}

func TestTrimOutlierRemovesAtMostOne(t *testing.T) {
	live := map[string]float64{"gfs": 95, "ecmwf": 94, "icon": 70, "gem": 71}
	out, trimmed := trimOutlier(live, 8.0)
	assert.NotEmpty(t, trimmed)
	assert.Len(t, out, 3, "only the single worst source goes")
}

func TestConfidenceLabel(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, confidenceLabel(0))
	assert.Equal(t, ConfidenceHigh, confidenceLabel(3.0))
	assert.Equal(t, ConfidenceMedium, confidenceLabel(3.1))
	assert.Equal(t, ConfidenceMedium, confidenceLabel(6.0))
	assert.Equal(t, ConfidenceLow, confidenceLabel(6.1))
}

func TestWeightedMean(t *testing.T) {
	temps := map[string]float64{"a": 80, "b": 84}
	assert.InDelta(t, 82, weightedMean(temps, equalWeights(temps)), 1e-9)
	assert.InDelta(t, 81, weightedMean(temps, map[string]float64{"a": 0.75, "b": 0.25}), 1e-9)
	assert.Zero(t, weightedMean(temps, map[string]float64{}))
}

func TestBoostWeights(t *testing.T) {
	w := map[string]float64{"nws": 0.25, "gfs": 0.25, "ecmwf": 0.25, "icon": 0.25}
	boosted := boostWeights(w, "nws", 1.5)

	var sum float64
	for _, v := range boosted {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9, "renormalized")
	assert.InDelta(t, 0.375/1.125, boosted["nws"], 1e-9)
	assert.Greater(t, boosted["nws"], boosted["gfs"])

	// A stronger configured multiplier shifts more mass to the member.
	doubled := boostWeights(w, "nws", 2.0)
	assert.InDelta(t, 0.5/1.25, doubled["nws"], 1e-9)
	assert.Greater(t, doubled["nws"], boosted["nws"])
}

func TestNWSBoostFactorFromPlatformConfig(t *testing.T) {
	e := testEngine()
	city := cityFixture()
	city.NWSPriority = map[string]bool{"kalshi": true}

	assert.InDelta(t, 1.5, e.nwsBoostFactor(city), 1e-9, "production default")

	p := e.cfg.Platforms["kalshi"]
	p.NWSWeightBoost = 2.0
	e.cfg.Platforms["kalshi"] = p
	assert.InDelta(t, 2.0, e.nwsBoostFactor(city), 1e-9)

	// Unset boost falls back rather than flattening the variant.
	p.NWSWeightBoost = 0
	e.cfg.Platforms["kalshi"] = p
	assert.InDelta(t, 1.5, e.nwsBoostFactor(city), 1e-9)
}

func TestSigmaWideningChain(t *testing.T) {
	e := testEngine()
	snap := calibration.Empty()
	dualCity := cityFixture()
	dualCity.Stations = map[string]string{"kalshi": "KLAX", "polymarket": "KCQT"}

	// High-confidence base 1.5, spread 5°F adds 0.3 * (5 * 5/9), dual
	// station adds 1.0, and 48h to resolution scales by sqrt(2).
	got := e.sigmaC(snap, dualCity, units.Celsius, ConfidenceHigh, 5.0, 48)
	want := (1.5 + 0.3*units.DeltaFToC(5.0) + 1.0) * math.Sqrt2
	assert.InDelta(t, want, got, 1e-9)
	assert.InDelta(t, 4.714, got, 5e-3)
}

func TestSigmaNoWideningBelowSpreadFloor(t *testing.T) {
	e := testEngine()
	snap := calibration.Empty()
	city := cityFixture()

	got := e.sigmaC(snap, city, units.Fahrenheit, ConfidenceHigh, 3.0, 24)
	assert.InDelta(t, 1.5, got, 1e-9, "spread at or under 4°F never widens")
}

func TestSigmaHorizonFloor(t *testing.T) {
	e := testEngine()
	snap := calibration.Empty()
	city := cityFixture()

	got := e.sigmaC(snap, city, units.Fahrenheit, ConfidenceHigh, 0, 1)
	assert.InDelta(t, 1.5*math.Sqrt(0.5), got, 1e-9, "scale never drops below sqrt(0.5)")
}

func TestSigmaPrefersEmpirical(t *testing.T) {
	e := testEngine()
	snap := calibration.Empty()
	snap.CityStdDevs["nyc"] = calibration.StdStat{Std: 1.1, N: 50}
	city := cityFixture()

	got := e.sigmaC(snap, city, units.Fahrenheit, ConfidenceLow, 0, 24)
	assert.InDelta(t, 1.1, got, 1e-9, "per-city empirical beats the tier table")
}

func TestActiveSetSkipsShadowsAndDemoted(t *testing.T) {
	e := testEngine()
	snap := calibration.Empty()
	snap.CityMAE["nyc|tomorrowio"] = calibration.MAEStat{MAE: 6.0, N: 20, Unit: units.Fahrenheit}
	snap.CityActiveSources["nyc"] = map[string]bool{"gfs": true, "ecmwf": true}

	raw := map[string]float64{
		sources.SourceGFS:      80,
		sources.SourceECMWF:    81,
		sources.SourceTomorrow: 90, // demoted with history
		sources.SourceARPEGE:   79, // shadow, never averaged
		sources.SourceSpread:   4,  // variance signal, never averaged
		sources.SourceNWS:      82, // no history: stays live
	}
	live := e.activeSet(snap, "nyc", raw)
	assert.Len(t, live, 3)
	assert.Contains(t, live, sources.SourceGFS)
	assert.Contains(t, live, sources.SourceECMWF)
	assert.Contains(t, live, sources.SourceNWS)
}

func TestResolveWeightsFallsBackToEqual(t *testing.T) {
	e := testEngine()
	snap := calibration.Empty()
	live := map[string]float64{"gfs": 80, "ecmwf": 82}

	w := e.resolveWeights(snap, "nyc", live)
	assert.InDelta(t, 0.5, w["gfs"], 1e-9)
	assert.InDelta(t, 0.5, w["ecmwf"], 1e-9)

	// Only one live source carries a weight: still equal.
	snap.CitySourceWeights["nyc"] = map[string]float64{"gfs": 1.0}
	w = e.resolveWeights(snap, "nyc", live)
	assert.InDelta(t, 0.5, w["ecmwf"], 1e-9)
}

func TestResolveWeightsRenormalizesFullCoverage(t *testing.T) {
	e := testEngine()
	snap := calibration.Empty()
	snap.CitySourceWeights["nyc"] = map[string]float64{"gfs": 0.5, "ecmwf": 0.3, "icon": 0.2}

	// icon is not live this cycle; the covered remainder renormalizes.
	live := map[string]float64{"gfs": 80, "ecmwf": 82}
	w := e.resolveWeights(snap, "nyc", live)
	assert.InDelta(t, 0.625, w["gfs"], 1e-9)
	assert.InDelta(t, 0.375, w["ecmwf"], 1e-9)
}

func TestResolveWeightsCoverageGapUsesEqual(t *testing.T) {
	e := testEngine()
	snap := calibration.Empty()
	snap.CitySourceWeights["nyc"] = map[string]float64{"gfs": 0.6, "ecmwf": 0.4}

	// nws is live but unweighted; the table would zero it out of the
	// mean, so the whole set falls back to equal weights.
	live := map[string]float64{"gfs": 80, "ecmwf": 82, "nws": 81}
	w := e.resolveWeights(snap, "nyc", live)
	for src := range live {
		assert.InDelta(t, 1.0/3.0, w[src], 1e-9, src)
	}
}

func TestHoursToResolution(t *testing.T) {
	e := testEngine()
	city := cityFixture()
	loc, err := city.Location()
	require.NoError(t, err)

	// 10:00 local on the contract date: 14h to midnight at the end of
	// the day.
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, loc)
	hours, err := e.hoursToResolution(city, "2026-08-24", now)
	require.NoError(t, err)
	assert.InDelta(t, 14.0, hours, 1e-9)

	// Next-day contract from the same instant.
	hours, err = e.hoursToResolution(city, "2026-08-25", now)
	require.NoError(t, err)
	assert.InDelta(t, 38.0, hours, 1e-9)

	// Already past resolution: floored at zero.
	hours, err = e.hoursToResolution(city, "2026-08-22", now)
	require.NoError(t, err)
	assert.Zero(t, hours)

	_, err = e.hoursToResolution(city, "not-a-date", now)
	assert.Error(t, err)
}

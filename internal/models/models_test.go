package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxedge/wxedge/internal/units"
)

func fp(v float64) *float64 { return &v }

func TestRangeValidate(t *testing.T) {
	assert.NoError(t, Range{Name: "84-85", Min: fp(84), Max: fp(85)}.Validate())
	assert.NoError(t, Range{Name: "90+", Min: fp(90)}.Validate())
	assert.NoError(t, Range{Name: "79-", Max: fp(79)}.Validate())
	assert.Error(t, Range{Name: "bad"}.Validate(), "both bounds nil")
	assert.Error(t, Range{Name: "inv", Min: fp(90), Max: fp(85)}.Validate(), "inverted bounds")
}

func TestRangeReference(t *testing.T) {
	assert.InDelta(t, 84.5, Range{Min: fp(84), Max: fp(85)}.Reference(), 1e-9)
	assert.InDelta(t, 90.0, Range{Min: fp(90)}.Reference(), 1e-9)
	assert.InDelta(t, 79.0, Range{Max: fp(79)}.Reference(), 1e-9)
}

func TestRangeWidth(t *testing.T) {
	assert.InDelta(t, 1.0, Range{Min: fp(84), Max: fp(85)}.Width(), 1e-9)
	assert.True(t, Range{Min: fp(90)}.Width() != Range{Min: fp(90)}.Width(), "unbounded width is NaN")
}

func TestCityDualStation(t *testing.T) {
	single := City{Stations: map[string]string{"kalshi": "KNYC", "polymarket": "KNYC"}}
	assert.False(t, single.DualStation())

	dual := City{Stations: map[string]string{"kalshi": "KLAX", "polymarket": "KCQT"}}
	assert.True(t, dual.DualStation())

	assert.False(t, City{}.DualStation())
}

func TestCityCoolingHour(t *testing.T) {
	assert.Equal(t, 17, City{}.CoolingHour())
	assert.Equal(t, 15, City{CoolingHourLocal: 15}.CoolingHour())
}

func TestCityLocation(t *testing.T) {
	_, err := City{Timezone: "America/New_York"}.Location()
	require.NoError(t, err)
	_, err = City{Timezone: "Mars/Olympus"}.Location()
	assert.Error(t, err)
}

func TestAppendEvaluatorLogBounded(t *testing.T) {
	var tr Trade
	for i := 0; i < MaxEvaluatorEntries+10; i++ {
		tr.AppendEvaluatorLog(EvaluatorEntry{At: time.Unix(int64(i), 0), Price: float64(i)})
	}
	require.Len(t, tr.EvaluatorLog, MaxEvaluatorEntries)
	assert.InDelta(t, 10.0, tr.EvaluatorLog[0].Price, 1e-9, "oldest entries evicted first")
	assert.InDelta(t, float64(MaxEvaluatorEntries+9), tr.EvaluatorLog[MaxEvaluatorEntries-1].Price, 1e-9)
}

func TestObserveMarketExtrema(t *testing.T) {
	tr := Trade{CurrentPrice: 0.40, MaxPrice: 0.40, MinProb: 0.70}
	tr.ObserveMarket(0.55, 0.80)
	assert.InDelta(t, 0.55, tr.CurrentPrice, 1e-9)
	assert.InDelta(t, 0.55, tr.MaxPrice, 1e-9)
	assert.InDelta(t, 0.70, tr.MinProb, 1e-9, "probability rose, min keeps the floor")

	tr.ObserveMarket(0.30, 0.45)
	assert.InDelta(t, 0.55, tr.MaxPrice, 1e-9, "max keeps the peak")
	assert.InDelta(t, 0.45, tr.MinProb, 1e-9)
}

func TestPositionKeys(t *testing.T) {
	assert.Equal(t, "nyc|2026-08-24|84-85|yes|kalshi", PositionKey("nyc", "2026-08-24", "84-85", SideYes, "kalshi"))
	assert.Equal(t, "nyc|2026-08-24|no|kalshi", SideKey("nyc", "2026-08-24", SideNo, "kalshi"))
	assert.Equal(t, "nyc|2026-08-24|84-85|kalshi", RangeKey("nyc", "2026-08-24", "84-85", "kalshi"))
}

func TestForecastTempForVenue(t *testing.T) {
	boost := 78.5
	fc := &ForecastResult{Temp: 77.0, Unit: units.Fahrenheit, NWSBoostTemp: &boost}
	city := City{NWSPriority: map[string]bool{"kalshi": true}}
	assert.InDelta(t, 78.5, fc.TempForVenue(city, "kalshi"), 1e-9)
	assert.InDelta(t, 77.0, fc.TempForVenue(city, "polymarket"), 1e-9)

	fc.NWSBoostTemp = nil
	assert.InDelta(t, 77.0, fc.TempForVenue(city, "kalshi"), 1e-9)
}

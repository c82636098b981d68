package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/units"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.InDelta(t, 5.0, cfg.Entry.MinEdgePct, 1e-9)
	assert.InDelta(t, 0.25, cfg.Sizing.KellyFraction, 1e-9)
	assert.True(t, cfg.Guaranteed.Enabled)
	assert.True(t, cfg.Platforms["kalshi"].Simulate, "paper trading by default")
	assert.True(t, cfg.Platforms["polymarket"].Simulate)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	doc := `
cities:
  - key: nyc
    name: New York
    timezone: America/New_York
    market_unit: F
    venue_ids:
      kalshi: KXHIGHNY
entry:
  min_edge_pct: 7.5
platforms:
  kalshi:
    trading_enabled: true
    std_dev_multiplier: 1.2
    blocked_cities: [mia]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden fields take the document's values.
	assert.InDelta(t, 7.5, cfg.Entry.MinEdgePct, 1e-9)
	assert.InDelta(t, 1.2, cfg.Platforms["kalshi"].StdDevMultiplier, 1e-9)

	// Untouched sections keep the defaults.
	assert.InDelta(t, 0.10, cfg.Entry.MaxSpread, 1e-9)
	assert.InDelta(t, 1000.0, cfg.Sizing.YesBankroll, 1e-9)

	city, ok := cfg.City("nyc")
	require.True(t, ok)
	assert.Equal(t, units.Fahrenheit, city.MarketUnit)
	assert.True(t, cfg.CityBlocked("kalshi", "mia"))
	assert.False(t, cfg.CityBlocked("kalshi", "nyc"))
	assert.True(t, cfg.CityBlocked("unknown-venue", "nyc"), "unconfigured venue blocks everything")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cfg := Default()
	cfg.Sizing.KellyFraction = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Sizing.MaxBankrollPct = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Cities = []models.City{{Key: ""}}
	assert.Error(t, cfg.Validate(), "empty city key")

	cfg = Default()
	cfg.Cities = []models.City{{Key: "nyc", Timezone: "America/New_York", MarketUnit: "K"}}
	assert.Error(t, cfg.Validate(), "invalid market unit")

	cfg = Default()
	cfg.Cities = []models.City{{Key: "nyc", Timezone: "Mars/Olympus", MarketUnit: units.Fahrenheit}}
	assert.Error(t, cfg.Validate(), "unknown timezone")
}

func TestMaxEnsembleSpreadPerUnit(t *testing.T) {
	cfg := Default()
	assert.InDelta(t, 4.0, cfg.MaxEnsembleSpread(units.Celsius), 1e-9)
	assert.InDelta(t, 7.0, cfg.MaxEnsembleSpread(units.Fahrenheit), 1e-9)
}

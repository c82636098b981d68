// Package config loads the static engine configuration. The document is
// read once at startup; there is no hot reload.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/units"
)

// Config is the root configuration document.
type Config struct {
	Cities    []models.City             `yaml:"cities"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`

	Forecasts   ForecastConfig   `yaml:"forecasts"`
	Entry       EntryConfig      `yaml:"entry"`
	Sizing      SizingConfig     `yaml:"sizing"`
	Guaranteed  GuaranteedConfig `yaml:"guaranteed_entry"`
	Calibration CalConfig        `yaml:"calibration"`

	Database  DatabaseConfig  `yaml:"database"`
	Sources   SourcesConfig   `yaml:"sources"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Ops       OpsConfig       `yaml:"ops"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// PlatformConfig holds per-venue switches and adjustments.
type PlatformConfig struct {
	TradingEnabled       bool     `yaml:"trading_enabled"`
	GuaranteedWinEnabled bool     `yaml:"guaranteed_win_enabled"`
	StdDevMultiplier     float64  `yaml:"std_dev_multiplier"` // applied to final sigma
	NWSWeightBoost       float64  `yaml:"nws_weight_boost"`   // 1.5x default
	BlockedCities        []string `yaml:"blocked_cities"`     // static per-city block
	Simulate             bool     `yaml:"simulate"`           // paper execution

	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"` // falls back to <VENUE>_API_KEY
}

// ForecastConfig tunes the ensemble engine and calibration windows.
type ForecastConfig struct {
	CacheMinutes          int     `yaml:"cache_minutes"`           // per-source multi-day cache TTL
	CalibrationWindowDays int     `yaml:"calibration_window_days"` // rolling history window
	FetchTimeoutSeconds   int     `yaml:"fetch_timeout_seconds"`   // per-source HTTP deadline
	OutlierMaxDevF        float64 `yaml:"outlier_max_dev_f"`       // trim threshold vs others' mean

	// DefaultStdDevs is the hard-coded sigma tier table (°C) keyed by
	// confidence label, the last fallback when no empirical data exists.
	DefaultStdDevs map[string]float64 `yaml:"default_std_devs"`

	CityEligibility  EligibilityConfig `yaml:"city_eligibility"`
	SourceManagement SourceMgmtConfig  `yaml:"source_management"`
}

// EligibilityConfig gates which cities may trade bounded and unbounded
// contracts based on weighted forecast MAE.
type EligibilityConfig struct {
	MinSamples       int     `yaml:"min_samples"`
	BoundedMaxMAEF   float64 `yaml:"bounded_max_mae_f"`
	BoundedMaxMAEC   float64 `yaml:"bounded_max_mae_c"`
	UnboundedMaxMAEF float64 `yaml:"unbounded_max_mae_f"`
	UnboundedMaxMAEC float64 `yaml:"unbounded_max_mae_c"`
}

// SourceMgmtConfig controls source demotion and inverse-MAE weighting.
type SourceMgmtConfig struct {
	DemotionMAEF           float64 `yaml:"demotion_mae_f"`           // absolute ceiling, °F
	DemotionMAEC           float64 `yaml:"demotion_mae_c"`           // absolute ceiling, °C
	MinSamples             int     `yaml:"min_samples"`              // per-source floor for bias use
	MinActiveSources       int     `yaml:"min_active_sources"`       // soft-demote below this
	RelativeDemotionFactor float64 `yaml:"relative_demotion_factor"` // bestMAE multiplier ceiling
	SoftDemotionMaxWeight  float64 `yaml:"soft_demotion_max_weight"` // 10% cap
	WeightMinSamples       int     `yaml:"weight_min_samples"`
}

// EntryConfig holds the scanner filter-chain thresholds.
type EntryConfig struct {
	MinEdgePct           float64 `yaml:"min_edge_pct"`
	MaxSpread            float64 `yaml:"max_spread"`
	MaxSpreadPct         float64 `yaml:"max_spread_pct"`
	MinAskPrice          float64 `yaml:"min_ask_price"`
	MinNoAskPrice        float64 `yaml:"min_no_ask_price"`
	MaxNoAskPrice        float64 `yaml:"max_no_ask_price"`
	MinHoursToResolution float64 `yaml:"min_hours_to_resolution"`
	MaxModelMarketRatio  float64 `yaml:"max_model_market_ratio"`
	MaxEnsembleSpreadC   float64 `yaml:"max_ensemble_spread_c"`
	MaxEnsembleSpreadF   float64 `yaml:"max_ensemble_spread_f"`
	MaxMarketDivergenceC float64 `yaml:"max_market_divergence_c"`
	MaxStdRangeRatio     float64 `yaml:"max_std_range_ratio"`
	YesMaxForecastDist   float64 `yaml:"yes_max_forecast_distance"` // in std devs
	YesCandidateCount    int     `yaml:"yes_candidate_count"`
	ObsEntryBufferC      float64 `yaml:"obs_entry_buffer_c"`
	ObsEntryBufferF      float64 `yaml:"obs_entry_buffer_f"`
}

// SizingConfig holds bankroll and Kelly parameters.
type SizingConfig struct {
	YesBankroll         float64 `yaml:"yes_bankroll"`
	NoBankroll          float64 `yaml:"no_bankroll"`
	MinBet              float64 `yaml:"min_bet"`
	MaxBankrollPct      float64 `yaml:"max_bankroll_pct"`
	NoMaxPerDate        float64 `yaml:"no_max_per_date"`
	KellyFraction       float64 `yaml:"kelly_fraction"`
	HardRejectVolumePct float64 `yaml:"hard_reject_volume_pct"`
	MaxVolumePct        float64 `yaml:"max_volume_pct"` // 0 disables the soft cap
}

// GuaranteedConfig gates the guaranteed-win detector and executor.
type GuaranteedConfig struct {
	Enabled             bool    `yaml:"enabled"`
	MinAsk              float64 `yaml:"min_ask"`
	MaxAsk              float64 `yaml:"max_ask"`
	MinAskDualConfirmed float64 `yaml:"min_ask_dual_confirmed"`
	MinMarginCents      float64 `yaml:"min_margin_cents"`
	MaxBankrollPct      float64 `yaml:"max_bankroll_pct"`
	RequireDualConfirm  bool    `yaml:"require_dual_confirmation"`
	MetarOnlyMinGapC    float64 `yaml:"metar_only_min_gap_c"`
	MetarOnlyMinGapF    float64 `yaml:"metar_only_min_gap_f"`
	DualStationGapC     float64 `yaml:"dual_station_gap_c"`
	DualStationGapF     float64 `yaml:"dual_station_gap_f"`
	MinBid              float64 `yaml:"gw_min_bid"`
}

// CalConfig holds market/model calibration thresholds.
type CalConfig struct {
	CalMinTradeEdge float64 `yaml:"cal_min_trade_edge"`
	CalConfirmsMinN int     `yaml:"cal_confirms_min_n"`
	CalBlocksMinN   int     `yaml:"cal_blocks_min_n"`
	ModelPooledMinN int     `yaml:"model_cal_pooled_min_n"`
	ModelCityMinN   int     `yaml:"model_cal_city_min_n"`
	RefreshTTLHours int     `yaml:"refresh_ttl_hours"`
	PerCityCDFMinN  int     `yaml:"per_city_cdf_min_n"`
	PerCityStdMinN  int     `yaml:"per_city_std_min_n"`
	PooledStdMinN   int     `yaml:"pooled_std_min_n"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn"` // falls back to DATABASE_URL
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
}

// SourcesConfig carries API keys and base URL overrides for the weather
// source clients.
type SourcesConfig struct {
	OpenMeteoBaseURL         string `yaml:"open_meteo_base_url"`
	OpenMeteoEnsembleBaseURL string `yaml:"open_meteo_ensemble_base_url"`
	NWSBaseURL               string `yaml:"nws_base_url"`
	TomorrowBaseURL          string `yaml:"tomorrow_base_url"`
	TomorrowAPIKey           string `yaml:"tomorrow_api_key"` // falls back to TOMORROW_API_KEY
}

// AlertsConfig configures the fire-and-forget notifiers.
type AlertsConfig struct {
	SlackWebhook   string `yaml:"slack_webhook"`
	DiscordWebhook string `yaml:"discord_webhook"`
}

// OpsConfig configures the monitoring HTTP server.
type OpsConfig struct {
	Listen string `yaml:"listen"`
}

// SchedulerConfig configures the three periodic loops.
type SchedulerConfig struct {
	ScanSpec        string `yaml:"scan_spec"`     // cron, seconds granularity
	SnapshotSpec    string `yaml:"snapshot_spec"` // cron
	FastPollSeconds int    `yaml:"fast_poll_seconds"`
	StaleCycles     int    `yaml:"stale_cycles"` // empty-market cycles before alert
}

// Default returns the production defaults. A loaded file overrides
// field by field.
func Default() *Config {
	cfg := &Config{
		Platforms: map[string]PlatformConfig{
			"kalshi": {
				TradingEnabled:       true,
				GuaranteedWinEnabled: true,
				StdDevMultiplier:     1.0,
				NWSWeightBoost:       1.5,
				Simulate:             true,
				BaseURL:              "https://api.elections.kalshi.com",
			},
			"polymarket": {
				TradingEnabled:       true,
				GuaranteedWinEnabled: true,
				StdDevMultiplier:     1.0,
				NWSWeightBoost:       1.5,
				Simulate:             true,
				BaseURL:              "https://gamma-api.polymarket.com",
			},
		},
		Forecasts: ForecastConfig{
			CacheMinutes:          30,
			CalibrationWindowDays: 45,
			FetchTimeoutSeconds:   15,
			OutlierMaxDevF:        8.0,
			DefaultStdDevs: map[string]float64{
				"high":   1.5, // °C
				"medium": 2.5,
				"low":    3.5,
			},
			CityEligibility: EligibilityConfig{
				MinSamples:       10,
				BoundedMaxMAEF:   1.8,
				BoundedMaxMAEC:   1.0,
				UnboundedMaxMAEF: 2.7,
				UnboundedMaxMAEC: 1.5,
			},
			SourceManagement: SourceMgmtConfig{
				DemotionMAEF:           4.0,
				DemotionMAEC:           2.0,
				MinSamples:             3,
				MinActiveSources:       2,
				RelativeDemotionFactor: 1.8,
				SoftDemotionMaxWeight:  0.10,
				WeightMinSamples:       3,
			},
		},
		Entry: EntryConfig{
			MinEdgePct:           5.0,
			MaxSpread:            0.10,
			MaxSpreadPct:         0.35,
			MinAskPrice:          0.03,
			MinNoAskPrice:        0.10,
			MaxNoAskPrice:        0.85,
			MinHoursToResolution: 2.0,
			MaxModelMarketRatio:  3.0,
			MaxEnsembleSpreadC:   4.0,
			MaxEnsembleSpreadF:   7.0,
			MaxMarketDivergenceC: 2.0,
			MaxStdRangeRatio:     2.0,
			YesMaxForecastDist:   3.0,
			YesCandidateCount:    5,
			ObsEntryBufferC:      0.5,
			ObsEntryBufferF:      1.0,
		},
		Sizing: SizingConfig{
			YesBankroll:         1000,
			NoBankroll:          1000,
			MinBet:              25,
			MaxBankrollPct:      0.05,
			NoMaxPerDate:        300,
			KellyFraction:       0.25,
			HardRejectVolumePct: 25,
			MaxVolumePct:        0, // soft cap disabled
		},
		Guaranteed: GuaranteedConfig{
			Enabled:             true,
			MinAsk:              0.05,
			MaxAsk:              0.90,
			MinAskDualConfirmed: 0.03,
			MinMarginCents:      5,
			MaxBankrollPct:      0.10,
			RequireDualConfirm:  false,
			MetarOnlyMinGapC:    0.5,
			MetarOnlyMinGapF:    1.0,
			DualStationGapC:     0.8,
			DualStationGapF:     1.5,
			MinBid:              0.02,
		},
		Calibration: CalConfig{
			CalMinTradeEdge: 0.03,
			CalConfirmsMinN: 25,
			CalBlocksMinN:   30,
			ModelPooledMinN: 30,
			ModelCityMinN:   50,
			RefreshTTLHours: 6,
			PerCityCDFMinN:  30,
			PerCityStdMinN:  15,
			PooledStdMinN:   10,
		},
		Database: DatabaseConfig{
			TimeoutSeconds: 10,
			MaxOpenConns:   8,
		},
		Sources: SourcesConfig{
			OpenMeteoBaseURL:         "https://api.open-meteo.com",
			OpenMeteoEnsembleBaseURL: "https://ensemble-api.open-meteo.com",
			NWSBaseURL:               "https://api.weather.gov",
			TomorrowBaseURL:          "https://api.tomorrow.io",
		},
		Ops: OpsConfig{Listen: ":8089"},
		Scheduler: SchedulerConfig{
			ScanSpec:        "0 */5 * * * *",  // every 5 minutes
			SnapshotSpec:    "0 */15 * * * *", // every 15 minutes
			FastPollSeconds: 20,
			StaleCycles:     12,
		},
	}
	return cfg
}

// Load reads a YAML document over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.Sources.TomorrowAPIKey == "" {
		cfg.Sources.TomorrowAPIKey = os.Getenv("TOMORROW_API_KEY")
	}
	for name, p := range cfg.Platforms {
		if p.APIKey == "" {
			p.APIKey = os.Getenv(strings.ToUpper(name) + "_API_KEY")
			cfg.Platforms[name] = p
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects documents the engine cannot run with.
func (c *Config) Validate() error {
	for _, city := range c.Cities {
		if city.Key == "" {
			return fmt.Errorf("city with empty key")
		}
		if !city.MarketUnit.Valid() {
			return fmt.Errorf("city %s: market unit %q invalid", city.Key, city.MarketUnit)
		}
		if _, err := city.Location(); err != nil {
			return fmt.Errorf("city %s: %w", city.Key, err)
		}
	}
	if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
		return fmt.Errorf("sizing: kelly_fraction %.2f out of (0,1]", c.Sizing.KellyFraction)
	}
	if c.Sizing.MaxBankrollPct <= 0 || c.Sizing.MaxBankrollPct > 1 {
		return fmt.Errorf("sizing: max_bankroll_pct %.2f out of (0,1]", c.Sizing.MaxBankrollPct)
	}
	return nil
}

// City returns the descriptor for a key, if configured.
func (c *Config) City(key string) (models.City, bool) {
	for _, city := range c.Cities {
		if city.Key == key {
			return city, true
		}
	}
	return models.City{}, false
}

// CityBlocked reports the static per-venue city block list.
func (c *Config) CityBlocked(venue, cityKey string) bool {
	p, ok := c.Platforms[venue]
	if !ok {
		return true
	}
	for _, blocked := range p.BlockedCities {
		if blocked == cityKey {
			return true
		}
	}
	return false
}

// MaxEnsembleSpread returns the spread ceiling in the given unit.
func (c *Config) MaxEnsembleSpread(u units.Unit) float64 {
	if u == units.Celsius {
		return c.Entry.MaxEnsembleSpreadC
	}
	return c.Entry.MaxEnsembleSpreadF
}

// Package calibration derives the bias, weighting and win-rate tables
// the ensemble engine and scanner consult, from a rolling window of
// past forecast errors and resolved opportunities.
package calibration

import (
	"fmt"
	"time"

	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/units"
)

// BiasStat is a mean signed error with its sample count.
type BiasStat struct {
	Bias float64
	N    int
}

// StdStat is a residual standard deviation with its sample count.
type StdStat struct {
	Std float64
	N   int
}

// MAEStat is a residual mean absolute error with its sample count, in
// the unit the city's rows are recorded in.
type MAEStat struct {
	MAE  float64
	N    int
	Unit units.Unit
}

// MarketBucket is an empirical win rate for one market-calibration key.
type MarketBucket struct {
	WinRate  float64
	N        int
	TrueEdge float64 // winRate - bucket mid price
}

// ModelBucket is a model-probability correction ratio.
type ModelBucket struct {
	Ratio float64
	N     int
}

// Eligibility is the per-city trade gate derived from weighted MAE.
type Eligibility struct {
	MAE            float64
	N              int
	Unit           units.Unit
	AllowBounded   bool
	AllowUnbounded bool
}

// Snapshot is one immutable calibration view. Readers hold a snapshot
// for the duration of an evaluation; the store swaps the pointer on
// refresh, so no table here is ever mutated after publication.
type Snapshot struct {
	BuiltAt time.Time

	Biases         map[string]BiasStat // source|unit
	CityBiases     map[string]BiasStat // city|source|unit
	LeadBiases     map[string]BiasStat // source|unit|lead
	CityLeadBiases map[string]BiasStat // city|source|unit|lead

	EmpiricalStdDevs map[units.Unit]StdStat // pooled, °C
	CityStdDevs      map[string]StdStat     // city, °C

	CityMAE           map[string]MAEStat           // city|source
	CityActiveSources map[string]map[string]bool   // city -> active set
	CitySoftDemoted   map[string]map[string]bool   // city -> capped set
	CitySourceWeights map[string]map[string]float64
	CityWeightedMAE   map[string]MAEStat // eligibility metric

	CityEmpiricalCDF map[string]*ErrorCDF

	MarketCalibration map[string]MarketBucket // venue|rt|lead|price[|city]
	ModelCalibration  map[string]ModelBucket  // [city|]rt|prob
}

// Empty returns a snapshot with all tables present but unpopulated; the
// downstream engine degrades to its least-specific fallbacks.
func Empty() *Snapshot {
	return &Snapshot{
		Biases:            map[string]BiasStat{},
		CityBiases:        map[string]BiasStat{},
		LeadBiases:        map[string]BiasStat{},
		CityLeadBiases:    map[string]BiasStat{},
		EmpiricalStdDevs:  map[units.Unit]StdStat{},
		CityStdDevs:       map[string]StdStat{},
		CityMAE:           map[string]MAEStat{},
		CityActiveSources: map[string]map[string]bool{},
		CitySoftDemoted:   map[string]map[string]bool{},
		CitySourceWeights: map[string]map[string]float64{},
		CityWeightedMAE:   map[string]MAEStat{},
		CityEmpiricalCDF:  map[string]*ErrorCDF{},
		MarketCalibration: map[string]MarketBucket{},
		ModelCalibration:  map[string]ModelBucket{},
	}
}

func sourceKey(source string, unit units.Unit) string {
	return fmt.Sprintf("%s|%s", source, unit)
}

func citySourceKey(city, source string, unit units.Unit) string {
	return fmt.Sprintf("%s|%s|%s", city, source, unit)
}

func leadKey(source string, unit units.Unit, lead string) string {
	return fmt.Sprintf("%s|%s|%s", source, unit, lead)
}

func cityLeadKey(city, source string, unit units.Unit, lead string) string {
	return fmt.Sprintf("%s|%s|%s|%s", city, source, unit, lead)
}

// MarketKey builds a market-calibration bucket key; city is optional.
func MarketKey(venue string, rt models.RangeType, lead, price, city string) string {
	if city == "" {
		return fmt.Sprintf("%s|%s|%s|%s", venue, rt, lead, price)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", venue, rt, lead, price, city)
}

// ModelKey builds a model-calibration bucket key; city is optional.
func ModelKey(city string, rt models.RangeType, prob string) string {
	if city == "" {
		return fmt.Sprintf("%s|%s", rt, prob)
	}
	return fmt.Sprintf("%s|%s|%s", city, rt, prob)
}

// minCascadeN is the sample floor for the bias cascade: entries with
// fewer samples are skipped in favor of the next-less-specific level.
const minCascadeN = 3

// BiasFor walks the four-level cascade, most specific first, and
// returns the first entry with enough samples. The bias is in the unit
// the city's ledger rows carry.
func (s *Snapshot) BiasFor(city, source string, unit units.Unit, lead string) (float64, bool) {
	if b, ok := s.CityLeadBiases[cityLeadKey(city, source, unit, lead)]; ok && b.N >= minCascadeN {
		return b.Bias, true
	}
	if b, ok := s.CityBiases[citySourceKey(city, source, unit)]; ok && b.N >= minCascadeN {
		return b.Bias, true
	}
	if b, ok := s.LeadBiases[leadKey(source, unit, lead)]; ok && b.N >= minCascadeN {
		return b.Bias, true
	}
	if b, ok := s.Biases[sourceKey(source, unit)]; ok && b.N >= minCascadeN {
		return b.Bias, true
	}
	return 0, false
}

// ActiveSources returns the per-city active set; nil means no evidence,
// which callers treat as all-active.
func (s *Snapshot) ActiveSources(city string) map[string]bool {
	return s.CityActiveSources[city]
}

// WeightsFor returns the inverse-MAE weight table for a city, or nil
// when none was derived.
func (s *Snapshot) WeightsFor(city string) map[string]float64 {
	return s.CitySourceWeights[city]
}

// StdDevC resolves the empirical sigma for a city: per-city first, then
// pooled per-unit; ok=false means the caller should use the tier table.
func (s *Snapshot) StdDevC(city string, unit units.Unit, minCity, minPooled int) (float64, bool) {
	if st, ok := s.CityStdDevs[city]; ok && st.N >= minCity && st.Std > 0 {
		return st.Std, true
	}
	if st, ok := s.EmpiricalStdDevs[unit]; ok && st.N >= minPooled && st.Std > 0 {
		return st.Std, true
	}
	return 0, false
}

// MarketBucketFor resolves the market-calibration bucket, preferring a
// city-specific entry when present. The returned key is the one that
// matched, for annotation on the opportunity row.
func (s *Snapshot) MarketBucketFor(venue string, rt models.RangeType, lead, price, city string) (MarketBucket, string, bool) {
	key := MarketKey(venue, rt, lead, price, city)
	if b, ok := s.MarketCalibration[key]; ok {
		return b, key, true
	}
	key = MarketKey(venue, rt, lead, price, "")
	if b, ok := s.MarketCalibration[key]; ok {
		return b, key, true
	}
	return MarketBucket{}, "", false
}

// CorrectionRatio resolves the model-calibration multiplier for a raw
// probability. City-specific entries win over pooled only with the
// larger sample floor; absent evidence the ratio is 1.
func (s *Snapshot) CorrectionRatio(city string, rt models.RangeType, prob float64, pooledMinN, cityMinN int) (float64, int) {
	bucket := models.ProbBucket(prob)
	if b, ok := s.ModelCalibration[ModelKey(city, rt, bucket)]; ok && b.N >= cityMinN {
		return b.Ratio, b.N
	}
	if b, ok := s.ModelCalibration[ModelKey("", rt, bucket)]; ok && b.N >= pooledMinN {
		return b.Ratio, b.N
	}
	return 1.0, 0
}

// EligibilityFor returns the weighted-MAE eligibility record; below the
// minimum sample count all contract types are allowed.
func (s *Snapshot) EligibilityFor(city string) (Eligibility, bool) {
	m, ok := s.CityWeightedMAE[city]
	if !ok {
		return Eligibility{AllowBounded: true, AllowUnbounded: true}, false
	}
	return Eligibility{MAE: m.MAE, N: m.N, Unit: m.Unit}, true
}

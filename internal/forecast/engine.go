// Package forecast runs the multi-source ensemble: concurrent fetch,
// outlier trim, bias correction, weighting and sigma selection, plus
// the probability paths the scanner consumes.
package forecast

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wxedge/wxedge/internal/calibration"
	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/metrics"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/sources"
	"github.com/wxedge/wxedge/internal/units"
)

// fetchDays is how far ahead each source is asked to forecast. Markets
// rarely list beyond five days out.
const fetchDays = 7

// Confidence labels derived from active-source disagreement.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Spread thresholds (°F) for the confidence label.
const (
	spreadHighMaxF   = 3.0
	spreadMediumMaxF = 6.0
)

// Sigma widening parameters.
const (
	wideningSpreadFloorF = 4.0 // widen only above this disagreement
	wideningSpreadCoeff  = 0.3 // added sigma per °C of spread
	dualStationSigmaC    = 1.0
	horizonScaleFloor    = 0.5
)

// defaultNWSBoost is the NWS weight multiplier when no platform
// configures one.
const defaultNWSBoost = 1.5

// Engine produces ForecastResults from the source registry and the
// current calibration snapshot.
type Engine struct {
	reg   *sources.Registry
	cal   *calibration.Store
	cfg   *config.Config
	cache *sourceCache
	sf    singleflight.Group

	weightNote sync.Map // city key -> struct{}, weighted-vs-equal logged once
}

// NewEngine wires the ensemble engine.
func NewEngine(reg *sources.Registry, cal *calibration.Store, cfg *config.Config) *Engine {
	return &Engine{
		reg:   reg,
		cal:   cal,
		cfg:   cfg,
		cache: newSourceCache(time.Duration(cfg.Forecasts.CacheMinutes) * time.Minute),
	}
}

// Forecast computes the ensemble for one (city, date). now anchors the
// resolution horizon so tests can pin it.
func (e *Engine) Forecast(ctx context.Context, city models.City, date string, now time.Time) (*models.ForecastResult, error) {
	all := e.fetchAll(ctx, city)

	raw := map[string]float64{}
	for src, highs := range all {
		if t, ok := highs[date]; ok {
			raw[src] = t
		}
	}

	hours, err := e.hoursToResolution(city, date, now)
	if err != nil {
		return nil, err
	}
	lead := models.LeadBucket(hours)
	snap := e.cal.Snapshot()
	unit := city.MarketUnit

	live := e.activeSet(snap, city.Key, raw)
	if len(live) == 0 {
		return nil, fmt.Errorf("forecast %s %s: no live sources", city.Key, date)
	}

	live, trimmed := trimOutlier(live, e.cfg.Forecasts.OutlierMaxDevF)
	if trimmed != "" {
		log.Info().Str("city", city.Key).Str("date", date).Str("source", trimmed).
			Msg("outlier source trimmed from ensemble")
	}

	// Bias correction happens in °F regardless of the ledger unit.
	corrected := map[string]float64{}
	for src, t := range live {
		bias, ok := snap.BiasFor(city.Key, src, unit, lead)
		if ok && unit == units.Celsius {
			bias = units.DeltaCToF(bias)
		}
		corrected[src] = t - bias
	}

	weights := e.resolveWeights(snap, city.Key, corrected)
	meanF := weightedMean(corrected, weights)

	var boost *float64
	if _, hasNWS := corrected[sources.SourceNWS]; hasNWS && len(city.NWSPriority) > 0 {
		b := weightedMean(corrected, boostWeights(weights, sources.SourceNWS, e.nwsBoostFactor(city)))
		bM := toMarketUnit(b, unit)
		boost = &bM
	}

	spreadF := spreadOf(corrected)
	confidence := confidenceLabel(spreadF)
	sigma := e.sigmaC(snap, city, unit, confidence, spreadF, hours)

	result := &models.ForecastResult{
		City:              city.Key,
		Date:              date,
		Temp:              toMarketUnit(meanF, unit),
		Unit:              unit,
		StdDevC:           sigma,
		Confidence:        confidence,
		Sources:           raw,
		Active:            sortedKeys(corrected),
		SpreadF:           spreadF,
		HoursToResolution: hours,
		NWSBoostTemp:      boost,
	}

	log.Debug().Str("city", city.Key).Str("date", date).
		Float64("temp", result.Temp).Float64("sigma_c", sigma).
		Float64("spread_f", spreadF).Str("confidence", confidence).
		Int("sources", len(corrected)).
		Msg("ensemble computed")
	return result, nil
}

// fetchAll fans out to every source for the city and returns whatever
// succeeded. Individual failures are logged and dropped; the ensemble
// degrades rather than aborts.
func (e *Engine) fetchAll(ctx context.Context, city models.City) map[string]map[string]float64 {
	var mu sync.Mutex
	out := map[string]map[string]float64{}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range e.reg.ForCity(city) {
		src := src
		g.Go(func() error {
			highs, err := e.fetchOne(gctx, src, city)
			if err != nil {
				metrics.SourceFetchErrors.WithLabelValues(src.Name()).Inc()
				log.Warn().Err(err).Str("city", city.Key).Str("source", src.Name()).
					Msg("source fetch failed")
				return nil
			}
			mu.Lock()
			out[src.Name()] = highs
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		spreads, err := e.fetchSpread(gctx, city)
		if err != nil {
			log.Debug().Err(err).Str("city", city.Key).Msg("ensemble spread unavailable")
			return nil
		}
		mu.Lock()
		out[sources.SourceSpread] = spreads
		mu.Unlock()
		return nil
	})
	_ = g.Wait()
	return out
}

// fetchSpread serves the GEFS member-spread signal through the same
// cache. Recorded alongside the source temps, never averaged.
func (e *Engine) fetchSpread(ctx context.Context, city models.City) (map[string]float64, error) {
	key := sources.SourceSpread + "|" + city.Key
	if spreads, ok := e.cache.get(key); ok {
		return spreads, nil
	}
	v, err, _ := e.sf.Do(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Forecasts.FetchTimeoutSeconds)*time.Second)
		defer cancel()
		spreads, err := e.reg.Spread().FetchSpread(fctx, city.Lat, city.Lon, city.Timezone, fetchDays)
		if err != nil {
			return nil, err
		}
		e.cache.put(key, spreads)
		return spreads, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]float64), nil
}

// fetchOne serves a source's multi-day map through the TTL cache with
// singleflight collapse across concurrent city evaluations.
func (e *Engine) fetchOne(ctx context.Context, src sources.Source, city models.City) (map[string]float64, error) {
	key := src.Name() + "|" + city.Key
	if highs, ok := e.cache.get(key); ok {
		return highs, nil
	}
	v, err, _ := e.sf.Do(key, func() (interface{}, error) {
		if highs, ok := e.cache.get(key); ok {
			return highs, nil
		}
		fctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Forecasts.FetchTimeoutSeconds)*time.Second)
		defer cancel()
		days, err := src.FetchMultiDay(fctx, city.Lat, city.Lon, city.Timezone, fetchDays)
		if err != nil {
			return nil, err
		}
		highs := make(map[string]float64, len(days))
		for _, d := range days {
			highs[d.Date] = d.HighF
		}
		e.cache.put(key, highs)
		return highs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]float64), nil
}

// activeSet filters raw temps down to the live average members: shadow
// sources never enter, and sources the calibration snapshot demoted are
// skipped. Sources with no history at all stay in.
func (e *Engine) activeSet(snap *calibration.Snapshot, cityKey string, raw map[string]float64) map[string]float64 {
	activeTable := snap.ActiveSources(cityKey)
	live := map[string]float64{}
	for src, t := range raw {
		if sources.IsShadow(src) || src == sources.SourceSpread {
			continue
		}
		if activeTable != nil {
			_, known := snap.CityMAE[cityKey+"|"+src]
			if known && !activeTable[src] {
				continue
			}
		}
		live[src] = t
	}
	return live
}

// trimOutlier removes at most one source: the one deviating most from
// the mean of the others, and only when that deviation exceeds the
// ceiling and at least three sources are present.
func trimOutlier(live map[string]float64, maxDevF float64) (map[string]float64, string) {
	if len(live) < 3 {
		return live, ""
	}
	var worst string
	worstDev := 0.0
	var sum float64
	for _, t := range live {
		sum += t
	}
	n := float64(len(live))
	for src, t := range live {
		othersMean := (sum - t) / (n - 1)
		dev := math.Abs(t - othersMean)
		if dev > worstDev || (dev == worstDev && (worst == "" || src < worst)) {
			worst, worstDev = src, dev
		}
	}
	if worstDev <= maxDevF {
		return live, ""
	}
	out := make(map[string]float64, len(live)-1)
	for src, t := range live {
		if src != worst {
			out[src] = t
		}
	}
	return out, worst
}

// resolveWeights narrows the calibration weight table to the live set,
// renormalized. The table is used only when it covers every live
// source; any coverage gap falls back to equal weights so a live,
// non-demoted source is never zeroed out of the mean. The
// weighted-vs-equal delta is logged once per city per process.
func (e *Engine) resolveWeights(snap *calibration.Snapshot, cityKey string, live map[string]float64) map[string]float64 {
	table := snap.WeightsFor(cityKey)
	narrowed := map[string]float64{}
	var sum float64
	for src := range live {
		if w, ok := table[src]; ok && w > 0 {
			narrowed[src] = w
			sum += w
		}
	}
	if len(narrowed) != len(live) || sum <= 0 {
		return equalWeights(live)
	}
	for src := range narrowed {
		narrowed[src] /= sum
	}
	if _, done := e.weightNote.LoadOrStore(cityKey, struct{}{}); !done {
		eq := weightedMean(live, equalWeights(live))
		wm := weightedMean(live, narrowed)
		log.Info().Str("city", cityKey).
			Float64("weighted_f", wm).Float64("equal_f", eq).
			Float64("delta_f", wm-eq).
			Msg("inverse-mae weighting in effect")
	}
	return narrowed
}

func equalWeights(live map[string]float64) map[string]float64 {
	w := make(map[string]float64, len(live))
	for src := range live {
		w[src] = 1.0 / float64(len(live))
	}
	return w
}

// nwsBoostFactor resolves the weight multiplier from the city's
// NWS-priority platforms; the largest configured boost wins when two
// venues disagree.
func (e *Engine) nwsBoostFactor(city models.City) float64 {
	factor := 0.0
	for venueName, priority := range city.NWSPriority {
		if !priority {
			continue
		}
		if b := e.cfg.Platforms[venueName].NWSWeightBoost; b > factor {
			factor = b
		}
	}
	if factor <= 0 {
		return defaultNWSBoost
	}
	return factor
}

// boostWeights multiplies one member's weight and renormalizes.
func boostWeights(weights map[string]float64, boosted string, factor float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	var sum float64
	for src, w := range weights {
		if src == boosted {
			w *= factor
		}
		out[src] = w
		sum += w
	}
	if sum <= 0 {
		return weights
	}
	for src := range out {
		out[src] /= sum
	}
	return out
}

func weightedMean(temps, weights map[string]float64) float64 {
	var num, den float64
	for src, t := range temps {
		w := weights[src]
		num += t * w
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func spreadOf(temps map[string]float64) float64 {
	if len(temps) == 0 {
		return 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, t := range temps {
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
	}
	return hi - lo
}

func confidenceLabel(spreadF float64) string {
	switch {
	case spreadF <= spreadHighMaxF:
		return ConfidenceHigh
	case spreadF <= spreadMediumMaxF:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// sigmaC resolves the base sigma (per-city empirical, pooled empirical,
// then the confidence tier table) and applies the widening chain.
func (e *Engine) sigmaC(snap *calibration.Snapshot, city models.City, unit units.Unit, confidence string, spreadF, hours float64) float64 {
	base, ok := snap.StdDevC(city.Key, unit, e.cfg.Calibration.PerCityStdMinN, e.cfg.Calibration.PooledStdMinN)
	if !ok {
		base = e.cfg.Forecasts.DefaultStdDevs[confidence]
		if base <= 0 {
			base = e.cfg.Forecasts.DefaultStdDevs[ConfidenceLow]
		}
	}
	if spreadF > wideningSpreadFloorF {
		base += wideningSpreadCoeff * units.DeltaFToC(spreadF)
	}
	if city.DualStation() {
		base += dualStationSigmaC
	}
	base *= math.Sqrt(math.Max(horizonScaleFloor, hours/24.0))
	return base
}

// hoursToResolution measures from now to local midnight at the end of
// the contract date, floored at zero.
func (e *Engine) hoursToResolution(city models.City, date string, now time.Time) (float64, error) {
	loc, err := city.Location()
	if err != nil {
		return 0, fmt.Errorf("forecast %s: %w", city.Key, err)
	}
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return 0, fmt.Errorf("forecast %s: date %q: %w", city.Key, date, err)
	}
	end := day.AddDate(0, 0, 1)
	hours := end.Sub(now).Hours()
	return math.Max(0, hours), nil
}

func toMarketUnit(tempF float64, unit units.Unit) float64 {
	if unit == units.Celsius {
		return units.FToC(tempF)
	}
	return tempF
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

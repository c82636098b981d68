package calibration

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/persistence"
	"github.com/wxedge/wxedge/internal/units"
)

// build derives every table from the two history inputs. Weights and
// eligibility depend on which sources survive demotion, so the steps
// run strictly in order: pooled stats, per-city stats, demotion,
// weighted MAE, stddevs, lead biases, weights, market calibration,
// model calibration, empirical CDFs.
func build(rows []persistence.AccuracyRow, outcomes []persistence.OutcomeRow, cfg *config.Config) *Snapshot {
	s := Empty()
	s.BuiltAt = time.Now()
	sm := cfg.Forecasts.SourceManagement

	type group struct {
		errs []float64
		unit units.Unit
	}
	bySource := map[string]*group{}     // source|unit
	byCitySource := map[string]*group{} // city|source|unit
	byLead := map[string]*group{}       // source|unit|lead
	byCityLead := map[string]*group{}   // city|source|unit|lead
	cityUnit := map[string]units.Unit{}
	citySources := map[string]map[string]bool{}

	add := func(m map[string]*group, key string, e float64, u units.Unit) {
		g, ok := m[key]
		if !ok {
			g = &group{unit: u}
			m[key] = g
		}
		g.errs = append(g.errs, e)
	}

	for _, r := range rows {
		if math.IsNaN(r.ErrorDeg) || math.IsInf(r.ErrorDeg, 0) {
			continue
		}
		add(bySource, sourceKey(r.Source, r.Unit), r.ErrorDeg, r.Unit)
		add(byCitySource, citySourceKey(r.City, r.Source, r.Unit), r.ErrorDeg, r.Unit)
		add(byLead, leadKey(r.Source, r.Unit, r.LeadBucket), r.ErrorDeg, r.Unit)
		add(byCityLead, cityLeadKey(r.City, r.Source, r.Unit, r.LeadBucket), r.ErrorDeg, r.Unit)
		cityUnit[r.City] = r.Unit
		if citySources[r.City] == nil {
			citySources[r.City] = map[string]bool{}
		}
		citySources[r.City][r.Source] = true
	}

	// 1. Pooled per-source bias.
	for key, g := range bySource {
		bias := stat.Mean(g.errs, nil)
		s.Biases[key] = BiasStat{Bias: bias, N: len(g.errs)}
	}

	// 2. Per-city per-source bias and residual MAE. CityMAE is keyed
	// without the unit; each city's ledger runs in a single unit.
	for city, srcs := range citySources {
		u := cityUnit[city]
		for src := range srcs {
			g := byCitySource[citySourceKey(city, src, u)]
			if g == nil {
				continue
			}
			bias := stat.Mean(g.errs, nil)
			mae := 0.0
			for _, e := range g.errs {
				mae += math.Abs(e - bias)
			}
			mae /= float64(len(g.errs))
			s.CityBiases[citySourceKey(city, src, u)] = BiasStat{Bias: bias, N: len(g.errs)}
			s.CityMAE[city+"|"+src] = MAEStat{MAE: mae, N: len(g.errs), Unit: u}
		}
	}

	// 3-4. Per-city ranking and demotion.
	for city, srcs := range citySources {
		u := cityUnit[city]
		absCeil := sm.DemotionMAEF
		if u == units.Celsius {
			absCeil = sm.DemotionMAEC
		}

		type ranked struct {
			src string
			mae float64
			n   int
		}
		var order []ranked
		for src := range srcs {
			m, ok := s.CityMAE[city+"|"+src]
			if !ok {
				continue
			}
			order = append(order, ranked{src, m.MAE, m.N})
		}
		sort.Slice(order, func(i, j int) bool {
			if order[i].mae != order[j].mae {
				return order[i].mae < order[j].mae
			}
			return order[i].src < order[j].src
		})

		bestMAE := math.NaN()
		for _, r := range order {
			if r.n >= sm.MinSamples {
				bestMAE = r.mae
				break
			}
		}

		active := map[string]bool{}
		demoted := map[string]bool{}
		for _, r := range order {
			if r.n < sm.MinSamples {
				// No evidence either way: stays active, unweighted.
				active[r.src] = true
				continue
			}
			over := r.mae > absCeil
			if !math.IsNaN(bestMAE) && r.mae > bestMAE*sm.RelativeDemotionFactor {
				over = true
			}
			if over {
				demoted[r.src] = true
			} else {
				active[r.src] = true
			}
		}

		soft := map[string]bool{}
		if len(active) < sm.MinActiveSources && len(demoted) > 0 {
			// Soft demotion: demoted sources stay active with a weight
			// cap instead of being dropped.
			for src := range demoted {
				active[src] = true
				soft[src] = true
			}
			demoted = map[string]bool{}
		}
		s.CityActiveSources[city] = active
		s.CitySoftDemoted[city] = soft

		// 5. Sample-count-weighted MAE over active sources.
		var num, den float64
		totalN := 0
		for src := range active {
			m, ok := s.CityMAE[city+"|"+src]
			if !ok || m.N < sm.MinSamples {
				continue
			}
			num += m.MAE * float64(m.N)
			den += float64(m.N)
			totalN += m.N
		}
		if den > 0 {
			s.CityWeightedMAE[city] = MAEStat{MAE: num / den, N: totalN, Unit: u}
		}

		// 8. Inverse-MAE weights with soft-demotion caps.
		if w := inverseMAEWeights(s, city, active, soft, sm); w != nil {
			s.CitySourceWeights[city] = w
		}
	}

	// 6. Per-city empirical stddev of residuals (bias-subtracted), plus
	// the pooled per-unit fallback. Stored in °C.
	pooledResiduals := map[units.Unit][]float64{}
	cityResiduals := map[string][]float64{}
	for _, r := range rows {
		if math.IsNaN(r.ErrorDeg) || math.IsInf(r.ErrorDeg, 0) {
			continue
		}
		b, ok := s.CityBiases[citySourceKey(r.City, r.Source, r.Unit)]
		if !ok {
			continue
		}
		res := r.ErrorDeg - b.Bias
		pooledResiduals[r.Unit] = append(pooledResiduals[r.Unit], res)
		cityResiduals[r.City] = append(cityResiduals[r.City], res)
	}
	for u, res := range pooledResiduals {
		if len(res) < 2 {
			continue
		}
		sd := stat.StdDev(res, nil)
		if u == units.Fahrenheit {
			sd = units.DeltaFToC(sd)
		}
		s.EmpiricalStdDevs[u] = StdStat{Std: sd, N: len(res)}
	}
	for city, res := range cityResiduals {
		if len(res) < 2 {
			continue
		}
		sd := stat.StdDev(res, nil)
		if cityUnit[city] == units.Fahrenheit {
			sd = units.DeltaFToC(sd)
		}
		s.CityStdDevs[city] = StdStat{Std: sd, N: len(res)}
	}

	// 7. Lead-bucketed biases for the cascade.
	for key, g := range byLead {
		s.LeadBiases[key] = BiasStat{Bias: stat.Mean(g.errs, nil), N: len(g.errs)}
	}
	for key, g := range byCityLead {
		s.CityLeadBiases[key] = BiasStat{Bias: stat.Mean(g.errs, nil), N: len(g.errs)}
	}

	// 11. Per-city empirical error CDFs in the city's native unit.
	cityErrors := map[string][]float64{}
	for _, r := range rows {
		if math.IsNaN(r.ErrorDeg) || math.IsInf(r.ErrorDeg, 0) {
			continue
		}
		cityErrors[r.City] = append(cityErrors[r.City], r.ErrorDeg)
	}
	for city, errs := range cityErrors {
		s.CityEmpiricalCDF[city] = NewErrorCDF(errs, cityUnit[city], cfg.Calibration.PerCityCDFMinN)
	}

	// 9-10. Market and model calibration from resolved opportunities.
	buildMarketCalibration(s, outcomes)
	buildModelCalibration(s, outcomes)

	return s
}

// inverseMAEWeights computes w_i proportional to 1/max(mae_i, 0.1) over
// active sources with enough samples, then applies soft-demotion caps
// and renormalizes so the weights sum to 1.
func inverseMAEWeights(s *Snapshot, city string, active, soft map[string]bool, sm config.SourceMgmtConfig) map[string]float64 {
	raw := map[string]float64{}
	var sum float64
	for src := range active {
		m, ok := s.CityMAE[city+"|"+src]
		if !ok || m.N < sm.WeightMinSamples {
			continue
		}
		w := 1.0 / math.Max(m.MAE, 0.1)
		raw[src] = w
		sum += w
	}
	if len(raw) < 2 || sum <= 0 {
		return nil
	}
	for src := range raw {
		raw[src] /= sum
	}

	// Cap soft-demoted sources and push the overflow onto the rest,
	// proportionally.
	var overflow, uncappedSum float64
	for src, w := range raw {
		if soft[src] && w > sm.SoftDemotionMaxWeight {
			overflow += w - sm.SoftDemotionMaxWeight
			raw[src] = sm.SoftDemotionMaxWeight
		}
	}
	if overflow > 0 {
		for src, w := range raw {
			if !soft[src] {
				uncappedSum += w
			}
		}
		if uncappedSum > 0 {
			for src, w := range raw {
				if !soft[src] {
					raw[src] = w + overflow*(w/uncappedSum)
				}
			}
		}
	}

	// Renormalize to absorb rounding.
	sum = 0
	for _, w := range raw {
		sum += w
	}
	for src := range raw {
		raw[src] /= sum
	}
	return raw
}

func buildMarketCalibration(s *Snapshot, outcomes []persistence.OutcomeRow) {
	type agg struct {
		wins int
		n    int
	}
	pooled := map[string]*agg{}
	addTo := func(key string, won bool) {
		a, ok := pooled[key]
		if !ok {
			a = &agg{}
			pooled[key] = a
		}
		a.n++
		if won {
			a.wins++
		}
	}
	for _, o := range outcomes {
		price := models.PriceBucket(o.Ask)
		addTo(MarketKey(o.Venue, o.RangeType, o.LeadBucket, price, ""), o.Won)
		addTo(MarketKey(o.Venue, o.RangeType, o.LeadBucket, price, o.City), o.Won)
	}
	for key, a := range pooled {
		price := priceBucketOfKey(key)
		winRate := float64(a.wins) / float64(a.n)
		s.MarketCalibration[key] = MarketBucket{
			WinRate:  winRate,
			N:        a.n,
			TrueEdge: winRate - models.PriceBucketMid(price),
		}
	}
}

// priceBucketOfKey pulls the price-bucket segment back out of a market
// key (venue|rt|lead|price[|city]).
func priceBucketOfKey(key string) string {
	parts := splitKey(key)
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

func splitKey(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	return append(parts, key[start:])
}

func buildModelCalibration(s *Snapshot, outcomes []persistence.OutcomeRow) {
	type agg struct {
		wins    int
		n       int
		probSum float64
	}
	buckets := map[string]*agg{}
	addTo := func(key string, won bool, prob float64) {
		a, ok := buckets[key]
		if !ok {
			a = &agg{}
			buckets[key] = a
		}
		a.n++
		a.probSum += prob
		if won {
			a.wins++
		}
	}
	for _, o := range outcomes {
		if o.ModelProb <= 0 || o.ModelProb > 1 {
			continue
		}
		bucket := models.ProbBucket(o.ModelProb)
		addTo(ModelKey("", o.RangeType, bucket), o.Won, o.ModelProb)
		addTo(ModelKey(o.City, o.RangeType, bucket), o.Won, o.ModelProb)
	}
	for key, a := range buckets {
		meanProb := a.probSum / float64(a.n)
		if meanProb <= 0 {
			continue
		}
		s.ModelCalibration[key] = ModelBucket{
			Ratio: (float64(a.wins) / float64(a.n)) / meanProb,
			N:     a.n,
		}
	}
}

// Package scanner turns live market books and ensemble forecasts into
// evaluated opportunities: a full filter chain per (range, side), one
// best candidate per (city, date, side), and an append-only log row for
// every evaluation.
package scanner

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wxedge/wxedge/internal/calibration"
	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/forecast"
	"github.com/wxedge/wxedge/internal/metrics"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/observations"
	"github.com/wxedge/wxedge/internal/persistence"
	"github.com/wxedge/wxedge/internal/units"
	"github.com/wxedge/wxedge/internal/venue"
)

// scanDaysAhead is how many contract dates each cycle covers, today
// included.
const scanDaysAhead = 3

// impliedMeanMinWeight is the minimum summed mid-price mass across
// bounded ranges before a market-implied mean is trusted.
const impliedMeanMinWeight = 0.3

// Scanner runs the per-cycle evaluation.
type Scanner struct {
	cfg      *config.Config
	engine   *forecast.Engine
	cal      *calibration.Store
	adapters map[string]venue.Adapter
	obs      observations.Feed
	opps     persistence.OpportunitiesRepo
	trades   persistence.TradesRepo
}

// New wires the scanner.
func New(cfg *config.Config, engine *forecast.Engine, cal *calibration.Store, adapters map[string]venue.Adapter, obs observations.Feed, opps persistence.OpportunitiesRepo, trades persistence.TradesRepo) *Scanner {
	return &Scanner{
		cfg:      cfg,
		engine:   engine,
		cal:      cal,
		adapters: adapters,
		obs:      obs,
		opps:     opps,
		trades:   trades,
	}
}

// Result is one scan cycle's output.
type Result struct {
	Approved []*models.Opportunity
	Index    *PositionIndex

	// MarketCounts tracks ranges seen per venue|city, for stale-platform
	// detection.
	MarketCounts map[string]int
}

// Scan evaluates every (city, date, venue, range, side) tuple and
// returns the approved subset. A failure in one city never aborts the
// cycle.
func (s *Scanner) Scan(ctx context.Context, now time.Time) (*Result, error) {
	snap := s.cal.RefreshIfStale(ctx)

	idx, err := LoadPositionIndex(ctx, s.trades)
	if err != nil {
		return nil, err
	}

	res := &Result{Index: idx, MarketCounts: map[string]int{}}
	for _, city := range s.cfg.Cities {
		s.scanCity(ctx, snap, city, now, idx, res)
	}
	return res, nil
}

func (s *Scanner) scanCity(ctx context.Context, snap *calibration.Snapshot, city models.City, now time.Time, idx *PositionIndex, res *Result) {
	loc, err := city.Location()
	if err != nil {
		log.Warn().Err(err).Str("city", city.Key).Msg("city skipped")
		return
	}
	localNow := now.In(loc)

	for day := 0; day < scanDaysAhead; day++ {
		date := localNow.AddDate(0, 0, day).Format("2006-01-02")
		fc, err := s.engine.Forecast(ctx, city, date, now)
		if err != nil {
			log.Warn().Err(err).Str("city", city.Key).Str("date", date).Msg("no forecast, date skipped")
			continue
		}
		for _, name := range venueNames(s.adapters) {
			s.scanVenue(ctx, snap, city, date, name, fc, localNow, idx, res)
		}
	}
}

func (s *Scanner) scanVenue(ctx context.Context, snap *calibration.Snapshot, city models.City, date, venueName string, fc *models.ForecastResult, localNow time.Time, idx *PositionIndex, res *Result) {
	if _, listed := city.VenueIDs[venueName]; !listed {
		return
	}
	adapter := s.adapters[venueName]
	platform := s.cfg.Platforms[venueName]

	ranges, err := adapter.Markets(ctx, city, date)
	if err != nil {
		log.Warn().Err(err).Str("venue", venueName).Str("city", city.Key).Str("date", date).
			Msg("market fetch failed")
		return
	}
	res.MarketCounts[venueName+"|"+city.Key] += len(ranges)
	if len(ranges) == 0 {
		return
	}

	sigmaC := fc.StdDevC
	if platform.StdDevMultiplier > 0 {
		sigmaC *= platform.StdDevMultiplier
	}
	temp := fc.TempForVenue(city, venueName)
	implied := marketImpliedMean(ranges)

	var reading *observations.Reading
	if date == localNow.Format("2006-01-02") {
		reading, err = s.obs.Latest(ctx, city, date, venueName)
		if err != nil {
			log.Warn().Err(err).Str("city", city.Key).Msg("observation read failed")
			reading = nil
		}
	}

	build := func(rng models.Range, side models.Side) *evaluation {
		return s.evaluate(snap, city, date, venueName, platform, adapter, rng, side,
			fc, temp, sigmaC, implied, reading, localNow)
	}

	evals := s.selectYes(build, ranges, temp, sigmaC, idx, city, date, venueName)
	evals = append(evals, s.selectNo(build, ranges, idx, city, date, venueName)...)

	for _, e := range evals {
		o := e.opportunity(localNow)
		if err := s.opps.Insert(ctx, o); err != nil {
			log.Warn().Err(err).Str("eval", e.String()).Msg("opportunity log write failed")
		}
		metrics.OpportunitiesEvaluated.WithLabelValues(venueName, o.Action).Inc()
		if o.Action == models.ActionFiltered && len(e.reasons) > 0 {
			metrics.FilterRejections.WithLabelValues(e.reasons[0]).Inc()
		}
		if o.Approved() {
			res.Approved = append(res.Approved, o)
			idx.Add(o.City, o.Date, o.Range.Name, o.Side, o.Venue, o.Range.Min)
		}
	}
}

// evaluate builds one (range, side) evaluation and runs the chain.
func (s *Scanner) evaluate(snap *calibration.Snapshot, city models.City, date, venueName string, platform config.PlatformConfig, adapter venue.Adapter, rng models.Range, side models.Side, fc *models.ForecastResult, temp, sigmaC float64, implied *float64, reading *observations.Reading, localNow time.Time) *evaluation {
	yesProb, err := forecast.RangeProbability(snap, city.Key, temp, sigmaC, rng)
	if err != nil {
		log.Warn().Err(err).Str("range", rng.Name).Msg("probability refused")
		e := &evaluation{cfg: s.cfg, platform: platform, venue: venueName, city: city,
			date: date, side: side, rng: rng, fc: fc, sigmaC: sigmaC, localNow: localNow}
		e.markReason("probability_unavailable")
		return e
	}

	price, bid, raw := rng.Ask, rng.Bid, yesProb
	if side == models.SideNo {
		price, bid, raw = 1-rng.Bid, 1-rng.Ask, 1-yesProb
	}
	fee := adapter.EntryFee(price)

	ratio, _ := snap.CorrectionRatio(city.Key, rng.Type, raw,
		s.cfg.Calibration.ModelPooledMinN, s.cfg.Calibration.ModelCityMinN)
	corrected := math.Min(1, raw*ratio)
	edgePct := (corrected - price) * 100

	e := &evaluation{
		cfg:         s.cfg,
		platform:    platform,
		venue:       venueName,
		city:        city,
		date:        date,
		side:        side,
		rng:         rng,
		price:       price,
		bid:         bid,
		fee:         fee,
		rawProb:     raw,
		corrected:   corrected,
		ratio:       ratio,
		edgePct:     edgePct,
		kelly:       kellyFraction(corrected, price, fee, s.cfg.Sizing.KellyFraction),
		fc:          fc,
		sigmaC:      sigmaC,
		impliedMean: implied,
		obs:         reading,
		localNow:    localNow,
	}
	e.runChain(snap)

	// When the bypass fires against a conservative model, resize from
	// the bucket's empirical win rate.
	if e.confirm != nil && e.kelly == 0 {
		e.kelly = kellyFraction(e.confirm.bucket.WinRate, price, fee, s.cfg.Sizing.KellyFraction)
	}
	return e
}

// selectYes ranks the in-distance candidates and approves the first
// passer among the top N. Everything in the candidate set is logged.
func (s *Scanner) selectYes(build func(models.Range, models.Side) *evaluation, ranges []models.Range, temp, sigmaC float64, idx *PositionIndex, city models.City, date, venueName string) []*evaluation {
	var cands []*evaluation
	for _, rng := range ranges {
		dist := temp - rng.Reference()
		if rng.Unit == units.Fahrenheit {
			dist = units.DeltaFToC(dist)
		}
		if math.Abs(dist) > s.cfg.Entry.YesMaxForecastDist*sigmaC {
			continue
		}
		e := build(rng, models.SideYes)
		s.applyPositionChecks(e, idx, city.Key, date, venueName)
		cands = append(cands, e)
	}
	sortCandidates(cands)

	chosen := -1
	for i, e := range cands {
		if i >= s.cfg.Entry.YesCandidateCount {
			break
		}
		if e.passed() {
			chosen = i
			break
		}
	}
	for i, e := range cands {
		if i != chosen && e.passed() {
			e.markReason(ReasonBetterCandidate)
		}
	}
	return cands
}

// selectNo evaluates every range on the NO side and keeps the passer
// with the highest edge.
func (s *Scanner) selectNo(build func(models.Range, models.Side) *evaluation, ranges []models.Range, idx *PositionIndex, city models.City, date, venueName string) []*evaluation {
	var evals []*evaluation
	for _, rng := range ranges {
		e := build(rng, models.SideNo)
		s.applyPositionChecks(e, idx, city.Key, date, venueName)
		if idx.AdjacentNOBlocked(city.Key, date, venueName, rng.Max) {
			e.markReason(ReasonAdjacentNO)
		}
		evals = append(evals, e)
	}

	best := -1
	for i, e := range evals {
		if !e.passed() {
			continue
		}
		if best == -1 || e.edgePct > evals[best].edgePct ||
			(e.edgePct == evals[best].edgePct && candidateLess(e, evals[best])) {
			best = i
		}
	}
	for i, e := range evals {
		if i != best && e.passed() {
			e.markReason(ReasonNotBestNO)
		}
	}
	return evals
}

func (s *Scanner) applyPositionChecks(e *evaluation, idx *PositionIndex, cityKey, date, venueName string) {
	switch {
	case idx.HasPosition(cityKey, date, e.rng.Name, e.side, venueName):
		e.markReason(ReasonExistingPosition)
	case idx.RangeTaken(cityKey, date, e.rng.Name, venueName):
		e.markReason(ReasonRangeTaken)
	case idx.SideTaken(cityKey, date, e.side, venueName):
		e.markReason(ReasonSideTaken)
	}
}

// sortCandidates orders by score descending with a deterministic
// tie-break: lower range minimum first, then token id.
func sortCandidates(cands []*evaluation) {
	sort.SliceStable(cands, func(i, j int) bool {
		si := cands[i].corrected - cands[i].price
		sj := cands[j].corrected - cands[j].price
		if si != sj {
			return si > sj
		}
		return candidateLess(cands[i], cands[j])
	})
}

func candidateLess(a, b *evaluation) bool {
	amin, bmin := math.Inf(-1), math.Inf(-1)
	if a.rng.Min != nil {
		amin = *a.rng.Min
	}
	if b.rng.Min != nil {
		bmin = *b.rng.Min
	}
	if amin != bmin {
		return amin < bmin
	}
	return a.rng.TokenID < b.rng.TokenID
}

// kellyFraction returns the fractional Kelly stake for probability p at
// the given price and fee, floored at zero.
func kellyFraction(p, price, fee, fraction float64) float64 {
	effectiveCost := price + fee
	netProfit := 1 - effectiveCost
	if effectiveCost <= 0 || netProfit <= 0 {
		return 0
	}
	b := netProfit / effectiveCost
	full := (b*p - (1 - p)) / b
	if full <= 0 {
		return 0
	}
	return full * fraction
}

// marketImpliedMean derives the book's consensus temperature from the
// bounded brackets, weighting midpoints by mid-price mass. Returns nil
// when the book is too thin to mean anything.
func marketImpliedMean(ranges []models.Range) *float64 {
	var num, den float64
	for _, rng := range ranges {
		if rng.Min == nil || rng.Max == nil {
			continue
		}
		mid := (rng.Bid + rng.Ask) / 2
		if mid <= 0 {
			continue
		}
		num += mid * rng.Reference()
		den += mid
	}
	if den < impliedMeanMinWeight {
		return nil
	}
	mean := num / den
	return &mean
}

func venueNames(adapters map[string]venue.Adapter) []string {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

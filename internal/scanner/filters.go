package scanner

import (
	"fmt"
	"math"
	"time"

	"github.com/wxedge/wxedge/internal/calibration"
	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/observations"
	"github.com/wxedge/wxedge/internal/units"
)

// Filter reason strings, stable identifiers joined into the persisted
// filter_reason column.
const (
	ReasonVenueDisabled    = "venue_trading_disabled"
	ReasonCityBlocked      = "city_blocked_for_venue"
	ReasonCityNotEligible  = "city_not_eligible"
	ReasonEnsembleSpread   = "ensemble_spread_too_wide"
	ReasonMarketDivergence = "market_divergence"
	ReasonStdRangeRatio    = "std_range_ratio"
	ReasonObservationRisk  = "observation_ceiling_risk"
	ReasonEdgeBelowMin     = "edge_below_minimum"
	ReasonSpreadTooWide    = "spread_too_wide"
	ReasonPriceOutOfBounds = "price_out_of_bounds"
	ReasonTooCloseToClose  = "insufficient_hours_to_resolution"
	ReasonModelMarketRatio = "model_market_ratio"
	ReasonZeroVolume       = "zero_volume"
	ReasonCalBlocks        = "cal_blocks"

	ReasonExistingPosition = "existing_position"
	ReasonSideTaken        = "side_position_exists"
	ReasonRangeTaken       = "opposite_side_on_range"
	ReasonAdjacentNO       = "adjacent_no_blocked"
	ReasonBetterCandidate  = "better_candidate_selected"
	ReasonNotBestNO        = "not_best_no_for_city_date"
)

// FilterCheck is one clause of the entry filter chain.
type FilterCheck struct {
	Name        string
	Passed      bool
	Value       float64
	Threshold   float64
	Description string
}

// calConfirm carries an active calibration-confirmation bypass: the
// bucket that fired and its key, for annotation and Kelly resizing.
type calConfirm struct {
	bucket calibration.MarketBucket
	key    string
}

// evaluation is one (range, side) pass through the filter chain, with
// every derived number attached.
type evaluation struct {
	cfg      *config.Config
	platform config.PlatformConfig
	venue    string
	city     models.City
	date     string
	side     models.Side
	rng      models.Range

	// Side-adjusted book: for NO these are derived from the YES book.
	price float64 // entry ask
	bid   float64
	fee   float64

	rawProb   float64
	corrected float64
	ratio     float64
	edgePct   float64
	kelly     float64

	fc     *models.ForecastResult
	sigmaC float64 // platform-multiplied

	// impliedMean is the market-implied mean in the market unit, nil
	// when the book is too thin to derive one.
	impliedMean *float64

	obs      *observations.Reading
	localNow time.Time

	confirm *calConfirm

	checks  []FilterCheck
	reasons []string
}

func (e *evaluation) check(name string, passed bool, value, threshold float64, desc string) {
	e.checks = append(e.checks, FilterCheck{
		Name: name, Passed: passed, Value: value, Threshold: threshold, Description: desc,
	})
	if !passed {
		e.reasons = append(e.reasons, name)
	}
}

// bypassable reports whether a reason is waived by the calibration
// confirmation bypass.
func bypassable(reason string) bool {
	return reason == ReasonEdgeBelowMin || reason == ReasonModelMarketRatio
}

// passed applies the bypass and decides. All clauses have already run;
// reasons were collected unconditionally.
func (e *evaluation) passed() bool {
	for _, r := range e.reasons {
		if e.confirm != nil && bypassable(r) {
			continue
		}
		return false
	}
	return true
}

// reason returns the persisted filter_reason string: every failing
// clause joined in chain order.
func (e *evaluation) reason() string {
	if len(e.reasons) == 0 {
		return ""
	}
	out := e.reasons[0]
	for _, r := range e.reasons[1:] {
		out += ";" + r
	}
	return out
}

// runChain executes the full filter chain in order, collecting every
// failing clause.
func (e *evaluation) runChain(snap *calibration.Snapshot) {
	entry := e.cfg.Entry

	// 1. Venue switched off.
	e.check(ReasonVenueDisabled, e.platform.TradingEnabled, 0, 0,
		"venue trading switch")

	// 2. Static per-city venue block.
	e.check(ReasonCityBlocked, !e.cfg.CityBlocked(e.venue, e.city.Key), 0, 0,
		"static city block list")

	// City eligibility from weighted forecast MAE.
	e.checkEligibility(snap)

	// 3. Ensemble disagreement ceiling.
	maxSpread := e.cfg.MaxEnsembleSpread(units.Fahrenheit)
	e.check(ReasonEnsembleSpread, e.fc.SpreadF <= maxSpread, e.fc.SpreadF, maxSpread,
		"active source spread, °F")

	// 4. Market-implied divergence, YES only.
	e.checkDivergence(entry)

	// 5. Sigma versus range width, bounded YES only.
	e.checkStdRange(entry)

	// 6. Observation ceiling risk, bounded YES on today's date.
	e.checkObservation(entry)

	// 7. Edge floor, waivable by cal-confirms.
	e.check(ReasonEdgeBelowMin, e.edgePct >= entry.MinEdgePct, e.edgePct, entry.MinEdgePct,
		"corrected edge, pp")

	// 8. Book spread, absolute then relative.
	spreadOK := e.rng.Spread <= entry.MaxSpread
	if spreadOK && e.price > 0 {
		spreadOK = e.rng.Spread/e.price <= entry.MaxSpreadPct
	}
	e.check(ReasonSpreadTooWide, spreadOK, e.rng.Spread, entry.MaxSpread,
		"bid/ask spread")

	// 9. Price sanity.
	e.checkPrice(entry)

	// 10. Resolution horizon.
	e.check(ReasonTooCloseToClose,
		e.fc.HoursToResolution > 0 && e.fc.HoursToResolution >= entry.MinHoursToResolution,
		e.fc.HoursToResolution, entry.MinHoursToResolution,
		"hours to local midnight")

	// 11. Model-vs-market ratio, waivable by cal-confirms.
	ratioOK := true
	if e.price > 0 {
		ratioOK = e.corrected <= entry.MaxModelMarketRatio*e.price
	}
	e.check(ReasonModelMarketRatio, ratioOK, e.corrected, entry.MaxModelMarketRatio*e.price,
		"corrected probability vs ask")

	// 12. Dead market.
	e.check(ReasonZeroVolume, e.rng.Volume > 0, e.rng.Volume, 0,
		"market volume")

	// 13. Market-calibration block.
	e.checkCalBlock(snap)
}

func (e *evaluation) checkEligibility(snap *calibration.Snapshot) {
	el, found := snap.EligibilityFor(e.city.Key)
	ec := e.cfg.Forecasts.CityEligibility
	if !found || el.N < ec.MinSamples {
		// No evidence: allow everything.
		e.check(ReasonCityNotEligible, true, el.MAE, 0, "city weighted MAE gate")
		return
	}
	boundedMax, unboundedMax := ec.BoundedMaxMAEF, ec.UnboundedMaxMAEF
	if el.Unit == units.Celsius {
		boundedMax, unboundedMax = ec.BoundedMaxMAEC, ec.UnboundedMaxMAEC
	}
	limit := unboundedMax
	if e.rng.Type == models.RangeBounded {
		limit = boundedMax
	}
	e.check(ReasonCityNotEligible, el.MAE <= limit, el.MAE, limit, "city weighted MAE gate")
}

func (e *evaluation) checkDivergence(entry config.EntryConfig) {
	if e.side != models.SideYes || e.impliedMean == nil {
		e.check(ReasonMarketDivergence, true, 0, entry.MaxMarketDivergenceC, "market-implied divergence, °C")
		return
	}
	divergence := *e.impliedMean - e.fc.Temp
	if e.fc.Unit == units.Fahrenheit {
		divergence = units.DeltaFToC(divergence)
	}
	divergence = math.Abs(divergence)
	e.check(ReasonMarketDivergence, divergence <= entry.MaxMarketDivergenceC,
		divergence, entry.MaxMarketDivergenceC, "market-implied divergence, °C")
}

func (e *evaluation) checkStdRange(entry config.EntryConfig) {
	if e.side != models.SideYes || e.rng.Type != models.RangeBounded {
		e.check(ReasonStdRangeRatio, true, 0, entry.MaxStdRangeRatio, "sigma vs range width")
		return
	}
	widthC := e.rng.Width()
	if e.rng.Unit == units.Fahrenheit {
		widthC = units.DeltaFToC(widthC)
	}
	ratio := math.Inf(1)
	if widthC > 0 {
		ratio = e.sigmaC / widthC
	}
	e.check(ReasonStdRangeRatio, ratio <= entry.MaxStdRangeRatio, ratio, entry.MaxStdRangeRatio,
		"sigma vs range width")
}

// checkObservation blocks bounded YES entries on today's contract when
// the running high has already beaten the forecast and sits within the
// buffer of the range ceiling before the city's cooling hour: the
// ceiling is about to be overshot.
func (e *evaluation) checkObservation(entry config.EntryConfig) {
	pass := true
	var high, limit float64
	if e.side == models.SideYes && e.rng.Type == models.RangeBounded && e.obs != nil &&
		e.date == e.localNow.Format("2006-01-02") &&
		e.localNow.Hour() < e.city.CoolingHour() {

		buffer := entry.ObsEntryBufferF
		if e.rng.Unit == units.Celsius {
			buffer = entry.ObsEntryBufferC
		}
		high = e.obs.RunningHigh(e.rng.Unit)
		limit = *e.rng.Max - buffer
		if high > e.fc.Temp && high >= limit {
			pass = false
		}
	}
	e.check(ReasonObservationRisk, pass, high, limit, "running high near range ceiling")
}

func (e *evaluation) checkPrice(entry config.EntryConfig) {
	pass := e.price > 0 && e.price < 0.97
	if pass {
		switch e.side {
		case models.SideYes:
			pass = e.price >= entry.MinAskPrice
		case models.SideNo:
			pass = e.price >= entry.MinNoAskPrice && e.price <= entry.MaxNoAskPrice
		}
	}
	e.check(ReasonPriceOutOfBounds, pass, e.price, 0.97, "entry price sanity")
}

func (e *evaluation) checkCalBlock(snap *calibration.Snapshot) {
	lead := models.LeadBucket(e.fc.HoursToResolution)
	price := models.PriceBucket(e.price)
	bucket, key, found := snap.MarketBucketFor(e.venue, e.rng.Type, lead, price, e.city.Key)
	if !found {
		e.check(ReasonCalBlocks, true, 0, 0, "market calibration block")
		return
	}
	e.calAnnotate(bucket, key)
	blocked := bucket.N >= e.cfg.Calibration.CalBlocksMinN && bucket.WinRate < e.price
	e.check(ReasonCalBlocks, !blocked, bucket.WinRate, e.price, "market calibration block")
}

// calAnnotate records the matched bucket and arms the confirmation
// bypass when the bucket's history justifies it.
func (e *evaluation) calAnnotate(bucket calibration.MarketBucket, key string) {
	cal := e.cfg.Calibration
	if bucket.N >= cal.CalConfirmsMinN && bucket.TrueEdge > 0 &&
		bucket.WinRate-e.price >= cal.CalMinTradeEdge {
		e.confirm = &calConfirm{bucket: bucket, key: key}
	}
}

// opportunity materializes the persisted evaluation row.
func (e *evaluation) opportunity(now time.Time) *models.Opportunity {
	entryReason := ""
	action := models.ActionFiltered
	if e.passed() {
		action = models.ActionEntered
		entryReason = models.ReasonModel
		if e.confirm != nil && e.edgePct < e.cfg.Entry.MinEdgePct {
			entryReason = models.ReasonCalConfirms
		}
	}
	bucketKey := ""
	if e.confirm != nil {
		bucketKey = e.confirm.key
	}
	o := &models.Opportunity{
		City:            e.city.Key,
		Date:            e.date,
		Venue:           e.venue,
		Side:            e.side,
		SnapshotAt:      now,
		Range:           e.rng,
		Price:           e.price,
		Bid:             e.bid,
		Fee:             e.fee,
		Volume:          e.rng.Volume,
		RawProb:         e.rawProb,
		CorrectedProb:   e.corrected,
		CorrectionRatio: e.ratio,
		EdgePct:         e.edgePct,
		Kelly:           e.kelly,
		Action:          action,
		FilterReason:    e.reason(),
		EntryReason:     entryReason,
		CalBucket:       bucketKey,

		ForecastTemp:      e.fc.TempForVenue(e.city, e.venue),
		StdDevC:           e.sigmaC,
		HoursToResolution: e.fc.HoursToResolution,
		Sources:           e.fc.Sources,
	}
	o.Features = e.features()
	return o
}

// features derives the ML columns persisted with the row.
func (e *evaluation) features() models.OpportunityFeatures {
	temp := e.fc.TempForVenue(e.city, e.venue)
	f := models.OpportunityFeatures{
		SourceDisagreementDeg: e.fc.SpreadF,
	}
	if e.impliedMean != nil {
		f.MarketImpliedDivergence = temp - *e.impliedMean
	}
	switch {
	case e.rng.Min != nil && e.rng.Max != nil:
		dLo, dHi := temp-*e.rng.Min, *e.rng.Max-temp
		f.ForecastInRange = dLo >= 0 && dHi >= 0
		f.ForecastToNearEdge = math.Min(math.Abs(dLo), math.Abs(dHi))
		f.ForecastToFarEdge = math.Max(math.Abs(dLo), math.Abs(dHi))
	case e.rng.Min != nil:
		d := temp - *e.rng.Min
		f.ForecastInRange = d >= 0
		f.ForecastToNearEdge = math.Abs(d)
		f.ForecastToFarEdge = math.Abs(d)
	default:
		d := *e.rng.Max - temp
		f.ForecastInRange = d >= 0
		f.ForecastToNearEdge = math.Abs(d)
		f.ForecastToFarEdge = math.Abs(d)
	}
	return f
}

// markReason appends a post-chain rejection (candidate ranking,
// duplicate slots) and flips the evaluation to filtered.
func (e *evaluation) markReason(reason string) {
	e.reasons = append(e.reasons, reason)
}

func (e *evaluation) String() string {
	return fmt.Sprintf("%s/%s/%s %s %q @ %.2f edge=%.1fpp", e.venue, e.city.Key, e.date, e.side, e.rng.Name, e.price, e.edgePct)
}

// Package models defines the shared data model of the decision engine:
// cities, contract ranges, forecast results, opportunities and trades.
package models

import (
	"fmt"
	"math"
	"time"

	"github.com/wxedge/wxedge/internal/units"
)

// Side is the contract side an opportunity or trade is taken on.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// RangeType tags the payoff shape of a contract.
type RangeType string

const (
	RangeBounded        RangeType = "bounded"
	RangeUnboundedUpper RangeType = "unbounded-upper"
	RangeUnboundedLower RangeType = "unbounded-lower"
)

// Trade lifecycle states.
const (
	TradeOpen     = "open"
	TradeExited   = "exited"
	TradeResolved = "resolved"
)

// Opportunity actions and entry reasons.
const (
	ActionEntered  = "entered"
	ActionFiltered = "filtered"

	ReasonModel       = "model"
	ReasonCalConfirms = "cal_confirms"
	ReasonGuaranteed  = "guaranteed_win"
	ReasonGuaranteedM = "guaranteed_win_metar_only"
)

// City is the static descriptor for a tradeable city.
type City struct {
	Key        string     `yaml:"key"`
	Name       string     `yaml:"name"`
	Lat        float64    `yaml:"lat"`
	Lon        float64    `yaml:"lon"`
	Timezone   string     `yaml:"timezone"`
	MarketUnit units.Unit `yaml:"market_unit"`

	// Stations maps venue name to the primary station the venue resolves
	// against. Two cities carry different stations per venue.
	Stations map[string]string `yaml:"stations"`

	// VenueIDs maps venue name to that venue's market-series identifier:
	// the Kalshi series ticker, the Polymarket event slug prefix. A city
	// absent from a venue simply omits the entry.
	VenueIDs map[string]string `yaml:"venue_ids"`

	// NWSPriority marks venues for which the NWS-boosted ensemble variant
	// is computed.
	NWSPriority map[string]bool `yaml:"nws_priority"`

	// CoolingHourLocal is the climatological hour after which the daily
	// high is usually locked in. Zero means the default of 17:00.
	CoolingHourLocal int `yaml:"cooling_hour_local"`

	USCity     bool `yaml:"us_city"`
	EuroShadow bool `yaml:"euro_shadow"`
}

// DualStation reports whether the city resolves against different
// stations on different venues.
func (c City) DualStation() bool {
	seen := ""
	for _, st := range c.Stations {
		if st == "" {
			continue
		}
		if seen == "" {
			seen = st
			continue
		}
		if st != seen {
			return true
		}
	}
	return false
}

// CoolingHour returns the configured cooling hour with its default.
func (c City) CoolingHour() int {
	if c.CoolingHourLocal == 0 {
		return 17
	}
	return c.CoolingHourLocal
}

// Location resolves the city's IANA time zone.
func (c City) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// DepthLevel is one rung of a bid or ask ladder.
type DepthLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Range is a single outcome contract in a categorical daily-high market.
// At least one bound is non-nil; when both are set Min <= Max.
type Range struct {
	Venue    string `json:"venue"`
	MarketID string `json:"market_id"`
	// TokenID is the YES outcome token on venues that trade outcomes as
	// separate tokens; NoTokenID is its complement. Empty elsewhere.
	TokenID   string `json:"token_id"`
	NoTokenID string `json:"no_token_id,omitempty"`

	Name string     `json:"name"`
	Min  *float64   `json:"min"`
	Max  *float64   `json:"max"`
	Type RangeType  `json:"type"`
	Unit units.Unit `json:"unit"`

	Bid      float64      `json:"bid"`
	Ask      float64      `json:"ask"`
	Spread   float64      `json:"spread"`
	Volume   float64      `json:"volume"`
	BidDepth []DepthLevel `json:"bid_depth,omitempty"`
	AskDepth []DepthLevel `json:"ask_depth,omitempty"`
}

// Validate enforces the range invariant.
func (r Range) Validate() error {
	if r.Min == nil && r.Max == nil {
		return fmt.Errorf("range %s/%s: both bounds nil", r.Venue, r.Name)
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("range %s/%s: min %.1f > max %.1f", r.Venue, r.Name, *r.Min, *r.Max)
	}
	return nil
}

// Reference is the point the YES candidate distance check measures
// against: the midpoint for bounded ranges, the threshold otherwise.
func (r Range) Reference() float64 {
	switch {
	case r.Min != nil && r.Max != nil:
		return (*r.Min + *r.Max) / 2
	case r.Min != nil:
		return *r.Min
	default:
		return *r.Max
	}
}

// Width returns the bounded width, or NaN for unbounded ranges.
func (r Range) Width() float64 {
	if r.Min == nil || r.Max == nil {
		return math.NaN()
	}
	return *r.Max - *r.Min
}

// ForecastResult is the ensemble output for one (city, date).
type ForecastResult struct {
	City string
	Date string // YYYY-MM-DD in the city's local time

	// Temp is the bias-corrected ensemble temperature in the city's
	// market unit. StdDevC is always in °C because the CDF is evaluated
	// on the °C scale.
	Temp    float64
	Unit    units.Unit
	StdDevC float64

	// Confidence label derived from source spread: high, medium or low.
	Confidence string

	// Sources holds the per-source snapshot in °F, shadow sources
	// included. Active lists the sources that entered the average after
	// trimming.
	Sources map[string]float64
	Active  []string

	// SpreadF is the max-min disagreement across active sources in °F.
	SpreadF float64

	HoursToResolution float64

	// NWSBoostTemp is the platform-adjusted variant for NWS-priority
	// venues, in the market unit. Nil when no venue requests it.
	NWSBoostTemp *float64
}

// TempForVenue returns the ensemble temperature to use for a venue,
// preferring the NWS-boosted variant when the city flags the venue.
func (f *ForecastResult) TempForVenue(city City, venue string) float64 {
	if f.NWSBoostTemp != nil && city.NWSPriority[venue] {
		return *f.NWSBoostTemp
	}
	return f.Temp
}

// OpportunityFeatures are the ML feature columns persisted with every
// evaluation.
type OpportunityFeatures struct {
	ForecastToNearEdge      float64 `db:"forecast_to_near_edge"`
	ForecastToFarEdge       float64 `db:"forecast_to_far_edge"`
	ForecastInRange         bool    `db:"forecast_in_range"`
	SourceDisagreementDeg   float64 `db:"source_disagreement_deg"`
	MarketImpliedDivergence float64 `db:"market_implied_divergence"`
}

// Opportunity is one immutable evaluation record. Exactly one row is
// written per evaluation; approved rows are later linked from the trade
// they produced.
type Opportunity struct {
	ID         int64     `db:"id"`
	City       string    `db:"city"`
	Date       string    `db:"date"`
	Venue      string    `db:"venue"`
	Side       Side      `db:"side"`
	SnapshotAt time.Time `db:"snapshot_at"`

	Range Range `db:"-"`

	// Price is the side-adjusted entry price: the YES ask for YES, the
	// derived NO ask (1 - yesBid) for NO.
	Price  float64 `db:"price"`
	Bid    float64 `db:"bid"`
	Fee    float64 `db:"fee"`
	Volume float64 `db:"volume"`

	RawProb         float64 `db:"raw_probability"`
	CorrectedProb   float64 `db:"corrected_probability"`
	CorrectionRatio float64 `db:"correction_ratio"`
	EdgePct         float64 `db:"edge_pct"`
	Kelly           float64 `db:"kelly"`

	Action       string `db:"action"`
	FilterReason string `db:"filter_reason"`
	EntryReason  string `db:"entry_reason"`
	CalBucket    string `db:"cal_bucket"`

	ForecastTemp      float64 `db:"forecast_temp"`
	StdDevC           float64 `db:"std_dev_c"`
	HoursToResolution float64 `db:"hours_to_resolution"`

	// Sources is the ensemble snapshot at evaluation time, carried onto
	// the trade record on execution.
	Sources map[string]float64 `db:"-"`

	Features OpportunityFeatures `db:"-"`
}

// Approved reports whether the evaluation survived the filter chain.
func (o *Opportunity) Approved() bool {
	return o.Action == ActionEntered
}

// EvaluatorEntry is one bounded evaluator-log line carried on a trade.
type EvaluatorEntry struct {
	At          time.Time `json:"at"`
	Price       float64   `json:"price"`
	Probability float64   `json:"probability"`
	Note        string    `json:"note"`
}

// MaxEvaluatorEntries bounds the per-trade evaluator log; the log is
// FIFO once full.
const MaxEvaluatorEntries = 100

// Trade is an executed position created from an approved opportunity.
type Trade struct {
	ID            string `db:"id"`
	OpportunityID int64  `db:"opportunity_id"`
	OrderID       string `db:"order_id"`

	City  string `db:"city"`
	Date  string `db:"date"`
	Venue string `db:"venue"`
	Side  Side   `db:"side"`

	MarketID  string    `db:"market_id"`
	TokenID   string    `db:"token_id"`
	RangeName string    `db:"range_name"`
	RangeType RangeType `db:"range_type"`
	RangeMin  *float64  `db:"range_min"`
	RangeMax  *float64  `db:"range_max"`

	EntryPrice float64 `db:"entry_price"`
	Shares     float64 `db:"shares"`
	Cost       float64 `db:"cost"`
	EntryFee   float64 `db:"entry_fee"`

	EntryReason      string  `db:"entry_reason"`
	EntryProbability float64 `db:"entry_probability"`
	EntryEdgePct     float64 `db:"entry_edge_pct"`
	EntryKelly       float64 `db:"entry_kelly"`
	EntrySpread      float64 `db:"entry_spread"`
	EntryVolume      float64 `db:"entry_volume"`

	ForecastTemp      float64            `db:"forecast_temp"`
	StdDevC           float64            `db:"std_dev_c"`
	HoursToResolution float64            `db:"hours_to_resolution"`
	Sources           map[string]float64 `db:"-"`
	BidDepth          []DepthLevel       `db:"-"`
	AskDepth          []DepthLevel       `db:"-"`

	Status       string  `db:"status"`
	CurrentPrice float64 `db:"current_price"`
	MaxPrice     float64 `db:"max_price"`
	MinProb      float64 `db:"min_probability"`

	EvaluatorLog []EvaluatorEntry `db:"-"`

	// PnL and SettleFee are frozen once Status is resolved.
	PnL       *float64 `db:"pnl"`
	SettleFee *float64 `db:"settle_fee"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// AppendEvaluatorLog appends an entry, evicting the oldest when the log
// is at capacity.
func (t *Trade) AppendEvaluatorLog(e EvaluatorEntry) {
	t.EvaluatorLog = append(t.EvaluatorLog, e)
	if len(t.EvaluatorLog) > MaxEvaluatorEntries {
		t.EvaluatorLog = t.EvaluatorLog[len(t.EvaluatorLog)-MaxEvaluatorEntries:]
	}
}

// ObserveMarket refreshes the since-entry extrema from a monitor pass.
func (t *Trade) ObserveMarket(price, probability float64) {
	t.CurrentPrice = price
	if price > t.MaxPrice {
		t.MaxPrice = price
	}
	if t.MinProb == 0 || probability < t.MinProb {
		t.MinProb = probability
	}
}

// PositionKey is the composite identity used for duplicate checks.
func PositionKey(city, date, rangeName string, side Side, venue string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", city, date, rangeName, side, venue)
}

// SideKey identifies at-most-one-open-position-per-side slots.
func SideKey(city, date string, side Side, venue string) string {
	return fmt.Sprintf("%s|%s|%s|%s", city, date, side, venue)
}

// RangeKey identifies a contract irrespective of side; both sides of
// one range can never win together.
func RangeKey(city, date, rangeName, venue string) string {
	return fmt.Sprintf("%s|%s|%s|%s", city, date, rangeName, venue)
}

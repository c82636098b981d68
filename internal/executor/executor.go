// Package executor converts approved opportunities into sized, persisted
// positions. All bankroll state lives here behind one mutex; nothing
// else in the engine mutates money.
package executor

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wxedge/wxedge/internal/alerts"
	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/metrics"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/persistence"
	"github.com/wxedge/wxedge/internal/venue"
)

// Executor owns the two side bankrolls and the per-date NO exposure
// accumulator.
type Executor struct {
	cfg      *config.Config
	trades   persistence.TradesRepo
	adapters map[string]venue.Adapter
	notifier alerts.Notifier

	mu        sync.Mutex
	yesBank   float64
	noBank    float64
	noByDate  map[string]float64
	sideSlots map[string]bool // open-position side slots
}

// New wires the executor. Init must run before the first Execute.
func New(cfg *config.Config, trades persistence.TradesRepo, adapters map[string]venue.Adapter, notifier alerts.Notifier) *Executor {
	return &Executor{
		cfg:       cfg,
		trades:    trades,
		adapters:  adapters,
		notifier:  notifier,
		noByDate:  map[string]float64{},
		sideSlots: map[string]bool{},
	}
}

// Init seeds bankrolls from configured totals minus the cost of open
// positions, so a restart never double-spends.
func (e *Executor) Init(ctx context.Context) error {
	open, err := e.trades.ListByStatus(ctx, models.TradeOpen)
	if err != nil {
		return fmt.Errorf("executor init: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.yesBank = e.cfg.Sizing.YesBankroll
	e.noBank = e.cfg.Sizing.NoBankroll
	e.noByDate = map[string]float64{}
	e.sideSlots = map[string]bool{}
	for _, t := range open {
		if t.Side == models.SideYes {
			e.yesBank -= t.Cost
		} else {
			e.noBank -= t.Cost
			e.noByDate[t.Date] += t.Cost
		}
		e.sideSlots[models.SideKey(t.City, t.Date, t.Side, t.Venue)] = true
	}
	e.publishBankrolls()
	log.Info().Float64("yes_bankroll", e.yesBank).Float64("no_bankroll", e.noBank).
		Int("open_trades", len(open)).Msg("executor initialized")
	return nil
}

// Bankrolls returns the current balances.
func (e *Executor) Bankrolls() (yes, no float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.yesBank, e.noBank
}

// Execute processes approved opportunities sequentially. Failures skip
// the opportunity and never abort the batch.
func (e *Executor) Execute(ctx context.Context, approved []*models.Opportunity) []*models.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*models.Trade
	for _, o := range approved {
		t := e.executeOne(ctx, o, e.modelShares)
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// ExecuteGuaranteedWins places guaranteed-win entries with the fixed
// bankroll-fraction sizing.
func (e *Executor) ExecuteGuaranteedWins(ctx context.Context, detected []*models.Opportunity) []*models.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*models.Trade
	for _, o := range detected {
		t := e.executeOne(ctx, o, e.guaranteedShares)
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// sizingFunc returns shares to buy, or 0 to skip. Caller holds e.mu.
type sizingFunc func(o *models.Opportunity, bank, effectiveCost float64) float64

func (e *Executor) executeOne(ctx context.Context, o *models.Opportunity, size sizingFunc) *models.Trade {
	sz := e.cfg.Sizing
	bank := e.bankFor(o.Side)

	if bank <= sz.MinBet {
		log.Info().Str("city", o.City).Str("side", string(o.Side)).
			Float64("bankroll", bank).Msg("skipped: bankroll depleted")
		return nil
	}
	if o.Volume <= 0 {
		return nil
	}
	if o.Side == models.SideNo && e.noByDate[o.Date] >= sz.NoMaxPerDate {
		log.Info().Str("city", o.City).Str("date", o.Date).
			Msg("skipped: per-date NO exposure cap")
		return nil
	}

	// Duplicate checks hit the store directly so restarts are covered;
	// a check failure refuses the trade.
	exists, err := e.trades.ExistsPosition(ctx, o.City, o.Date, o.Range.Name, o.Side, o.Venue)
	if err != nil {
		log.Warn().Err(err).Str("city", o.City).Msg("duplicate check failed, skipping")
		return nil
	}
	if exists {
		return nil
	}
	if e.sideSlots[models.SideKey(o.City, o.Date, o.Side, o.Venue)] {
		return nil
	}

	effectiveCost := o.Price + o.Fee
	if 1-effectiveCost <= 0 {
		return nil
	}
	shares := size(o, bank, effectiveCost)
	if shares < 1 {
		return nil
	}

	// Volume participation: hard reject, then optional soft clamp.
	if o.Volume > 0 && shares/o.Volume*100 > sz.HardRejectVolumePct {
		log.Info().Str("city", o.City).Float64("shares", shares).Float64("volume", o.Volume).
			Msg("skipped: volume participation too high")
		return nil
	}
	if sz.MaxVolumePct > 0 {
		if limit := math.Floor(sz.MaxVolumePct / 100 * o.Volume); shares > limit {
			shares = limit
		}
		if shares < 1 || shares*effectiveCost < sz.MinBet {
			return nil
		}
	}
	cost := shares * o.Price

	tokenID := o.Range.TokenID
	if o.Side == models.SideNo && o.Range.NoTokenID != "" {
		tokenID = o.Range.NoTokenID
	}
	ack, err := e.adapters[o.Venue].ExecuteBuy(ctx, venue.OrderRequest{
		MarketID:   o.Range.MarketID,
		TokenID:    tokenID,
		Side:       o.Side,
		Shares:     shares,
		LimitPrice: o.Price,
	})
	if err != nil {
		log.Warn().Err(err).Str("city", o.City).Str("range", o.Range.Name).
			Msg("order placement failed")
		return nil
	}

	t := e.buildTrade(o, ack, shares, cost)
	if err := e.trades.Insert(ctx, t); err != nil {
		// The bankroll only moves after the row persists.
		log.Error().Err(err).Str("city", o.City).Str("range", o.Range.Name).
			Msg("trade write failed, bankroll untouched")
		return nil
	}

	e.deduct(o.Side, o.Date, cost)
	e.sideSlots[models.SideKey(o.City, o.Date, o.Side, o.Venue)] = true
	metrics.TradesEntered.WithLabelValues(o.Venue, string(o.Side), t.EntryReason).Inc()
	e.publishBankrolls()
	e.notifier.TradeEntry(t)
	log.Info().Str("id", t.ID).Str("city", t.City).Str("venue", t.Venue).
		Str("side", string(t.Side)).Str("range", t.RangeName).
		Float64("price", t.EntryPrice).Float64("shares", t.Shares).Float64("cost", t.Cost).
		Str("reason", t.EntryReason).Bool("simulated", ack.Simulated).
		Msg("trade entered")
	return t
}

// modelShares sizes a model entry: fractional Kelly capped by the
// bankroll percentage, floored at the minimum bet.
func (e *Executor) modelShares(o *models.Opportunity, bank, effectiveCost float64) float64 {
	sz := e.cfg.Sizing
	kelly := o.Kelly
	if kelly <= 0 {
		netProfit := 1 - effectiveCost
		b := netProfit / effectiveCost
		full := (b*o.CorrectedProb - (1 - o.CorrectedProb)) / b
		kelly = full * sz.KellyFraction
	}
	if kelly <= 0 {
		return 0
	}
	kelly = math.Min(kelly, sz.MaxBankrollPct)

	dollars := bank * kelly
	dollars = math.Min(dollars, bank)
	dollars = math.Max(dollars, sz.MinBet)
	// The per-date NO cap binds after the minimum-bet floor; remaining
	// allowance under the floor means no trade rather than a breach.
	if o.Side == models.SideNo {
		dollars = math.Min(dollars, sz.NoMaxPerDate-e.noByDate[o.Date])
		if dollars < sz.MinBet {
			return 0
		}
	}
	return math.Floor(dollars / effectiveCost)
}

// guaranteedShares sizes a guaranteed-win entry: a fixed bankroll
// fraction, no Kelly.
func (e *Executor) guaranteedShares(o *models.Opportunity, bank, effectiveCost float64) float64 {
	dollars := math.Min(bank*e.cfg.Guaranteed.MaxBankrollPct, bank)
	if o.Side == models.SideNo {
		dollars = math.Min(dollars, e.cfg.Sizing.NoMaxPerDate-e.noByDate[o.Date])
	}
	return math.Floor(dollars / effectiveCost)
}

func (e *Executor) buildTrade(o *models.Opportunity, ack *venue.OrderResult, shares, cost float64) *models.Trade {
	return &models.Trade{
		ID:            uuid.NewString(),
		OpportunityID: o.ID,
		OrderID:       ack.OrderID,

		City:  o.City,
		Date:  o.Date,
		Venue: o.Venue,
		Side:  o.Side,

		MarketID:  o.Range.MarketID,
		TokenID:   o.Range.TokenID,
		RangeName: o.Range.Name,
		RangeType: o.Range.Type,
		RangeMin:  o.Range.Min,
		RangeMax:  o.Range.Max,

		EntryPrice: o.Price,
		Shares:     shares,
		Cost:       cost,
		EntryFee:   o.Fee * shares,

		EntryReason:      o.EntryReason,
		EntryProbability: o.CorrectedProb,
		EntryEdgePct:     o.EdgePct,
		EntryKelly:       o.Kelly,
		EntrySpread:      o.Range.Spread,
		EntryVolume:      o.Volume,

		ForecastTemp:      o.ForecastTemp,
		StdDevC:           o.StdDevC,
		HoursToResolution: o.HoursToResolution,
		Sources:           o.Sources,
		BidDepth:          o.Range.BidDepth,
		AskDepth:          o.Range.AskDepth,

		Status:       models.TradeOpen,
		CurrentPrice: o.Price,
		MaxPrice:     o.Price,
		MinProb:      o.CorrectedProb,
	}
}

func (e *Executor) bankFor(side models.Side) float64 {
	if side == models.SideYes {
		return e.yesBank
	}
	return e.noBank
}

func (e *Executor) deduct(side models.Side, date string, cost float64) {
	if side == models.SideYes {
		e.yesBank -= cost
		return
	}
	e.noBank -= cost
	e.noByDate[date] += cost
}

func (e *Executor) publishBankrolls() {
	metrics.Bankroll.WithLabelValues(string(models.SideYes)).Set(e.yesBank)
	metrics.Bankroll.WithLabelValues(string(models.SideNo)).Set(e.noBank)
}

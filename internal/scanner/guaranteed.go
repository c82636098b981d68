package scanner

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/observations"
	"github.com/wxedge/wxedge/internal/units"
)

// ScanGuaranteedWins looks for contracts the observed running high has
// already decided: an unbounded-upper YES once the high reaches the
// threshold, a bounded NO once the high clears the ceiling. Runs on the
// fast poll, independent of the model scan.
func (s *Scanner) ScanGuaranteedWins(ctx context.Context, now time.Time, idx *PositionIndex) []*models.Opportunity {
	if !s.cfg.Guaranteed.Enabled {
		return nil
	}

	// Best candidate per slot: YES keyed per (city, date, venue, side),
	// NO additionally per range since several NOs can all win.
	best := map[string]*models.Opportunity{}
	margins := map[string]float64{}

	for _, city := range s.cfg.Cities {
		loc, err := city.Location()
		if err != nil {
			continue
		}
		date := now.In(loc).Format("2006-01-02")

		for _, venueName := range venueNames(s.adapters) {
			platform := s.cfg.Platforms[venueName]
			if !platform.GuaranteedWinEnabled || !platform.TradingEnabled {
				continue
			}
			if _, listed := city.VenueIDs[venueName]; !listed {
				continue
			}
			if s.cfg.CityBlocked(venueName, city.Key) {
				continue
			}

			reading, err := s.obs.Latest(ctx, city, date, venueName)
			if err != nil || reading == nil {
				continue
			}
			ranges, err := s.adapters[venueName].Markets(ctx, city, date)
			if err != nil {
				log.Warn().Err(err).Str("venue", venueName).Str("city", city.Key).
					Msg("guaranteed-win market fetch failed")
				continue
			}
			for _, rng := range ranges {
				o := s.evalGuaranteed(city, date, venueName, rng, reading, now.In(loc), idx)
				if o == nil {
					continue
				}
				key := string(o.Side) + "|" + slotKey(city.Key, date, venueName)
				if o.Side == models.SideNo {
					key += "|" + rng.Name
				}
				margin := 1 - o.Price - o.Fee
				if prev, ok := margins[key]; !ok || margin > prev {
					best[key] = o
					margins[key] = margin
				}
			}
		}
	}

	out := make([]*models.Opportunity, 0, len(best))
	for _, o := range best {
		// Same-batch adjacency: a YES kept in this batch blocks lower
		// NOs exactly like a persisted one.
		if o.Side == models.SideNo && adjacentToBatchYes(best, o) {
			continue
		}
		idx.Add(o.City, o.Date, o.Range.Name, o.Side, o.Venue, o.Range.Min)
		if err := s.opps.Insert(ctx, o); err != nil {
			log.Warn().Err(err).Str("city", o.City).Str("range", o.Range.Name).
				Msg("guaranteed-win opportunity write failed")
		}
		out = append(out, o)
		log.Info().Str("city", o.City).Str("venue", o.Venue).Str("side", string(o.Side)).
			Str("range", o.Range.Name).Str("reason", o.EntryReason).Float64("ask", o.Price).
			Msg("guaranteed win detected")
	}
	return out
}

// evalGuaranteed applies the signal and the liquidity pre-gates to one
// range. Returns nil when no deterministic entry exists.
func (s *Scanner) evalGuaranteed(city models.City, date, venueName string, rng models.Range, reading *observations.Reading, localNow time.Time, idx *PositionIndex) *models.Opportunity {
	gw := s.cfg.Guaranteed
	high := reading.RunningHigh(rng.Unit)

	var side models.Side
	var threshold float64
	switch {
	case rng.Type == models.RangeUnboundedUpper && rng.Min != nil && high >= *rng.Min:
		side, threshold = models.SideYes, *rng.Min
	case rng.Type == models.RangeBounded && rng.Max != nil && high > *rng.Max:
		side, threshold = models.SideNo, *rng.Max
	default:
		return nil
	}

	// Confirmation: both feeds crossing, or a primary-only reading with
	// enough clearance over the threshold.
	wu := reading.WUHigh(rng.Unit)
	dual := wu != nil && crossed(side, *wu, threshold)
	entryReason := models.ReasonGuaranteed
	if !dual {
		if gw.RequireDualConfirm {
			return nil
		}
		minGap := gw.MetarOnlyMinGapF
		if rng.Unit == units.Celsius {
			minGap = gw.MetarOnlyMinGapC
		}
		if city.DualStation() && city.NWSPriority[venueName] {
			minGap = gw.DualStationGapF
			if rng.Unit == units.Celsius {
				minGap = gw.DualStationGapC
			}
		}
		if high-threshold < minGap {
			return nil
		}
		entryReason = models.ReasonGuaranteedM
	}

	price, bid := rng.Ask, rng.Bid
	if side == models.SideNo {
		price, bid = 1-rng.Bid, 1-rng.Ask
	}
	fee := s.adapters[venueName].EntryFee(price)

	minAsk := gw.MinAsk
	if dual {
		minAsk = gw.MinAskDualConfirmed
	}
	margin := 1 - price - fee
	switch {
	case price < minAsk || price > gw.MaxAsk:
		return nil
	case bid < gw.MinBid:
		return nil
	case margin < gw.MinMarginCents/100:
		return nil
	}

	if idx.HasPosition(city.Key, date, rng.Name, side, venueName) ||
		idx.RangeTaken(city.Key, date, rng.Name, venueName) ||
		idx.SideTaken(city.Key, date, side, venueName) {
		return nil
	}
	if side == models.SideNo && idx.AdjacentNOBlocked(city.Key, date, venueName, rng.Max) {
		return nil
	}

	return &models.Opportunity{
		City:            city.Key,
		Date:            date,
		Venue:           venueName,
		Side:            side,
		SnapshotAt:      localNow,
		Range:           rng,
		Price:           price,
		Bid:             bid,
		Fee:             fee,
		Volume:          rng.Volume,
		RawProb:         1.0,
		CorrectedProb:   1.0,
		CorrectionRatio: 1.0,
		EdgePct:         margin * 100,
		Action:          models.ActionEntered,
		EntryReason:     entryReason,
	}
}

func crossed(side models.Side, value, threshold float64) bool {
	if side == models.SideYes {
		return value >= threshold
	}
	return value > threshold
}

// adjacentToBatchYes reports whether a batch YES sits above the NO's
// ceiling on the same slot.
func adjacentToBatchYes(batch map[string]*models.Opportunity, no *models.Opportunity) bool {
	if no.Range.Max == nil {
		return false
	}
	for _, o := range batch {
		if o.Side != models.SideYes || o.City != no.City || o.Date != no.Date || o.Venue != no.Venue {
			continue
		}
		if o.Range.Min != nil && *no.Range.Max <= *o.Range.Min {
			return true
		}
	}
	return false
}

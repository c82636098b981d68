package scanner

import (
	"context"
	"fmt"

	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/persistence"
)

// PositionIndex is the pre-pass view of persisted positions, built once
// per cycle for O(1) duplicate and exclusivity checks. Open and
// resolved rows both count, so a restart cannot double-enter a settled
// market. The guaranteed-win batch also appends its own entries so
// same-batch duplicates are caught before anything persists.
type PositionIndex struct {
	positions map[string]bool // city|date|range|side|venue
	sideSlots map[string]bool // city|date|side|venue
	rangeSlot map[string]bool // city|date|range|venue

	// yesRangeMins holds, per city|date|venue, the range_min of each
	// open YES. NO entries whose range_max lies at or below any of these
	// are blocked: the two legs are perfectly anti-correlated.
	yesRangeMins map[string][]float64
}

// NewPositionIndex returns an empty index.
func NewPositionIndex() *PositionIndex {
	return &PositionIndex{
		positions:    map[string]bool{},
		sideSlots:    map[string]bool{},
		rangeSlot:    map[string]bool{},
		yesRangeMins: map[string][]float64{},
	}
}

// LoadPositionIndex builds the index from the trade store.
func LoadPositionIndex(ctx context.Context, repo persistence.TradesRepo) (*PositionIndex, error) {
	trades, err := repo.ListByStatus(ctx, models.TradeOpen, models.TradeResolved)
	if err != nil {
		return nil, fmt.Errorf("position prepass: %w", err)
	}
	idx := NewPositionIndex()
	for i := range trades {
		idx.AddTrade(&trades[i])
	}
	return idx, nil
}

// AddTrade records a position in every index set.
func (x *PositionIndex) AddTrade(t *models.Trade) {
	x.Add(t.City, t.Date, t.RangeName, t.Side, t.Venue, t.RangeMin)
}

// Add records a position by its components. rangeMin matters only for
// YES entries.
func (x *PositionIndex) Add(city, date, rangeName string, side models.Side, venue string, rangeMin *float64) {
	x.positions[models.PositionKey(city, date, rangeName, side, venue)] = true
	x.sideSlots[models.SideKey(city, date, side, venue)] = true
	x.rangeSlot[models.RangeKey(city, date, rangeName, venue)] = true
	if side == models.SideYes && rangeMin != nil {
		key := slotKey(city, date, venue)
		x.yesRangeMins[key] = append(x.yesRangeMins[key], *rangeMin)
	}
}

// HasPosition reports an existing identical position.
func (x *PositionIndex) HasPosition(city, date, rangeName string, side models.Side, venue string) bool {
	return x.positions[models.PositionKey(city, date, rangeName, side, venue)]
}

// SideTaken reports an existing position of the same side on the
// (city, date, venue) slot.
func (x *PositionIndex) SideTaken(city, date string, side models.Side, venue string) bool {
	return x.sideSlots[models.SideKey(city, date, side, venue)]
}

// RangeTaken reports any position on the range, either side.
func (x *PositionIndex) RangeTaken(city, date, rangeName, venue string) bool {
	return x.rangeSlot[models.RangeKey(city, date, rangeName, venue)]
}

// AdjacentNOBlocked reports whether a NO on a range with the given
// upper bound would sit under an open YES threshold. Inclusive bound:
// range_max equal to the YES range_min still blocks.
func (x *PositionIndex) AdjacentNOBlocked(city, date, venue string, rangeMax *float64) bool {
	if rangeMax == nil {
		return false
	}
	for _, yesMin := range x.yesRangeMins[slotKey(city, date, venue)] {
		if *rangeMax <= yesMin {
			return true
		}
	}
	return false
}

func slotKey(city, date, venue string) string {
	return city + "|" + date + "|" + venue
}

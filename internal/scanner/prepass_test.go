package scanner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxedge/wxedge/internal/models"
)

func fp(v float64) *float64 { return &v }

func TestPositionIndexChecks(t *testing.T) {
	idx := NewPositionIndex()
	idx.Add("nyc", "2026-08-24", "84-85", models.SideYes, "kalshi", fp(84))

	assert.True(t, idx.HasPosition("nyc", "2026-08-24", "84-85", models.SideYes, "kalshi"))
	assert.False(t, idx.HasPosition("nyc", "2026-08-24", "84-85", models.SideNo, "kalshi"))
	assert.True(t, idx.RangeTaken("nyc", "2026-08-24", "84-85", "kalshi"), "either side claims the range")
	assert.True(t, idx.SideTaken("nyc", "2026-08-24", models.SideYes, "kalshi"))
	assert.False(t, idx.SideTaken("nyc", "2026-08-24", models.SideNo, "kalshi"))

	// Other venue and date are independent slots.
	assert.False(t, idx.SideTaken("nyc", "2026-08-24", models.SideYes, "polymarket"))
	assert.False(t, idx.SideTaken("nyc", "2026-08-25", models.SideYes, "kalshi"))
}

func TestAdjacentNOBlockedInclusive(t *testing.T) {
	idx := NewPositionIndex()
	idx.Add("nyc", "2026-08-24", "86+", models.SideYes, "kalshi", fp(86))

	assert.True(t, idx.AdjacentNOBlocked("nyc", "2026-08-24", "kalshi", fp(84)), "below the YES threshold")
	assert.True(t, idx.AdjacentNOBlocked("nyc", "2026-08-24", "kalshi", fp(86)), "equal is inclusive")
	assert.False(t, idx.AdjacentNOBlocked("nyc", "2026-08-24", "kalshi", fp(87)))
	assert.False(t, idx.AdjacentNOBlocked("nyc", "2026-08-24", "kalshi", nil), "unbounded NO never adjacent")
	assert.False(t, idx.AdjacentNOBlocked("nyc", "2026-08-25", "kalshi", fp(84)), "other date")
}

func TestAdjacentNOIgnoresNOPositions(t *testing.T) {
	idx := NewPositionIndex()
	idx.Add("nyc", "2026-08-24", "80-81", models.SideNo, "kalshi", fp(80))
	assert.False(t, idx.AdjacentNOBlocked("nyc", "2026-08-24", "kalshi", fp(79)))
}

type fakeTradesRepo struct {
	trades    []models.Trade
	inserted  []*models.Trade
	insertErr error
	listErr   error
	exists    map[string]bool
	existsErr error
}

func (f *fakeTradesRepo) Insert(ctx context.Context, t *models.Trade) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, t)
	return nil
}

func (f *fakeTradesRepo) ExistsPosition(ctx context.Context, city, date, rangeName string, side models.Side, venue string, states ...string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.exists[models.PositionKey(city, date, rangeName, side, venue)], nil
}

func (f *fakeTradesRepo) ListByStatus(ctx context.Context, states ...string) ([]models.Trade, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.trades, nil
}

func (f *fakeTradesRepo) UpdateMonitor(ctx context.Context, t *models.Trade) error { return nil }

func TestLoadPositionIndex(t *testing.T) {
	repo := &fakeTradesRepo{trades: []models.Trade{
		{City: "nyc", Date: "2026-08-24", RangeName: "86+", Side: models.SideYes, Venue: "kalshi", RangeMin: fp(86), Status: models.TradeOpen},
		{City: "chi", Date: "2026-08-24", RangeName: "80-81", Side: models.SideNo, Venue: "polymarket", Status: models.TradeResolved},
	}}
	idx, err := LoadPositionIndex(context.Background(), repo)
	require.NoError(t, err)
	assert.True(t, idx.HasPosition("nyc", "2026-08-24", "86+", models.SideYes, "kalshi"))
	assert.True(t, idx.HasPosition("chi", "2026-08-24", "80-81", models.SideNo, "polymarket"))
	assert.True(t, idx.AdjacentNOBlocked("nyc", "2026-08-24", "kalshi", fp(85)))

	repo.listErr = errors.New("db down")
	_, err = LoadPositionIndex(context.Background(), repo)
	assert.Error(t, err)
}

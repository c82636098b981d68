package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wxedge/wxedge/internal/persistence"
)

type snapshotsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSnapshotsRepo creates the market snapshot store.
func NewSnapshotsRepo(db *sqlx.DB, timeout time.Duration) persistence.SnapshotsRepo {
	return &snapshotsRepo{db: db, timeout: timeout}
}

func (r *snapshotsRepo) Insert(ctx context.Context, s persistence.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	bidDepth, _ := json.Marshal(s.Range.BidDepth)
	askDepth, _ := json.Marshal(s.Range.AskDepth)

	query := `
		INSERT INTO snapshots (
			taken_at, city, date, venue, market_id, token_id, range_name,
			range_type, range_min, range_max, bid, ask, spread, volume,
			bid_depth, ask_depth)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	_, err := r.db.ExecContext(ctx, query,
		s.TakenAt, s.City, s.Date, s.Venue,
		s.Range.MarketID, s.Range.TokenID, s.Range.Name,
		s.Range.Type, s.Range.Min, s.Range.Max,
		s.Range.Bid, s.Range.Ask, s.Range.Spread, s.Range.Volume,
		bidDepth, askDepth)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/persistence"
)

type opportunitiesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOpportunitiesRepo creates the append-only opportunity log.
func NewOpportunitiesRepo(db *sqlx.DB, timeout time.Duration) persistence.OpportunitiesRepo {
	return &opportunitiesRepo{db: db, timeout: timeout}
}

func (r *opportunitiesRepo) Insert(ctx context.Context, o *models.Opportunity) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO opportunities (
			city, date, venue, side, snapshot_at,
			market_id, token_id, range_name, range_type, range_min, range_max,
			price, bid, fee, volume,
			raw_probability, corrected_probability, correction_ratio,
			edge_pct, kelly,
			action, filter_reason, entry_reason, cal_bucket,
			forecast_temp, std_dev_c, hours_to_resolution,
			forecast_to_near_edge, forecast_to_far_edge, forecast_in_range,
			source_disagreement_deg, market_implied_divergence)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
			$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)
		RETURNING id`

	err := r.db.QueryRowxContext(ctx, query,
		o.City, o.Date, o.Venue, o.Side, o.SnapshotAt,
		o.Range.MarketID, o.Range.TokenID, o.Range.Name, o.Range.Type,
		o.Range.Min, o.Range.Max,
		o.Price, o.Bid, o.Fee, o.Volume,
		o.RawProb, o.CorrectedProb, o.CorrectionRatio,
		o.EdgePct, o.Kelly,
		o.Action, o.FilterReason, o.EntryReason, o.CalBucket,
		o.ForecastTemp, o.StdDevC, o.HoursToResolution,
		o.Features.ForecastToNearEdge, o.Features.ForecastToFarEdge,
		o.Features.ForecastInRange,
		o.Features.SourceDisagreementDeg, o.Features.MarketImpliedDivergence).
		Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert opportunity: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wxedge/wxedge/internal/persistence"
)

type calibrationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCalibrationRepo creates the read-side repository for the rolling
// calibration window.
func NewCalibrationRepo(db *sqlx.DB, timeout time.Duration) persistence.CalibrationRepo {
	return &calibrationRepo{db: db, timeout: timeout}
}

func (r *calibrationRepo) ForecastAccuracy(ctx context.Context, windowDays int) ([]persistence.AccuracyRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT city, date, source, unit, lead_bucket, error_deg
		FROM v2_forecast_accuracy
		WHERE date >= to_char(now() - make_interval(days => $1), 'YYYY-MM-DD')
		  AND error_deg IS NOT NULL`

	var rows []persistence.AccuracyRow
	if err := r.db.SelectContext(ctx, &rows, query, windowDays); err != nil {
		return nil, fmt.Errorf("forecast accuracy window: %w", err)
	}
	return rows, nil
}

func (r *calibrationRepo) ResolvedOpportunities(ctx context.Context, windowDays int) ([]persistence.OutcomeRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Calibration joins deduplicate the append-only log: one row per
	// (city, date, range, side, venue) snapshot cohort.
	query := `
		SELECT DISTINCT ON (o.city, o.date, o.range_name, o.side, o.venue)
		       o.city, o.date, o.venue, o.range_type, o.side,
		       o.hours_to_resolution_bucket AS lead_bucket,
		       o.price AS ask, o.corrected_probability AS model_probability,
		       o.won
		FROM resolved_opportunities o
		WHERE o.date >= to_char(now() - make_interval(days => $1), 'YYYY-MM-DD')
		ORDER BY o.city, o.date, o.range_name, o.side, o.venue, o.snapshot_at DESC`

	var rows []persistence.OutcomeRow
	if err := r.db.SelectContext(ctx, &rows, query, windowDays); err != nil {
		return nil, fmt.Errorf("resolved opportunities window: %w", err)
	}
	return rows, nil
}

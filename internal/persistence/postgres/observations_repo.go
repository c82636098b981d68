package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wxedge/wxedge/internal/persistence"
)

type observationsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewObservationsRepo reads station observations written by the
// external METAR ingestor.
func NewObservationsRepo(db *sqlx.DB, timeout time.Duration) persistence.ObservationsRepo {
	return &observationsRepo{db: db, timeout: timeout}
}

func (r *observationsRepo) Latest(ctx context.Context, city, date, stationID string) (*persistence.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Dual-station cities pass an explicit station to avoid
	// cross-station contamination; others take the city's only feed.
	query := `
		SELECT city, date, station_id, running_high_c, running_high_f,
		       wu_high_c, wu_high_f, observed_at, observation_count
		FROM metar_observations
		WHERE city = $1 AND date = $2 AND ($3 = '' OR station_id = $3)
		ORDER BY observed_at DESC
		LIMIT 1`

	var obs persistence.Observation
	err := r.db.GetContext(ctx, &obs, query, city, date, stationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest observation: %w", err)
	}
	return &obs, nil
}

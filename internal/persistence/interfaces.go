// Package persistence defines the repository interfaces the engine
// depends on. The postgres subpackage carries the production
// implementations; tests substitute fakes.
package persistence

import (
	"context"
	"time"

	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/units"
)

// AccuracyRow is one entry of the per-forecast-per-source accuracy
// ledger: signed error = forecast - actual, in the row's unit.
type AccuracyRow struct {
	City       string     `db:"city"`
	Date       string     `db:"date"`
	Source     string     `db:"source"`
	Unit       units.Unit `db:"unit"`
	LeadBucket string     `db:"lead_bucket"`
	ErrorDeg   float64    `db:"error_deg"`
}

// OutcomeRow is one resolved past opportunity, joined with its market
// context, used to build market and model calibration tables.
type OutcomeRow struct {
	City       string           `db:"city"`
	Date       string           `db:"date"`
	Venue      string           `db:"venue"`
	RangeType  models.RangeType `db:"range_type"`
	Side       models.Side      `db:"side"`
	LeadBucket string           `db:"lead_bucket"`
	Ask        float64          `db:"ask"`
	ModelProb  float64          `db:"model_probability"`
	Won        bool             `db:"won"`
}

// Snapshot is one periodic market-state capture row.
type Snapshot struct {
	TakenAt time.Time    `db:"taken_at"`
	City    string       `db:"city"`
	Date    string       `db:"date"`
	Venue   string       `db:"venue"`
	Range   models.Range `db:"-"`
}

// Observation is the latest station reading for a (city, date).
type Observation struct {
	City         string    `db:"city"`
	Date         string    `db:"date"`
	StationID    string    `db:"station_id"`
	RunningHighC float64   `db:"running_high_c"`
	RunningHighF float64   `db:"running_high_f"`
	WUHighC      *float64  `db:"wu_high_c"`
	WUHighF      *float64  `db:"wu_high_f"`
	ObservedAt   time.Time `db:"observed_at"`
	Count        int       `db:"observation_count"`
}

// TradesRepo persists positions. The store enforces a unique
// (city, date, range, side, venue) key among non-exited rows.
type TradesRepo interface {
	Insert(ctx context.Context, t *models.Trade) error

	// ExistsPosition checks for an existing row in the given states;
	// duplicate checks consider open and resolved to survive restarts.
	ExistsPosition(ctx context.Context, city, date, rangeName string, side models.Side, venue string, states ...string) (bool, error)

	ListByStatus(ctx context.Context, states ...string) ([]models.Trade, error)

	// UpdateMonitor refreshes current-price tracking and the bounded
	// evaluator log for an open trade.
	UpdateMonitor(ctx context.Context, t *models.Trade) error
}

// OpportunitiesRepo is the append-only evaluation log.
type OpportunitiesRepo interface {
	// Insert writes one row per evaluation and fills o.ID.
	Insert(ctx context.Context, o *models.Opportunity) error
}

// SnapshotsRepo stores periodic market captures.
type SnapshotsRepo interface {
	Insert(ctx context.Context, s Snapshot) error
}

// CalibrationRepo reads the rolling history the CalibrationStore
// derives its tables from.
type CalibrationRepo interface {
	ForecastAccuracy(ctx context.Context, windowDays int) ([]AccuracyRow, error)
	ResolvedOpportunities(ctx context.Context, windowDays int) ([]OutcomeRow, error)
}

// ObservationsRepo reads live station observations written by the
// external ingestor. Dual-station cities query per station.
type ObservationsRepo interface {
	Latest(ctx context.Context, city, date, stationID string) (*Observation, error)
}

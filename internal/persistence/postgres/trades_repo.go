package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/persistence"
)

type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo creates the PostgreSQL trades repository.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.TradesRepo {
	return &tradesRepo{db: db, timeout: timeout}
}

func (r *tradesRepo) Insert(ctx context.Context, t *models.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sourcesJSON, err := json.Marshal(t.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	evalJSON, err := json.Marshal(t.EvaluatorLog)
	if err != nil {
		return fmt.Errorf("marshal evaluator log: %w", err)
	}
	bidDepthJSON, _ := json.Marshal(t.BidDepth)
	askDepthJSON, _ := json.Marshal(t.AskDepth)

	query := `
		INSERT INTO trades (
			id, opportunity_id, order_id, city, date, venue, side,
			market_id, token_id, range_name, range_type, range_min, range_max,
			entry_price, shares, cost, entry_fee,
			entry_reason, entry_probability, entry_edge_pct, entry_kelly,
			entry_spread, entry_volume,
			forecast_temp, std_dev_c, hours_to_resolution,
			sources, bid_depth, ask_depth,
			status, current_price, max_price, min_probability, evaluator_log)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
			$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34)
		RETURNING created_at, updated_at`

	err = r.db.QueryRowxContext(ctx, query,
		t.ID, t.OpportunityID, t.OrderID, t.City, t.Date, t.Venue, t.Side,
		t.MarketID, t.TokenID, t.RangeName, t.RangeType, t.RangeMin, t.RangeMax,
		t.EntryPrice, t.Shares, t.Cost, t.EntryFee,
		t.EntryReason, t.EntryProbability, t.EntryEdgePct, t.EntryKelly,
		t.EntrySpread, t.EntryVolume,
		t.ForecastTemp, t.StdDevC, t.HoursToResolution,
		sourcesJSON, bidDepthJSON, askDepthJSON,
		t.Status, t.CurrentPrice, t.MaxPrice, t.MinProb, evalJSON).
		Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate position %s: %w",
				models.PositionKey(t.City, t.Date, t.RangeName, t.Side, t.Venue), err)
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (r *tradesRepo) ExistsPosition(ctx context.Context, city, date, rangeName string, side models.Side, venue string, states ...string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if len(states) == 0 {
		states = []string{models.TradeOpen, models.TradeResolved}
	}
	query := `
		SELECT 1 FROM trades
		WHERE city = $1 AND date = $2 AND range_name = $3
		  AND side = $4 AND venue = $5 AND status = ANY($6)
		LIMIT 1`

	var one int
	err := r.db.QueryRowxContext(ctx, query, city, date, rangeName, side, venue, pq.Array(states)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("position lookup: %w", err)
	}
	return true, nil
}

func (r *tradesRepo) ListByStatus(ctx context.Context, states ...string) ([]models.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, opportunity_id, order_id, city, date, venue, side,
		       market_id, token_id, range_name, range_type, range_min, range_max,
		       entry_price, shares, cost, entry_fee,
		       entry_reason, entry_probability, entry_edge_pct, entry_kelly,
		       entry_spread, entry_volume,
		       forecast_temp, std_dev_c, hours_to_resolution,
		       sources, bid_depth, ask_depth,
		       status, current_price, max_price, min_probability, evaluator_log,
		       pnl, settle_fee, created_at, updated_at
		FROM trades
		WHERE status = ANY($1)
		ORDER BY created_at`

	rows, err := r.db.QueryxContext(ctx, query, pq.Array(states))
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var t models.Trade
		var sourcesJSON, bidDepthJSON, askDepthJSON, evalJSON []byte
		err := rows.Scan(
			&t.ID, &t.OpportunityID, &t.OrderID, &t.City, &t.Date, &t.Venue, &t.Side,
			&t.MarketID, &t.TokenID, &t.RangeName, &t.RangeType, &t.RangeMin, &t.RangeMax,
			&t.EntryPrice, &t.Shares, &t.Cost, &t.EntryFee,
			&t.EntryReason, &t.EntryProbability, &t.EntryEdgePct, &t.EntryKelly,
			&t.EntrySpread, &t.EntryVolume,
			&t.ForecastTemp, &t.StdDevC, &t.HoursToResolution,
			&sourcesJSON, &bidDepthJSON, &askDepthJSON,
			&t.Status, &t.CurrentPrice, &t.MaxPrice, &t.MinProb, &evalJSON,
			&t.PnL, &t.SettleFee, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if len(sourcesJSON) > 0 {
			_ = json.Unmarshal(sourcesJSON, &t.Sources)
		}
		if len(bidDepthJSON) > 0 {
			_ = json.Unmarshal(bidDepthJSON, &t.BidDepth)
		}
		if len(askDepthJSON) > 0 {
			_ = json.Unmarshal(askDepthJSON, &t.AskDepth)
		}
		if len(evalJSON) > 0 {
			_ = json.Unmarshal(evalJSON, &t.EvaluatorLog)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *tradesRepo) UpdateMonitor(ctx context.Context, t *models.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	evalJSON, err := json.Marshal(t.EvaluatorLog)
	if err != nil {
		return fmt.Errorf("marshal evaluator log: %w", err)
	}

	// Monetary fields are frozen once a trade is resolved; the monitor
	// only ever touches open rows.
	query := `
		UPDATE trades
		SET current_price = $1, max_price = $2, min_probability = $3,
		    evaluator_log = $4, updated_at = now()
		WHERE id = $5 AND status = 'open'`

	res, err := r.db.ExecContext(ctx, query,
		t.CurrentPrice, t.MaxPrice, t.MinProb, evalJSON, t.ID)
	if err != nil {
		return fmt.Errorf("update trade monitor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trade %s not open", t.ID)
	}
	return nil
}

// Package venue holds the prediction-market adapters. Each venue
// exposes the same surface: range discovery for a (city, date), price
// refresh, fee schedule and order placement. Both live adapters also
// run in simulate mode, where orders are acknowledged locally without
// touching the venue.
package venue

import (
	"context"

	"github.com/wxedge/wxedge/internal/models"
)

// Venue names as they appear in city station maps and trade rows.
const (
	Kalshi     = "kalshi"
	Polymarket = "polymarket"
)

// OrderRequest is a buy order for one side of a range contract.
type OrderRequest struct {
	MarketID string
	TokenID  string
	Side     models.Side
	Shares   float64
	// LimitPrice is the worst acceptable per-share price.
	LimitPrice float64
}

// OrderResult is the venue acknowledgement.
type OrderResult struct {
	OrderID   string
	Simulated bool
}

// Adapter is one venue connection.
type Adapter interface {
	Name() string

	// Markets lists the daily-high ranges for a city and date with
	// current top-of-book prices and depth attached.
	Markets(ctx context.Context, city models.City, date string) ([]models.Range, error)

	// Price re-reads top-of-book for one range, for the fast monitor
	// poll.
	Price(ctx context.Context, rng *models.Range) error

	// ExecuteBuy places (or simulates) a buy order.
	ExecuteBuy(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// EntryFee returns the per-share entry fee at a price.
	EntryFee(price float64) float64
}

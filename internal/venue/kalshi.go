package venue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/units"
)

// kalshiFeeRate is the taker fee schedule: fee per share is
// rate * p * (1-p), charged once at entry. Settlement is fee-free.
const kalshiFeeRate = 0.07

// kalshi trades the Kalshi daily-high series. Strikes are °F; prices
// arrive in cents.
type kalshi struct {
	client   *resty.Client
	limiter  *rate.Limiter
	simulate bool
}

// NewKalshi builds the Kalshi adapter from its platform config.
func NewKalshi(pc config.PlatformConfig) Adapter {
	c := resty.New().
		SetBaseURL(pc.BaseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json")
	if pc.APIKey != "" {
		c.SetHeader("Authorization", "Bearer "+pc.APIKey)
	}
	return &kalshi{
		client:   c,
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		simulate: pc.Simulate,
	}
}

func (k *kalshi) Name() string { return Kalshi }

type kalshiEvent struct {
	Markets []kalshiMarket `json:"markets"`
}

type kalshiMarket struct {
	Ticker      string   `json:"ticker"`
	Subtitle    string   `json:"yes_sub_title"`
	FloorStrike *float64 `json:"floor_strike"`
	CapStrike   *float64 `json:"cap_strike"`
	YesBid      int      `json:"yes_bid"` // cents
	YesAsk      int      `json:"yes_ask"`
	Volume      float64  `json:"volume"`
	Status      string   `json:"status"`
}

type kalshiOrderbook struct {
	Orderbook struct {
		Yes [][]float64 `json:"yes"` // [price_cents, size]
		No  [][]float64 `json:"no"`
	} `json:"orderbook"`
}

// eventTicker derives the daily event ticker from the series and date,
// e.g. KXHIGHNY + 2026-08-24 -> KXHIGHNY-26AUG24.
func eventTicker(series, date string) (string, error) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", fmt.Errorf("kalshi: date %q: %w", date, err)
	}
	return fmt.Sprintf("%s-%s", series, strings.ToUpper(d.Format("06Jan02"))), nil
}

func (k *kalshi) Markets(ctx context.Context, city models.City, date string) ([]models.Range, error) {
	series, ok := city.VenueIDs[Kalshi]
	if !ok {
		return nil, nil
	}
	ticker, err := eventTicker(series, date)
	if err != nil {
		return nil, err
	}
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var ev struct {
		Event kalshiEvent `json:"event"`
	}
	resp, err := k.client.R().
		SetContext(ctx).
		SetQueryParam("with_nested_markets", "true").
		SetResult(&ev).
		Get("/trade-api/v2/events/" + ticker)
	if err != nil {
		return nil, fmt.Errorf("kalshi events: %w", err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil // no event listed for this date
	}
	if resp.IsError() {
		return nil, fmt.Errorf("kalshi events: HTTP %d", resp.StatusCode())
	}

	out := make([]models.Range, 0, len(ev.Event.Markets))
	for _, m := range ev.Event.Markets {
		if m.Status != "" && m.Status != "active" {
			continue
		}
		rng := models.Range{
			Venue:    Kalshi,
			MarketID: m.Ticker,
			Name:     m.Subtitle,
			Min:      m.FloorStrike,
			Max:      m.CapStrike,
			Unit:     units.Fahrenheit,
			Bid:      float64(m.YesBid) / 100,
			Ask:      float64(m.YesAsk) / 100,
			Volume:   m.Volume,
		}
		rng.Type = rangeType(rng.Min, rng.Max)
		rng.Spread = rng.Ask - rng.Bid
		if err := rng.Validate(); err != nil {
			log.Warn().Err(err).Str("ticker", m.Ticker).Msg("kalshi market skipped")
			continue
		}
		out = append(out, rng)
	}
	return out, nil
}

func (k *kalshi) Price(ctx context.Context, rng *models.Range) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return err
	}
	var ob kalshiOrderbook
	resp, err := k.client.R().
		SetContext(ctx).
		SetResult(&ob).
		Get("/trade-api/v2/markets/" + rng.MarketID + "/orderbook")
	if err != nil {
		return fmt.Errorf("kalshi orderbook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("kalshi orderbook: HTTP %d", resp.StatusCode())
	}

	// YES book rungs are resting YES bids; the YES ask is the complement
	// of the best NO bid.
	rng.BidDepth = rng.BidDepth[:0]
	for _, lvl := range ob.Orderbook.Yes {
		if len(lvl) == 2 {
			rng.BidDepth = append(rng.BidDepth, models.DepthLevel{Price: lvl[0] / 100, Size: lvl[1]})
		}
	}
	rng.AskDepth = rng.AskDepth[:0]
	for _, lvl := range ob.Orderbook.No {
		if len(lvl) == 2 {
			rng.AskDepth = append(rng.AskDepth, models.DepthLevel{Price: 1 - lvl[0]/100, Size: lvl[1]})
		}
	}
	if n := len(rng.BidDepth); n > 0 {
		rng.Bid = rng.BidDepth[n-1].Price
	}
	if n := len(rng.AskDepth); n > 0 {
		rng.Ask = rng.AskDepth[n-1].Price
	}
	rng.Spread = rng.Ask - rng.Bid
	return nil
}

func (k *kalshi) ExecuteBuy(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if k.simulate {
		return &OrderResult{OrderID: "sim-" + uuid.NewString(), Simulated: true}, nil
	}
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"ticker":          req.MarketID,
		"client_order_id": uuid.NewString(),
		"action":          "buy",
		"side":            string(req.Side),
		"type":            "limit",
		"count":           int(req.Shares),
	}
	priceCents := int(req.LimitPrice * 100)
	if req.Side == models.SideYes {
		body["yes_price"] = priceCents
	} else {
		body["no_price"] = priceCents
	}
	var ack struct {
		Order struct {
			OrderID string `json:"order_id"`
		} `json:"order"`
	}
	resp, err := k.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&ack).
		Post("/trade-api/v2/portfolio/orders")
	if err != nil {
		return nil, fmt.Errorf("kalshi order: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("kalshi order: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return &OrderResult{OrderID: ack.Order.OrderID}, nil
}

func (k *kalshi) EntryFee(price float64) float64 {
	return kalshiFeeRate * price * (1 - price)
}

func rangeType(min, max *float64) models.RangeType {
	switch {
	case min != nil && max != nil:
		return models.RangeBounded
	case min != nil:
		return models.RangeUnboundedUpper
	default:
		return models.RangeUnboundedLower
	}
}

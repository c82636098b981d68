package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
)

// clobBaseURL is the order book endpoint; market discovery goes through
// the Gamma API configured per platform.
const clobBaseURL = "https://clob.polymarket.com"

// polymarket trades the Polymarket daily-high events. No entry fee on
// either side.
type polymarket struct {
	gamma    *resty.Client
	clob     *resty.Client
	limiter  *rate.Limiter
	simulate bool
}

// NewPolymarket builds the Polymarket adapter from its platform config.
func NewPolymarket(pc config.PlatformConfig) Adapter {
	gamma := resty.New().
		SetBaseURL(pc.BaseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json")
	clob := resty.New().
		SetBaseURL(clobBaseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json")
	if pc.APIKey != "" {
		clob.SetHeader("Authorization", "Bearer "+pc.APIKey)
	}
	return &polymarket{
		gamma:    gamma,
		clob:     clob,
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		simulate: pc.Simulate,
	}
}

func (p *polymarket) Name() string { return Polymarket }

type gammaMarket struct {
	ID             string  `json:"id"`
	GroupItemTitle string  `json:"groupItemTitle"`
	BestBid        float64 `json:"bestBid"`
	BestAsk        float64 `json:"bestAsk"`
	VolumeNum      float64 `json:"volumeNum"`
	ClobTokenIDs   string  `json:"clobTokenIds"` // JSON array string
	Closed         bool    `json:"closed"`
}

type gammaEvent struct {
	Markets []gammaMarket `json:"markets"`
}

// eventSlug derives the daily event slug from the city prefix and
// date, e.g. highest-temperature-in-nyc + 2026-08-24 ->
// highest-temperature-in-nyc-on-august-24.
func eventSlug(prefix, date string) (string, error) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", fmt.Errorf("polymarket: date %q: %w", date, err)
	}
	return fmt.Sprintf("%s-on-%s-%d", prefix, strings.ToLower(d.Format("January")), d.Day()), nil
}

func (p *polymarket) Markets(ctx context.Context, city models.City, date string) ([]models.Range, error) {
	prefix, ok := city.VenueIDs[Polymarket]
	if !ok {
		return nil, nil
	}
	slug, err := eventSlug(prefix, date)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var events []gammaEvent
	resp, err := p.gamma.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("polymarket events: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("polymarket events: HTTP %d", resp.StatusCode())
	}
	if len(events) == 0 {
		return nil, nil
	}

	out := make([]models.Range, 0, len(events[0].Markets))
	for _, m := range events[0].Markets {
		if m.Closed {
			continue
		}
		min, max, typ, err := parseBracket(m.GroupItemTitle)
		if err != nil {
			log.Warn().Err(err).Str("market", m.ID).Msg("polymarket bracket skipped")
			continue
		}
		yesTok, noTok := clobTokens(m.ClobTokenIDs)
		rng := models.Range{
			Venue:     Polymarket,
			MarketID:  m.ID,
			TokenID:   yesTok,
			NoTokenID: noTok,
			Name:      m.GroupItemTitle,
			Min:       min,
			Max:       max,
			Type:      typ,
			Unit:      city.MarketUnit,
			Bid:       m.BestBid,
			Ask:       m.BestAsk,
			Spread:    m.BestAsk - m.BestBid,
			Volume:    m.VolumeNum,
		}
		if err := rng.Validate(); err != nil {
			log.Warn().Err(err).Str("market", m.ID).Msg("polymarket market skipped")
			continue
		}
		out = append(out, rng)
	}
	return out, nil
}

// clobTokens decodes the clobTokenIds JSON array: [yes, no].
func clobTokens(raw string) (string, string) {
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return "", ""
	}
	yes, no := "", ""
	if len(ids) > 0 {
		yes = ids[0]
	}
	if len(ids) > 1 {
		no = ids[1]
	}
	return yes, no
}

var (
	bracketBounded = regexp.MustCompile(`^(-?\d+)\s*-\s*(-?\d+)`)
	bracketBelow   = regexp.MustCompile(`^(-?\d+)(?:°[CF])?\s+or\s+(?:below|less|lower)`)
	bracketAbove   = regexp.MustCompile(`^(-?\d+)(?:°[CF])?\s+or\s+(?:above|more|higher)`)
)

// parseBracket reads a Polymarket bracket title. Titles come in three
// shapes: "84-85", "79 or below", "90 or above", with an optional
// degree suffix.
func parseBracket(title string) (*float64, *float64, models.RangeType, error) {
	t := strings.TrimSpace(title)
	if m := bracketBounded.FindStringSubmatch(t); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		if lo > hi {
			return nil, nil, "", fmt.Errorf("bracket %q inverted", title)
		}
		return &lo, &hi, models.RangeBounded, nil
	}
	if m := bracketBelow.FindStringSubmatch(t); m != nil {
		hi, _ := strconv.ParseFloat(m[1], 64)
		return nil, &hi, models.RangeUnboundedLower, nil
	}
	if m := bracketAbove.FindStringSubmatch(t); m != nil {
		lo, _ := strconv.ParseFloat(m[1], 64)
		return &lo, nil, models.RangeUnboundedUpper, nil
	}
	return nil, nil, "", fmt.Errorf("bracket %q unparseable", title)
}

type clobBook struct {
	Bids []clobLevel `json:"bids"`
	Asks []clobLevel `json:"asks"`
}

type clobLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func (p *polymarket) Price(ctx context.Context, rng *models.Range) error {
	if rng.TokenID == "" {
		return fmt.Errorf("polymarket price: no token for %s", rng.MarketID)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	var book clobBook
	resp, err := p.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", rng.TokenID).
		SetResult(&book).
		Get("/book")
	if err != nil {
		return fmt.Errorf("polymarket book: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("polymarket book: HTTP %d", resp.StatusCode())
	}

	rng.BidDepth = levels(book.Bids)
	rng.AskDepth = levels(book.Asks)
	if n := len(rng.BidDepth); n > 0 {
		rng.Bid = rng.BidDepth[n-1].Price
	}
	if n := len(rng.AskDepth); n > 0 {
		rng.Ask = rng.AskDepth[n-1].Price
	}
	rng.Spread = rng.Ask - rng.Bid
	return nil
}

func levels(raw []clobLevel) []models.DepthLevel {
	out := make([]models.DepthLevel, 0, len(raw))
	for _, l := range raw {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		size, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, models.DepthLevel{Price: price, Size: size})
	}
	return out
}

func (p *polymarket) ExecuteBuy(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if p.simulate {
		return &OrderResult{OrderID: "sim-" + uuid.NewString(), Simulated: true}, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"tokenID":   req.TokenID,
		"side":      "BUY",
		"size":      req.Shares,
		"price":     req.LimitPrice,
		"orderType": "GTC",
	}
	var ack struct {
		OrderID string `json:"orderID"`
		Success bool   `json:"success"`
	}
	resp, err := p.clob.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&ack).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("polymarket order: %w", err)
	}
	if resp.IsError() || !ack.Success {
		return nil, fmt.Errorf("polymarket order: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return &OrderResult{OrderID: ack.OrderID}, nil
}

func (p *polymarket) EntryFee(price float64) float64 { return 0 }

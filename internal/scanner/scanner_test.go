package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxedge/wxedge/internal/calibration"
	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/observations"
	"github.com/wxedge/wxedge/internal/units"
	"github.com/wxedge/wxedge/internal/venue"
)

type fakeAdapter struct {
	name    string
	ranges  []models.Range
	fee     float64
	orders  []venue.OrderRequest
	buyErr  error
	mktsErr error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Markets(ctx context.Context, city models.City, date string) ([]models.Range, error) {
	return f.ranges, f.mktsErr
}

func (f *fakeAdapter) Price(ctx context.Context, rng *models.Range) error { return nil }

func (f *fakeAdapter) ExecuteBuy(ctx context.Context, req venue.OrderRequest) (*venue.OrderResult, error) {
	if f.buyErr != nil {
		return nil, f.buyErr
	}
	f.orders = append(f.orders, req)
	return &venue.OrderResult{OrderID: "ord-1", Simulated: true}, nil
}

func (f *fakeAdapter) EntryFee(price float64) float64 { return f.fee }

type fakeFeed struct {
	reading *observations.Reading
	err     error
}

func (f *fakeFeed) Latest(ctx context.Context, city models.City, date, venueName string) (*observations.Reading, error) {
	return f.reading, f.err
}

type fakeOppsRepo struct {
	rows []*models.Opportunity
}

func (f *fakeOppsRepo) Insert(ctx context.Context, o *models.Opportunity) error {
	o.ID = int64(len(f.rows) + 1)
	f.rows = append(f.rows, o)
	return nil
}

func mktRange(name string, lo, hi, bid, ask float64) models.Range {
	return models.Range{
		Venue: "kalshi", MarketID: "KX-" + name, Name: name,
		Min: fp(lo), Max: fp(hi), Type: models.RangeBounded, Unit: units.Fahrenheit,
		Bid: bid, Ask: ask, Spread: ask - bid, Volume: 5000,
	}
}

func nextDayForecast() *models.ForecastResult {
	return &models.ForecastResult{
		City: "nyc", Date: "2026-08-25",
		Temp: 84.5, Unit: units.Fahrenheit, StdDevC: 0.5,
		SpreadF: 2.0, HoursToResolution: 38,
		Sources: map[string]float64{"gfs": 84, "ecmwf": 85},
	}
}

func testScanner(adapter *fakeAdapter, opps *fakeOppsRepo, trades *fakeTradesRepo) *Scanner {
	cfg := config.Default()
	cfg.Cities = []models.City{cityFixture()}
	return &Scanner{
		cfg:      cfg,
		adapters: map[string]venue.Adapter{"kalshi": adapter},
		obs:      &fakeFeed{},
		opps:     opps,
		trades:   trades,
	}
}

func TestScanVenueApprovesBestYes(t *testing.T) {
	adapter := &fakeAdapter{name: "kalshi", ranges: []models.Range{
		mktRange("82-83", 82, 83, 0.08, 0.10),
		mktRange("84-85", 84, 85, 0.20, 0.22),
		mktRange("86-87", 86, 87, 0.08, 0.10),
	}}
	opps := &fakeOppsRepo{}
	s := testScanner(adapter, opps, &fakeTradesRepo{})

	idx := NewPositionIndex()
	res := &Result{Index: idx, MarketCounts: map[string]int{}}
	localNow := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	s.scanVenue(context.Background(), calibration.Empty(), cityFixture(), "2026-08-25",
		"kalshi", nextDayForecast(), localNow, idx, res)

	require.Len(t, res.Approved, 1, "one YES survives")
	o := res.Approved[0]
	assert.Equal(t, models.SideYes, o.Side)
	assert.Equal(t, "84-85", o.Range.Name)
	assert.Equal(t, models.ReasonModel, o.EntryReason)
	assert.Greater(t, o.EdgePct, 5.0)
	assert.Greater(t, o.Kelly, 0.0)
	assert.Equal(t, o.Sources, map[string]float64{"gfs": 84, "ecmwf": 85})

	// Every candidate evaluation persisted: 3 YES and 3 NO.
	assert.Len(t, opps.rows, 6)
	assert.Equal(t, 3, res.MarketCounts["kalshi|nyc"])

	// The approval claims its slots for the rest of the cycle.
	assert.True(t, idx.SideTaken("nyc", "2026-08-25", models.SideYes, "kalshi"))
	assert.True(t, idx.RangeTaken("nyc", "2026-08-25", "84-85", "kalshi"))
}

func TestScanVenueNoDerivation(t *testing.T) {
	adapter := &fakeAdapter{name: "kalshi", ranges: []models.Range{
		mktRange("84-85", 84, 85, 0.20, 0.22),
	}}
	opps := &fakeOppsRepo{}
	s := testScanner(adapter, opps, &fakeTradesRepo{})

	idx := NewPositionIndex()
	res := &Result{Index: idx, MarketCounts: map[string]int{}}
	localNow := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s.scanVenue(context.Background(), calibration.Empty(), cityFixture(), "2026-08-25",
		"kalshi", nextDayForecast(), localNow, idx, res)

	var no *models.Opportunity
	for _, o := range opps.rows {
		if o.Side == models.SideNo {
			no = o
		}
	}
	require.NotNil(t, no)
	assert.InDelta(t, 1-0.20, no.Price, 1e-9, "NO ask is the complement of the YES bid")
	assert.InDelta(t, 1-0.22, no.Bid, 1e-9, "NO bid is the complement of the YES ask")
	assert.InDelta(t, 1.0, no.RawProb+rawYesProb(opps.rows), 1e-9)
}

func rawYesProb(rows []*models.Opportunity) float64 {
	for _, o := range rows {
		if o.Side == models.SideYes {
			return o.RawProb
		}
	}
	return 0
}

func TestScanVenueSkipsUnlistedCity(t *testing.T) {
	adapter := &fakeAdapter{name: "kalshi"}
	opps := &fakeOppsRepo{}
	s := testScanner(adapter, opps, &fakeTradesRepo{})

	city := cityFixture()
	city.VenueIDs = map[string]string{"polymarket": "highest-temperature-in-nyc"}
	idx := NewPositionIndex()
	res := &Result{Index: idx, MarketCounts: map[string]int{}}
	s.scanVenue(context.Background(), calibration.Empty(), city, "2026-08-25",
		"kalshi", nextDayForecast(), time.Now(), idx, res)
	assert.Empty(t, opps.rows)
}

func TestScanVenueExistingPositionFiltered(t *testing.T) {
	adapter := &fakeAdapter{name: "kalshi", ranges: []models.Range{
		mktRange("84-85", 84, 85, 0.20, 0.22),
	}}
	opps := &fakeOppsRepo{}
	s := testScanner(adapter, opps, &fakeTradesRepo{})

	idx := NewPositionIndex()
	idx.Add("nyc", "2026-08-25", "84-85", models.SideYes, "kalshi", fp(84))
	res := &Result{Index: idx, MarketCounts: map[string]int{}}
	localNow := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s.scanVenue(context.Background(), calibration.Empty(), cityFixture(), "2026-08-25",
		"kalshi", nextDayForecast(), localNow, idx, res)

	assert.Empty(t, res.Approved)
	for _, o := range opps.rows {
		if o.Side == models.SideYes && o.Range.Name == "84-85" {
			assert.Contains(t, o.FilterReason, ReasonExistingPosition)
		}
	}
}

func TestSortCandidatesTieBreak(t *testing.T) {
	a := &evaluation{corrected: 0.40, price: 0.20, rng: models.Range{Min: fp(86), TokenID: "b"}}
	b := &evaluation{corrected: 0.40, price: 0.20, rng: models.Range{Min: fp(84), TokenID: "a"}}
	c := &evaluation{corrected: 0.50, price: 0.20, rng: models.Range{Min: fp(88), TokenID: "c"}}

	cands := []*evaluation{a, b, c}
	sortCandidates(cands)
	assert.Same(t, c, cands[0], "highest score first")
	assert.Same(t, b, cands[1], "tie broken by lower range min")
	assert.Same(t, a, cands[2])

	// Equal mins fall back to token id.
	d := &evaluation{corrected: 0.40, price: 0.20, rng: models.Range{Min: fp(84), TokenID: "z"}}
	cands = []*evaluation{d, b}
	sortCandidates(cands)
	assert.Same(t, b, cands[0])
}

func TestKellyFraction(t *testing.T) {
	// p=0.55 at 0.30 with no fee: b=7/3, full Kelly (b*p-q)/b ~ 0.357,
	// quarter Kelly ~ 0.0893.
	k := kellyFraction(0.55, 0.30, 0, 0.25)
	assert.InDelta(t, 0.0893, k, 1e-3)

	assert.Zero(t, kellyFraction(0.20, 0.30, 0, 0.25), "negative edge floors at zero")
	assert.Zero(t, kellyFraction(0.55, 0.99, 0.02, 0.25), "no profit after fees")
	assert.Greater(t, kellyFraction(0.55, 0.30, 0, 0.25), kellyFraction(0.55, 0.30, 0.02, 0.25),
		"fees shrink the stake")
}

func TestMarketImpliedMean(t *testing.T) {
	ranges := []models.Range{
		mktRange("84-85", 84, 85, 0.28, 0.30),
		mktRange("86-87", 86, 87, 0.08, 0.12),
	}
	m := marketImpliedMean(ranges)
	require.NotNil(t, m)
	// Mid-price mass 0.29 on 84.5 and 0.10 on 86.5.
	want := (0.29*84.5 + 0.10*86.5) / 0.39
	assert.InDelta(t, want, *m, 1e-9)

	// Unbounded ranges contribute nothing.
	open := models.Range{Min: fp(88), Type: models.RangeUnboundedUpper, Unit: units.Fahrenheit, Bid: 0.90, Ask: 0.95}
	m2 := marketImpliedMean(append(ranges, open))
	assert.InDelta(t, *m, *m2, 1e-9)

	// Thin book refuses to produce a mean.
	thin := []models.Range{mktRange("84-85", 84, 85, 0.01, 0.03)}
	assert.Nil(t, marketImpliedMean(thin))
}

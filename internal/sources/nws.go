package sources

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/wxedge/wxedge/internal/units"
)

// nws is the National Weather Service forecast client. US cities only.
// The API is two-step: resolve the point to a gridpoint, then fetch the
// daily forecast for that gridpoint. Gridpoint URLs are stable per
// coordinate, so they are cached for the process lifetime.
type nws struct {
	client  *resty.Client
	limiter *rate.Limiter

	grid sync.Map // "lat,lon" -> forecast URL
}

// NewNWS creates the NWS client. api.weather.gov asks for a contact in
// the User-Agent and throttles aggressive callers, hence the limiter.
func NewNWS(baseURL string) Source {
	return &nws{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15 * time.Second).
			SetHeader("User-Agent", "wxedge/1.0 (ops@wxedge.io)").
			SetHeader("Accept", "application/geo+json"),
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
	}
}

func (n *nws) Name() string { return SourceNWS }

type nwsPoint struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type nwsForecast struct {
	Properties struct {
		Periods []struct {
			StartTime       string  `json:"startTime"`
			IsDaytime       bool    `json:"isDaytime"`
			Temperature     float64 `json:"temperature"`
			TemperatureUnit string  `json:"temperatureUnit"`
		} `json:"periods"`
	} `json:"properties"`
}

func (n *nws) FetchMultiDay(ctx context.Context, lat, lon float64, tz string, days int) ([]DayHigh, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("nws: timezone %q: %w", tz, err)
	}

	forecastURL, err := n.forecastURL(ctx, lat, lon)
	if err != nil {
		return nil, err
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var fc nwsForecast
	resp, err := n.client.R().
		SetContext(ctx).
		SetResult(&fc).
		Get(forecastURL)
	if err != nil {
		return nil, fmt.Errorf("nws forecast: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("nws forecast: HTTP %d", resp.StatusCode())
	}

	return dailyHighs(fc, loc, days)
}

// dailyHighs folds the forecast periods into per-date day highs in
// chronological order. Daytime periods carry the day-high; night-only
// leading periods (requests made after dark) simply have no entry for
// today. The first reading for a date is taken as-is so sub-zero highs
// survive.
func dailyHighs(fc nwsForecast, loc *time.Location, days int) ([]DayHigh, error) {
	highs := map[string]float64{}
	order := make([]string, 0, days)
	for _, p := range fc.Properties.Periods {
		if !p.IsDaytime {
			continue
		}
		ts, err := time.Parse(time.RFC3339, p.StartTime)
		if err != nil {
			continue
		}
		date := ts.In(loc).Format("2006-01-02")
		t := p.Temperature
		if strings.EqualFold(p.TemperatureUnit, "C") {
			t = units.CToF(t)
		}
		if math.IsNaN(t) {
			continue
		}
		if prev, seen := highs[date]; seen {
			highs[date] = math.Max(prev, t)
			continue
		}
		order = append(order, date)
		highs[date] = t
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("nws forecast: no daytime periods")
	}
	if len(order) > days {
		order = order[:days]
	}
	out := make([]DayHigh, 0, len(order))
	for _, date := range order {
		out = append(out, DayHigh{Date: date, HighF: highs[date]})
	}
	return out, nil
}

func (n *nws) forecastURL(ctx context.Context, lat, lon float64) (string, error) {
	key := fmt.Sprintf("%.4f,%.4f", lat, lon)
	if v, ok := n.grid.Load(key); ok {
		return v.(string), nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var pt nwsPoint
	resp, err := n.client.R().
		SetContext(ctx).
		SetResult(&pt).
		Get(fmt.Sprintf("/points/%s", key))
	if err != nil {
		return "", fmt.Errorf("nws points: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("nws points: HTTP %d", resp.StatusCode())
	}
	if pt.Properties.Forecast == "" {
		return "", fmt.Errorf("nws points: no forecast URL for %s", key)
	}
	n.grid.Store(key, pt.Properties.Forecast)
	return pt.Properties.Forecast, nil
}

package sources

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// tomorrowIO is the commercial Tomorrow.io forecast client. Keyed and
// rate-capped, so it is only constructed when an API key is configured.
type tomorrowIO struct {
	client  *resty.Client
	limiter *rate.Limiter
	apiKey  string
}

// NewTomorrowIO creates the Tomorrow.io client.
func NewTomorrowIO(baseURL, apiKey string) Source {
	return &tomorrowIO{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15 * time.Second).
			SetHeader("Accept", "application/json"),
		// Free tier allows 3 req/s; stay under it.
		limiter: rate.NewLimiter(rate.Limit(2), 1),
		apiKey:  apiKey,
	}
}

func (t *tomorrowIO) Name() string { return SourceTomorrow }

type tomorrowForecast struct {
	Timelines struct {
		Daily []struct {
			Time   string `json:"time"`
			Values struct {
				TemperatureMax float64 `json:"temperatureMax"`
			} `json:"values"`
		} `json:"daily"`
	} `json:"timelines"`
}

func (t *tomorrowIO) FetchMultiDay(ctx context.Context, lat, lon float64, tz string, days int) ([]DayHigh, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var body tomorrowForecast
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"location": strconv.FormatFloat(lat, 'f', 4, 64) + "," + strconv.FormatFloat(lon, 'f', 4, 64),
			"timesteps": "1d",
			"units":     "imperial",
			"timezone":  tz,
			"apikey":    t.apiKey,
		}).
		SetResult(&body).
		Get("/v4/weather/forecast")
	if err != nil {
		return nil, fmt.Errorf("tomorrowio: %w", err)
	}
	if resp.StatusCode() == 429 {
		return nil, fmt.Errorf("tomorrowio: rate limited")
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tomorrowio: HTTP %d", resp.StatusCode())
	}

	out := make([]DayHigh, 0, days)
	for _, d := range body.Timelines.Daily {
		if len(out) >= days {
			break
		}
		ts, err := time.Parse(time.RFC3339, d.Time)
		if err != nil {
			continue
		}
		high := d.Values.TemperatureMax
		if math.IsNaN(high) || math.IsInf(high, 0) {
			continue
		}
		out = append(out, DayHigh{Date: ts.Format("2006-01-02"), HighF: high})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("tomorrowio: empty forecast")
	}
	return out, nil
}

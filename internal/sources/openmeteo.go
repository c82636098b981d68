package sources

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/wxedge/wxedge/internal/units"
)

// openMeteo serves one NWP model through the Open-Meteo forecast API.
// The same client backs the two global models and the three shadows;
// only the model parameter differs.
type openMeteo struct {
	name   string
	model  string
	client *resty.Client
}

// NewOpenMeteo creates a client for one Open-Meteo model.
func NewOpenMeteo(baseURL, name, model string) Source {
	return &openMeteo{
		name:  name,
		model: model,
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15 * time.Second).
			SetHeader("User-Agent", "wxedge/1.0"),
	}
}

type openMeteoDaily struct {
	Daily struct {
		Time             []string  `json:"time"`
		Temperature2mMax []float64 `json:"temperature_2m_max"`
	} `json:"daily"`
}

func (o *openMeteo) Name() string { return o.name }

func (o *openMeteo) FetchMultiDay(ctx context.Context, lat, lon float64, tz string, days int) ([]DayHigh, error) {
	var body openMeteoDaily
	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"latitude":         strconv.FormatFloat(lat, 'f', 4, 64),
			"longitude":        strconv.FormatFloat(lon, 'f', 4, 64),
			"daily":            "temperature_2m_max",
			"temperature_unit": "fahrenheit",
			"timezone":         tz,
			"forecast_days":    strconv.Itoa(days),
			"models":           o.model,
		}).
		SetResult(&body).
		Get("/v1/forecast")
	if err != nil {
		return nil, fmt.Errorf("open-meteo %s: %w", o.model, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("open-meteo %s: HTTP %d", o.model, resp.StatusCode())
	}
	if len(body.Daily.Time) != len(body.Daily.Temperature2mMax) {
		return nil, fmt.Errorf("open-meteo %s: ragged daily arrays", o.model)
	}

	out := make([]DayHigh, 0, len(body.Daily.Time))
	for i, date := range body.Daily.Time {
		high := body.Daily.Temperature2mMax[i]
		if math.IsNaN(high) || math.IsInf(high, 0) {
			continue
		}
		out = append(out, DayHigh{Date: date, HighF: high})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("open-meteo %s: empty forecast", o.model)
	}
	return out, nil
}

// openMeteoSpread reads the GEFS ensemble members and reports the
// per-day member spread (max-min of member day-highs).
type openMeteoSpread struct {
	client *resty.Client
}

// NewOpenMeteoSpread creates the ensemble-spread client.
func NewOpenMeteoSpread(baseURL string) SpreadSource {
	return &openMeteoSpread{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15 * time.Second).
			SetHeader("User-Agent", "wxedge/1.0"),
	}
}

func (o *openMeteoSpread) FetchSpread(ctx context.Context, lat, lon float64, tz string, days int) (map[string]float64, error) {
	// Member series count and naming vary by run, so the daily block is
	// decoded generically.
	var raw map[string]interface{}
	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"latitude":         strconv.FormatFloat(lat, 'f', 4, 64),
			"longitude":        strconv.FormatFloat(lon, 'f', 4, 64),
			"daily":            "temperature_2m_max",
			"temperature_unit": "celsius",
			"timezone":         tz,
			"forecast_days":    strconv.Itoa(days),
			"models":           "gfs_seamless",
		}).
		SetResult(&raw).
		Get("/v1/ensemble")
	if err != nil {
		return nil, fmt.Errorf("gefs spread: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gefs spread: HTTP %d", resp.StatusCode())
	}

	daily, ok := raw["daily"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("gefs spread: missing daily block")
	}
	dates, ok := toStrings(daily["time"])
	if !ok {
		return nil, fmt.Errorf("gefs spread: missing time axis")
	}

	// Member series arrive as temperature_2m_max_member01..NN.
	spreads := make(map[string]float64, len(dates))
	mins := make([]float64, len(dates))
	maxs := make([]float64, len(dates))
	for i := range dates {
		mins[i] = math.Inf(1)
		maxs[i] = math.Inf(-1)
	}
	members := 0
	for key, v := range daily {
		if key == "time" {
			continue
		}
		series, ok := toFloats(v)
		if !ok || len(series) != len(dates) {
			continue
		}
		members++
		for i, t := range series {
			if math.IsNaN(t) {
				continue
			}
			mins[i] = math.Min(mins[i], t)
			maxs[i] = math.Max(maxs[i], t)
		}
	}
	if members < 2 {
		return nil, fmt.Errorf("gefs spread: %d member series", members)
	}
	for i, date := range dates {
		if math.IsInf(mins[i], 1) || math.IsInf(maxs[i], -1) {
			continue
		}
		spreads[date] = units.DeltaCToF(maxs[i] - mins[i])
	}
	return spreads, nil
}

func toStrings(v interface{}) ([]string, bool) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func toFloats(v interface{}) ([]float64, bool) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(arr))
	for _, e := range arr {
		switch n := e.(type) {
		case float64:
			out = append(out, n)
		case nil:
			out = append(out, math.NaN())
		default:
			return nil, false
		}
	}
	return out, true
}

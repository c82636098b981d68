// Package observations exposes the live METAR reading feed the scanner
// and the guaranteed-win detector consult. Readings are written by an
// external ingestor; this package only reads.
package observations

import (
	"context"

	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/persistence"
	"github.com/wxedge/wxedge/internal/units"
)

// Reading is one station's running day-high for a (city, date), in
// both units, with the secondary Weather Underground confirmation when
// present.
type Reading struct {
	Station      string
	RunningHighC float64
	RunningHighF float64
	WUHighC      *float64
	WUHighF      *float64
	Count        int
}

// RunningHigh returns the running high in the requested unit.
func (r *Reading) RunningHigh(u units.Unit) float64 {
	if u == units.Celsius {
		return r.RunningHighC
	}
	return r.RunningHighF
}

// WUHigh returns the secondary-feed high in the requested unit, nil
// when the feed has no reading.
func (r *Reading) WUHigh(u units.Unit) *float64 {
	if u == units.Celsius {
		return r.WUHighC
	}
	return r.WUHighF
}

// DualConfirmed reports whether both feeds carry a reading.
func (r *Reading) DualConfirmed() bool {
	return r.WUHighC != nil || r.WUHighF != nil
}

// Feed resolves the latest reading for a city on a venue. Dual-station
// cities resolve against the venue's own station.
type Feed interface {
	Latest(ctx context.Context, city models.City, date, venue string) (*Reading, error)
}

type repoFeed struct {
	repo persistence.ObservationsRepo
}

// NewFeed wraps the observation repository.
func NewFeed(repo persistence.ObservationsRepo) Feed {
	return &repoFeed{repo: repo}
}

func (f *repoFeed) Latest(ctx context.Context, city models.City, date, venue string) (*Reading, error) {
	station := city.Stations[venue]
	obs, err := f.repo.Latest(ctx, city.Key, date, station)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		return nil, nil
	}
	return &Reading{
		Station:      obs.StationID,
		RunningHighC: obs.RunningHighC,
		RunningHighF: obs.RunningHighF,
		WUHighC:      obs.WUHighC,
		WUHighF:      obs.WUHighF,
		Count:        obs.Count,
	}, nil
}

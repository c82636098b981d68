// Package sources holds the weather source clients the ensemble fans
// out to. Every client returns day-high temperatures in °F, the
// canonical unit of ensemble arithmetic, and is wrapped in a circuit
// breaker so a flapping upstream drops out of the cycle instead of
// burning the 15s deadline every scan.
package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Source names. The three shadow NWPs are recorded for calibration but
// never enter the live average.
const (
	SourceGFS      = "gfs"
	SourceECMWF    = "ecmwf"
	SourceTomorrow = "tomorrowio"
	SourceNWS      = "nws"
	SourceICON     = "icon"
	SourceGEM      = "gem"
	SourceARPEGE   = "arpege"
	SourceSpread   = "gefs_spread"
)

// IsShadow reports whether a source is calibration-only.
func IsShadow(name string) bool {
	switch name {
	case SourceICON, SourceGEM, SourceARPEGE:
		return true
	}
	return false
}

// DayHigh is one forecast day-high in °F.
type DayHigh struct {
	Date  string // YYYY-MM-DD, local to the requested timezone
	HighF float64
}

// Source fetches multi-day day-high forecasts for a coordinate.
type Source interface {
	Name() string
	FetchMultiDay(ctx context.Context, lat, lon float64, tz string, days int) ([]DayHigh, error)
}

// SpreadSource reports the per-day spread across ensemble members of a
// global ensemble run, in °F. Read-only variance signal.
type SpreadSource interface {
	FetchSpread(ctx context.Context, lat, lon float64, tz string, days int) (map[string]float64, error)
}

// breakerSource wraps a Source in a gobreaker so repeated upstream
// failures short-circuit for a cooldown window.
type breakerSource struct {
	inner Source
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps src with the standard breaker settings.
func WithBreaker(src Source) Source {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "source:" + src.Name(),
		Timeout: 2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &breakerSource{inner: src, cb: cb}
}

func (b *breakerSource) Name() string { return b.inner.Name() }

func (b *breakerSource) FetchMultiDay(ctx context.Context, lat, lon float64, tz string, days int) ([]DayHigh, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.FetchMultiDay(ctx, lat, lon, tz, days)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.inner.Name(), err)
	}
	return out.([]DayHigh), nil
}

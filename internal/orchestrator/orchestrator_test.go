package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/units"
	"github.com/wxedge/wxedge/internal/venue"
)

type warnRecorder struct {
	warns []string
}

func (w *warnRecorder) TradeEntry(*models.Trade) {}
func (w *warnRecorder) Warn(title, body string)  { w.warns = append(w.warns, title+": "+body) }
func (w *warnRecorder) SendNow(context.Context, string, string) error {
	return nil
}

func staleFixture(notifier *warnRecorder) *Orchestrator {
	cfg := config.Default()
	cfg.Scheduler.StaleCycles = 3
	cfg.Cities = []models.City{{
		Key: "nyc", Timezone: "America/New_York", MarketUnit: units.Fahrenheit,
		VenueIDs: map[string]string{"kalshi": "KXHIGHNY"},
	}}
	return &Orchestrator{
		cfg:          cfg,
		adapters:     map[string]venue.Adapter{"kalshi": nil},
		notifier:     notifier,
		staleCounts:  map[string]int{},
		staleAlerted: map[string]bool{},
	}
}

func TestTrackStalePlatformsAlertsOnce(t *testing.T) {
	rec := &warnRecorder{}
	o := staleFixture(rec)

	empty := map[string]int{}
	o.trackStalePlatforms(empty)
	o.trackStalePlatforms(empty)
	assert.Empty(t, rec.warns, "under the threshold")

	o.trackStalePlatforms(empty)
	require.Len(t, rec.warns, 1)
	assert.Contains(t, rec.warns[0], "kalshi")
	assert.Contains(t, rec.warns[0], "nyc")

	// Further stale cycles stay silent until the platform recovers.
	o.trackStalePlatforms(empty)
	assert.Len(t, rec.warns, 1)
}

func TestTrackStalePlatformsReArms(t *testing.T) {
	rec := &warnRecorder{}
	o := staleFixture(rec)

	empty := map[string]int{}
	for i := 0; i < 3; i++ {
		o.trackStalePlatforms(empty)
	}
	require.Len(t, rec.warns, 1)

	// Markets back: the counter resets and the alert re-arms.
	o.trackStalePlatforms(map[string]int{"kalshi|nyc": 5})
	assert.Zero(t, o.staleCounts["kalshi|nyc"])

	for i := 0; i < 3; i++ {
		o.trackStalePlatforms(empty)
	}
	assert.Len(t, rec.warns, 2)
}

func TestTrackStalePlatformsSkipsUnlistedVenue(t *testing.T) {
	rec := &warnRecorder{}
	o := staleFixture(rec)
	o.cfg.Cities[0].VenueIDs = map[string]string{"polymarket": "highest-temperature-in-nyc"}

	for i := 0; i < 5; i++ {
		o.trackStalePlatforms(map[string]int{})
	}
	assert.Empty(t, rec.warns, "city not listed on the venue")
}

func TestKVFields(t *testing.T) {
	fields := kvFields([]interface{}{"now", "later", "entries", 3})
	assert.Equal(t, map[string]interface{}{"now": "later", "entries": 3}, fields)

	// Odd trailing values drop; non-string keys stringify.
	fields = kvFields([]interface{}{42, "answer", "dangling"})
	assert.Equal(t, map[string]interface{}{"42": "answer"}, fields)
}

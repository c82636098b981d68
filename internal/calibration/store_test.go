package calibration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/persistence"
)

type fakeCalRepo struct {
	rows     []persistence.AccuracyRow
	outcomes []persistence.OutcomeRow
	rowsErr  error
	outErr   error
	calls    int
}

func (f *fakeCalRepo) ForecastAccuracy(ctx context.Context, windowDays int) ([]persistence.AccuracyRow, error) {
	f.calls++
	return f.rows, f.rowsErr
}

func (f *fakeCalRepo) ResolvedOpportunities(ctx context.Context, windowDays int) ([]persistence.OutcomeRow, error) {
	return f.outcomes, f.outErr
}

func TestStoreStartsEmpty(t *testing.T) {
	s := NewStore(&fakeCalRepo{}, config.Default())
	snap := s.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.BuiltAt.IsZero())
	assert.True(t, s.Stale())
	assert.Zero(t, s.Age())
}

func TestStoreRefreshPublishes(t *testing.T) {
	repo := &fakeCalRepo{rows: alternating("nyc", "gfs", 4, 1.0)}
	s := NewStore(repo, config.Default())

	require.NoError(t, s.Refresh(context.Background()))
	snap := s.Snapshot()
	assert.False(t, snap.BuiltAt.IsZero())
	assert.False(t, s.Stale())
	assert.Contains(t, snap.CityMAE, "nyc|gfs")
}

func TestStoreRetainsPriorOnFailure(t *testing.T) {
	repo := &fakeCalRepo{rows: alternating("nyc", "gfs", 4, 1.0)}
	s := NewStore(repo, config.Default())
	require.NoError(t, s.Refresh(context.Background()))
	prior := s.Snapshot()

	repo.rowsErr = errors.New("db down")
	assert.Error(t, s.Refresh(context.Background()))
	assert.Same(t, prior, s.Snapshot(), "failed refresh never swaps the pointer")
}

func TestStoreDegradesWithoutOutcomes(t *testing.T) {
	repo := &fakeCalRepo{
		rows:   alternating("nyc", "gfs", 4, 1.0),
		outErr: errors.New("outcomes table missing"),
	}
	s := NewStore(repo, config.Default())
	require.NoError(t, s.Refresh(context.Background()))
	assert.Empty(t, s.Snapshot().MarketCalibration)
	assert.Contains(t, s.Snapshot().CityMAE, "nyc|gfs")
}

func TestRefreshIfStaleSkipsFreshSnapshot(t *testing.T) {
	repo := &fakeCalRepo{rows: alternating("nyc", "gfs", 4, 1.0)}
	s := NewStore(repo, config.Default())

	first := s.RefreshIfStale(context.Background())
	assert.Equal(t, 1, repo.calls)
	second := s.RefreshIfStale(context.Background())
	assert.Equal(t, 1, repo.calls, "fresh snapshot is served without a rebuild")
	assert.Same(t, first, second)
}

func TestRefreshIfStaleReturnsPriorWhileLocked(t *testing.T) {
	repo := &fakeCalRepo{}
	s := NewStore(repo, config.Default())

	// Hold the refresh lock as a concurrent refresher would.
	s.refreshMu.Lock()
	snap := s.RefreshIfStale(context.Background())
	s.refreshMu.Unlock()

	assert.True(t, snap.BuiltAt.IsZero(), "blocked caller gets the published snapshot")
	assert.Zero(t, repo.calls)
}

func TestStoreTTL(t *testing.T) {
	cfg := config.Default()
	cfg.Calibration.RefreshTTLHours = 6
	s := NewStore(&fakeCalRepo{}, cfg)
	assert.Equal(t, 6*time.Hour, s.TTL())
}

func TestMarketAndModelKeys(t *testing.T) {
	assert.Equal(t, "kalshi|bounded|near|10-15c", MarketKey("kalshi", models.RangeBounded, models.LeadNear, "10-15c", ""))
	assert.Equal(t, "kalshi|bounded|near|10-15c|nyc", MarketKey("kalshi", models.RangeBounded, models.LeadNear, "10-15c", "nyc"))
	assert.Equal(t, "bounded|60-65", ModelKey("", models.RangeBounded, "60-65"))
	assert.Equal(t, "nyc|bounded|60-65", ModelKey("nyc", models.RangeBounded, "60-65"))
}

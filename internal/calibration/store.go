package calibration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/persistence"
)

// Store owns the calibration snapshot lifecycle: build on first
// request, refresh on TTL expiry, atomic pointer swap on success, prior
// snapshot retained on failure. Readers never block on a refresh; they
// get whichever snapshot is currently published.
type Store struct {
	repo persistence.CalibrationRepo
	cfg  *config.Config

	current   atomic.Pointer[Snapshot]
	refreshMu sync.Mutex

	warnedEmpty atomic.Bool
}

// NewStore creates the store with an empty snapshot published, so
// callers before the first refresh degrade to fallbacks rather than
// nil-check.
func NewStore(repo persistence.CalibrationRepo, cfg *config.Config) *Store {
	s := &Store{repo: repo, cfg: cfg}
	s.current.Store(Empty())
	return s
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// TTL is the refresh period.
func (s *Store) TTL() time.Duration {
	return time.Duration(s.cfg.Calibration.RefreshTTLHours) * time.Hour
}

// Stale reports whether the published snapshot has outlived the TTL
// (or was never built).
func (s *Store) Stale() bool {
	snap := s.current.Load()
	return snap.BuiltAt.IsZero() || time.Since(snap.BuiltAt) > s.TTL()
}

// Age returns the published snapshot's age; zero when never built.
func (s *Store) Age() time.Duration {
	snap := s.current.Load()
	if snap.BuiltAt.IsZero() {
		return 0
	}
	return time.Since(snap.BuiltAt)
}

// RefreshIfStale refreshes when the TTL has expired. Single-flight:
// while one refresh runs, concurrent callers return the previous
// snapshot immediately instead of queueing.
func (s *Store) RefreshIfStale(ctx context.Context) *Snapshot {
	if !s.Stale() {
		return s.current.Load()
	}
	if !s.refreshMu.TryLock() {
		return s.current.Load()
	}
	defer s.refreshMu.Unlock()
	if !s.Stale() {
		return s.current.Load()
	}
	if err := s.refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("calibration refresh failed, retaining prior snapshot")
	}
	return s.current.Load()
}

// Refresh forces a rebuild regardless of TTL, serialized against
// concurrent refreshes.
func (s *Store) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refresh(ctx)
}

func (s *Store) refresh(ctx context.Context) error {
	window := s.cfg.Forecasts.CalibrationWindowDays

	rows, err := s.repo.ForecastAccuracy(ctx, window)
	if err != nil {
		return err
	}
	outcomes, err := s.repo.ResolvedOpportunities(ctx, window)
	if err != nil {
		// Accuracy tables are still usable; the market/model tables
		// stay empty and the scanner loses only the bucket gates.
		log.Warn().Err(err).Msg("resolved opportunities unavailable, market calibration empty")
		outcomes = nil
	}

	snap := build(rows, outcomes, s.cfg)
	s.current.Store(snap)

	if len(rows) == 0 && !s.warnedEmpty.Swap(true) {
		log.Warn().Msg("calibration history empty, running on tier fallbacks")
	}

	log.Info().
		Int("accuracy_rows", len(rows)).
		Int("outcome_rows", len(outcomes)).
		Int("cities", len(snap.CityActiveSources)).
		Int("market_buckets", len(snap.MarketCalibration)).
		Int("model_buckets", len(snap.ModelCalibration)).
		Msg("calibration snapshot rebuilt")
	return nil
}

// Package orchestrator drives the three periodic loops: the model scan,
// the market snapshot + position monitor, and the guaranteed-win fast
// poll. Each loop is non-reentrant; a tick that fires while the prior
// run is still going is skipped.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/wxedge/wxedge/internal/alerts"
	"github.com/wxedge/wxedge/internal/calibration"
	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/executor"
	"github.com/wxedge/wxedge/internal/forecast"
	"github.com/wxedge/wxedge/internal/metrics"
	"github.com/wxedge/wxedge/internal/models"
	"github.com/wxedge/wxedge/internal/persistence"
	"github.com/wxedge/wxedge/internal/scanner"
	"github.com/wxedge/wxedge/internal/venue"
)

// taskDeadline bounds one loop invocation; an overrunning scan is
// cancelled at its next suspension point.
const taskDeadline = 4 * time.Minute

// Orchestrator owns the cron schedule and the cross-cycle state
// (stale-platform counters).
type Orchestrator struct {
	cfg      *config.Config
	cron     *cron.Cron
	scan     *scanner.Scanner
	exec     *executor.Executor
	cal      *calibration.Store
	engine   *forecast.Engine
	snaps    persistence.SnapshotsRepo
	trades   persistence.TradesRepo
	adapters map[string]venue.Adapter
	notifier alerts.Notifier

	mu           sync.Mutex
	staleCounts  map[string]int
	staleAlerted map[string]bool
}

// New wires the orchestrator.
func New(cfg *config.Config, scan *scanner.Scanner, exec *executor.Executor, cal *calibration.Store, engine *forecast.Engine, snaps persistence.SnapshotsRepo, trades persistence.TradesRepo, adapters map[string]venue.Adapter, notifier alerts.Notifier) *Orchestrator {
	logger := cronLogger{}
	return &Orchestrator{
		cfg: cfg,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
		),
		scan:         scan,
		exec:         exec,
		cal:          cal,
		engine:       engine,
		snaps:        snaps,
		trades:       trades,
		adapters:     adapters,
		notifier:     notifier,
		staleCounts:  map[string]int{},
		staleAlerted: map[string]bool{},
	}
}

// Start registers the loops and begins ticking.
func (o *Orchestrator) Start() error {
	sched := o.cfg.Scheduler
	if _, err := o.cron.AddFunc(sched.ScanSpec, o.scanCycle); err != nil {
		return fmt.Errorf("scan schedule: %w", err)
	}
	if _, err := o.cron.AddFunc(sched.SnapshotSpec, o.snapshotCycle); err != nil {
		return fmt.Errorf("snapshot schedule: %w", err)
	}
	fastSpec := fmt.Sprintf("@every %ds", sched.FastPollSeconds)
	if _, err := o.cron.AddFunc(fastSpec, o.fastPoll); err != nil {
		return fmt.Errorf("fast poll schedule: %w", err)
	}
	o.cron.Start()
	log.Info().Str("scan", sched.ScanSpec).Str("snapshot", sched.SnapshotSpec).
		Int("fast_poll_s", sched.FastPollSeconds).Msg("orchestrator started")
	return nil
}

// Stop halts the schedule and waits for running jobs.
func (o *Orchestrator) Stop() {
	<-o.cron.Stop().Done()
}

// RunScanOnce executes a single scan cycle synchronously, for the CLI.
func (o *Orchestrator) RunScanOnce(ctx context.Context) error {
	return o.runScan(ctx, time.Now())
}

func (o *Orchestrator) scanCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), taskDeadline)
	defer cancel()
	if err := o.runScan(ctx, time.Now()); err != nil {
		log.Error().Err(err).Msg("scan cycle failed")
	}
}

func (o *Orchestrator) runScan(ctx context.Context, now time.Time) error {
	started := time.Now()

	res, err := o.scan.Scan(ctx, now)
	if err != nil {
		return err
	}
	trades := o.exec.Execute(ctx, res.Approved)
	o.trackStalePlatforms(res.MarketCounts)

	metrics.ScanCycles.Inc()
	metrics.ScanDuration.Observe(time.Since(started).Seconds())
	metrics.CalibrationAge.Set(o.cal.Age().Seconds())

	log.Info().Int("approved", len(res.Approved)).Int("entered", len(trades)).
		Dur("elapsed", time.Since(started)).Msg("scan cycle complete")
	return nil
}

// snapshotCycle captures market state for analytics and refreshes the
// monitor fields on open positions.
func (o *Orchestrator) snapshotCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), taskDeadline)
	defer cancel()
	now := time.Now()
	o.captureSnapshots(ctx, now)
	o.monitorOpenTrades(ctx, now)
}

func (o *Orchestrator) captureSnapshots(ctx context.Context, now time.Time) {
	for _, city := range o.cfg.Cities {
		loc, err := city.Location()
		if err != nil {
			continue
		}
		for day := 0; day < 2; day++ {
			date := now.In(loc).AddDate(0, 0, day).Format("2006-01-02")
			for name, adapter := range o.adapters {
				if _, listed := city.VenueIDs[name]; !listed {
					continue
				}
				ranges, err := adapter.Markets(ctx, city, date)
				if err != nil {
					continue
				}
				for _, rng := range ranges {
					snap := persistence.Snapshot{TakenAt: now, City: city.Key, Date: date, Venue: name, Range: rng}
					if err := o.snaps.Insert(ctx, snap); err != nil {
						log.Warn().Err(err).Str("city", city.Key).Msg("snapshot write failed")
					}
				}
			}
		}
	}
}

// monitorOpenTrades re-reads the book for each open position, tracks
// the since-entry extrema and appends to the bounded evaluator log.
func (o *Orchestrator) monitorOpenTrades(ctx context.Context, now time.Time) {
	open, err := o.trades.ListByStatus(ctx, models.TradeOpen)
	if err != nil {
		log.Warn().Err(err).Msg("open trade load failed")
		return
	}
	metrics.OpenTrades.Set(float64(len(open)))
	snap := o.cal.Snapshot()

	for i := range open {
		t := &open[i]
		adapter, ok := o.adapters[t.Venue]
		if !ok {
			continue
		}
		city, ok := o.cfg.City(t.City)
		if !ok {
			continue
		}
		rng := models.Range{
			Venue:    t.Venue,
			MarketID: t.MarketID,
			TokenID:  t.TokenID,
			Name:     t.RangeName,
			Min:      t.RangeMin,
			Max:      t.RangeMax,
			Type:     t.RangeType,
			Unit:     city.MarketUnit,
		}
		if err := adapter.Price(ctx, &rng); err != nil {
			log.Warn().Err(err).Str("trade", t.ID).Msg("monitor price refresh failed")
			continue
		}

		// Value the held side at what it would fetch now.
		price := rng.Bid
		if t.Side == models.SideNo {
			price = 1 - rng.Ask
		}

		prob := t.EntryProbability
		if fc, err := o.engine.Forecast(ctx, city, t.Date, now); err == nil {
			sideRng := rng
			if p, err := forecast.RangeProbability(snap, city.Key, fc.TempForVenue(city, t.Venue), fc.StdDevC, sideRng); err == nil {
				prob = p
				if t.Side == models.SideNo {
					prob = 1 - p
				}
			}
		}

		t.ObserveMarket(price, prob)
		t.AppendEvaluatorLog(models.EvaluatorEntry{
			At:          now,
			Price:       price,
			Probability: prob,
			Note:        "monitor",
		})
		if err := o.trades.UpdateMonitor(ctx, t); err != nil {
			log.Warn().Err(err).Str("trade", t.ID).Msg("monitor update failed")
		}
	}
}

// fastPoll runs the guaranteed-win pass against the latest station
// observations.
func (o *Orchestrator) fastPoll() {
	if !o.cfg.Guaranteed.Enabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(o.cfg.Scheduler.FastPollSeconds)*time.Second)
	defer cancel()

	idx, err := scanner.LoadPositionIndex(ctx, o.trades)
	if err != nil {
		log.Warn().Err(err).Msg("fast poll prepass failed")
		return
	}
	detected := o.scan.ScanGuaranteedWins(ctx, time.Now(), idx)
	if len(detected) == 0 {
		return
	}
	o.exec.ExecuteGuaranteedWins(ctx, detected)
}

// trackStalePlatforms counts consecutive zero-market cycles per
// (venue, city) pair and alerts exactly once when the threshold is
// crossed, re-arming on recovery.
func (o *Orchestrator) trackStalePlatforms(counts map[string]int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	threshold := o.cfg.Scheduler.StaleCycles

	for _, city := range o.cfg.Cities {
		for name := range o.adapters {
			if _, listed := city.VenueIDs[name]; !listed {
				continue
			}
			key := name + "|" + city.Key
			if counts[key] > 0 {
				o.staleCounts[key] = 0
				o.staleAlerted[key] = false
				metrics.StaleCycles.WithLabelValues(name).Set(0)
				continue
			}
			o.staleCounts[key]++
			metrics.StaleCycles.WithLabelValues(name).Set(float64(o.staleCounts[key]))
			if o.staleCounts[key] >= threshold && !o.staleAlerted[key] {
				o.staleAlerted[key] = true
				o.notifier.Warn("Stale platform",
					fmt.Sprintf("%s returned no markets for %s for %d consecutive cycles", name, city.Key, o.staleCounts[key]))
			}
		}
	}
}

// cronLogger adapts zerolog to the cron logging interface.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	log.Debug().Fields(kvFields(kv)).Msg(msg)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	log.Error().Err(err).Fields(kvFields(kv)).Msg(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields[key] = kv[i+1]
	}
	return fields
}

var _ cron.Logger = cronLogger{}

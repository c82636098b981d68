// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScanCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wxedge_scan_cycles_total",
		Help: "Completed scan cycles.",
	})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wxedge_scan_duration_seconds",
		Help:    "Wall time of one scan cycle.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	OpportunitiesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wxedge_opportunities_evaluated_total",
		Help: "Evaluations by venue and action.",
	}, []string{"venue", "action"})

	FilterRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wxedge_filter_rejections_total",
		Help: "Filter-chain rejections by first reason.",
	}, []string{"reason"})

	TradesEntered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wxedge_trades_entered_total",
		Help: "Executed entries by venue, side and reason.",
	}, []string{"venue", "side", "reason"})

	Bankroll = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wxedge_bankroll_dollars",
		Help: "Remaining bankroll per side.",
	}, []string{"side"})

	SourceFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wxedge_source_fetch_errors_total",
		Help: "Weather source fetch failures.",
	}, []string{"source"})

	CalibrationAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wxedge_calibration_age_seconds",
		Help: "Age of the published calibration snapshot.",
	})

	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wxedge_open_trades",
		Help: "Currently open positions.",
	})

	StaleCycles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wxedge_stale_market_cycles",
		Help: "Consecutive cycles a venue returned no markets.",
	}, []string{"venue"})
)

// wxedge is the weather prediction-market trading engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wxedge/wxedge/internal/alerts"
	"github.com/wxedge/wxedge/internal/calibration"
	"github.com/wxedge/wxedge/internal/config"
	"github.com/wxedge/wxedge/internal/executor"
	"github.com/wxedge/wxedge/internal/forecast"
	"github.com/wxedge/wxedge/internal/observations"
	"github.com/wxedge/wxedge/internal/ops"
	"github.com/wxedge/wxedge/internal/orchestrator"
	"github.com/wxedge/wxedge/internal/persistence/postgres"
	"github.com/wxedge/wxedge/internal/scanner"
	"github.com/wxedge/wxedge/internal/sources"
	"github.com/wxedge/wxedge/internal/venue"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "wxedge",
		Short: "Weather prediction-market trading engine",
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(runCmd(), scanCmd(), calibCmd(), monitorCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() {
	_ = godotenv.Load()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// app is the wired engine.
type app struct {
	cfg   *config.Config
	cal   *calibration.Store
	exec  *executor.Executor
	orch  *orchestrator.Orchestrator
	ops   *ops.Server
	close func()
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	db, err := postgres.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.Database.TimeoutSeconds) * time.Second

	trades := postgres.NewTradesRepo(db, timeout)
	opps := postgres.NewOpportunitiesRepo(db, timeout)
	snaps := postgres.NewSnapshotsRepo(db, timeout)
	calRepo := postgres.NewCalibrationRepo(db, timeout)
	obsRepo := postgres.NewObservationsRepo(db, timeout)

	cal := calibration.NewStore(calRepo, cfg)
	registry := sources.NewRegistry(cfg)
	engine := forecast.NewEngine(registry, cal, cfg)
	feed := observations.NewFeed(obsRepo)
	notifier := alerts.New(cfg.Alerts)

	adapters := map[string]venue.Adapter{
		venue.Kalshi:     venue.NewKalshi(cfg.Platforms[venue.Kalshi]),
		venue.Polymarket: venue.NewPolymarket(cfg.Platforms[venue.Polymarket]),
	}

	scan := scanner.New(cfg, engine, cal, adapters, feed, opps, trades)
	exec := executor.New(cfg, trades, adapters, notifier)
	orch := orchestrator.New(cfg, scan, exec, cal, engine, snaps, trades, adapters, notifier)

	return &app{
		cfg:  cfg,
		cal:  cal,
		exec: exec,
		orch: orch,
		ops: ops.NewServer(cfg.Ops.Listen, func() interface{} {
			yes, no := exec.Bankrolls()
			return map[string]interface{}{
				"yes_bankroll":    yes,
				"no_bankroll":     no,
				"calibration_age": cal.Age().String(),
			}
		}),
		close: func() { _ = db.Close() },
	}, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the full engine: scan, snapshot and fast-poll loops",
		RunE: func(*cobra.Command, []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.exec.Init(ctx); err != nil {
				return err
			}
			a.ops.Start()
			if err := a.orch.Start(); err != nil {
				return err
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			log.Info().Msg("shutting down")

			a.orch.Stop()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return a.ops.Shutdown(shutdownCtx)
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run a single scan cycle and exit",
		RunE: func(*cobra.Command, []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := a.exec.Init(ctx); err != nil {
				return err
			}
			return a.orch.RunScanOnce(ctx)
		},
	}
}

func calibCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calib",
		Short: "Force a calibration refresh and print the summary",
		RunE: func(*cobra.Command, []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := a.cal.Refresh(ctx); err != nil {
				return err
			}
			snap := a.cal.Snapshot()
			fmt.Printf("built at      %s\n", snap.BuiltAt.Format(time.RFC3339))
			fmt.Printf("cities        %d\n", len(snap.CityActiveSources))
			fmt.Printf("source biases %d\n", len(snap.Biases))
			fmt.Printf("market bkts   %d\n", len(snap.MarketCalibration))
			fmt.Printf("model bkts    %d\n", len(snap.ModelCalibration))
			for city, weights := range snap.CitySourceWeights {
				fmt.Printf("  %s weights: %v\n", city, weights)
			}
			return nil
		},
	}
}

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Print open positions and bankrolls",
		RunE: func(*cobra.Command, []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.exec.Init(ctx); err != nil {
				return err
			}
			yes, no := a.exec.Bankrolls()
			fmt.Printf("YES bankroll $%.2f   NO bankroll $%.2f\n", yes, no)
			return nil
		},
	}
}

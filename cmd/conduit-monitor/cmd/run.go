package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/conduit-monitor/internal/child"
	"github.com/psantana5/conduit-monitor/internal/config"
	"github.com/psantana5/conduit-monitor/internal/history"
	"github.com/psantana5/conduit-monitor/internal/logging"
	"github.com/psantana5/conduit-monitor/internal/report"
	"github.com/psantana5/conduit-monitor/internal/server"
	"github.com/psantana5/conduit-monitor/internal/service"
	"github.com/psantana5/conduit-monitor/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run [flags] -- [worker flags...]",
	Short: "Supervise the worker and enforce the traffic quota",
	Long: `Run launches the worker ("<worker-binary> start ...") and keeps it running.

Every monitor interval the worker's metrics endpoint is scraped and the
traffic since the last scrape is added to the usage ledger in
<data-dir>/traffic_state.json. Once usage crosses the bandwidth threshold
the worker is relaunched with --max-clients and --bandwidth lowered to the
throttled values. At the end of the period usage resets and the worker is
relaunched with its original flags.

With --traffic-limit 0 the worker runs directly without monitoring.

Example:
  conduit-monitor run --traffic-limit 500 --traffic-period 30 -- --max-clients 200
  conduit-monitor run --traffic-limit 100 --bandwidth-threshold 70 -d /var/lib/conduit
  conduit-monitor run --traffic-limit 0 -- -v`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Passthrough = args

	flags := cmd.Flags()
	cfg.AdoptWorkerFlags(
		flags.Changed("data-dir") || cfg.DataDir != config.DefaultDataDir,
		flags.Changed("metrics-addr") || cfg.MetricsAddr != config.DefaultMetricsAddr,
	)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if !cfg.Monitored() {
		return runDirect(cfg, logger, sigChan)
	}
	return runSupervised(cfg, logger, sigChan)
}

// runDirect runs the worker without quota enforcement
func runDirect(cfg *config.Config, logger *logging.Logger, sigChan <-chan os.Signal) error {
	logger.Info("No traffic limit set, running worker without monitoring", map[string]interface{}{
		"worker": cfg.WorkerBinary,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info(fmt.Sprintf("Received signal %v, stopping worker", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	ctl := child.NewController(logger)
	status, err := ctl.RunUntil(ctx, cfg.WorkerBinary, cfg.DirectArgs(), cfg.StopTimeout)
	if err != nil {
		return err
	}
	if ctx.Err() == nil && !status.Clean() {
		return fmt.Errorf("worker exited: %s", status)
	}
	return nil
}

func runSupervised(cfg *config.Config, logger *logging.Logger, sigChan <-chan os.Signal) error {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	logger.Info("Starting conduit monitor", map[string]interface{}{
		"traffic_limit_gb":    cfg.TrafficLimitGB,
		"traffic_period_days": cfg.TrafficPeriodDays,
		"threshold_percent":   cfg.BandwidthThresholdPercent,
		"data_dir":            cfg.DataDir,
		"metrics_addr":        cfg.MetricsAddr,
	})

	metrics := report.New()
	opts := supervisor.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	}

	if cfg.History {
		store, err := history.Open(history.Path(cfg.DataDir))
		if err != nil {
			logger.Warn("History disabled", map[string]interface{}{"error": err})
		} else {
			defer store.Close()
			opts.History = store
		}
	}

	sup := supervisor.New(opts)

	if cfg.StatusAddr != "" {
		srv := server.New(cfg.StatusAddr, sup, metrics.Handler(), logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("Status server shutdown failed", map[string]interface{}{"error": err})
			}
		}()
	}

	svc := service.New(func() (service.Runner, error) { return sup, nil }, logger)
	if err := svc.Start(context.Background()); err != nil {
		return err
	}

	select {
	case sig := <-sigChan:
		logger.Info(fmt.Sprintf("Received signal %v, shutting down", sig))
		return svc.Stop()
	case <-svc.Done():
		return svc.Err()
	}
}

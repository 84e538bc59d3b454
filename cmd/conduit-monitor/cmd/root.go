package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/conduit-monitor/internal/config"
	"github.com/psantana5/conduit-monitor/internal/logging"
)

var (
	cfgFile   string
	cfgViper  = config.NewViper()
	configErr error
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "conduit-monitor",
	Short: "Bandwidth quota supervisor for the conduit relay worker",
	Long: `conduit-monitor runs the conduit relay worker as a child process, meters the
traffic it reports on its metrics endpoint against a periodic quota, and
relaunches it with reduced capacity once the quota threshold is crossed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	d := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.conduit-monitor/config.yaml)")

	// Quota
	pf.Float64("traffic-limit", d.TrafficLimitGB, "traffic quota per period in GB (0 disables monitoring)")
	pf.Int("traffic-period", d.TrafficPeriodDays, "quota period length in days")
	pf.Int("bandwidth-threshold", d.BandwidthThresholdPercent, "percent of the quota at which the worker is throttled")
	pf.Int("min-connections", d.MinConnections, "max clients while throttled")
	pf.Float64("min-bandwidth", d.MinBandwidthMbps, "bandwidth in Mbps while throttled")

	// Worker
	pf.StringP("data-dir", "d", d.DataDir, "data directory shared with the worker")
	pf.String("metrics-addr", d.MetricsAddr, "worker metrics listen address")
	pf.String("worker-binary", d.WorkerBinary, "worker executable")

	// Supervisor
	pf.String("status-addr", d.StatusAddr, "status API listen address (empty disables it)")
	pf.Bool("history", d.History, "record closed periods and events in <data-dir>/history.db")
	pf.Int("max-crash-restarts", d.MaxCrashRestarts, "give up after this many consecutive crashes (0 = never)")
	pf.Duration("monitor-interval", d.MonitorInterval, "time between usage checks")
	pf.Duration("crash-backoff", d.CrashBackoff, "wait before relaunching a crashed worker")
	pf.Duration("stop-timeout", d.StopTimeout, "grace period between SIGTERM and SIGKILL")
	pf.Duration("scrape-timeout", d.ScrapeTimeout, "timeout for one metrics scrape")

	// Logging
	pf.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	pf.String("log-format", d.LogFormat, "log format: text or json")
	pf.String("log-file", d.LogFile, "also write logs to this rotating file")

	cobra.CheckErr(config.BindFlags(cfgViper, pf))
}

// initConfig reads in the config file if one is present
func initConfig() {
	if cfgFile != "" {
		cfgViper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			cfgViper.AddConfigPath(filepath.Join(home, ".conduit-monitor"))
		}
		cfgViper.SetConfigName("config")
		cfgViper.SetConfigType("yaml")
	}

	if err := cfgViper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			configErr = &config.Error{Field: "config", Reason: err.Error()}
		}
	}
}

// loadConfig returns the merged configuration without validating it
func loadConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, configErr
	}
	return config.Load(cfgViper)
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.NewFileLogger(logging.Options{
		Level:      logging.ParseLevel(cfg.LogLevel),
		JSONFormat: cfg.LogFormat == "json",
		File:       cfg.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logger, nil
}

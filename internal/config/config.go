// Package config holds the supervisor settings, their defaults and
// validation, and the rules for building the worker's command line.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	MinTrafficLimitGB    = 100
	MinTrafficPeriodDays = 7
	MaxTrafficPeriodDays = 366

	// MaxTrafficLimitGB keeps the limit in bytes times the threshold percent within int64
	MaxTrafficLimitGB = 1 << 26
	MinThresholdPercent  = 60
	MaxThresholdPercent  = 90

	DefaultThresholdPercent = 80
	DefaultMinConnections   = 10
	DefaultMinBandwidthMbps = 10.0

	DefaultDataDir      = "./data"
	DefaultMetricsAddr  = "127.0.0.1:9090"
	DefaultWorkerBinary = "conduit"

	DefaultMonitorInterval = 10 * time.Second
	DefaultCrashBackoff    = 5 * time.Second
	DefaultStopTimeout     = 5 * time.Second
	DefaultScrapeTimeout   = 5 * time.Second

	// EnvPrefix is prepended to every environment override, e.g. CONDUIT_MONITOR_TRAFFIC_LIMIT
	EnvPrefix = "CONDUIT_MONITOR"

	bytesPerGB = 1024 * 1024 * 1024
)

// Error reports an invalid setting. It is fatal before supervision starts.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Config is the full supervisor configuration
type Config struct {
	TrafficLimitGB            float64 `mapstructure:"traffic_limit" yaml:"traffic_limit" json:"traffic_limit_gb"`
	TrafficPeriodDays         int     `mapstructure:"traffic_period" yaml:"traffic_period" json:"traffic_period_days"`
	BandwidthThresholdPercent int     `mapstructure:"bandwidth_threshold" yaml:"bandwidth_threshold" json:"bandwidth_threshold_percent"`
	MinConnections            int     `mapstructure:"min_connections" yaml:"min_connections" json:"min_connections"`
	MinBandwidthMbps          float64 `mapstructure:"min_bandwidth" yaml:"min_bandwidth" json:"min_bandwidth_mbps"`

	DataDir      string `mapstructure:"data_dir" yaml:"data_dir" json:"data_dir"`
	MetricsAddr  string `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	WorkerBinary string `mapstructure:"worker_binary" yaml:"worker_binary" json:"worker_binary"`

	StatusAddr       string `mapstructure:"status_addr" yaml:"status_addr" json:"status_addr"`
	History          bool   `mapstructure:"history" yaml:"history" json:"history"`
	MaxCrashRestarts int    `mapstructure:"max_crash_restarts" yaml:"max_crash_restarts" json:"max_crash_restarts"`

	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval" json:"monitor_interval"`
	CrashBackoff    time.Duration `mapstructure:"crash_backoff" yaml:"crash_backoff" json:"crash_backoff"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout" json:"stop_timeout"`
	ScrapeTimeout   time.Duration `mapstructure:"scrape_timeout" yaml:"scrape_timeout" json:"scrape_timeout"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" json:"log_format"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file" json:"log_file"`

	// Passthrough holds the worker flags given after "--"
	Passthrough []string `mapstructure:"-" yaml:"-" json:"passthrough,omitempty"`
}

// Default returns a configuration with every default applied and no traffic limit
func Default() *Config {
	return &Config{
		BandwidthThresholdPercent: DefaultThresholdPercent,
		MinConnections:            DefaultMinConnections,
		MinBandwidthMbps:          DefaultMinBandwidthMbps,
		DataDir:                   DefaultDataDir,
		MetricsAddr:               DefaultMetricsAddr,
		WorkerBinary:              DefaultWorkerBinary,
		MonitorInterval:           DefaultMonitorInterval,
		CrashBackoff:              DefaultCrashBackoff,
		StopTimeout:               DefaultStopTimeout,
		ScrapeTimeout:             DefaultScrapeTimeout,
		LogLevel:                  "info",
		LogFormat:                 "text",
	}
}

// Monitored reports whether a traffic limit is set. Without one the worker
// runs directly and none of the quota settings apply.
func (c *Config) Monitored() bool {
	return c.TrafficLimitGB > 0
}

// LimitBytes is the quota in bytes
func (c *Config) LimitBytes() int64 {
	return int64(c.TrafficLimitGB * bytesPerGB)
}

// ThresholdBytes is the usage at which the worker is throttled
func (c *Config) ThresholdBytes() int64 {
	return c.LimitBytes() * int64(c.BandwidthThresholdPercent) / 100
}

// PeriodLength is the quota window
func (c *Config) PeriodLength() time.Duration {
	return time.Duration(c.TrafficPeriodDays) * 24 * time.Hour
}

// Validate checks the configuration. Quota settings are only checked when a
// traffic limit is set.
func (c *Config) Validate() error {
	if c.TrafficLimitGB < 0 {
		return &Error{Field: "traffic-limit", Reason: "must not be negative"}
	}
	if c.WorkerBinary == "" {
		return &Error{Field: "worker-binary", Reason: "must not be empty"}
	}
	if c.MaxCrashRestarts < 0 {
		return &Error{Field: "max-crash-restarts", Reason: "must not be negative"}
	}

	if !c.Monitored() {
		return nil
	}

	if c.TrafficPeriodDays < MinTrafficPeriodDays {
		return &Error{Field: "traffic-period", Reason: fmt.Sprintf("must be at least %d days", MinTrafficPeriodDays)}
	}
	if c.TrafficPeriodDays > MaxTrafficPeriodDays {
		return &Error{Field: "traffic-period", Reason: fmt.Sprintf("must be at most %d days", MaxTrafficPeriodDays)}
	}
	if c.TrafficLimitGB < MinTrafficLimitGB {
		return &Error{Field: "traffic-limit", Reason: fmt.Sprintf("must be at least %d GB", MinTrafficLimitGB)}
	}
	if c.TrafficLimitGB > MaxTrafficLimitGB {
		return &Error{Field: "traffic-limit", Reason: fmt.Sprintf("must be at most %d GB", MaxTrafficLimitGB)}
	}
	if c.BandwidthThresholdPercent < MinThresholdPercent || c.BandwidthThresholdPercent > MaxThresholdPercent {
		return &Error{Field: "bandwidth-threshold", Reason: fmt.Sprintf("must be between %d-%d%%", MinThresholdPercent, MaxThresholdPercent)}
	}
	if c.MinConnections <= 0 {
		return &Error{Field: "min-connections", Reason: "must be positive"}
	}
	if c.MinBandwidthMbps <= 0 {
		return &Error{Field: "min-bandwidth", Reason: "must be positive"}
	}
	if c.DataDir == "" {
		return &Error{Field: "data-dir", Reason: "must not be empty"}
	}
	if c.MetricsAddr == "" {
		return &Error{Field: "metrics-addr", Reason: "is required for monitoring"}
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"monitor_interval", c.MonitorInterval},
		{"crash_backoff", c.CrashBackoff},
		{"stop_timeout", c.StopTimeout},
		{"scrape_timeout", c.ScrapeTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return &Error{Field: d.field, Reason: "must be positive"}
		}
	}

	return nil
}

// SetDefaults registers every default with v so config files and the
// environment can override them even when no flag is bound.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("traffic_limit", d.TrafficLimitGB)
	v.SetDefault("traffic_period", d.TrafficPeriodDays)
	v.SetDefault("bandwidth_threshold", d.BandwidthThresholdPercent)
	v.SetDefault("min_connections", d.MinConnections)
	v.SetDefault("min_bandwidth", d.MinBandwidthMbps)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("worker_binary", d.WorkerBinary)
	v.SetDefault("status_addr", d.StatusAddr)
	v.SetDefault("history", d.History)
	v.SetDefault("max_crash_restarts", d.MaxCrashRestarts)
	v.SetDefault("monitor_interval", d.MonitorInterval)
	v.SetDefault("crash_backoff", d.CrashBackoff)
	v.SetDefault("stop_timeout", d.StopTimeout)
	v.SetDefault("scrape_timeout", d.ScrapeTimeout)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
}

// BindFlags binds every known flag present in fs to its config key.
// Flag names use dashes, keys use underscores.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !isKey(key) {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

// Load decodes the merged flag, environment, and file settings from v
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &Error{Field: "config", Reason: err.Error()}
	}
	return cfg, nil
}

// NewViper returns a viper instance with defaults and environment overrides set up
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

func isKey(key string) bool {
	switch key {
	case "traffic_limit", "traffic_period", "bandwidth_threshold", "min_connections", "min_bandwidth",
		"data_dir", "metrics_addr", "worker_binary", "status_addr", "history", "max_crash_restarts",
		"monitor_interval", "crash_backoff", "stop_timeout", "scrape_timeout",
		"log_level", "log_format", "log_file":
		return true
	}
	return false
}

// ExampleConfig is a documented configuration file
const ExampleConfig = `# conduit-monitor configuration
#
# Flags override this file; CONDUIT_MONITOR_* environment variables
# override this file too (e.g. CONDUIT_MONITOR_TRAFFIC_LIMIT=500).

# Total traffic quota in GB per period. 0 disables monitoring and runs
# the worker directly.
traffic_limit: 500

# Quota period in days (7-366)
traffic_period: 30

# Throttle once this percentage of the quota is used (60-90)
bandwidth_threshold: 80

# Worker limits while throttled
min_connections: 10
min_bandwidth: 10

# Shared with the worker: state directory and metrics listen address
data_dir: ./data
metrics_addr: 127.0.0.1:9090

# Worker executable
worker_binary: conduit

# Supervisor status endpoint (/metrics, /health, /status). Empty disables it.
status_addr: ""

# Record closed periods and supervisor events in <data_dir>/history.db
history: false

# Give up after this many consecutive worker crashes (0 = never)
max_crash_restarts: 0

# Timing
monitor_interval: 10s
crash_backoff: 5s
stop_timeout: 5s
scrape_timeout: 5s

# Logging
log_level: info
log_format: text
log_file: ""
`

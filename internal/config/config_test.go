package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func monitored() *Config {
	cfg := Default()
	cfg.TrafficLimitGB = 100
	cfg.TrafficPeriodDays = 7
	return cfg
}

func TestQuotaArithmeticAtBounds(t *testing.T) {
	cfg := monitored()
	cfg.TrafficPeriodDays = MaxTrafficPeriodDays
	cfg.TrafficLimitGB = MaxTrafficLimitGB
	cfg.BandwidthThresholdPercent = MaxThresholdPercent
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Duration(MaxTrafficPeriodDays)*24*time.Hour, cfg.PeriodLength())
	assert.Positive(t, cfg.PeriodLength())
	assert.Positive(t, cfg.ThresholdBytes())
	assert.Less(t, cfg.ThresholdBytes(), cfg.LimitBytes())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		field   string
		wantErr bool
	}{
		{"defaults unmonitored", func(c *Config) { c.TrafficLimitGB = 0 }, "", false},
		{"unmonitored ignores quota settings", func(c *Config) { c.TrafficLimitGB = 0; c.TrafficPeriodDays = 1; c.BandwidthThresholdPercent = 10 }, "", false},
		{"minimum monitored", func(c *Config) {}, "", false},
		{"negative limit", func(c *Config) { c.TrafficLimitGB = -1 }, "traffic-limit", true},
		{"limit below minimum", func(c *Config) { c.TrafficLimitGB = 99 }, "traffic-limit", true},
		{"period below minimum", func(c *Config) { c.TrafficPeriodDays = 6 }, "traffic-period", true},
		{"period upper bound", func(c *Config) { c.TrafficPeriodDays = MaxTrafficPeriodDays }, "", false},
		{"period above maximum", func(c *Config) { c.TrafficPeriodDays = MaxTrafficPeriodDays + 1 }, "traffic-period", true},
		{"period that overflows a duration", func(c *Config) { c.TrafficPeriodDays = 110000 }, "traffic-period", true},
		{"limit upper bound", func(c *Config) { c.TrafficLimitGB = MaxTrafficLimitGB; c.BandwidthThresholdPercent = MaxThresholdPercent }, "", false},
		{"limit that overflows bytes", func(c *Config) { c.TrafficLimitGB = 1.1e8 }, "traffic-limit", true},
		{"threshold too low", func(c *Config) { c.BandwidthThresholdPercent = 59 }, "bandwidth-threshold", true},
		{"threshold too high", func(c *Config) { c.BandwidthThresholdPercent = 91 }, "bandwidth-threshold", true},
		{"threshold lower bound", func(c *Config) { c.BandwidthThresholdPercent = 60 }, "", false},
		{"threshold upper bound", func(c *Config) { c.BandwidthThresholdPercent = 90 }, "", false},
		{"zero connections", func(c *Config) { c.MinConnections = 0 }, "min-connections", true},
		{"zero bandwidth", func(c *Config) { c.MinBandwidthMbps = 0 }, "min-bandwidth", true},
		{"no metrics address", func(c *Config) { c.MetricsAddr = "" }, "metrics-addr", true},
		{"no worker binary", func(c *Config) { c.WorkerBinary = "" }, "worker-binary", true},
		{"negative crash cap", func(c *Config) { c.MaxCrashRestarts = -1 }, "max-crash-restarts", true},
		{"zero interval", func(c *Config) { c.MonitorInterval = 0 }, "monitor_interval", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := monitored()
			tt.mutate(cfg)

			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			var cfgErr *Error
			require.True(t, errors.As(err, &cfgErr), "expected *config.Error, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestQuotaArithmetic(t *testing.T) {
	cfg := monitored()

	assert.Equal(t, int64(100*1024*1024*1024), cfg.LimitBytes())
	assert.Equal(t, int64(80*1024*1024*1024), cfg.ThresholdBytes())
	assert.Equal(t, 7*24*time.Hour, cfg.PeriodLength())
	assert.True(t, cfg.Monitored())

	cfg.TrafficLimitGB = 0
	assert.False(t, cfg.Monitored())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("traffic_limit: 250\ntraffic_period: 14\nmin_connections: 3\nmonitor_interval: 30s\n"), 0600))

	t.Setenv("CONDUIT_MONITOR_MIN_CONNECTIONS", "4")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Float64("traffic-limit", 0, "")
	fs.Int("traffic-period", 0, "")
	fs.Int("min-connections", DefaultMinConnections, "")
	fs.String("unrelated", "", "")
	require.NoError(t, fs.Parse([]string{"--traffic-period", "21"}))

	v := NewViper()
	require.NoError(t, BindFlags(v, fs))
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 250.0, cfg.TrafficLimitGB, "file value")
	assert.Equal(t, 21, cfg.TrafficPeriodDays, "explicit flag wins")
	assert.Equal(t, 4, cfg.MinConnections, "env beats file")
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval)
	assert.Equal(t, DefaultMetricsAddr, cfg.MetricsAddr, "default")
	assert.NoError(t, cfg.Validate())
}

func TestExampleConfigIsValid(t *testing.T) {
	v := NewViper()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(ExampleConfig)))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 500.0, cfg.TrafficLimitGB)

	var raw map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(ExampleConfig), &raw))
	for key := range raw {
		assert.True(t, isKey(key), "example key %q is not a config key", key)
	}
}

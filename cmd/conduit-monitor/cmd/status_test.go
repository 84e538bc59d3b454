package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/conduit-monitor/internal/config"
	"github.com/psantana5/conduit-monitor/internal/history"
	"github.com/psantana5/conduit-monitor/internal/ledger"
)

func statusConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.TrafficLimitGB = 100
	cfg.TrafficPeriodDays = 7
	return cfg
}

func TestBuildStatusMissingLedger(t *testing.T) {
	_, err := buildStatus(context.Background(), statusConfig(t.TempDir()), 10, false)
	assert.Error(t, err)
}

func TestBuildStatus(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.Save(ledger.Ledger{PeriodStart: start, BytesUsed: 90 << 30, IsThrottled: true}, ledger.Path(dir)))

	store, err := history.Open(history.Path(dir))
	require.NoError(t, err)
	require.NoError(t, store.RecordPeriod(history.Period{
		Start:     start.AddDate(0, 0, -7),
		End:       start,
		BytesUsed: 42 << 30,
	}))
	require.NoError(t, store.Close())

	rep, err := buildStatus(context.Background(), statusConfig(dir), 10, false)
	require.NoError(t, err)

	assert.Equal(t, int64(90<<30), rep.BytesUsed)
	assert.True(t, rep.Throttled)
	assert.Equal(t, start.AddDate(0, 0, 7), rep.PeriodEnd.UTC())
	assert.Equal(t, int64(100<<30), rep.LimitBytes)
	assert.Equal(t, int64(80<<30), rep.ThresholdBytes)
	assert.Equal(t, int64(10<<30), rep.RemainingBytes)
	require.Len(t, rep.Periods, 1)
	assert.Equal(t, int64(42<<30), rep.Periods[0].BytesUsed)
	assert.Nil(t, rep.Live)
}

func TestBuildStatusProbe(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "conduit_bytes_uploaded 1000")
		fmt.Fprintln(w, "conduit_bytes_downloaded 2000")
	}))
	defer worker.Close()

	dir := t.TempDir()
	require.NoError(t, ledger.Save(ledger.New(time.Now()), ledger.Path(dir)))

	cfg := statusConfig(dir)
	cfg.MetricsAddr = strings.TrimPrefix(worker.URL, "http://")

	rep, err := buildStatus(context.Background(), cfg, 0, true)
	require.NoError(t, err)
	require.NotNil(t, rep.Live)
	assert.Equal(t, int64(3000), rep.Live.Total())
	assert.Empty(t, rep.ProbeError)

	worker.Close()
	rep, err = buildStatus(context.Background(), cfg, 0, true)
	require.NoError(t, err)
	assert.Nil(t, rep.Live)
	assert.NotEmpty(t, rep.ProbeError)
}

func TestPrintStatus(t *testing.T) {
	rep := statusReport{
		DataDir:     "/var/lib/conduit",
		PeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		BytesUsed:   1536,
		LimitBytes:  100 << 30,
		Throttled:   true,
		Periods:     []history.Period{{BytesUsed: 5 << 30}},
	}

	var table bytes.Buffer
	require.NoError(t, printStatus(&table, rep, "table"))
	assert.Contains(t, table.String(), "1.50 KB")
	assert.Contains(t, table.String(), "100.00 GB")
	assert.Contains(t, table.String(), "5.00 GB")

	var out bytes.Buffer
	require.NoError(t, printStatus(&out, rep, "json"))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, float64(1536), decoded["bytes_used"])
	assert.Equal(t, true, decoded["throttled"])

	out.Reset()
	require.NoError(t, printStatus(&out, rep, "yaml"))
	assert.Contains(t, out.String(), "bytes_used: 1536")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{5 << 20, "5.00 MB"},
		{100 << 30, "100.00 GB"},
		{3 << 40, "3.00 TB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

package report

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/conduit-monitor/internal/ledger"
)

func TestObserveLedger(t *testing.T) {
	m := New()
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	m.ObserveLedger(ledger.Ledger{PeriodStart: start, BytesUsed: 4096, IsThrottled: true})

	assert.Equal(t, 4096.0, testutil.ToFloat64(m.BytesUsed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Throttled))
	assert.Equal(t, float64(start.Unix()), testutil.ToFloat64(m.PeriodStart))

	m.ObserveLedger(ledger.Ledger{PeriodStart: start})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Throttled))
}

func TestCounters(t *testing.T) {
	m := New()

	m.WorkerStarted("normal")
	m.WorkerStarted("normal")
	m.WorkerStarted("throttled")
	m.WorkerExited("error")
	m.Restarted("throttle")
	m.ScrapeDone(nil)
	m.ScrapeDone(errors.New("connection refused"))
	m.ScrapeDone(errors.New("connection refused"))
	m.LedgerSaveFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkerStarts.WithLabelValues("normal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerStarts.WithLabelValues("throttled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerExits.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Restarts.WithLabelValues("throttle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Scrapes.WithLabelValues(ScrapeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Scrapes.WithLabelValues(ScrapeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerSaveErrors))
}

func TestQuotaAndWorkerGauges(t *testing.T) {
	m := New()

	m.SetQuota(1000, 800)
	m.ObserveWorker(2048, 12.5)

	assert.Equal(t, 1000.0, testutil.ToFloat64(m.QuotaBytes))
	assert.Equal(t, 800.0, testutil.ToFloat64(m.ThresholdBytes))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.WorkerRSS))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.WorkerCPU))
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.ObserveLedger(ledger.Ledger{BytesUsed: 77})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(text, "conduit_monitor_bytes_used 77"))
	assert.True(t, strings.Contains(text, `conduit_monitor_scrapes_total{result="error"} 0`))
	assert.True(t, strings.Contains(text, "go_goroutines"))
}

func TestMetricsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.LedgerSaveFailed()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.LedgerSaveErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.LedgerSaveErrors))
}

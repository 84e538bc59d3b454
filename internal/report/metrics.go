// Package report exposes the supervisor's own state as Prometheus metrics.
package report

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/conduit-monitor/internal/ledger"
)

const namespace = "conduit_monitor"

// Scrape results
const (
	ScrapeOK    = "ok"
	ScrapeError = "error"
)

// Metrics are counters and gauges only. Each value can be explained by
// looking at the ledger or the supervisor log.
type Metrics struct {
	registry *prometheus.Registry

	BytesUsed      prometheus.Gauge
	QuotaBytes     prometheus.Gauge
	ThresholdBytes prometheus.Gauge
	Throttled      prometheus.Gauge
	PeriodStart    prometheus.Gauge

	WorkerStarts     *prometheus.CounterVec
	WorkerExits      *prometheus.CounterVec
	Restarts         *prometheus.CounterVec
	Scrapes          *prometheus.CounterVec
	LedgerSaveErrors prometheus.Counter

	WorkerRSS prometheus.Gauge
	WorkerCPU prometheus.Gauge
}

// New creates the metrics on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bytes_used",
			Help:      "Bytes relayed in the current quota period",
		}),
		QuotaBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_bytes",
			Help:      "Traffic quota per period in bytes",
		}),
		ThresholdBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold_bytes",
			Help:      "Usage at which the worker is throttled",
		}),
		Throttled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throttled",
			Help:      "1 while the worker runs with throttled limits",
		}),
		PeriodStart: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "period_start_timestamp_seconds",
			Help:      "Unix time the current quota period started",
		}),
		WorkerStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_starts_total",
			Help:      "Worker launches by mode",
		}, []string{"mode"}),
		WorkerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Worker exits by reason",
		}, []string{"reason"}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Supervisor-initiated worker restarts by reason",
		}, []string{"reason"}),
		Scrapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrapes_total",
			Help:      "Worker metric scrapes by result",
		}, []string{"result"}),
		LedgerSaveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_save_errors_total",
			Help:      "Failed writes of the usage ledger",
		}),
		WorkerRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_rss_bytes",
			Help:      "Resident memory of the worker process",
		}),
		WorkerCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_cpu_percent",
			Help:      "CPU usage of the worker process",
		}),
	}

	m.registry.MustRegister(
		m.BytesUsed, m.QuotaBytes, m.ThresholdBytes, m.Throttled, m.PeriodStart,
		m.WorkerStarts, m.WorkerExits, m.Restarts, m.Scrapes, m.LedgerSaveErrors,
		m.WorkerRSS, m.WorkerCPU,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Pre-create the scrape series so both appear from the first exposition
	m.Scrapes.WithLabelValues(ScrapeOK)
	m.Scrapes.WithLabelValues(ScrapeError)

	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetQuota records the configured limit and throttle threshold
func (m *Metrics) SetQuota(limitBytes, thresholdBytes int64) {
	m.QuotaBytes.Set(float64(limitBytes))
	m.ThresholdBytes.Set(float64(thresholdBytes))
}

// ObserveLedger mirrors the ledger into the gauges
func (m *Metrics) ObserveLedger(l ledger.Ledger) {
	m.BytesUsed.Set(float64(l.BytesUsed))
	m.PeriodStart.Set(float64(l.PeriodStart.UnixNano()) / float64(time.Second))
	if l.IsThrottled {
		m.Throttled.Set(1)
	} else {
		m.Throttled.Set(0)
	}
}

func (m *Metrics) WorkerStarted(mode string) {
	m.WorkerStarts.WithLabelValues(mode).Inc()
}

func (m *Metrics) WorkerExited(reason string) {
	m.WorkerExits.WithLabelValues(reason).Inc()
}

func (m *Metrics) Restarted(reason string) {
	m.Restarts.WithLabelValues(reason).Inc()
}

// ScrapeDone counts one scrape attempt
func (m *Metrics) ScrapeDone(err error) {
	if err != nil {
		m.Scrapes.WithLabelValues(ScrapeError).Inc()
		return
	}
	m.Scrapes.WithLabelValues(ScrapeOK).Inc()
}

func (m *Metrics) LedgerSaveFailed() {
	m.LedgerSaveErrors.Inc()
}

// ObserveWorker records the worker's resource usage. Zero clears both gauges.
func (m *Metrics) ObserveWorker(rssBytes uint64, cpuPercent float64) {
	m.WorkerRSS.Set(float64(rssBytes))
	m.WorkerCPU.Set(cpuPercent)
}

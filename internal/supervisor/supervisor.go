// Package supervisor keeps the relay worker running, accounts its traffic
// against the period quota, and relaunches it in THROTTLED mode once the
// threshold is crossed.
//
// Three goroutines cooperate: the control loop in Run owns the worker's
// lifecycle, the monitor loop accounts usage, and the child package's
// exit waiter delivers the worker's exit exactly once. All shared state
// sits behind one mutex, which is never held across a scrape, a signal,
// or a wait. The ledger write happens under the lock so that a restart
// is only ever requested for state that is already on disk.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/conduit-monitor/internal/child"
	"github.com/psantana5/conduit-monitor/internal/config"
	"github.com/psantana5/conduit-monitor/internal/history"
	"github.com/psantana5/conduit-monitor/internal/ledger"
	"github.com/psantana5/conduit-monitor/internal/logging"
	"github.com/psantana5/conduit-monitor/internal/report"
	"github.com/psantana5/conduit-monitor/internal/scrape"
)

// Restart reasons
const (
	ReasonThrottle = "throttle"
	ReasonRollover = "rollover"
	ReasonManual   = "manual"
)

// A worker that ran this long before crashing starts a new crash streak
const crashResetAfter = time.Minute

// ErrTooManyCrashes is returned by Run when the worker keeps failing and a
// crash limit is configured
var ErrTooManyCrashes = errors.New("worker crashed too many times")

// Scraper reads the worker's cumulative counters
type Scraper interface {
	Scrape(ctx context.Context) (scrape.Sample, error)
}

// History records closed periods and supervisor events
type History interface {
	RecordPeriod(p history.Period) error
	RecordEvent(e history.Event) error
}

// Options wires a Supervisor. Only Config is required.
type Options struct {
	Config     *config.Config
	Logger     *logging.Logger
	Metrics    *report.Metrics
	History    History
	Controller *child.Controller
	Scraper    Scraper
	Now        func() time.Time
}

// Snapshot is a point-in-time copy of the supervisor's state
type Snapshot struct {
	State           State         `json:"state" yaml:"state"`
	Mode            string        `json:"mode" yaml:"mode"`
	Ledger          ledger.Ledger `json:"ledger" yaml:"ledger"`
	LimitBytes      int64         `json:"limit_bytes" yaml:"limit_bytes"`
	ThresholdBytes  int64         `json:"threshold_bytes" yaml:"threshold_bytes"`
	PeriodEnd       time.Time     `json:"period_end" yaml:"period_end"`
	PID             int           `json:"pid,omitempty" yaml:"pid,omitempty"`
	LaunchID        string        `json:"launch_id,omitempty" yaml:"launch_id,omitempty"`
	Restarts        int           `json:"restarts" yaml:"restarts"`
	Crashes         int           `json:"consecutive_crashes" yaml:"consecutive_crashes"`
	LastScrapeAt    time.Time     `json:"last_scrape_at" yaml:"last_scrape_at"`
	LastScrapeTotal int64         `json:"last_scrape_total" yaml:"last_scrape_total"`
	LastScrapeError string        `json:"last_scrape_error,omitempty" yaml:"last_scrape_error,omitempty"`
}

// Supervisor supervises one worker. Run may be called once.
type Supervisor struct {
	cfg        *config.Config
	logger     *logging.Logger
	monitorLog *logging.Logger
	metrics    *report.Metrics
	history    History
	ctl        *child.Controller
	scraper    Scraper
	now        func() time.Time
	ledgerPath string

	// capacity 1: a pending restart absorbs any further requests
	restartCh chan string

	mu              sync.Mutex
	ledger          ledger.Ledger
	lastScrapeTotal int64
	lastScrapeAt    time.Time
	lastScrapeErr   string
	state           State
	mode            Mode
	proc            *child.Process
	restarts        int
	crashes         int
}

// New creates a supervisor from opts
func New(opts Options) *Supervisor {
	cfg := opts.Config

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = report.New()
	}
	ctl := opts.Controller
	if ctl == nil {
		ctl = child.NewController(logger)
	}
	scraper := opts.Scraper
	if scraper == nil {
		scraper = scrape.New(scrape.URLForAddr(cfg.MetricsAddr), scrape.Options{Timeout: cfg.ScrapeTimeout})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	metrics.SetQuota(cfg.LimitBytes(), cfg.ThresholdBytes())

	return &Supervisor{
		cfg:        cfg,
		logger:     logger.WithField("component", "supervisor"),
		monitorLog: logger.WithField("component", "monitor"),
		metrics:    metrics,
		history:    opts.History,
		ctl:        ctl,
		scraper:    scraper,
		now:        now,
		ledgerPath: ledger.Path(cfg.DataDir),
		restartCh:  make(chan string, 1),
		state:      StateStarting,
	}
}

// Metrics returns the supervisor's metrics
func (s *Supervisor) Metrics() *report.Metrics {
	return s.metrics
}

// Run loads the ledger, starts the monitor loop, and supervises the worker
// until it exits cleanly, ctx is cancelled, or it cannot be launched.
// Cancellation is a normal stop and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.loadLedger()

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.monitorLoop(monitorCtx)
	}()
	defer func() {
		cancelMonitor()
		wg.Wait()
	}()

	return s.supervise(ctx)
}

// loadLedger restores the persisted ledger. A missing or unreadable file
// starts a fresh period. A period that ended while the supervisor was down
// is rolled over before the first launch.
func (s *Supervisor) loadLedger() {
	now := s.now()

	l, err := ledger.Load(s.ledgerPath)
	switch {
	case err == nil:
		s.logger.Info("Loaded usage ledger", map[string]interface{}{
			"period_start": l.PeriodStart.Format(time.RFC3339),
			"bytes_used":   l.BytesUsed,
			"throttled":    l.IsThrottled,
		})
	case errors.Is(err, ledger.ErrNotFound):
		s.logger.Info("No previous state found, starting fresh traffic period")
		l = ledger.New(now)
	default:
		s.logger.Warn("Failed to load state, starting fresh traffic period", map[string]interface{}{"error": err})
		l = ledger.New(now)
	}

	var closed *history.Period
	if rolled, ok := ledger.Rollover(l, now, s.cfg.PeriodLength()); ok {
		closed = &history.Period{
			Start:     l.PeriodStart,
			End:       l.PeriodEnd(s.cfg.PeriodLength()),
			BytesUsed: l.BytesUsed,
			Throttled: l.IsThrottled,
		}
		s.logger.Info("Traffic period ended while stopped, resetting usage")
		l = rolled
	}

	s.mu.Lock()
	s.ledger = l
	s.persistLocked()
	s.mu.Unlock()

	s.metrics.ObserveLedger(l)
	if closed != nil {
		s.recordPeriod(*closed)
	}
}

func (s *Supervisor) supervise(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}

		// Any pending restart is satisfied by the launch below, which reads the current mode
		s.drainRestart()

		s.mu.Lock()
		throttled := s.ledger.IsThrottled
		s.mu.Unlock()
		mode := modeFor(throttled)

		s.logger.Info("Starting worker", map[string]interface{}{"mode": mode.String()})
		p, err := s.ctl.Start(s.cfg.WorkerBinary, s.cfg.WorkerArgs(throttled))
		if err != nil {
			s.setState(StateStopped)
			return fmt.Errorf("failed to launch worker: %w", err)
		}
		exit, err := p.Exit()
		if err != nil {
			s.setState(StateStopped)
			return err
		}

		s.mu.Lock()
		s.proc = p
		s.mode = mode
		s.transitionLocked(StateRunning)
		s.mu.Unlock()

		s.metrics.WorkerStarted(mode.String())
		s.recordEvent(history.EventWorkerStarted, p.LaunchID(), "mode="+mode.String())

		reason, stop, err := s.waitWorker(ctx, p, exit, mode)
		if stop {
			return err
		}
		if reason == "" {
			// Crashed, backoff already served
			continue
		}

		s.setState(StateRestarting)
		s.logger.Info("Restarting worker to apply new settings", map[string]interface{}{"reason": reason})
		s.metrics.Restarted(reason)
		s.recordEvent(history.EventRestart, p.LaunchID(), reason)

		outcome := s.ctl.GracefulStop(p, exit, s.cfg.StopTimeout)
		s.workerGone(p, outcome.Status)

		s.mu.Lock()
		s.restarts++
		s.crashes = 0
		s.transitionLocked(StateStarting)
		s.mu.Unlock()
	}
}

// waitWorker blocks until the running worker exits, a restart is due, or
// ctx ends. It returns the restart reason, or stop=true with Run's result
// when supervision is over. An empty reason without stop means the worker
// crashed and should be relaunched.
func (s *Supervisor) waitWorker(ctx context.Context, p *child.Process, exit *child.Exit, mode Mode) (string, bool, error) {
	for {
		select {
		case status := <-exit.C():
			s.workerGone(p, status)

			if status.Clean() {
				s.logger.Info("Worker exited normally")
				s.setState(StateStopped)
				s.recordEvent(history.EventStopped, p.LaunchID(), "worker exited normally")
				return "", true, nil
			}

			crashes := s.noteCrash(p)
			s.logger.Error("Worker exited with error", map[string]interface{}{
				"status":  status.String(),
				"crashes": crashes,
				"backoff": s.cfg.CrashBackoff.String(),
			})
			if s.cfg.MaxCrashRestarts > 0 && crashes > s.cfg.MaxCrashRestarts {
				s.setState(StateStopped)
				return "", true, fmt.Errorf("%w: %d consecutive failures", ErrTooManyCrashes, crashes)
			}

			s.setState(StateStarting)
			if !sleepCtx(ctx, s.cfg.CrashBackoff) {
				s.setState(StateStopped)
				return "", true, nil
			}
			return "", false, nil

		case reason := <-s.restartCh:
			if s.modeApplied(reason, mode) {
				s.logger.Debug("Restart already applied by the current launch", map[string]interface{}{"reason": reason})
				continue
			}
			return reason, false, nil

		case <-ctx.Done():
			s.logger.Info("Stop requested, shutting down worker")
			outcome := s.ctl.GracefulStop(p, exit, s.cfg.StopTimeout)
			s.workerGone(p, outcome.Status)
			s.setState(StateStopped)
			s.recordEvent(history.EventStopped, p.LaunchID(), "stop requested")
			return "", true, nil
		}
	}
}

// modeApplied reports whether a mode-change restart is already satisfied
// because the worker was launched after the ledger changed. Manual restarts
// always relaunch.
func (s *Supervisor) modeApplied(reason string, running Mode) bool {
	if reason != ReasonThrottle && reason != ReasonRollover {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return modeFor(s.ledger.IsThrottled) == running
}

// noteCrash updates the consecutive crash count and returns it
func (s *Supervisor) noteCrash(p *child.Process) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(p.StartedAt()) >= crashResetAfter {
		s.crashes = 0
	}
	s.crashes++
	return s.crashes
}

// workerGone clears the live process and records its exit
func (s *Supervisor) workerGone(p *child.Process, status child.ExitStatus) {
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	s.mu.Unlock()

	s.metrics.WorkerExited(string(status.Reason))
	s.metrics.ObserveWorker(0, 0)
	s.recordEvent(history.EventWorkerExited, p.LaunchID(), status.String())
}

func (s *Supervisor) drainRestart() {
	select {
	case <-s.restartCh:
	default:
	}
}

// RequestRestart asks the control loop to relaunch the worker with the
// current mode. It never blocks; a request made while one is already
// pending is dropped.
func (s *Supervisor) RequestRestart(reason string) {
	select {
	case s.restartCh <- reason:
	default:
	}
}

func (s *Supervisor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	s.CheckUsage(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckUsage(ctx)
		}
	}
}

// CheckUsage runs one monitor tick: period rollover, or otherwise scrape,
// account the delta, and throttle once the threshold is reached.
func (s *Supervisor) CheckUsage(ctx context.Context) {
	if s.checkRollover() {
		return
	}

	sample, err := s.scraper.Scrape(ctx)
	s.metrics.ScrapeDone(err)
	if err != nil {
		// The worker may still be starting up
		s.monitorLog.Debug("Failed to scrape worker metrics", map[string]interface{}{"error": err})
		s.mu.Lock()
		s.lastScrapeErr = err.Error()
		s.mu.Unlock()
		return
	}

	s.updateUsage(sample.Total())
	s.sampleWorker()
}

// checkRollover resets the ledger when the period has ended
func (s *Supervisor) checkRollover() bool {
	now := s.now()
	period := s.cfg.PeriodLength()

	s.mu.Lock()
	old := s.ledger
	rolled, ok := ledger.Rollover(old, now, period)
	if !ok {
		s.mu.Unlock()
		return false
	}
	// lastScrapeTotal stays as the baseline so only traffic after the reset counts
	s.ledger = rolled
	s.persistLocked()
	s.mu.Unlock()

	s.monitorLog.Info("Traffic period ended, resetting usage", map[string]interface{}{
		"previous_bytes_used": old.BytesUsed,
		"was_throttled":       old.IsThrottled,
	})
	s.metrics.ObserveLedger(rolled)
	s.recordPeriod(history.Period{
		Start:     old.PeriodStart,
		End:       old.PeriodEnd(period),
		BytesUsed: old.BytesUsed,
		Throttled: old.IsThrottled,
	})
	s.recordEvent(history.EventRollover, "", fmt.Sprintf("bytes_used=%d", old.BytesUsed))

	if old.IsThrottled {
		s.RequestRestart(ReasonRollover)
	}
	return true
}

// updateUsage accounts one successful scrape
func (s *Supervisor) updateUsage(currentTotal int64) {
	threshold := s.cfg.ThresholdBytes()

	s.mu.Lock()
	delta := ledger.Delta(s.lastScrapeTotal, currentTotal)
	s.lastScrapeTotal = currentTotal
	s.lastScrapeAt = s.now()
	s.lastScrapeErr = ""

	changed := false
	if delta > 0 {
		s.ledger = ledger.AccountDelta(s.ledger, delta)
		changed = true
	}

	flipped := false
	if ledger.ShouldThrottle(s.ledger, threshold) {
		s.ledger.IsThrottled = true
		changed = true
		flipped = true
	}

	if changed {
		s.persistLocked()
	}
	snapshot := s.ledger
	s.mu.Unlock()

	s.metrics.ObserveLedger(snapshot)

	if flipped {
		s.monitorLog.Warn("Threshold reached, throttling worker", map[string]interface{}{
			"bytes_used":        snapshot.BytesUsed,
			"threshold_bytes":   threshold,
			"threshold_percent": s.cfg.BandwidthThresholdPercent,
		})
		s.recordEvent(history.EventThrottled, "", fmt.Sprintf("bytes_used=%d", snapshot.BytesUsed))
		s.RequestRestart(ReasonThrottle)
	}
}

// sampleWorker records the live worker's resource usage
func (s *Supervisor) sampleWorker() {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()

	if p == nil {
		return
	}
	stats, err := p.Stats()
	if err != nil {
		return
	}
	s.metrics.ObserveWorker(stats.RSSBytes, stats.CPUPercent)
}

// persistLocked writes the ledger. A failed write is logged and the
// in-memory ledger stays authoritative. Callers hold s.mu.
func (s *Supervisor) persistLocked() {
	if err := ledger.Save(s.ledger, s.ledgerPath); err != nil {
		s.metrics.LedgerSaveFailed()
		s.logger.Warn("Failed to save state", map[string]interface{}{"path": s.ledgerPath, "error": err})
	}
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	s.transitionLocked(to)
	s.mu.Unlock()
}

func (s *Supervisor) transitionLocked(to State) {
	if err := ValidateTransition(s.state, to); err != nil {
		s.logger.Error("Rejected state transition", map[string]interface{}{"error": err})
		return
	}
	s.state = to
}

func (s *Supervisor) recordEvent(kind, launchID, detail string) {
	if s.history == nil {
		return
	}
	err := s.history.RecordEvent(history.Event{At: s.now(), Kind: kind, LaunchID: launchID, Detail: detail})
	if err != nil {
		s.logger.Warn("Failed to record history event", map[string]interface{}{"kind": kind, "error": err})
	}
}

func (s *Supervisor) recordPeriod(p history.Period) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordPeriod(p); err != nil {
		s.logger.Warn("Failed to record closed period", map[string]interface{}{"error": err})
	}
}

// Status returns a snapshot of the supervisor's state
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:           s.state,
		Mode:            s.mode.String(),
		Ledger:          s.ledger,
		LimitBytes:      s.cfg.LimitBytes(),
		ThresholdBytes:  s.cfg.ThresholdBytes(),
		PeriodEnd:       s.ledger.PeriodEnd(s.cfg.PeriodLength()),
		Restarts:        s.restarts,
		Crashes:         s.crashes,
		LastScrapeAt:    s.lastScrapeAt,
		LastScrapeTotal: s.lastScrapeTotal,
		LastScrapeError: s.lastScrapeErr,
	}
	if s.proc != nil {
		snap.PID = s.proc.PID()
		snap.LaunchID = s.proc.LaunchID()
	}
	return snap
}

// sleepCtx waits for d and reports false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

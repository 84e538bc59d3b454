package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/conduit-monitor/internal/config"
	"github.com/psantana5/conduit-monitor/internal/history"
	"github.com/psantana5/conduit-monitor/internal/ledger"
	"github.com/psantana5/conduit-monitor/internal/scrape"
)

var (
	statusOutput  string
	statusProbe   bool
	statusPeriods int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show quota usage from the data directory",
	Long: `Status reads the usage ledger (and the period history, if recorded) from the
data directory. It works whether or not the supervisor is running.

Example:
  conduit-monitor status -d /var/lib/conduit
  conduit-monitor status --probe --output json`,
	RunE: showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format: table, json or yaml")
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "scrape the worker once and include its live counters")
	statusCmd.Flags().IntVar(&statusPeriods, "periods", 10, "number of past periods to show")
}

// statusReport is what the status command prints
type statusReport struct {
	DataDir        string           `json:"data_dir" yaml:"data_dir"`
	PeriodStart    time.Time        `json:"period_start" yaml:"period_start"`
	PeriodEnd      time.Time        `json:"period_end,omitempty" yaml:"period_end,omitempty"`
	BytesUsed      int64            `json:"bytes_used" yaml:"bytes_used"`
	LimitBytes     int64            `json:"limit_bytes,omitempty" yaml:"limit_bytes,omitempty"`
	ThresholdBytes int64            `json:"threshold_bytes,omitempty" yaml:"threshold_bytes,omitempty"`
	RemainingBytes int64            `json:"remaining_bytes,omitempty" yaml:"remaining_bytes,omitempty"`
	Throttled      bool             `json:"throttled" yaml:"throttled"`
	Periods        []history.Period `json:"periods,omitempty" yaml:"periods,omitempty"`
	Live           *scrape.Sample   `json:"live,omitempty" yaml:"live,omitempty"`
	ProbeError     string           `json:"probe_error,omitempty" yaml:"probe_error,omitempty"`
}

func showStatus(cmd *cobra.Command, args []string) error {
	switch statusOutput {
	case "table", "json", "yaml":
	default:
		return &config.Error{Field: "output", Reason: fmt.Sprintf("unknown format %q", statusOutput)}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rep, err := buildStatus(cmd.Context(), cfg, statusPeriods, statusProbe)
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), rep, statusOutput)
}

func buildStatus(ctx context.Context, cfg *config.Config, periods int, probe bool) (statusReport, error) {
	l, err := ledger.Load(ledger.Path(cfg.DataDir))
	if errors.Is(err, ledger.ErrNotFound) {
		return statusReport{}, fmt.Errorf("no usage ledger in %s", cfg.DataDir)
	}
	if err != nil {
		return statusReport{}, err
	}

	rep := statusReport{
		DataDir:     cfg.DataDir,
		PeriodStart: l.PeriodStart,
		BytesUsed:   l.BytesUsed,
		Throttled:   l.IsThrottled,
	}
	if cfg.Monitored() {
		rep.PeriodEnd = l.PeriodEnd(cfg.PeriodLength())
		rep.LimitBytes = cfg.LimitBytes()
		rep.ThresholdBytes = cfg.ThresholdBytes()
		rep.RemainingBytes = l.Remaining(rep.LimitBytes)
	}

	dbPath := history.Path(cfg.DataDir)
	if _, err := os.Stat(dbPath); err == nil && periods > 0 {
		store, err := history.Open(dbPath)
		if err != nil {
			return rep, err
		}
		defer store.Close()
		if rep.Periods, err = store.Periods(periods); err != nil {
			return rep, err
		}
	}

	if probe {
		if ctx == nil {
			ctx = context.Background()
		}
		scraper := scrape.New(scrape.URLForAddr(cfg.MetricsAddr), scrape.Options{Timeout: cfg.ScrapeTimeout})
		sample, err := scraper.Scrape(ctx)
		if err != nil {
			rep.ProbeError = err.Error()
		} else {
			rep.Live = &sample
		}
	}

	return rep, nil
}

func printStatus(w io.Writer, rep statusReport, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rep)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		return encoder.Encode(rep)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Property", "Value")
	table.Append([]string{"Data dir", rep.DataDir})
	table.Append([]string{"Period start", rep.PeriodStart.Format(time.RFC3339)})
	if !rep.PeriodEnd.IsZero() {
		table.Append([]string{"Period end", rep.PeriodEnd.Format(time.RFC3339)})
	}
	table.Append([]string{"Used", formatBytes(rep.BytesUsed)})
	if rep.LimitBytes > 0 {
		table.Append([]string{"Quota", formatBytes(rep.LimitBytes)})
		table.Append([]string{"Threshold", formatBytes(rep.ThresholdBytes)})
		table.Append([]string{"Remaining", formatBytes(rep.RemainingBytes)})
	}
	table.Append([]string{"Throttled", strconv.FormatBool(rep.Throttled)})
	if rep.Live != nil {
		table.Append([]string{"Live upload", formatBytes(rep.Live.Uploaded)})
		table.Append([]string{"Live download", formatBytes(rep.Live.Downloaded)})
	}
	if rep.ProbeError != "" {
		table.Append([]string{"Probe", rep.ProbeError})
	}
	if err := table.Render(); err != nil {
		return err
	}

	if len(rep.Periods) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	periods := tablewriter.NewWriter(w)
	periods.Header("Start", "End", "Used", "Throttled")
	for _, p := range rep.Periods {
		periods.Append([]string{
			p.Start.Format(time.RFC3339),
			p.End.Format(time.RFC3339),
			formatBytes(p.BytesUsed),
			strconv.FormatBool(p.Throttled),
		})
	}
	return periods.Render()
}

// formatBytes renders n in binary units with two decimals, e.g. "1.50 GB"
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 4; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGTP"[exp])
}

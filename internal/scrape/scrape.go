// Package scrape reads the worker's cumulative traffic counters from its
// Prometheus text endpoint.
package scrape

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

const (
	// DefaultTimeout bounds a single scrape so a hung worker never stalls a monitor tick
	DefaultTimeout = 5 * time.Second

	DefaultUploadMetric   = "conduit_bytes_uploaded"
	DefaultDownloadMetric = "conduit_bytes_downloaded"

	// maxBodyBytes caps how much of a metrics response is read
	maxBodyBytes = 8 << 20
)

// Sample is one reading of the worker's cumulative counters.
// Both values reset to zero when the worker restarts.
type Sample struct {
	Uploaded   int64 `json:"uploaded_bytes"`
	Downloaded int64 `json:"downloaded_bytes"`
}

// Total returns upload plus download
func (s Sample) Total() int64 {
	return s.Uploaded + s.Downloaded
}

// Error is returned for any failed scrape. It is never fatal to the caller.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("scrape %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("scrape %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options configures a Scraper
type Options struct {
	Timeout        time.Duration
	UploadMetric   string
	DownloadMetric string
	// Client overrides the HTTP client. Its Timeout is left untouched.
	Client *http.Client
}

// Scraper fetches Samples from one metrics URL. It holds no state between calls.
type Scraper struct {
	url            string
	uploadMetric   string
	downloadMetric string
	client         *http.Client
}

// New creates a scraper for url
func New(url string, opts Options) *Scraper {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UploadMetric == "" {
		opts.UploadMetric = DefaultUploadMetric
	}
	if opts.DownloadMetric == "" {
		opts.DownloadMetric = DefaultDownloadMetric
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &Scraper{
		url:            url,
		uploadMetric:   opts.UploadMetric,
		downloadMetric: opts.DownloadMetric,
		client:         client,
	}
}

// URLForAddr returns the metrics URL for a host:port listen address
func URLForAddr(addr string) string {
	return fmt.Sprintf("http://%s/metrics", addr)
}

// URL returns the scraped endpoint
func (s *Scraper) URL() string {
	return s.url
}

// Scrape performs one GET against the metrics endpoint and parses both counters
func (s *Scraper) Scrape(ctx context.Context) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Sample{}, &Error{URL: s.url, Err: err}
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := s.client.Do(req)
	if err != nil {
		return Sample{}, &Error{URL: s.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Sample{}, &Error{URL: s.url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Sample{}, &Error{URL: s.url, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	return Parse(bytes.NewReader(body), s.uploadMetric, s.downloadMetric)
}

// Parse extracts the two named counters from a text exposition.
// The strict Prometheus text parser is tried first; if it rejects the
// input, a line-oriented scan is used instead so one malformed line does
// not hide the counters. Missing counters read as zero.
func Parse(r io.Reader, uploadMetric, downloadMetric string) (Sample, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return Sample{}, err
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err == nil {
		return Sample{
			Uploaded:   familyTotal(families[uploadMetric]),
			Downloaded: familyTotal(families[downloadMetric]),
		}, nil
	}

	return scanLines(body, uploadMetric, downloadMetric), nil
}

// familyTotal sums every series of a family
func familyTotal(mf *dto.MetricFamily) int64 {
	if mf == nil {
		return 0
	}

	var total float64
	for _, m := range mf.GetMetric() {
		var v float64
		switch {
		case m.GetCounter() != nil:
			v = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			v = m.GetGauge().GetValue()
		case m.GetUntyped() != nil:
			v = m.GetUntyped().GetValue()
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		total += v
	}
	return toBytes(total)
}

// toBytes converts a sample value to a byte count. NaN, infinities and
// values outside the int64 range read as missing.
func toBytes(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v >= math.MaxInt64 || v <= math.MinInt64 {
		return 0
	}
	return int64(v)
}

// scanLines matches metric names by exact token: the name ends at the first
// '{' or whitespace, so "conduit_bytes_uploaded_total" never matches
// "conduit_bytes_uploaded".
func scanLines(body []byte, uploadMetric, downloadMetric string) Sample {
	var sample Sample

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, ok := splitSample(line)
		if !ok {
			continue
		}

		switch name {
		case uploadMetric:
			sample.Uploaded += value
		case downloadMetric:
			sample.Downloaded += value
		}
	}

	return sample
}

// splitSample returns the name token and integer value of a sample line
func splitSample(line string) (string, int64, bool) {
	end := strings.IndexAny(line, "{ \t")
	if end <= 0 {
		return "", 0, false
	}
	name := line[:end]

	rest := line[end:]
	if rest[0] == '{' {
		closing := strings.IndexByte(rest, '}')
		if closing < 0 {
			return "", 0, false
		}
		rest = rest[closing+1:]
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}

	val, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}

	return name, toBytes(val), true
}

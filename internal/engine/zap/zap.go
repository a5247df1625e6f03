// Package zap implements the web application scan kind on top of the OWASP
// ZAP JSON API.
//
// A scan runs in phases, each owning a slice of the adapter progress:
//
//	 0- 5  new session
//	10-40  spider
//	40-60  passive scan backlog
//	60-90  active scan, bounded by max_scan_duration
//	90-100 alert retrieval
package zap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/scania/scanhub/internal/engine"
	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/log"
	"github.com/scania/scanhub/internal/model"
)

const (
	alertPage    = 100
	checkTimeout = 10 * time.Second
	stopTimeout  = 5 * time.Second
)

var errInterrupted = errors.New("zap scan interrupted")

// Scanner is the web application adapter.
type Scanner struct {
	client *Client
	daemon *Daemon
	check  *http.Client

	mx       sync.RWMutex
	defaults engine.Options
}

type Option func(*Scanner)

// WithDaemon enables starting ZAP when the health check finds no API.
func WithDaemon(d *Daemon) Option {
	return func(s *Scanner) { s.daemon = d }
}

// WithCheckClient sets the client used to check target reachability.
func WithCheckClient(c *http.Client) Option {
	return func(s *Scanner) { s.check = c }
}

func New(client *Client, opts ...Option) *Scanner {
	s := &Scanner{
		client: client,
		check:  &http.Client{Timeout: checkTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scanner) Kind() model.ScanKind { return model.KindWebApp }

func (s *Scanner) Configure(opts engine.Options) error {
	if d := settingsFrom(opts).depth; d < 0 {
		return fmt.Errorf("zap: max_crawl_depth must not be negative, got %d", d)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.defaults = s.defaults.Merge(opts)
	return nil
}

// ValidateTarget requires an http(s) URL. Unless check_target is disabled the
// target must answer an HTTP request; any status code is accepted.
// check_target is read from the engine configuration only. Job options
// reach the scan, not this check.
func (s *Scanner) ValidateTarget(ctx context.Context, target model.Target) bool {
	if !target.IsURL() {
		return false
	}
	s.mx.RLock()
	check := settingsFrom(s.defaults).check
	s.mx.RUnlock()
	if !check {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL.String(), nil)
	if err != nil {
		return false
	}
	resp, err := s.check.Do(req)
	if err != nil {
		slog.WarnContext(ctx, "target not reachable", "target", target.String(), "error", err)
		return false
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.WarnContext(ctx, "target answered with an error, continuing", "target", target.String(), "status", resp.StatusCode)
	}
	return true
}

// HealthCheck asks for the ZAP version, starting the daemon first when one is
// configured and the API does not answer.
func (s *Scanner) HealthCheck(ctx context.Context) bool {
	version, err := s.client.Version(ctx)
	if err == nil {
		slog.DebugContext(ctx, "zap health check passed", "version", version)
		return true
	}
	if s.daemon == nil {
		slog.WarnContext(ctx, "zap health check", "error", err)
		return false
	}
	if err := s.daemon.Ensure(ctx); err != nil {
		slog.ErrorContext(ctx, "zap daemon", "error", err)
		return false
	}
	return true
}

// Close stops a daemon started by HealthCheck.
func (s *Scanner) Close() error {
	if s.daemon == nil {
		return nil
	}
	return s.daemon.Close()
}

func (s *Scanner) Scan(ctx context.Context, inv *engine.Invocation, target model.Target) engine.Outcome {
	s.mx.RLock()
	opts := s.defaults.Merge(inv.Options)
	s.mx.RUnlock()
	st := settingsFrom(opts)
	if !target.IsURL() {
		return engine.Failed(fmt.Errorf("zap: target %q is not an http(s) url", target.String()))
	}
	url := target.URL.String()
	ctx = log.ContextAttrs(ctx, slog.String("scanner", "zap"), slog.String("target", url))
	r := &run{s: s, inv: inv, st: st, target: url}

	inv.Report(0, "Initializing ZAP scan")
	if err := s.client.NewSession(ctx); err != nil {
		return r.fail(ctx, err, nil)
	}
	inv.Report(5, "ZAP session created")

	if st.spider {
		inv.Report(10, "Starting spider crawl")
		if err := r.spider(ctx); err != nil {
			return r.fail(ctx, err, nil)
		}
	}
	inv.Report(40, "Spider crawl completed, starting passive scan")

	if st.passive {
		if err := r.passive(ctx); err != nil {
			return r.fail(ctx, err, nil)
		}
	}
	inv.Report(60, "Passive scan completed, starting active scan")

	if st.active {
		if err := r.active(ctx); err != nil {
			return r.fail(ctx, err, nil)
		}
	}
	inv.Report(90, "Active scan completed, collecting results")

	findings, err := r.alerts(ctx)
	if err != nil {
		return r.fail(ctx, err, findings)
	}
	inv.Report(100, fmt.Sprintf("Scan completed - %d vulnerabilities found", len(findings)))

	out := engine.Completed(findings)
	out.Metadata = map[string]string{"target": url, "alerts": strconv.Itoa(len(findings))}
	return out
}

// run holds the state of one Scan call.
type run struct {
	s      *Scanner
	inv    *engine.Invocation
	st     settings
	target string

	spiderID string
	activeID string
}

func (r *run) fail(ctx context.Context, err error, partial []finding.Finding) engine.Outcome {
	if errors.Is(err, errInterrupted) || r.inv.Stopped() || ctx.Err() != nil {
		r.stopRemote(ctx)
		return engine.Interrupted(ctx, r.inv, partial)
	}
	slog.ErrorContext(ctx, "zap scan failed", "error", err)
	out := engine.Failed(err)
	out.Findings = partial
	return out
}

// stopRemote stops spider and active scan best effort.
func (r *run) stopRemote(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if r.spiderID != "" {
		if err := r.s.client.StopSpider(ctx, r.spiderID); err != nil {
			slog.DebugContext(ctx, "stopping spider", "error", err)
		}
	}
	if r.activeID != "" {
		if err := r.s.client.StopActive(ctx, r.activeID); err != nil {
			slog.DebugContext(ctx, "stopping active scan", "error", err)
		}
	}
}

func (r *run) spider(ctx context.Context) error {
	c := r.s.client
	if err := c.SetSpiderMaxDepth(ctx, r.st.depth); err != nil {
		return err
	}
	id, err := c.Spider(ctx, r.target, r.st.depth)
	if err != nil {
		return err
	}
	r.spiderID = id
	slog.DebugContext(ctx, "spider started", "scan_id", id)
	for {
		status, err := c.SpiderStatus(ctx, id)
		if err != nil {
			return err
		}
		r.inv.Report(10+float64(status)*0.3, fmt.Sprintf("Spider crawling: %d%%", status))
		if status >= 100 {
			r.spiderID = ""
			return nil
		}
		if !r.inv.Sleep(ctx, r.st.poll(2*time.Second)) {
			return errInterrupted
		}
	}
}

func (r *run) passive(ctx context.Context) error {
	c := r.s.client
	for {
		n, err := c.RecordsToScan(ctx)
		if err != nil {
			return err
		}
		if n <= 0 {
			return nil
		}
		r.inv.Report(45, fmt.Sprintf("Passive scan: %d records remaining", n))
		if !r.inv.Sleep(ctx, r.st.poll(2*time.Second)) {
			return errInterrupted
		}
	}
}

func (r *run) active(ctx context.Context) error {
	c := r.s.client
	id, err := c.ActiveScan(ctx, r.target)
	if err != nil {
		return err
	}
	r.activeID = id
	slog.DebugContext(ctx, "active scan started", "scan_id", id)
	deadline := time.Now().Add(r.st.maxDuration)
	for {
		status, err := c.ActiveStatus(ctx, id)
		if err != nil {
			return err
		}
		r.inv.Report(60+float64(status)*0.3, fmt.Sprintf("Active scan: %d%%", status))
		if status >= 100 {
			r.activeID = ""
			return nil
		}
		if time.Now().After(deadline) {
			slog.WarnContext(ctx, "active scan reached max_scan_duration", "max_scan_duration", r.st.maxDuration.String())
			r.stopRemote(ctx)
			r.activeID = ""
			return nil
		}
		if !r.inv.Sleep(ctx, r.st.poll(5*time.Second)) {
			return errInterrupted
		}
	}
}

func (r *run) alerts(ctx context.Context) ([]finding.Finding, error) {
	var out []finding.Finding
	seen := make(map[string]struct{})
	for start := 0; ; start += alertPage {
		if r.inv.Stopped() {
			return out, errInterrupted
		}
		page, err := r.s.client.Alerts(ctx, r.target, start, alertPage)
		if err != nil {
			return out, err
		}
		for _, a := range page {
			f := a.Finding(r.inv.JobID)
			if _, ok := seen[f.ID]; ok {
				continue
			}
			seen[f.ID] = struct{}{}
			r.inv.Found(f)
			out = append(out, f)
		}
		if len(page) < alertPage {
			return out, nil
		}
		r.inv.Report(min(99, 90+float64(start/alertPage+1)), fmt.Sprintf("Collected %d alerts", len(out)))
	}
}

type settings struct {
	depth       int
	maxDuration time.Duration
	spider      bool
	passive     bool
	active      bool
	check       bool
	interval    time.Duration
}

func settingsFrom(opts engine.Options) settings {
	return settings{
		depth:       opts.Int("max_crawl_depth", 5),
		maxDuration: opts.Duration("max_scan_duration", 30*time.Minute),
		spider:      opts.Bool("enable_spider", true),
		passive:     opts.Bool("enable_passive_scan", true),
		active:      opts.Bool("enable_active_scan", true),
		check:       opts.Bool("check_target", true),
		interval:    opts.Duration("poll_interval", 0),
	}
}

// poll returns the configured poll interval or def.
func (st settings) poll(def time.Duration) time.Duration {
	if st.interval > 0 {
		return st.interval
	}
	return def
}

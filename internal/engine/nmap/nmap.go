// Package nmap implements the network scan kind on top of the nmap binary,
// driven through github.com/Ullaakut/nmap/v3.
package nmap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/scania/scanhub/internal/engine"
	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/log"
	"github.com/scania/scanhub/internal/model"
	"github.com/scania/scanhub/internal/proc"
)

const (
	pollInterval  = 2 * time.Second
	healthTimeout = 10 * time.Second
	// progress while nmap runs stays below the parse phase
	runningCap = 79
)

// Executor runs nmap with the given options and returns the parsed XML.
type Executor func(ctx context.Context, options []nmap.Option) (*nmap.Run, []string, error)

// LookupFunc resolves a host name, see net.Resolver.LookupHost.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Scanner is the network adapter. Deployment defaults are set by Configure,
// per-job options override them for a single Scan.
type Scanner struct {
	binary string
	exec   Executor
	lookup LookupFunc

	mx       sync.RWMutex
	defaults engine.Options
}

type Option func(*Scanner)

func WithBinary(path string) Option {
	return func(s *Scanner) {
		if path != "" {
			s.binary = path
		}
	}
}

func WithExecutor(exec Executor) Option {
	return func(s *Scanner) { s.exec = exec }
}

func WithLookup(lookup LookupFunc) Option {
	return func(s *Scanner) { s.lookup = lookup }
}

func New(opts ...Option) *Scanner {
	s := &Scanner{
		binary: "nmap",
		exec:   run,
		lookup: net.DefaultResolver.LookupHost,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scanner) Kind() model.ScanKind { return model.KindNetwork }

func (s *Scanner) Configure(opts engine.Options) error {
	st := settingsFrom(opts)
	if st.timing < 0 || st.timing > 5 {
		return fmt.Errorf("nmap: timing_template must be within 0-5, got %d", st.timing)
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.defaults = s.defaults.Merge(opts)
	return nil
}

// ValidateTarget accepts IP literals and host names that resolve.
func (s *Scanner) ValidateTarget(ctx context.Context, target model.Target) bool {
	if target.Host == "" {
		return false
	}
	if _, err := netip.ParseAddr(target.Host); err == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	addrs, err := s.lookup(ctx, target.Host)
	if err != nil {
		slog.DebugContext(ctx, "resolving target", "host", target.Host, "error", err)
		return false
	}
	return len(addrs) > 0
}

// HealthCheck runs nmap --version.
func (s *Scanner) HealthCheck(ctx context.Context) bool {
	res, err := proc.Output(ctx, proc.Command{
		Path:    s.binary,
		Args:    []string{"--version"},
		Timeout: healthTimeout,
	})
	if err != nil {
		slog.WarnContext(ctx, "nmap health check", "binary", s.binary, "error", err)
		return false
	}
	return res.Stdout != nil && strings.Contains(res.Stdout.String(), "Nmap")
}

func (s *Scanner) Scan(ctx context.Context, inv *engine.Invocation, target model.Target) engine.Outcome {
	s.mx.RLock()
	opts := s.defaults.Merge(inv.Options)
	s.mx.RUnlock()
	st := settingsFrom(opts)

	ctx = log.ContextAttrs(ctx,
		slog.String("scanner", "nmap"),
		slog.String("target", target.Host),
		slog.String("ports", st.ports),
	)

	inv.Report(0, "Initializing Nmap scan")
	options := st.nmapOptions(s.binary, target.Host)
	inv.Report(10, "Starting port scan of "+target.Host)

	runCtx, cancel := context.WithTimeout(ctx, st.maxDuration)
	defer cancel()

	type result struct {
		run      *nmap.Run
		warnings []string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		r, w, err := s.exec(runCtx, options)
		done <- result{run: r, warnings: w, err: err}
	}()

	inv.Report(20, "Executing Nmap scan...")
	started := time.Now()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	var res result
wait:
	for {
		select {
		case res = <-done:
			break wait
		case <-inv.Done():
			cancel()
			<-done
			slog.InfoContext(ctx, "nmap scan stopped")
			return engine.Cancelled(nil)
		case <-tick.C:
			inv.Report(runningProgress(time.Since(started), st.maxDuration), "Executing Nmap scan...")
		}
	}

	for _, w := range res.warnings {
		slog.WarnContext(ctx, "nmap", "warning", w)
	}
	if res.err != nil {
		if inv.Stopped() || runCtx.Err() != nil {
			return engine.Interrupted(runCtx, inv, nil)
		}
		return engine.Failed(fmt.Errorf("nmap scan: %w", res.err))
	}

	inv.Report(80, "Parsing scan results...")
	var findings []finding.Finding
	var open int
	if res.run != nil {
		for _, h := range res.run.Hosts {
			hf := HostFindings(target.Host, h)
			open += openPorts(h)
			for i := range hf {
				hf[i].JobID = inv.JobID
				inv.Found(hf[i])
			}
			findings = append(findings, hf...)
		}
	}
	inv.Report(100, fmt.Sprintf("Scan completed - %d findings", len(findings)))
	slog.DebugContext(ctx, "nmap scan finished", "findings", len(findings), "elapsed", time.Since(started).String())

	out := engine.Completed(findings)
	out.Metadata = map[string]string{
		"target":        target.Host,
		"ports_scanned": st.ports,
		"open_ports":    strconv.Itoa(open),
	}
	return out
}

func runningProgress(elapsed, limit time.Duration) float64 {
	if limit <= 0 {
		return 20
	}
	p := 20 + 60*elapsed.Seconds()/limit.Seconds()
	return min(p, runningCap)
}

func run(ctx context.Context, options []nmap.Option) (*nmap.Run, []string, error) {
	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating nmap scanner: %w", err)
	}
	r, warningsp, err := scanner.Run()
	var warnings []string
	if warningsp != nil {
		warnings = *warningsp
	}
	return r, warnings, err
}

type settings struct {
	ports       string
	timing      int
	techniques  []string
	service     bool
	version     bool
	os          bool
	scripts     bool
	categories  []string
	maxDuration time.Duration
}

func settingsFrom(opts engine.Options) settings {
	return settings{
		ports:       opts.String("ports", "1-1000"),
		timing:      opts.Int("timing_template", 4),
		techniques:  opts.Strings("scan_techniques", []string{"tcp_connect"}),
		service:     opts.Bool("enable_service_detection", true),
		version:     opts.Bool("enable_version_detection", true),
		os:          opts.Bool("enable_os_detection", false),
		scripts:     opts.Bool("enable_scripts", true),
		categories:  opts.Strings("script_categories", []string{"default", "safe", "vuln"}),
		maxDuration: opts.Duration("max_scan_duration", 10*time.Minute),
	}
}

func (st settings) nmapOptions(binary, host string) []nmap.Option {
	options := []nmap.Option{
		nmap.WithBinaryPath(binary),
		nmap.WithTimingTemplate(nmap.Timing(min(max(st.timing, 0), 5))),
	}
	for _, t := range st.techniques {
		switch t {
		case "tcp_syn":
			options = append(options, nmap.WithSYNScan())
		case "tcp_connect":
			options = append(options, nmap.WithConnectScan())
		case "udp":
			options = append(options, nmap.WithUDPScan())
		case "tcp_ack":
			options = append(options, nmap.WithACKScan())
		case "tcp_fin":
			options = append(options, nmap.WithTCPFINScan())
		}
	}
	options = append(options, nmap.WithPorts(st.ports))
	if st.service {
		options = append(options, nmap.WithServiceInfo())
	}
	if st.version {
		options = append(options, nmap.WithDefaultScript())
	}
	if st.os {
		options = append(options, nmap.WithOSDetection())
	}
	if st.scripts && len(st.categories) > 0 {
		options = append(options, nmap.WithScripts(strings.Join(st.categories, ",")))
	}
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is6() {
		options = append(options, nmap.WithIPv6Scanning())
	}
	return append(options,
		nmap.WithDisabledDNSResolution(),
		nmap.WithSkipHostDiscovery(),
		nmap.WithTargets(host),
	)
}

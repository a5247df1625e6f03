package service_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/Ullaakut/nmap/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scania/scanhub/internal/broadcast"
	"github.com/scania/scanhub/internal/engine"
	"github.com/scania/scanhub/internal/engine/enginetest"
	scnmap "github.com/scania/scanhub/internal/engine/nmap"
	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/model"
	"github.com/scania/scanhub/internal/service"
	"github.com/scania/scanhub/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	m      *service.Manager
	store  *store.Memory
	events *broadcast.Broadcaster
}

func newFixture(t *testing.T, reg *engine.Registry, opts ...service.Option) fixture {
	t.Helper()
	cfg := model.Service{Jobs: model.Jobs{Headroom: 90, CancelWait: "200ms", Janitor: "1m"}}
	st := store.NewMemory()
	events := broadcast.New()
	m, err := service.NewManager(t.Context(), cfg, st, reg, events, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
		events.Close()
	})
	return fixture{m: m, store: st, events: events}
}

func registry(t *testing.T, adapters ...engine.Adapter) *engine.Registry {
	t.Helper()
	reg := engine.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a, time.Minute))
	}
	return reg
}

func wait(t *testing.T, m *service.Manager, id string) model.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	job, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func drain(s *broadcast.Subscription) []model.Event {
	var out []model.Event
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func sampleFinding(id string, sev finding.Severity) finding.Finding {
	return finding.Finding{ID: id, Engine: "webapp", Title: "finding " + id, Severity: sev, Location: "http://target.example/"}
}

// fakeNmap writes a script answering nmap --version.
func fakeNmap(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nmap")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho 'Nmap version 7.94 ( https://nmap.org )'\n"), 0o755))
	return path
}

// recordingStore counts the job writes that carry a terminal status.
type recordingStore struct {
	*store.Memory

	mx       sync.Mutex
	terminal []model.Job
}

func (r *recordingStore) Update(ctx context.Context, job model.Job) error {
	if job.Status.Terminal() {
		r.mx.Lock()
		r.terminal = append(r.terminal, job.Clone())
		r.mx.Unlock()
	}
	return r.Memory.Update(ctx, job)
}

func (r *recordingStore) terminalWrites() []model.Job {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.terminal)
}

func openPort80(context.Context, []nmap.Option) (*nmap.Run, []string, error) {
	return &nmap.Run{Hosts: []nmap.Host{{
		Addresses: []nmap.Address{{Addr: "127.0.0.1"}},
		Ports: []nmap.Port{{
			ID:       80,
			Protocol: "tcp",
			State:    nmap.State{State: "open"},
			Service:  nmap.Service{Name: "http"},
		}},
	}}}, nil, nil
}

func TestNetworkScan(t *testing.T) {
	t.Parallel()

	adapter := scnmap.New(
		scnmap.WithBinary(fakeNmap(t)),
		scnmap.WithExecutor(openPort80),
	)
	f := newFixture(t, registry(t, adapter))

	job, err := f.m.Submit(t.Context(), "alice", model.JobRequest{Target: "127.0.0.1", Kinds: []string{"nmap"}, Deferred: true})
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, job.Status)

	sub := f.events.Attach("alice", broadcast.AttachOptions{})
	ok, err := f.events.Subscribe(sub.ID, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	started, err := f.m.Start(t.Context(), "alice", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)

	done := wait(t, f.m, job.ID)
	require.Equal(t, model.StatusCompleted, done.Status)
	require.Equal(t, 100.0, done.Progress)
	require.Equal(t, finding.Summary{Medium: 1, Total: 1}, done.Summary)
	require.Equal(t, "Scan completed - 1 findings", done.Message)
	require.Empty(t, done.Warnings)

	findings, err := f.m.Findings(t.Context(), "alice", job.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "127.0.0.1:80", findings[0].Location)
	require.Equal(t, finding.SeverityMedium, findings[0].Severity)

	events := drain(sub)
	require.NotEmpty(t, events)
	require.Equal(t, model.EventStatusChange, events[0].Type)
	require.Equal(t, model.StatusPending, events[0].Status)
	last := events[len(events)-1]
	require.Equal(t, model.EventCompletion, last.Type)
	require.Equal(t, model.StatusCompleted, last.Status)
	require.Equal(t, 1, last.Summary.Medium)

	var progress []float64
	var found int
	for _, ev := range events {
		switch ev.Type {
		case model.EventProgress:
			progress = append(progress, ev.OverallProgress)
		case model.EventFinding:
			found++
			require.Equal(t, model.KindNetwork, ev.ScannerKind)
			require.NotNil(t, ev.Finding)
		}
	}
	require.Equal(t, 1, found)
	require.IsNonDecreasing(t, progress)
	require.LessOrEqual(t, progress[len(progress)-1], 95.0)
}

func TestNetworkScanURLTarget(t *testing.T) {
	t.Parallel()

	var mx sync.Mutex
	var resolved []string
	adapter := scnmap.New(
		scnmap.WithBinary(fakeNmap(t)),
		scnmap.WithExecutor(openPort80),
		scnmap.WithLookup(func(_ context.Context, host string) ([]string, error) {
			mx.Lock()
			defer mx.Unlock()
			resolved = append(resolved, host)
			return []string{"93.184.216.34"}, nil
		}),
	)
	f := newFixture(t, registry(t, adapter))

	job, err := f.m.Submit(t.Context(), "alice", model.JobRequest{Target: "http://example.com", Kinds: []string{"network"}})
	require.NoError(t, err)
	done := wait(t, f.m, job.ID)
	require.Equal(t, model.StatusCompleted, done.Status)
	require.Empty(t, done.Warnings)

	mx.Lock()
	require.Equal(t, []string{"example.com"}, resolved)
	mx.Unlock()

	findings, err := f.m.Findings(t.Context(), "alice", job.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, finding.SeverityMedium, findings[0].Severity)
	require.Contains(t, findings[0].Title, "80")
	require.Equal(t, "example.com:80", findings[0].Location)
}

func TestProgressSlices(t *testing.T) {
	t.Parallel()

	web := enginetest.New(model.KindWebApp, enginetest.Steps(engine.Completed(nil), 0, 50, 100))
	net := enginetest.New(model.KindNetwork, enginetest.Steps(engine.Completed(nil), 0, 50, 100))
	f := newFixture(t, registry(t, web, net))

	job, err := f.m.Submit(t.Context(), "", model.JobRequest{Target: "http://target.example", Kinds: []string{"webapp", "network"}, Deferred: true})
	require.NoError(t, err)
	sub := f.events.Attach("", broadcast.AttachOptions{QueueSize: 128})
	_, err = f.events.Subscribe(sub.ID, job.ID)
	require.NoError(t, err)
	_, err = f.m.Start(t.Context(), "", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, wait(t, f.m, job.ID).Status)

	var kinds = map[model.ScanKind][]float64{}
	for _, ev := range drain(sub) {
		if ev.Type == model.EventProgress && ev.ScannerKind != "" {
			kinds[ev.ScannerKind] = append(kinds[ev.ScannerKind], ev.OverallProgress)
		}
	}
	require.Contains(t, kinds[model.KindWebApp], 22.5)
	require.Contains(t, kinds[model.KindWebApp], 45.0)
	require.Contains(t, kinds[model.KindNetwork], 67.5)
	require.Contains(t, kinds[model.KindNetwork], 90.0)
}

func TestSequence(t *testing.T) {
	t.Parallel()

	type then struct {
		status   model.Status
		warnings int
		findings int
		err      string
	}
	var testCases = []struct {
		scenario string
		kinds    []string
		adapters func() []engine.Adapter
		then     then
	}{
		{
			scenario: "unregistered kind is skipped",
			kinds:    []string{"webapp", "tls"},
			adapters: func() []engine.Adapter {
				return []engine.Adapter{enginetest.New(model.KindWebApp, enginetest.Steps(
					engine.Completed([]finding.Finding{sampleFinding("a", finding.SeverityHigh)}), 50, 100))}
			},
			then: then{status: model.StatusCompleted, warnings: 1, findings: 1},
		},
		{
			scenario: "unhealthy engine is skipped",
			kinds:    []string{"webapp"},
			adapters: func() []engine.Adapter {
				f := enginetest.New(model.KindWebApp, nil)
				f.Unhealthy = true
				return []engine.Adapter{f}
			},
			then: then{status: model.StatusCompleted, warnings: 1},
		},
		{
			scenario: "invalid target is skipped",
			kinds:    []string{"webapp"},
			adapters: func() []engine.Adapter {
				f := enginetest.New(model.KindWebApp, nil)
				f.Invalid = true
				return []engine.Adapter{f}
			},
			then: then{status: model.StatusCompleted, warnings: 1},
		},
		{
			scenario: "ordinary failure continues",
			kinds:    []string{"network", "webapp"},
			adapters: func() []engine.Adapter {
				return []engine.Adapter{
					enginetest.New(model.KindNetwork, enginetest.Steps(engine.Failed(errors.New("nmap exited 1")), 10)),
					enginetest.New(model.KindWebApp, enginetest.Steps(
						engine.Completed([]finding.Finding{sampleFinding("b", finding.SeverityLow)}), 100)),
				}
			},
			then: then{status: model.StatusCompleted, warnings: 1, findings: 1},
		},
		{
			scenario: "panic is fatal and keeps earlier findings",
			kinds:    []string{"webapp", "network", "tls"},
			adapters: func() []engine.Adapter {
				return []engine.Adapter{
					enginetest.New(model.KindWebApp, enginetest.Steps(
						engine.Completed([]finding.Finding{sampleFinding("c", finding.SeverityCritical)}), 100)),
					enginetest.New(model.KindNetwork, func(context.Context, *engine.Invocation, model.Target) engine.Outcome {
						panic("boom")
					}),
					enginetest.New(model.KindTLS, nil),
				}
			},
			then: then{status: model.StatusFailed, findings: 1, err: "network"},
		},
		{
			scenario: "unreachable control plane is fatal",
			kinds:    []string{"webapp"},
			adapters: func() []engine.Adapter {
				return []engine.Adapter{enginetest.New(model.KindWebApp, enginetest.Steps(
					engine.Failed(engine.ErrUnreachable), 20))}
			},
			then: then{status: model.StatusFailed, err: "engine unreachable"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, registry(t, tc.adapters()...))
			job, err := f.m.Submit(t.Context(), "bob", model.JobRequest{Target: "http://target.example", Kinds: tc.kinds})
			require.NoError(t, err)

			done := wait(t, f.m, job.ID)
			require.Equal(t, tc.then.status, done.Status)
			require.Len(t, done.Warnings, tc.then.warnings)
			require.Equal(t, tc.then.findings, done.Summary.Total)
			if tc.then.err != "" {
				require.Contains(t, done.Error, tc.then.err)
			} else {
				require.Empty(t, done.Error)
			}
			findings, err := f.store.Findings(t.Context(), job.ID)
			require.NoError(t, err)
			require.Len(t, findings, tc.then.findings)
		})
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	blocking := enginetest.New(model.KindWebApp, enginetest.Blocking(started, release))
	next := enginetest.New(model.KindNetwork, nil)
	f := newFixture(t, registry(t, blocking, next))

	job, err := f.m.Submit(t.Context(), "carol", model.JobRequest{Target: "http://target.example", Kinds: []string{"webapp", "network"}})
	require.NoError(t, err)
	<-started

	_, err = f.m.Cancel(t.Context(), "mallory", job.ID)
	require.ErrorIs(t, err, model.ErrForbidden)

	cancelled, err := f.m.Cancel(t.Context(), "carol", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, cancelled.Status)
	require.Equal(t, "Scan cancelled by user", cancelled.Error)
	require.NotNil(t, cancelled.CompletedAt)

	snap, ok := f.events.Snapshot(job.ID)
	require.True(t, ok)
	require.Equal(t, model.EventCompletion, snap.Type)
	require.Equal(t, model.StatusCancelled, snap.Status)

	done := wait(t, f.m, job.ID)
	require.Equal(t, model.StatusCancelled, done.Status)
	require.Zero(t, next.Scans())

	again, err := f.m.Cancel(t.Context(), "carol", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, again.Status)
}

func TestCancelKeepsRecordFinal(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	first := enginetest.New(model.KindNetwork, enginetest.Steps(
		engine.Completed([]finding.Finding{sampleFinding("a", finding.SeverityHigh)}), 50, 100))
	blocking := enginetest.New(model.KindWebApp, enginetest.Blocking(started, release))

	st := &recordingStore{Memory: store.NewMemory()}
	events := broadcast.New()
	cfg := model.Service{Jobs: model.Jobs{Headroom: 90, CancelWait: "200ms", Janitor: "1m"}}
	m, err := service.NewManager(t.Context(), cfg, st, registry(t, first, blocking), events)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
		events.Close()
	})

	job, err := m.Submit(t.Context(), "carol", model.JobRequest{Target: "http://target.example", Kinds: []string{"network", "webapp"}})
	require.NoError(t, err)
	<-started

	cancelled, err := m.Cancel(t.Context(), "carol", job.ID)
	require.NoError(t, err)
	require.Equal(t, finding.Summary{High: 1, Total: 1}, cancelled.Summary)

	snap, ok := events.Snapshot(job.ID)
	require.True(t, ok)
	require.Equal(t, model.EventCompletion, snap.Type)
	require.NotNil(t, snap.Summary)
	require.Equal(t, 1, snap.Summary.Total)

	done := wait(t, m, job.ID)
	require.Equal(t, model.StatusCancelled, done.Status)
	require.Equal(t, cancelled.Summary, done.Summary)
	require.Equal(t, cancelled.Message, done.Message)

	writes := st.terminalWrites()
	require.Len(t, writes, 1, "the record is written once it is terminal, never again")
	require.Equal(t, model.StatusCancelled, writes[0].Status)

	findings, err := m.Findings(t.Context(), "carol", job.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
}

func TestAdapterTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	reg := engine.NewRegistry()
	require.NoError(t, reg.Register(enginetest.New(model.KindWebApp, enginetest.Blocking(nil, release)), 50*time.Millisecond))
	require.NoError(t, reg.Register(enginetest.New(model.KindNetwork, nil), time.Minute))
	f := newFixture(t, reg)

	job, err := f.m.Submit(t.Context(), "", model.JobRequest{Target: "http://target.example", Kinds: []string{"webapp", "network"}})
	require.NoError(t, err)
	done := wait(t, f.m, job.ID)
	require.Equal(t, model.StatusCompleted, done.Status)
	require.Len(t, done.Warnings, 1)
	require.Contains(t, done.Warnings[0], "exceeded")
}

func TestAdapterTimeoutStopsInvocation(t *testing.T) {
	t.Parallel()

	exited := make(chan struct{})
	reg := engine.NewRegistry()
	require.NoError(t, reg.Register(enginetest.New(model.KindWebApp, enginetest.Polling(exited)), 50*time.Millisecond))
	f := newFixture(t, reg)

	job, err := f.m.Submit(t.Context(), "", model.JobRequest{Target: "http://target.example", Kinds: []string{"webapp"}})
	require.NoError(t, err)
	done := wait(t, f.m, job.ID)
	require.Equal(t, model.StatusCompleted, done.Status)
	require.Len(t, done.Warnings, 1)
	require.Contains(t, done.Warnings[0], "exceeded")

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out adapter is still running")
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, registry(t))
	var testCases = []struct {
		scenario string
		given    model.JobRequest
	}{
		{"unknown kind", model.JobRequest{Target: "10.0.0.1", Kinds: []string{"fuzz"}}},
		{"no kinds", model.JobRequest{Target: "10.0.0.1"}},
		{"empty target", model.JobRequest{Kinds: []string{"network"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := f.m.Submit(t.Context(), "", tc.given)
			require.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	f := newFixture(t, registry(t))
	job, err := f.m.Submit(t.Context(), "alice", model.JobRequest{Target: "10.0.0.1", Kinds: []string{"network"}, Deferred: true})
	require.NoError(t, err)

	_, err = f.m.Status(t.Context(), "bob", job.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.m.Findings(t.Context(), "bob", job.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.m.Status(t.Context(), "alice", "missing")
	require.ErrorIs(t, err, model.ErrNotFound)

	got, err := f.m.Status(t.Context(), "alice", job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)

	// cancelling a pending job leaves it alone
	got, err = f.m.Cancel(t.Context(), "alice", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, registry(t, enginetest.New(model.KindWebApp, enginetest.Blocking(started, release))))

	job, err := f.m.Submit(t.Context(), "", model.JobRequest{Target: "http://target.example", Kinds: []string{"webapp"}})
	require.NoError(t, err)
	<-started
	require.Equal(t, 1, f.m.Active())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.m.Shutdown(ctx))
	require.Zero(t, f.m.Active())

	got, err := f.store.Get(t.Context(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, got.Status)
	require.Equal(t, "Scan cancelled: service shutting down", got.Error)

	_, err = f.m.Submit(t.Context(), "", model.JobRequest{Target: "http://target.example", Kinds: []string{"webapp"}})
	require.ErrorIs(t, err, service.ErrClosed)
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()

	f := newFixture(t, registry(t))
	target, err := model.ParseTarget("10.0.0.1")
	require.NoError(t, err)
	stale := model.NewJob("", target, []model.ScanKind{model.KindNetwork}, nil, time.Now())
	require.NoError(t, stale.Transition(model.StatusRunning, time.Now()))
	require.NoError(t, f.store.Create(t.Context(), stale))

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- f.m.Do(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.store.Get(t.Context(), stale.ID)
		return err == nil && got.Status == model.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	got, err := f.store.Get(t.Context(), stale.ID)
	require.NoError(t, err)
	require.Equal(t, "scan interrupted: service restarted", got.Error)

	cancel()
	require.NoError(t, <-errc)
}

func TestExport(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	web := enginetest.New(model.KindWebApp, enginetest.Steps(engine.Completed([]finding.Finding{
		sampleFinding("x", finding.SeverityHigh),
		sampleFinding("y", finding.SeverityInfo),
	}), 100))
	f := newFixture(t, registry(t, web), service.WithUploaders(service.NewWriteUploader(&buf)))

	job, err := f.m.Submit(t.Context(), "", model.JobRequest{Target: "http://target.example", Kinds: []string{"webapp"}})
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, wait(t, f.m, job.ID).Status)

	var bom cdx.BOM
	require.NoError(t, cdx.NewBOMDecoder(&buf, cdx.BOMFileFormatJSON).Decode(&bom))
	require.NotNil(t, bom.Vulnerabilities)
	require.Len(t, *bom.Vulnerabilities, 2)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	sick := enginetest.New(model.KindNetwork, nil)
	sick.Unhealthy = true
	f := newFixture(t, registry(t, enginetest.New(model.KindWebApp, nil), sick))

	h := f.m.Health(t.Context())
	require.False(t, h.Healthy)
	require.Equal(t, map[model.ScanKind]bool{model.KindWebApp: true, model.KindNetwork: false}, h.Engines)
	require.Zero(t, h.ActiveJobs)
}

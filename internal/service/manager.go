package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/scania/scanhub/internal/broadcast"
	"github.com/scania/scanhub/internal/engine"
	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/metrics"
	"github.com/scania/scanhub/internal/model"
	"github.com/scania/scanhub/internal/store"
)

var ErrClosed = errors.New("job manager is shut down")

const (
	defaultHeadroom   = 90
	defaultCancelWait = 5 * time.Second
	defaultJanitor    = "1m"
	healthTimeout     = 10 * time.Second
	exportTimeout     = 30 * time.Second
	resultsProgress   = 95
)

// Manager accepts jobs, spawns one Supervisor per started job and keeps the
// handles of running supervisors so jobs can be cancelled and awaited.
type Manager struct {
	store      store.Store
	engines    *engine.Registry
	events     *broadcast.Broadcaster
	metrics    *metrics.Metrics
	uploaders  []Uploader
	headroom   float64
	cancelWait time.Duration
	janitor    gocron.JobDefinition
	now        func() time.Time

	// supervisors outlive the request that started them
	base context.Context
	stop context.CancelFunc

	jobsMx    sync.Mutex
	closed    bool
	jobs      map[string]*Supervisor
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithUploaders replaces the uploaders built from service.export.
func WithUploaders(u ...Uploader) Option {
	return func(mgr *Manager) { mgr.uploaders = u }
}

func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

func NewManager(ctx context.Context, cfg model.Service, st store.Store, engines *engine.Registry, events *broadcast.Broadcaster, opts ...Option) (*Manager, error) {
	janitor, err := janitorJob(ctx, cfg.Jobs.Janitor)
	if err != nil {
		return nil, err
	}
	up, err := uploaders(cfg.Export)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}
	headroom := cfg.Jobs.Headroom
	if headroom <= 0 || headroom >= 100 {
		headroom = defaultHeadroom
	}

	base, stop := context.WithCancel(context.WithoutCancel(ctx))
	m := &Manager{
		store:      st,
		engines:    engines,
		events:     events,
		uploaders:  up,
		headroom:   float64(headroom),
		cancelWait: model.DurationOr(cfg.Jobs.CancelWait, defaultCancelWait),
		janitor:    janitor,
		now:        func() time.Time { return time.Now().UTC() },
		base:       base,
		stop:       stop,
		jobs:       make(map[string]*Supervisor),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Do runs the manager lifecycle. It fails jobs left running by a previous
// process, runs the janitor on its schedule and, once ctx ends, shuts the
// manager down.
func (m *Manager) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a job manager")

	if err := m.recoverStale(ctx); err != nil {
		slog.ErrorContext(ctx, "recovering stale jobs", "error", err)
	}

	scheduler, err := newScheduler(m.janitor, func() { m.reap(ctx) })
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*m.cancelWait)
	defer cancel()
	return m.Shutdown(shutdownCtx)
}

// Submit validates req and stores a new pending job owned by caller. Unless
// the request is deferred the job is started right away.
func (m *Manager) Submit(ctx context.Context, caller string, req model.JobRequest) (model.Job, error) {
	if m.isClosed() {
		return model.Job{}, ErrClosed
	}
	target, kinds, err := req.Validate()
	if err != nil {
		return model.Job{}, err
	}
	job := model.NewJob(caller, target, kinds, req.Options, m.now())
	if err := m.store.Create(ctx, job); err != nil {
		return model.Job{}, fmt.Errorf("creating job: %w", err)
	}
	m.metrics.JobSubmitted()
	m.events.Publish(job.ID, model.JobEvent(model.EventStatusChange, job, m.now()))
	slog.InfoContext(ctx, "job submitted", "job_id", job.ID, "target", job.Target, "kinds", job.Kinds, "owner", caller)

	if req.Deferred {
		return job, nil
	}
	return m.start(ctx, job)
}

// Start runs a pending job. For a job in any other state, or one already
// started, it is a no-op returning the current state.
func (m *Manager) Start(ctx context.Context, caller, jobID string) (model.Job, error) {
	job, err := m.Authorize(ctx, caller, jobID)
	if err != nil {
		return model.Job{}, err
	}
	return m.start(ctx, job)
}

func (m *Manager) start(ctx context.Context, job model.Job) (model.Job, error) {
	if job.Status != model.StatusPending {
		return job, nil
	}
	target, err := model.ParseTarget(job.Target)
	if err != nil {
		return job, err
	}

	m.jobsMx.Lock()
	defer m.jobsMx.Unlock()
	if m.closed {
		return job, ErrClosed
	}
	if s, ok := m.jobs[job.ID]; ok {
		return s.Job(), nil
	}
	s := newSupervisor(m, job, target)
	started, err := s.begin(ctx)
	if err != nil {
		return job, err
	}
	m.jobs[job.ID] = s
	m.wg.Go(func() { s.run(m.base) })
	m.metrics.SetActiveJobs(m.activeLocked())
	return started, nil
}

// Cancel stops a running job. The job is cancelled as soon as Cancel returns,
// the adapter in flight winds down in the background. Jobs in any other state
// are returned unchanged.
func (m *Manager) Cancel(ctx context.Context, caller, jobID string) (model.Job, error) {
	job, err := m.Authorize(ctx, caller, jobID)
	if err != nil {
		return model.Job{}, err
	}
	if job.Status != model.StatusRunning {
		return job, nil
	}
	s, ok := m.handle(jobID)
	if !ok {
		slog.WarnContext(ctx, "running job has no supervisor", "job_id", jobID)
		return job, nil
	}
	return s.cancel(ctx, "Scan cancelled by user")
}

// Status returns the job if caller may see it.
func (m *Manager) Status(ctx context.Context, caller, jobID string) (model.Job, error) {
	return m.Authorize(ctx, caller, jobID)
}

func (m *Manager) Findings(ctx context.Context, caller, jobID string) ([]finding.Finding, error) {
	if _, err := m.Authorize(ctx, caller, jobID); err != nil {
		return nil, err
	}
	return m.store.Findings(ctx, jobID)
}

// Authorize loads the job and checks that caller owns it. Jobs without an
// owner are visible to everybody.
func (m *Manager) Authorize(ctx context.Context, caller, jobID string) (model.Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return model.Job{}, err
	}
	if job.Owner != "" && job.Owner != caller {
		return model.Job{}, fmt.Errorf("%w: job %s", model.ErrForbidden, jobID)
	}
	return job, nil
}

// Health is the result of probing every registered engine.
type Health struct {
	Healthy    bool                    `json:"healthy"`
	Engines    map[model.ScanKind]bool `json:"engines"`
	ActiveJobs int                     `json:"activeJobs"`
}

func (m *Manager) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	engines := m.engines.HealthCheckAll(ctx)
	healthy := true
	for _, ok := range engines {
		healthy = healthy && ok
	}
	return Health{Healthy: healthy, Engines: engines, ActiveJobs: m.Active()}
}

// Active returns the number of supervisors still running.
func (m *Manager) Active() int {
	m.jobsMx.Lock()
	defer m.jobsMx.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	var n int
	for _, s := range m.jobs {
		if !s.finished() {
			n++
		}
	}
	return n
}

// Wait blocks until the supervisor of jobID returns or ctx ends, then returns
// the stored job.
func (m *Manager) Wait(ctx context.Context, jobID string) (model.Job, error) {
	if s, ok := m.handle(jobID); ok {
		select {
		case <-s.done:
		case <-ctx.Done():
			return model.Job{}, ctx.Err()
		}
	}
	return m.store.Get(ctx, jobID)
}

// Shutdown refuses new jobs, cancels the running ones and waits for their
// supervisors. When ctx ends first, adapter contexts are cancelled and the
// context error is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.jobsMx.Lock()
	m.closed = true
	running := slices.Collect(maps.Values(m.jobs))
	m.jobsMx.Unlock()

	for _, s := range running {
		if _, err := s.cancel(ctx, "Scan cancelled: service shutting down"); err != nil {
			slog.ErrorContext(ctx, "cancelling job", "job_id", s.id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for job supervisors: %w", ctx.Err())
	}
	m.stop()
	m.closeUploaders(ctx)
	return err
}

func (m *Manager) isClosed() bool {
	m.jobsMx.Lock()
	defer m.jobsMx.Unlock()
	return m.closed
}

func (m *Manager) handle(jobID string) (*Supervisor, bool) {
	m.jobsMx.Lock()
	defer m.jobsMx.Unlock()
	s, ok := m.jobs[jobID]
	return s, ok
}

// reap drops the handles of finished supervisors.
func (m *Manager) reap(ctx context.Context) {
	m.jobsMx.Lock()
	var reaped int
	for id, s := range m.jobs {
		if s.finished() {
			delete(m.jobs, id)
			reaped++
		}
	}
	active := m.activeLocked()
	m.jobsMx.Unlock()

	m.metrics.SetActiveJobs(active)
	stats := m.events.Stats()
	slog.DebugContext(ctx, "janitor",
		"reaped", reaped,
		"active_jobs", active,
		"subscriptions", stats.Subscriptions,
		"snapshots", stats.Snapshots,
		"dropped", stats.Dropped,
	)
}

// recoverStale fails jobs persisted as running that no supervisor of this
// process owns: their previous process ended while scanning.
func (m *Manager) recoverStale(ctx context.Context) error {
	stale, err := m.store.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		return err
	}
	var errs []error
	for _, job := range stale {
		if _, ok := m.handle(job.ID); ok {
			continue
		}
		now := m.now()
		if err := job.Transition(model.StatusFailed, now); err != nil {
			errs = append(errs, err)
			continue
		}
		job.Error = "scan interrupted: service restarted"
		job.Message = "Scan failed"
		if err := m.store.Update(ctx, job); err != nil {
			errs = append(errs, err)
			continue
		}
		m.metrics.JobFinished(string(job.Status))
		m.events.Publish(job.ID, model.JobEvent(model.EventCompletion, job, now))
		slog.WarnContext(ctx, "stale running job marked failed", "job_id", job.ID)
	}
	return errors.Join(errs...)
}

func (m *Manager) closeUploaders(ctx context.Context) {
	m.closeOnce.Do(func() {
		for _, u := range m.uploaders {
			if closer, ok := u.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
				}
			}
		}
	})
}

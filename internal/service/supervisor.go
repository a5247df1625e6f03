package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scania/scanhub/internal/bom"
	"github.com/scania/scanhub/internal/engine"
	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/log"
	"github.com/scania/scanhub/internal/model"
	"github.com/scania/scanhub/internal/telemetry"
)

// Supervisor runs the scan kinds of one job in order. While the job runs it
// is the only writer of the job record, every write happens under writeMu.
type Supervisor struct {
	m      *Manager
	id     string
	kinds  []model.ScanKind
	opts   engine.Options
	target model.Target

	done     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	writeMu sync.Mutex
	job     model.Job
	batches [][]finding.Finding

	mx      sync.Mutex
	current *engine.Invocation
}

func newSupervisor(m *Manager, job model.Job, target model.Target) *Supervisor {
	job = job.Clone()
	return &Supervisor{
		m:      m,
		id:     job.ID,
		kinds:  job.Kinds,
		opts:   engine.Options(job.Options),
		target: target,
		done:   make(chan struct{}),
		stopCh: make(chan struct{}),
		job:    job,
	}
}

// Job returns a copy of the job as the supervisor sees it.
func (s *Supervisor) Job() model.Job {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.job.Clone()
}

func (s *Supervisor) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Supervisor) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// begin moves the job to running.
func (s *Supervisor) begin(ctx context.Context) (model.Job, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	now := s.m.now()
	if err := s.job.Transition(model.StatusRunning, now); err != nil {
		return s.job.Clone(), err
	}
	s.job.Message = "Scan started"
	if err := s.m.store.Update(ctx, s.job); err != nil {
		return s.job.Clone(), fmt.Errorf("starting job: %w", err)
	}
	s.m.events.Publish(s.id, model.JobEvent(model.EventStatusChange, s.job, now))
	return s.job.Clone(), nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer func() {
		close(s.done)
		s.m.metrics.SetActiveJobs(s.m.Active())
	}()

	ctx = log.JobContext(ctx, s.id)
	kinds := make([]string, len(s.kinds))
	for i, k := range s.kinds {
		kinds[i] = string(k)
	}
	ctx, span := telemetry.Tracer().Start(ctx, "scan job", trace.WithAttributes(
		attribute.String("job.id", s.id),
		attribute.String("job.target", s.target.String()),
		attribute.StringSlice("job.kinds", kinds),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "job supervisor panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err := fmt.Errorf("internal error: %v", r)
			span.SetStatus(codes.Error, err.Error())
			s.finish(ctx, err)
		}
	}()

	fatal := s.sequence(ctx)
	if fatal != nil {
		span.SetStatus(codes.Error, fatal.Error())
	}
	s.finish(ctx, fatal)
}

// sequence runs every requested kind and returns the fatal fault that ended
// it early, if any.
func (s *Supervisor) sequence(ctx context.Context) error {
	total := float64(len(s.kinds))
	width := s.m.headroom / total
	for i, kind := range s.kinds {
		if s.stopped() {
			return nil
		}
		start := float64(i) / total * s.m.headroom

		entry, ok := s.m.engines.Resolve(kind)
		if !ok {
			s.warn(ctx, "scan kind %s is not available, skipped", kind)
			continue
		}
		s.progress(ctx, kind, start, fmt.Sprintf("Starting %s scan", kind))
		if !s.healthy(ctx, entry) {
			s.warn(ctx, "%s engine failed its health check, skipped", kind)
			continue
		}
		if !entry.Adapter.ValidateTarget(ctx, s.target) {
			s.warn(ctx, "target %s is not valid for %s, skipped", s.target.String(), kind)
			continue
		}

		out := s.invoke(ctx, kind, entry, start, width)
		s.writeMu.Lock()
		s.batches = append(s.batches, out.Findings)
		s.writeMu.Unlock()
		switch {
		case out.Status == model.StatusCancelled:
			return nil
		case out.Fatal():
			return fmt.Errorf("%s: %w", kind, out.Err)
		case out.Status == model.StatusFailed:
			s.warn(ctx, "%s scan failed: %v", kind, out.Err)
		}
	}
	return nil
}

func (s *Supervisor) healthy(ctx context.Context, entry engine.Entry) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return entry.Adapter.HealthCheck(ctx)
}

// invoke runs one adapter in a child goroutine so cancellation and the
// adapter timeout can be enforced with a bounded wait.
func (s *Supervisor) invoke(ctx context.Context, kind model.ScanKind, entry engine.Entry, start, width float64) engine.Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "adapter "+string(kind),
		trace.WithAttributes(attribute.String("scan.kind", string(kind))))
	defer span.End()
	ctx = log.ContextAttrs(ctx, slog.String("kind", string(kind)))

	inv := engine.NewInvocation(s.id, kind, s.opts,
		func(p float64, msg string) { s.progress(ctx, kind, start+p/100*width, msg) },
		func(f finding.Finding) { s.found(ctx, kind, f) },
	)
	if !s.attach(inv) {
		return engine.Cancelled(nil)
	}
	defer s.attach(nil)

	runCtx, cancel := context.WithCancel(ctx)
	if entry.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, entry.Timeout)
	}
	defer cancel()

	results := make(chan engine.Outcome, 1)
	s.m.wg.Go(func() {
		results <- engine.Run(runCtx, entry.Adapter, inv, s.target)
	})

	var out engine.Outcome
	select {
	case out = <-results:
	case <-s.stopCh:
		out = s.await(ctx, inv, results, engine.Cancelled(nil))
	case <-runCtx.Done():
		inv.Stop()
		out = s.await(ctx, inv, results, engine.Failed(runCtx.Err()))
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && out.Status != model.StatusCompleted {
		out.Status = model.StatusFailed
		out.Err = fmt.Errorf("%w: %s exceeded %s", engine.ErrTimeout, kind, entry.Timeout)
	}
	out.Kind = kind

	s.m.metrics.AdapterRun(string(kind), string(out.Status), out.Duration())
	span.SetAttributes(
		attribute.String("scan.status", string(out.Status)),
		attribute.Int("scan.findings", len(out.Findings)),
	)
	if out.Err != nil && out.Status == model.StatusFailed {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	slog.InfoContext(ctx, "adapter finished",
		"status", out.Status,
		"findings", len(out.Findings),
		"duration", out.Duration().String(),
		"error", out.Err,
	)
	return out
}

// await gives the adapter cancel_wait to return, then gives up on it. The
// invocation stays stopped either way.
func (s *Supervisor) await(ctx context.Context, inv *engine.Invocation, results <-chan engine.Outcome, fallback engine.Outcome) engine.Outcome {
	t := time.NewTimer(s.m.cancelWait)
	defer t.Stop()
	select {
	case out := <-results:
		return out
	case <-t.C:
		inv.Stop()
		slog.WarnContext(ctx, "adapter did not return in time, abandoning it", "wait", s.m.cancelWait.String())
		return fallback
	}
}

// attach records the invocation in flight. It refuses new invocations once
// the job is cancelled.
func (s *Supervisor) attach(inv *engine.Invocation) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if inv != nil && s.stopped() {
		return false
	}
	s.current = inv
	return true
}

// progress publishes the overall job progress. It never goes backwards and
// is dropped once the job is terminal.
func (s *Supervisor) progress(ctx context.Context, kind model.ScanKind, overall float64, msg string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.job.Status.Terminal() {
		return
	}
	s.job.Progress = max(s.job.Progress, min(overall, 100))
	s.job.Message = msg
	s.persist(ctx)
	ev := model.JobEvent(model.EventProgress, s.job, s.m.now())
	ev.ScannerKind = kind
	s.m.events.Publish(s.id, ev)
}

func (s *Supervisor) found(ctx context.Context, kind model.ScanKind, f finding.Finding) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.job.Status.Terminal() {
		return
	}
	ev := model.JobEvent(model.EventFinding, s.job, s.m.now())
	ev.ScannerKind = kind
	ev.Message = f.Title
	ev.Finding = &f
	s.m.events.Publish(s.id, ev)
	slog.DebugContext(ctx, "finding", "finding_id", f.ID, "severity", f.Severity.String())
}

// warn records a non-fatal problem on the job.
func (s *Supervisor) warn(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.WarnContext(ctx, msg)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.job.Status.Terminal() {
		return
	}
	s.job.Warnings = append(s.job.Warnings, msg)
	s.persist(ctx)
	ev := model.JobEvent(model.EventNotice, s.job, s.m.now())
	ev.Message = msg
	s.m.events.Publish(s.id, ev)
}

// cancel makes the job cancelled right away and signals the adapter in
// flight. A job that is not running is returned unchanged.
func (s *Supervisor) cancel(ctx context.Context, reason string) (model.Job, error) {
	s.writeMu.Lock()
	if s.job.Status != model.StatusRunning {
		job := s.job.Clone()
		s.writeMu.Unlock()
		return job, nil
	}
	now := s.m.now()
	if err := s.job.Transition(model.StatusCancelled, now); err != nil {
		job := s.job.Clone()
		s.writeMu.Unlock()
		return job, err
	}
	s.job.Message = reason
	s.job.Error = reason
	s.job.Summary = finding.Summarize(finding.Merge(s.batches...))
	s.persist(ctx)
	s.m.events.Publish(s.id, s.completion(now))
	job := s.job.Clone()
	s.writeMu.Unlock()

	s.m.metrics.JobFinished(string(model.StatusCancelled))
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mx.Lock()
	if s.current != nil {
		s.current.Stop()
	}
	s.mx.Unlock()
	slog.InfoContext(ctx, "job cancelled", "job_id", s.id, "reason", reason)
	return job, nil
}

// finish merges and stores the findings and moves the job to its terminal
// state. A job cancelled meanwhile is already final, only its findings are
// written.
func (s *Supervisor) finish(ctx context.Context, fatal error) {
	s.writeMu.Lock()
	merged := finding.Merge(s.batches...)
	s.writeMu.Unlock()
	s.progress(ctx, "", resultsProgress, "Processing scan results")

	saveErr := s.m.store.SaveFindings(context.WithoutCancel(ctx), s.id, merged)
	if saveErr != nil {
		slog.ErrorContext(ctx, "persisting findings", "error", saveErr)
	}
	for _, f := range merged {
		s.m.metrics.Findings(f.Engine, f.Severity.String(), 1)
	}

	s.writeMu.Lock()
	now := s.m.now()
	cancelled := s.job.Status.Terminal()
	if !cancelled {
		s.job.Summary = finding.Summarize(merged)
		var err error
		switch {
		case fatal != nil:
			err = s.fail(now, fatal.Error())
		case saveErr != nil:
			err = s.fail(now, "persisting findings: "+saveErr.Error())
		default:
			err = s.job.Transition(model.StatusCompleted, now)
			s.job.Message = fmt.Sprintf("Scan completed - %d findings", len(merged))
		}
		if err != nil {
			slog.ErrorContext(ctx, "finishing job", "error", err)
		}
		s.persist(ctx)
		s.m.events.Publish(s.id, s.completion(now))
	}
	job := s.job.Clone()
	s.writeMu.Unlock()

	if !cancelled {
		s.m.metrics.JobFinished(string(job.Status))
	}
	slog.InfoContext(ctx, "job finished",
		"status", job.Status,
		"findings", len(merged),
		"warnings", len(job.Warnings),
		"duration", job.Duration(now).String(),
		"error", job.Error,
	)
	s.export(ctx, job, merged)
}

// fail must be called with writeMu held.
func (s *Supervisor) fail(now time.Time, msg string) error {
	if err := s.job.Transition(model.StatusFailed, now); err != nil {
		return err
	}
	s.job.Error = msg
	s.job.Message = "Scan failed"
	return nil
}

// completion must be called with writeMu held.
func (s *Supervisor) completion(now time.Time) model.Event {
	ev := model.JobEvent(model.EventCompletion, s.job, now)
	summary := s.job.Summary
	ev.Summary = &summary
	ev.DurationSeconds = s.job.Duration(now).Seconds()
	return ev
}

// persist must be called with writeMu held. The write survives the end of
// ctx so a shutdown does not lose the final state.
func (s *Supervisor) persist(ctx context.Context) {
	if err := s.m.store.Update(context.WithoutCancel(ctx), s.job); err != nil {
		slog.ErrorContext(ctx, "persisting job", "error", err)
	}
}

func (s *Supervisor) export(ctx context.Context, job model.Job, findings []finding.Finding) {
	if len(s.m.uploaders) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := bom.ForJob(job, findings).AsJSON(&buf); err != nil {
		slog.ErrorContext(ctx, "formatting BOM as JSON", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exportTimeout)
	defer cancel()
	for _, u := range s.m.uploaders {
		if err := u.Upload(ctx, job.ID, buf.Bytes()); err != nil {
			slog.ErrorContext(ctx, "upload failed", "error", err)
		}
	}
}

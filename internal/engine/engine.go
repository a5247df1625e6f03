// Package engine defines the contract between the job supervisor and the scan
// engines, plus the registry mapping scan kinds to configured adapters.
//
// An Adapter is shared by every job requesting its kind. All per-run state
// (stop flag, progress watermark) lives in an Invocation, created by the
// supervisor for one Scan call and never reused, so a single adapter can serve
// concurrent jobs.
//
//	Supervisor                 Invocation                  Adapter
//	    | NewInvocation ---------->|                          |
//	    | Run(ctx, a, inv, t) ---------------------------------> Scan
//	    |                          |<-- Report(pct, msg) -------|
//	    |<-- progress callback ----|                          |
//	    | Stop() ----------------->| Stopped() == true -------->| returns cancelled
//	    |<------------------------ Outcome ---------------------|
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/model"
)

var (
	// ErrUnreachable marks a fault of the engine's control plane. It is fatal for the job.
	ErrUnreachable = errors.New("engine unreachable")
	// ErrPanic marks a panic recovered at the adapter boundary. It is fatal for the job.
	ErrPanic = errors.New("unexpected exception escaped adapter execution")

	ErrTimeout   = errors.New("engine timed out")
	ErrCancelled = errors.New("scan cancelled")
)

// Adapter is the uniform wrapper around one scan engine.
type Adapter interface {
	Kind() model.ScanKind
	// Configure stores deployment defaults. It is idempotent and ignores unknown keys.
	Configure(opts Options) error
	// ValidateTarget is a cheap, bounded shape or reachability check.
	ValidateTarget(ctx context.Context, target model.Target) bool
	// HealthCheck confirms the underlying tool is reachable.
	HealthCheck(ctx context.Context) bool
	// Scan executes the engine. It must report non-decreasing progress through
	// inv, poll inv.Stopped at every suspension point and return a terminal Outcome.
	Scan(ctx context.Context, inv *Invocation, target model.Target) Outcome
}

// Outcome is the terminal result of one Scan call.
type Outcome struct {
	Kind     model.ScanKind
	Status   model.Status
	Findings []finding.Finding
	Err      error
	Started  time.Time
	Stopped  time.Time
	Metadata map[string]string
}

func Completed(findings []finding.Finding) Outcome {
	return Outcome{Status: model.StatusCompleted, Findings: findings}
}

func Failed(err error) Outcome {
	return Outcome{Status: model.StatusFailed, Err: err}
}

// Cancelled keeps partial findings collected before the stop request.
func Cancelled(findings []finding.Finding) Outcome {
	return Outcome{Status: model.StatusCancelled, Findings: findings, Err: ErrCancelled}
}

// Interrupted builds the outcome of a scan whose wait was cut short: cancelled
// when the invocation was stopped, failed with the context error otherwise.
func Interrupted(ctx context.Context, inv *Invocation, findings []finding.Finding) Outcome {
	if inv.Stopped() {
		return Cancelled(findings)
	}
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	out := Failed(err)
	out.Findings = findings
	return out
}

// Fatal reports whether the fault must abort the remaining kinds of a job.
func (o Outcome) Fatal() bool {
	return o.Status == model.StatusFailed &&
		(errors.Is(o.Err, ErrUnreachable) || errors.Is(o.Err, ErrPanic))
}

func (o Outcome) Duration() time.Duration {
	return o.Stopped.Sub(o.Started)
}

// Run calls a.Scan, converting a panic into a failed outcome and stamping
// kind and timings. It never panics itself.
func Run(ctx context.Context, a Adapter, inv *Invocation, target model.Target) (out Outcome) {
	started := time.Now().UTC()
	inv.running.Store(true)
	defer func() {
		inv.running.Store(false)
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "adapter panicked",
				"kind", inv.Kind,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			out = Failed(fmt.Errorf("%w: %v", ErrPanic, r))
		}
		out.Kind = inv.Kind
		out.Started = started
		out.Stopped = time.Now().UTC()
		if out.Status == "" {
			out.Status = model.StatusCompleted
		}
		if out.Status == model.StatusFailed && out.Err == nil {
			out.Err = errors.New("scan failed")
		}
	}()
	return a.Scan(ctx, inv, target)
}

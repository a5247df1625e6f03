// Package enginetest provides a scriptable adapter for tests.
package enginetest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scania/scanhub/internal/engine"
	"github.com/scania/scanhub/internal/model"
)

type ScanFunc func(ctx context.Context, inv *engine.Invocation, target model.Target) engine.Outcome

// Fake is an engine.Adapter whose behaviour is set by its fields. Unhealthy
// and Invalid invert the zero value so a bare Fake is usable.
type Fake struct {
	KindValue model.ScanKind
	Unhealthy bool
	Invalid   bool
	ScanFunc  ScanFunc

	scans atomic.Int32

	mx         sync.Mutex
	configured engine.Options
}

func New(kind model.ScanKind, scan ScanFunc) *Fake {
	return &Fake{KindValue: kind, ScanFunc: scan}
}

func (f *Fake) Kind() model.ScanKind { return f.KindValue }

func (f *Fake) Configure(opts engine.Options) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.configured = engine.Options{}.Merge(opts)
	return nil
}

func (f *Fake) Configured() engine.Options {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.configured
}

func (f *Fake) ValidateTarget(context.Context, model.Target) bool { return !f.Invalid }

func (f *Fake) HealthCheck(context.Context) bool { return !f.Unhealthy }

func (f *Fake) Scan(ctx context.Context, inv *engine.Invocation, target model.Target) engine.Outcome {
	f.scans.Add(1)
	if f.ScanFunc == nil {
		inv.Report(100, "done")
		return engine.Completed(nil)
	}
	return f.ScanFunc(ctx, inv, target)
}

// Scans returns how many times Scan was called.
func (f *Fake) Scans() int { return int(f.scans.Load()) }

// Steps returns a ScanFunc reporting each percentage in turn and then
// returning out.
func Steps(out engine.Outcome, percents ...float64) ScanFunc {
	return func(_ context.Context, inv *engine.Invocation, _ model.Target) engine.Outcome {
		for _, p := range percents {
			if inv.Stopped() {
				return engine.Cancelled(nil)
			}
			inv.Report(p, "step")
		}
		return out
	}
}

// Blocking returns a ScanFunc that ignores the stop flag and returns only
// when ctx ends or release is closed.
func Blocking(started chan<- struct{}, release <-chan struct{}) ScanFunc {
	return func(ctx context.Context, inv *engine.Invocation, _ model.Target) engine.Outcome {
		inv.Report(10, "blocking")
		if started != nil {
			close(started)
		}
		select {
		case <-ctx.Done():
			return engine.Failed(ctx.Err())
		case <-release:
			return engine.Completed(nil)
		}
	}
}

// Polling returns a ScanFunc that ignores ctx and ticks until the invocation
// is stopped. exited is closed when it returns.
func Polling(exited chan<- struct{}) ScanFunc {
	return func(_ context.Context, inv *engine.Invocation, _ model.Target) engine.Outcome {
		defer close(exited)
		for tick := 0; !inv.Stopped(); tick++ {
			inv.Report(float64(min(tick, 99)), "polling")
			time.Sleep(time.Millisecond)
		}
		return engine.Cancelled(nil)
	}
}

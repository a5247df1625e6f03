package engine

import (
	"context"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/model"
)

// ProgressFunc receives the adapter-local progress in [0,100].
type ProgressFunc func(percent float64, message string)

// FindingFunc receives findings as soon as an adapter produces them.
type FindingFunc func(f finding.Finding)

// Invocation carries the state of exactly one Scan call.
type Invocation struct {
	JobID   string
	Kind    model.ScanKind
	Options Options

	stopped  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool

	mx       sync.Mutex
	last     float64
	progress ProgressFunc
	found    FindingFunc
}

func NewInvocation(jobID string, kind model.ScanKind, opts Options, progress ProgressFunc, found FindingFunc) *Invocation {
	return &Invocation{
		JobID:    jobID,
		Kind:     kind,
		Options:  maps.Clone(opts),
		done:     make(chan struct{}),
		progress: progress,
		found:    found,
	}
}

// Stop raises the cooperative stop flag. Safe to call many times.
func (i *Invocation) Stop() {
	i.stopOnce.Do(func() {
		i.stopped.Store(true)
		close(i.done)
	})
}

func (i *Invocation) Stopped() bool { return i.stopped.Load() }

// Done is closed by Stop.
func (i *Invocation) Done() <-chan struct{} { return i.done }

// Running reports whether Run is currently executing the adapter.
func (i *Invocation) Running() bool { return i.running.Load() }

// Report forwards progress. Values below the last reported one are raised to
// it and values above 100 are capped, so observers only see a non-decreasing
// sequence. Reports after Stop are dropped.
func (i *Invocation) Report(percent float64, message string) {
	if i.Stopped() {
		return
	}
	i.mx.Lock()
	defer i.mx.Unlock()
	if percent < i.last || math.IsNaN(percent) {
		percent = i.last
	}
	if percent > 100 {
		percent = 100
	}
	i.last = percent
	if i.progress != nil {
		i.progress(percent, message)
	}
}

// Progress returns the last reported value.
func (i *Invocation) Progress() float64 {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.last
}

// Found announces a finding before the scan completes.
func (i *Invocation) Found(f finding.Finding) {
	if i.found == nil || i.Stopped() {
		return
	}
	i.found(f)
}

// Sleep waits for d. It returns false early when the invocation is stopped or
// ctx ends; polling loops must return in that case.
func (i *Invocation) Sleep(ctx context.Context, d time.Duration) bool {
	if i.Stopped() || ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !i.Stopped()
	case <-i.done:
		return false
	case <-ctx.Done():
		return false
	}
}

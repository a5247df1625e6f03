package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/scania/scanhub/internal/model"
	"github.com/scania/scanhub/internal/parallel"
)

const healthTimeout = 10 * time.Second

// Entry is a configured adapter with its maximum scan duration.
type Entry struct {
	Adapter Adapter
	Timeout time.Duration
}

// Registry maps scan kinds to adapters. It is populated once at startup and
// must not be modified after it has been shared.
type Registry struct {
	entries map[model.ScanKind]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[model.ScanKind]Entry)}
}

// Register adds a under its kind. A second adapter for the same kind is an error.
func (r *Registry) Register(a Adapter, timeout time.Duration) error {
	kind := a.Kind()
	if !kind.Valid() {
		return fmt.Errorf("registering adapter: invalid scan kind %q", kind)
	}
	if _, ok := r.entries[kind]; ok {
		return fmt.Errorf("registering adapter: kind %s already registered", kind)
	}
	r.entries[kind] = Entry{Adapter: a, Timeout: timeout}
	return nil
}

func (r *Registry) Resolve(kind model.ScanKind) (Entry, bool) {
	e, ok := r.entries[kind]
	return e, ok
}

// Kinds returns the registered kinds in declaration order.
func (r *Registry) Kinds() []model.ScanKind {
	out := make([]model.ScanKind, 0, len(r.entries))
	for _, k := range model.ScanKinds() {
		if _, ok := r.entries[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

type health struct {
	kind model.ScanKind
	ok   bool
}

// HealthCheckAll checks every registered adapter concurrently, each bounded
// by a ten second timeout.
func (r *Registry) HealthCheckAll(ctx context.Context) map[model.ScanKind]bool {
	kinds := r.Kinds()
	out := make(map[model.ScanKind]bool, len(kinds))
	if len(kinds) == 0 {
		return out
	}

	check := func(ctx context.Context, kind model.ScanKind) (health, error) {
		ctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		return health{kind: kind, ok: r.entries[kind].Adapter.HealthCheck(ctx)}, nil
	}
	for h := range parallel.NewMap(ctx, len(kinds), check).Iter(parallel.Slice(kinds)) {
		out[h.kind] = h.ok
	}
	// kinds whose check did not finish before ctx ended are unhealthy
	for _, k := range kinds {
		if _, ok := out[k]; !ok {
			out[k] = false
		}
	}
	return out
}

// Has reports whether every kind in kinds is registered.
func (r *Registry) Has(kinds ...model.ScanKind) bool {
	return !slices.ContainsFunc(kinds, func(k model.ScanKind) bool {
		_, ok := r.entries[k]
		return !ok
	})
}

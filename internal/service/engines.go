package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/scania/scanhub/internal/engine"
	"github.com/scania/scanhub/internal/engine/nmap"
	"github.com/scania/scanhub/internal/engine/zap"
	"github.com/scania/scanhub/internal/model"
)

// Engines is the registry built from the deployment configuration plus the
// adapters holding resources that must be released on shutdown.
type Engines struct {
	*engine.Registry
	closers []io.Closer
}

// NewEngines registers an adapter for every enabled engine section.
func NewEngines(ctx context.Context, cfg model.Engines) (*Engines, error) {
	e := &Engines{Registry: engine.NewRegistry()}

	if z := cfg.ZAP; z != nil && z.Enabled {
		client, err := zap.NewClient(z.URL, z.APIKey, z.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("engines.zap: %w", err)
		}
		var opts []zap.Option
		if z.Daemon != nil {
			opts = append(opts, zap.WithDaemon(zap.NewDaemon(z.Daemon.Path, z.Daemon.Args, client)))
		}
		scanner := zap.New(client, opts...)
		if err := e.add(scanner, z.Options, z.TimeoutDuration()); err != nil {
			return nil, fmt.Errorf("engines.zap: %w", err)
		}
		e.closers = append(e.closers, scanner)
		slog.DebugContext(ctx, "engine registered", "kind", scanner.Kind(), "url", z.URL)
	}

	if n := cfg.Nmap; n != nil && n.Enabled {
		scanner := nmap.New(nmap.WithBinary(n.Binary))
		if err := e.add(scanner, n.Options, n.TimeoutDuration()); err != nil {
			return nil, fmt.Errorf("engines.nmap: %w", err)
		}
		slog.DebugContext(ctx, "engine registered", "kind", scanner.Kind(), "binary", n.Binary)
	}

	if len(e.Kinds()) == 0 {
		slog.WarnContext(ctx, "no scan engine is enabled")
	}
	return e, nil
}

// NewEnginesFrom wraps an already populated registry.
func NewEnginesFrom(r *engine.Registry) *Engines {
	return &Engines{Registry: r}
}

func (e *Engines) add(a engine.Adapter, opts map[string]any, timeout time.Duration) error {
	if err := a.Configure(engine.Options(opts)); err != nil {
		return err
	}
	return e.Register(a, timeout)
}

func (e *Engines) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scania/scanhub/internal/api"
	"github.com/scania/scanhub/internal/bom"
	"github.com/scania/scanhub/internal/broadcast"
	"github.com/scania/scanhub/internal/metrics"
	"github.com/scania/scanhub/internal/model"
	"github.com/scania/scanhub/internal/service"
	"github.com/scania/scanhub/internal/store"
	"github.com/scania/scanhub/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the scan service with its HTTP and WebSocket API",
	RunE:  doServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "address to listen on, overrides service.listen")
	serveCmd.Flags().String("database", "", "sqlite database path, overrides service.database")
	for _, name := range []string{"listen", "database"} {
		if err := overrides.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.Service
	if v := overrides.GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v := overrides.GetString("database"); v != "" {
		cfg.Database = v
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, bom.Version())
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.ErrorContext(ctx, "shutting down tracing", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.ErrorContext(ctx, "closing store", "error", err)
		}
	}()

	engines, err := service.NewEngines(ctx, config.Engines)
	if err != nil {
		return err
	}
	defer func() {
		if err := engines.Close(); err != nil {
			slog.ErrorContext(ctx, "closing engines", "error", err)
		}
	}()

	m := metrics.New()
	events := broadcast.New(
		broadcast.WithGrace(cfg.Progress.GraceDuration()),
		broadcast.WithQueueSize(cfg.Progress.QueueSize),
		broadcast.WithMetrics(m),
	)
	defer events.Close()

	manager, err := service.NewManager(ctx, cfg, st, engines.Registry, events, service.WithMetrics(m))
	if err != nil {
		return err
	}
	auth, err := api.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	srv, err := api.New(manager, events, auth,
		api.WithMetrics(m),
		api.WithHeartbeat(cfg.Progress.HeartbeatDuration()),
	)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Do(gctx)
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "scanhub listening", "addr", cfg.Listen, "engines", engines.Kinds())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		events.BroadcastAll(model.Event{Type: model.EventNotice, Message: "Service shutting down"})
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(sctx)
		srv.Close()
		return err
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg model.Service) (store.Store, error) {
	if cfg.Database == "" {
		slog.WarnContext(ctx, "no database configured, jobs are kept in memory")
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(ctx, cfg.Database)
}

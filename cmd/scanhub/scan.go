package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scania/scanhub/internal/bom"
	"github.com/scania/scanhub/internal/broadcast"
	"github.com/scania/scanhub/internal/model"
	"github.com/scania/scanhub/internal/service"
	"github.com/scania/scanhub/internal/store"
)

const localCaller = "cli"

var (
	flagTarget  string
	flagKinds   []string
	flagOptions []string
	flagOutput  string
	flagQuiet   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "run a single scan job in process and print the result",
	Example: `  scanhub scan --target 10.0.0.5 --kind network
  scanhub scan --target https://app.example --kind webapp --option max_crawl_depth=2`,
	RunE: doScan,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "check the configured scan engines",
	RunE:  doHealth,
}

func init() {
	scanCmd.Flags().StringVar(&flagTarget, "target", "", "URL, host name or IP address to scan")
	scanCmd.Flags().StringSliceVar(&flagKinds, "kind", nil, "scan kind, may be repeated")
	scanCmd.Flags().StringArrayVar(&flagOptions, "option", nil, "engine option as key=value, value is parsed as YAML")
	scanCmd.Flags().StringVar(&flagOutput, "output", "bom", "result format: bom or json")
	scanCmd.Flags().BoolVar(&flagQuiet, "quiet", false, "do not print progress events")
	_ = scanCmd.MarkFlagRequired("target")
	_ = scanCmd.MarkFlagRequired("kind")
}

func doScan(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if flagOutput != "bom" && flagOutput != "json" {
		return fmt.Errorf("unsupported output %q: use bom or json", flagOutput)
	}
	opts, err := parseOptions(flagOptions)
	if err != nil {
		return err
	}

	engines, err := service.NewEngines(ctx, config.Engines)
	if err != nil {
		return err
	}
	defer func() {
		_ = engines.Close()
	}()

	// one shot runs never export on their own, the result goes to stdout
	cfg := config.Service
	cfg.Export = nil
	st := store.NewMemory()
	events := broadcast.New(broadcast.WithQueueSize(cfg.Progress.QueueSize))
	defer events.Close()
	manager, err := service.NewManager(ctx, cfg, st, engines.Registry, events)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(sctx); err != nil {
			slog.ErrorContext(ctx, "shutting down", "error", err)
		}
	}()

	job, err := manager.Submit(ctx, localCaller, model.JobRequest{
		Target:   flagTarget,
		Kinds:    flagKinds,
		Options:  opts,
		Deferred: true,
	})
	if err != nil {
		return err
	}

	sub := events.Attach(localCaller, broadcast.AttachOptions{AutoClose: true})
	defer events.Detach(sub.ID)
	if _, err := events.Subscribe(sub.ID, job.ID); err != nil {
		return err
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		enc := json.NewEncoder(os.Stderr)
		for ev := range sub.Events() {
			if !flagQuiet {
				_ = enc.Encode(ev)
			}
			if ev.Terminal() {
				return
			}
		}
	}()

	if _, err := manager.Start(ctx, localCaller, job.ID); err != nil {
		return err
	}
	// an interrupt cancels the job, Wait below still returns its final state
	jobID := job.ID
	stopInterrupt := context.AfterFunc(ctx, func() {
		if _, err := manager.Cancel(context.WithoutCancel(ctx), localCaller, jobID); err != nil {
			slog.Error("cancelling job", "job_id", jobID, "error", err)
		}
	})
	defer stopInterrupt()

	wctx := context.WithoutCancel(ctx)
	job, err = manager.Wait(wctx, job.ID)
	if err != nil {
		return err
	}
	select {
	case <-printed:
	case <-time.After(time.Second):
	}

	findings, err := manager.Findings(wctx, localCaller, job.ID)
	if err != nil {
		return err
	}
	switch flagOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(struct {
			Job      model.Job `json:"job"`
			Findings any       `json:"findings"`
		}{job, findings})
	default:
		err = bom.ForJob(job, findings).AsJSON(os.Stdout)
	}
	if err != nil {
		return fmt.Errorf("writing result: %w", err)
	}

	if job.Status != model.StatusCompleted {
		return fmt.Errorf("scan %s: %s", job.Status, job.Error)
	}
	for _, w := range job.Warnings {
		slog.WarnContext(ctx, "scan warning", "job_id", job.ID, "warning", w)
	}
	return nil
}

// parseOptions turns key=value pairs into engine options. Values are YAML
// scalars, so --option enable_spider=false yields a bool.
func parseOptions(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, raw, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("option %q: expected key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("option %q: %w", k, err)
		}
		if v == nil {
			v = raw
		}
		out[k] = v
	}
	return out, nil
}

func doHealth(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	engines, err := service.NewEngines(ctx, config.Engines)
	if err != nil {
		return err
	}
	defer func() {
		_ = engines.Close()
	}()

	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	checks := engines.HealthCheckAll(hctx)
	healthy := len(checks) > 0
	for _, ok := range checks {
		healthy = healthy && ok
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(service.Health{Healthy: healthy, Engines: checks}); err != nil {
		return err
	}
	if !healthy {
		return exitError(2)
	}
	return nil
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/scania/scanhub/internal/model"
)

// ParseCron validates a 5 field cron expression or a macro such as @hourly
// or @every 5m.
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return fmt.Errorf("empty cron expression")
	}

	// Macros / @every handled by ParseStandard (it also supports plain 5-field specs).
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}

// janitorJob turns service.jobs.janitor into a gocron job definition. A
// value parsing as a duration wins over a cron expression.
func janitorJob(ctx context.Context, spec string) (gocron.JobDefinition, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = defaultJanitor
	}
	if d, err := model.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("parsing service.jobs.janitor: duration must be positive")
		}
		slog.DebugContext(ctx, "successfully parsed", "janitor", d.String())
		return gocron.DurationJob(d), nil
	}
	if err := ParseCron(spec); err != nil {
		return nil, fmt.Errorf("parsing service.jobs.janitor: %w", err)
	}
	slog.DebugContext(ctx, "successfully parsed", "cron", spec)
	return gocron.CronJob(spec, false), nil
}

func newScheduler(job gocron.JobDefinition, task func()) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

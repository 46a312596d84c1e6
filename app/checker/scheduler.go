package checker

import (
	"context"
	"fmt"

	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/utils"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules are cron specs with an optional seconds field. An empty spec
// disables the job.
type Schedules struct {
	Height     string
	Ping       string
	Validation string
	Discovery  string
	Prune      string
}

// SchedulesFromEnv reads the *_CRON variables.
func SchedulesFromEnv() Schedules {
	return Schedules{
		Height:     utils.Env("HEIGHT_CRON", "0 */2 * * * *"),
		Ping:       utils.Env("PING_CRON", "30 */5 * * * *"),
		Validation: utils.Env("VALIDATION_CRON", "0 */10 * * * *"),
		Discovery:  utils.Env("DISCOVERY_CRON", "0 0 * * * *"),
		Prune:      utils.Env("PRUNE_CRON", "0 30 3 * * *"),
	}
}

// SetupScheduler registers one cron job per configured schedule. Check rounds
// always start on their tick, even while the previous round of the same kind
// is still running, so each tick gets its own check run. Discovery and prune
// rewrite shared state and are skipped while still running.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger) error {
	// Seconds field, optional
	a.Cron = cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)

	jobs := []struct {
		name      string
		spec      string
		exclusive bool
		fn        func(context.Context) error
	}{
		{"height", a.Schedules.Height, false, func(ctx context.Context) error { return a.Run(ctx, models.EventHeightRound) }},
		{"ping", a.Schedules.Ping, false, func(ctx context.Context) error { return a.Run(ctx, models.EventPingRound) }},
		{"validation", a.Schedules.Validation, false, func(ctx context.Context) error { return a.Run(ctx, models.EventValidation) }},
		{"discovery", a.Schedules.Discovery, true, func(ctx context.Context) error {
			_, err := a.Engine.Discover(ctx)
			return err
		}},
		{"prune", a.Schedules.Prune, true, func(ctx context.Context) error {
			_, err := a.Engine.Prune(ctx, a.Retention)
			return err
		}},
	}
	for _, job := range jobs {
		if job.spec == "" {
			a.Logger.Info("Schedule disabled", zap.String("job", job.name))
			continue
		}
		var wrapped cron.Job = cron.FuncJob(func() {
			if err := job.fn(ctx); err != nil {
				a.Logger.Error("Scheduled job failed", zap.String("job", job.name), zap.Error(err))
			}
		})
		if job.exclusive {
			wrapped = cron.NewChain(cron.SkipIfStillRunning(logger)).Then(wrapped)
		}
		if _, err := a.Cron.AddJob(job.spec, wrapped); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.spec, err)
		}
	}
	return nil
}

// Run executes the entry point for kind and waits for it to finish.
func (a *App) Run(ctx context.Context, kind models.EventKind) error {
	switch kind {
	case models.EventHeightRound:
		_, err := a.Engine.RunHeightRound(ctx)
		return err
	case models.EventPingRound:
		_, err := a.Engine.RunPingRound(ctx)
		return err
	case models.EventValidation:
		_, err := a.Validator.RunValidationSweep(ctx)
		return err
	default:
		return fmt.Errorf("unknown run kind %q", kind)
	}
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("Cron started",
		zap.String("height", a.Schedules.Height),
		zap.String("ping", a.Schedules.Ping),
		zap.String("validation", a.Schedules.Validation),
		zap.String("discovery", a.Schedules.Discovery),
		zap.String("prune", a.Schedules.Prune))
}

// StopCron stops the scheduler and waits for running jobs.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/chainheights/pkg/checker"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
	"github.com/canopy-network/chainheights/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RunPingRound pings every provider advertising the ping check and completes
// the run after all of them reported.
func (e *Engine) RunPingRound(ctx context.Context) (report RoundReport, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "ping_round")
	defer func() { telemetry.End(span, err) }()

	run, err := e.Store.CreateCheckRun(ctx, models.CheckPing, e.now())
	if err != nil {
		return report, fmt.Errorf("create ping run: %w", err)
	}
	report.Run = run
	logger := e.Logger.With(zap.Int64("run_id", run.ID), zap.String("kind", string(models.CheckPing)))

	providers := e.Registry.Supporting(models.CheckPing)
	report.Jobs = len(providers)

	var results, failures atomic.Int64
	group := e.Pool.NewGroup()
	for _, p := range providers {
		group.Submit(func() {
			ok, stored := e.runPingJob(ctx, logger, run.ID, p)
			if !ok {
				failures.Add(1)
			}
			if stored {
				results.Add(1)
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		logger.Warn("ping round group reported an error", zap.Error(err))
	}
	report.Results = int(results.Load())
	report.Failures = int(failures.Load())

	persistCtx := context.WithoutCancel(ctx)
	completedAt := e.now()
	if err := e.Store.FinalizeCheckRun(persistCtx, run.ID, nil, completedAt); err != nil {
		return report, fmt.Errorf("finalize run %d: %w", run.ID, err)
	}
	run.CompletedAt = &completedAt
	e.notify(persistCtx, models.RunEvent{
		Kind:        models.EventPingRound,
		RunID:       run.ID,
		Results:     report.Results,
		Failures:    report.Failures,
		CompletedAt: completedAt,
	})
	logger.Info("ping round completed", zap.Int("results", report.Results), zap.Int("failures", report.Failures))
	return report, nil
}

func (e *Engine) runPingJob(ctx context.Context, logger *zap.Logger, runID int64, p provider.Provider) (ok, stored bool) {
	spanCtx, span := telemetry.Start(ctx, tracerName, "provider.ping", attribute.String("provider", p.ID()))
	outcome := checker.Execute(spanCtx, checker.Void(p.Ping))
	span.SetAttributes(attribute.String("status", string(outcome.Status)))
	span.End()

	persistCtx := context.WithoutCancel(ctx)
	result := &models.PingResult{
		RunID:      runID,
		ProviderID: p.ID(),
		Status:     outcome.Status,
		StartedAt:  outcome.StartedAt,
		Duration:   outcome.Duration,
	}
	if outcome.Error != nil {
		if err := e.Store.InsertErrorRecord(persistCtx, outcome.Error); err != nil {
			logger.Error("store error record", zap.String("provider", p.ID()), zap.Error(err))
		} else {
			result.ErrorID = &outcome.Error.ID
		}
	}
	if err := e.Store.InsertPingResult(persistCtx, result); err != nil {
		logger.Error("store ping result", zap.String("provider", p.ID()), zap.Error(err))
		return outcome.OK(), false
	}
	return outcome.OK(), true
}

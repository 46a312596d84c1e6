package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/chainheights/pkg/checker"
	"github.com/canopy-network/chainheights/pkg/consensus"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
	"github.com/canopy-network/chainheights/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// bulkShare is the fraction of chains a bulk call is assumed to cost, so a bulk
// result's duration stays comparable with single-chain calls.
const bulkShare = 0.8

type heightJob struct {
	provider provider.Provider
	chains   []string
	bulk     bool
}

type roundCounters struct {
	results  atomic.Int64
	failures atomic.Int64
}

// RunHeightRound creates a height CheckRun, dispatches one job per
// (provider, chain) or one bulk job per bulk provider, and finalizes the run
// after every job reported. It returns once the run is completed.
func (e *Engine) RunHeightRound(ctx context.Context) (report RoundReport, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "height_round")
	defer func() { telemetry.End(span, err) }()

	run, err := e.Store.CreateCheckRun(ctx, models.CheckHeight, e.now())
	if err != nil {
		return report, fmt.Errorf("create height run: %w", err)
	}
	report.Run = run
	logger := e.Logger.With(zap.Int64("run_id", run.ID), zap.String("kind", string(models.CheckHeight)))

	jobs, skipped := e.planHeightJobs(ctx, logger)
	report.Jobs = len(jobs)
	report.Skipped = skipped
	logger.Debug("dispatching height round", zap.Int("jobs", len(jobs)), zap.Strings("skipped", skipped))

	var counters roundCounters
	group := e.Pool.NewGroup()
	for _, job := range jobs {
		group.Submit(func() {
			if job.bulk {
				e.runBulkJob(ctx, logger, run.ID, job, &counters)
				return
			}
			e.runHeightJob(ctx, logger, run.ID, job.provider, job.chains[0], &counters)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		logger.Warn("height round group reported an error", zap.Error(err))
	}

	report.Results = int(counters.results.Load())
	report.Failures = int(counters.failures.Load())
	if err := e.finalizeHeightRun(ctx, logger, run); err != nil {
		return report, err
	}
	return report, nil
}

// planHeightJobs resolves the chains of every eligible provider. A provider
// whose chain listing fails sits the round out.
func (e *Engine) planHeightJobs(ctx context.Context, logger *zap.Logger) ([]heightJob, []string) {
	type plan struct {
		p      provider.Provider
		chains []provider.ChainDescriptor
		err    error
	}
	var eligible []provider.Provider
	for _, p := range e.Registry.All() {
		checks := p.SupportedChecks()
		if checks.Has(models.CheckHeight) || (e.Registry.IsBulk(p.ID()) && checks.Has(models.CheckBulkHeight)) {
			eligible = append(eligible, p)
		}
	}

	plans := make([]plan, len(eligible))
	group := e.Pool.NewGroup()
	for i, p := range eligible {
		// overwritten by the task; stays set if the pool stops first
		plans[i] = plan{p: p, err: pond.ErrGroupStopped}
		group.Submit(func() {
			chains, err := p.SupportedChains(ctx)
			plans[i] = plan{p: p, chains: chains, err: err}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		logger.Warn("chain listing group reported an error", zap.Error(err))
	}

	var (
		jobs    []heightJob
		skipped []string
	)
	for _, pl := range plans {
		id := pl.p.ID()
		if pl.err != nil {
			logger.Warn("provider unavailable for round", zap.String("provider", id), zap.Error(pl.err))
			skipped = append(skipped, id)
			continue
		}
		if len(pl.chains) == 0 {
			continue
		}
		slugs := make([]string, 0, len(pl.chains))
		for _, c := range pl.chains {
			slugs = append(slugs, c.Slug)
		}
		if e.Registry.IsBulk(id) && pl.p.SupportedChecks().Has(models.CheckBulkHeight) {
			jobs = append(jobs, heightJob{provider: pl.p, chains: slugs, bulk: true})
			continue
		}
		for _, slug := range slugs {
			jobs = append(jobs, heightJob{provider: pl.p, chains: []string{slug}})
		}
	}
	return jobs, skipped
}

func (e *Engine) runHeightJob(ctx context.Context, logger *zap.Logger, runID int64, p provider.Provider, chain string, counters *roundCounters) {
	spanCtx, span := telemetry.Start(ctx, tracerName, "provider.height",
		attribute.String("provider", p.ID()), attribute.String("chain", chain))
	outcome := checker.Execute(spanCtx, func(ctx context.Context) (uint64, error) {
		return p.Height(ctx, chain)
	})
	span.SetAttributes(attribute.String("status", string(outcome.Status)))
	span.End()

	persistCtx := context.WithoutCancel(ctx)
	result := &models.ChainResult{
		RunID:      runID,
		ProviderID: p.ID(),
		ChainSlug:  chain,
		Height:     outcome.Result,
		Status:     outcome.Status,
		StartedAt:  outcome.StartedAt,
		Duration:   outcome.Duration,
	}
	if outcome.Error != nil {
		counters.failures.Add(1)
		if err := e.Store.InsertErrorRecord(persistCtx, outcome.Error); err != nil {
			logger.Error("store error record", zap.String("provider", p.ID()), zap.String("chain", chain), zap.Error(err))
		} else {
			result.ErrorID = &outcome.Error.ID
		}
		logger.Debug("height check failed",
			zap.String("provider", p.ID()),
			zap.String("chain", chain),
			zap.String("tag", string(outcome.Error.Tag)),
			zap.String("status", string(outcome.Status)))
	}
	if err := e.Store.InsertChainResult(persistCtx, result); err != nil {
		logger.Error("store chain result", zap.String("provider", p.ID()), zap.String("chain", chain), zap.Error(err))
		return
	}
	counters.results.Add(1)
}

// BulkDuration splits a bulk call's duration across n chains.
func BulkDuration(total time.Duration, n int) time.Duration {
	divisor := int(math.Ceil(float64(n) * bulkShare))
	if divisor < 1 {
		divisor = 1
	}
	return total / time.Duration(divisor)
}

// runBulkJob issues one bulk call. A failure is attributed to every chain of
// the batch through one shared ErrorRecord.
func (e *Engine) runBulkJob(ctx context.Context, logger *zap.Logger, runID int64, job heightJob, counters *roundCounters) {
	p := job.provider
	spanCtx, span := telemetry.Start(ctx, tracerName, "provider.heights",
		attribute.String("provider", p.ID()), attribute.Int("chains", len(job.chains)))
	outcome := checker.Execute(spanCtx, func(ctx context.Context) ([]uint64, error) {
		heights, err := p.Heights(ctx, job.chains)
		if err == nil && len(heights) != len(job.chains) {
			return nil, fmt.Errorf("%w: bulk returned %d heights for %d chains", provider.ErrDecode, len(heights), len(job.chains))
		}
		return heights, err
	})
	span.SetAttributes(attribute.String("status", string(outcome.Status)))
	span.End()

	persistCtx := context.WithoutCancel(ctx)
	var errorID *int64
	if outcome.Error != nil {
		if err := e.Store.InsertErrorRecord(persistCtx, outcome.Error); err != nil {
			logger.Error("store bulk error record", zap.String("provider", p.ID()), zap.Error(err))
		} else {
			errorID = &outcome.Error.ID
		}
		logger.Debug("bulk height check failed",
			zap.String("provider", p.ID()),
			zap.Int("chains", len(job.chains)),
			zap.String("tag", string(outcome.Error.Tag)))
	}

	duration := BulkDuration(outcome.Duration, len(job.chains))
	for i, chain := range job.chains {
		result := &models.ChainResult{
			RunID:      runID,
			ProviderID: p.ID(),
			ChainSlug:  chain,
			Status:     outcome.Status,
			StartedAt:  outcome.StartedAt,
			Duration:   duration,
			ErrorID:    errorID,
		}
		if outcome.OK() {
			result.Height = outcome.Result[i]
		} else {
			counters.failures.Add(1)
		}
		if err := e.Store.InsertChainResult(persistCtx, result); err != nil {
			logger.Error("store chain result", zap.String("provider", p.ID()), zap.String("chain", chain), zap.Error(err))
			continue
		}
		counters.results.Add(1)
	}
}

// finalizeHeightRun computes consensus over every stored result and completes
// the run in one store step.
func (e *Engine) finalizeHeightRun(ctx context.Context, logger *zap.Logger, run *models.CheckRun) error {
	ctx = context.WithoutCancel(ctx)
	results, err := e.Store.ListChainResults(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load results of run %d: %w", run.ID, err)
	}
	best := consensus.Assign(results)
	completedAt := e.now()
	if err := e.Store.FinalizeCheckRun(ctx, run.ID, best, completedAt); err != nil {
		return fmt.Errorf("finalize run %d: %w", run.ID, err)
	}
	run.CompletedAt = &completedAt

	failures := 0
	for _, r := range results {
		bestID := best[r.ID]
		r.BestResultID = &bestID
		if r.Status != models.StatusOK {
			failures++
		}
	}
	if e.Sink != nil {
		if err := e.Sink.RecordChainResults(ctx, run, results); err != nil {
			logger.Warn("analytics sink rejected chain results", zap.Error(err))
		}
	}
	e.notify(ctx, models.RunEvent{
		Kind:        models.EventHeightRound,
		RunID:       run.ID,
		Results:     len(results),
		Failures:    failures,
		CompletedAt: completedAt,
	})
	logger.Info("height round completed",
		zap.Int("results", len(results)),
		zap.Int("failures", failures),
		zap.Duration("elapsed", completedAt.Sub(run.StartedAt)))
	return nil
}

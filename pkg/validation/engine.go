// Package validation fetches canonical block ranges from the trusted provider
// and diffs every other capable provider against them.
package validation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/chainheights/pkg/checker"
	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
	"github.com/canopy-network/chainheights/pkg/retry"
	"github.com/canopy-network/chainheights/pkg/telemetry"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tracerName = "chainheights/validation"

// Defaults for Config.
const (
	DefaultBootstrapBlocks = 10
	DefaultStaleAfter      = time.Hour
)

// Notifier receives run completion events.
type Notifier interface {
	Notify(ctx context.Context, ev models.RunEvent)
}

// Config tunes a validation engine.
type Config struct {
	// BootstrapBlocks is N in the first range [final-N, final).
	BootstrapBlocks uint64
	// StaleAfter is how long an unfinished run may stay in flight before it is timed out.
	StaleAfter time.Duration
	Retry      retry.Config
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BootstrapBlocks: DefaultBootstrapBlocks,
		StaleAfter:      DefaultStaleAfter,
		Retry:           retry.BlockFetchConfig(),
	}
}

type Engine struct {
	Logger   *zap.Logger
	Store    db.Store
	Registry *provider.Registry
	Pool     pond.Pool
	Config   Config

	Sink     db.Sink
	Notifier Notifier
	Now      func() time.Time

	// inFlight holds provider/chain pairs a sweep is working on.
	inFlight *xsync.Map[string, struct{}]
}

// New returns an engine with the given config.
func New(logger *zap.Logger, store db.Store, registry *provider.Registry, pool pond.Pool, cfg Config) *Engine {
	if cfg.BootstrapBlocks == 0 {
		cfg.BootstrapBlocks = DefaultBootstrapBlocks
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.BlockFetchConfig()
	}
	return &Engine{
		Logger:   logger,
		Store:    store,
		Registry: registry,
		Pool:     pool,
		Config:   cfg,
		Now:      func() time.Time { return time.Now().UTC() },
		inFlight: xsync.NewMap[string, struct{}](),
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

func (e *Engine) notify(ctx context.Context, ev models.RunEvent) {
	if e.Notifier != nil {
		e.Notifier.Notify(ctx, ev)
	}
}

// claim marks providerID/chain busy. The returned release must be called.
func (e *Engine) claim(providerID, chain string) (release func(), ok bool) {
	key := providerID + "/" + chain
	if _, loaded := e.inFlight.LoadOrStore(key, struct{}{}); loaded {
		return nil, false
	}
	return func() { e.inFlight.Delete(key) }, true
}

// SweepReport counts what a sweep did.
type SweepReport struct {
	Chains        int
	CanonicalRuns int
	ProviderRuns  int
	Completed     int
	Incomplete    int
	TimedOut      int
	Skipped       []string
}

type sweepCounters struct {
	canonical  atomic.Int64
	provider   atomic.Int64
	completed  atomic.Int64
	incomplete atomic.Int64
}

// RunValidationSweep times out stale runs, then for every chain the canonical
// provider serves starts the next canonical range and the provider runs that
// follow it. It returns once every run it started has finished fetching.
func (e *Engine) RunValidationSweep(ctx context.Context) (report SweepReport, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "validation_sweep")
	defer func() { telemetry.End(span, err) }()

	canonical, ok := e.Registry.Canonical()
	if !ok {
		e.Logger.Debug("no canonical provider configured, skipping validation sweep")
		return report, nil
	}
	logger := e.Logger.With(zap.String("canonical", canonical.ID()))

	timedOut, err := e.timeOutStale(ctx, logger)
	if err != nil {
		return report, err
	}
	report.TimedOut = len(timedOut)

	chains, err := canonical.SupportedChains(ctx)
	if err != nil {
		return report, fmt.Errorf("list chains of canonical provider %s: %w", canonical.ID(), err)
	}
	families, err := e.familyIndex(ctx)
	if err != nil {
		return report, err
	}
	peers := e.peers(ctx, logger, canonical.ID())

	var counters sweepCounters
	for _, chain := range chains {
		report.Chains++
		if _, ok := timedOut[canonical.ID()+"/"+chain.Slug]; ok {
			report.Skipped = append(report.Skipped, chain.Slug)
			continue
		}
		family, ok := families[models.FamilySlug(chain.Slug)]
		if !ok {
			logger.Debug("no family for chain, skipping validation", zap.String("chain", chain.Slug))
			report.Skipped = append(report.Skipped, chain.Slug)
			continue
		}
		if err := e.validateChain(ctx, logger, canonical, chain, family, peers, &counters); err != nil {
			logger.Warn("chain validation failed", zap.String("chain", chain.Slug), zap.Error(err))
			report.Skipped = append(report.Skipped, chain.Slug)
		}
	}

	report.CanonicalRuns = int(counters.canonical.Load())
	report.ProviderRuns = int(counters.provider.Load())
	report.Completed = int(counters.completed.Load())
	report.Incomplete = int(counters.incomplete.Load())
	logger.Info("validation sweep finished",
		zap.Int("chains", report.Chains),
		zap.Int("canonical_runs", report.CanonicalRuns),
		zap.Int("provider_runs", report.ProviderRuns),
		zap.Int("completed", report.Completed),
		zap.Int("incomplete", report.Incomplete),
		zap.Int("timed_out", report.TimedOut))
	return report, nil
}

// timeOutStale marks every run still unfinished after the staleness window.
// It returns the provider/chain keys it touched.
func (e *Engine) timeOutStale(ctx context.Context, logger *zap.Logger) (map[string]struct{}, error) {
	now := e.now()
	stale, err := e.Store.ListUnfinishedValidationRuns(ctx, now.Add(-e.Config.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("list unfinished validation runs: %w", err)
	}
	touched := make(map[string]struct{}, len(stale))
	for _, run := range stale {
		if !run.Stale(now, e.Config.StaleAfter) {
			continue
		}
		if err := e.Store.TimeOutValidationRun(ctx, run.ID, now); err != nil {
			logger.Warn("time out validation run", zap.Int64("run_id", run.ID), zap.Error(err))
			continue
		}
		touched[run.ProviderID+"/"+run.ChainSlug] = struct{}{}
		logger.Info("validation run timed out",
			zap.Int64("run_id", run.ID),
			zap.String("provider", run.ProviderID),
			zap.String("chain", run.ChainSlug),
			zap.Time("started_at", run.StartedAt))
		e.notify(ctx, models.RunEvent{
			Kind:        models.EventValidation,
			RunID:       run.ID,
			ProviderID:  run.ProviderID,
			ChainSlug:   run.ChainSlug,
			TimedOut:    true,
			CompletedAt: now,
		})
	}
	return touched, nil
}

func (e *Engine) familyIndex(ctx context.Context) (map[string]models.ChainFamily, error) {
	families, err := e.Store.ListFamilies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list families: %w", err)
	}
	out := make(map[string]models.ChainFamily, len(families))
	for _, f := range families {
		out[f.Slug] = f
	}
	return out, nil
}

// peer is a non-canonical provider able to validate blocks.
type peer struct {
	provider provider.Provider
	chains   []provider.ChainDescriptor
}

func (e *Engine) peers(ctx context.Context, logger *zap.Logger, canonicalID string) []peer {
	var out []peer
	for _, p := range e.Registry.Supporting(models.CheckBlockValidation) {
		if p.ID() == canonicalID {
			continue
		}
		chains, err := p.SupportedChains(ctx)
		if err != nil {
			logger.Warn("provider unavailable for validation", zap.String("provider", p.ID()), zap.Error(err))
			continue
		}
		out = append(out, peer{provider: p, chains: chains})
	}
	return out
}

// validateChain drives one chain through the canonical state machine.
func (e *Engine) validateChain(
	ctx context.Context,
	logger *zap.Logger,
	canonical provider.Provider,
	chain provider.ChainDescriptor,
	family models.ChainFamily,
	peers []peer,
	counters *sweepCounters,
) error {
	release, ok := e.claim(canonical.ID(), chain.Slug)
	if !ok {
		logger.Debug("canonical range already in flight", zap.String("chain", chain.Slug))
		return nil
	}
	defer release()
	logger = logger.With(zap.String("chain", chain.Slug))

	prior, err := e.Store.LatestValidationRun(ctx, canonical.ID(), chain.Slug)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("latest canonical run: %w", err)
	}
	if errors.Is(err, db.ErrNotFound) {
		prior = nil
	}
	if prior != nil && prior.CompletedAt == nil {
		logger.Debug("canonical run still pending", zap.Int64("run_id", prior.ID), zap.Time("started_at", prior.StartedAt))
		return nil
	}
	if prior != nil {
		// Provider runs missing for the previous range, e.g. after a restart.
		e.startProviderRuns(ctx, logger, prior, chain.Slug, peers, counters)
	}

	current := checker.Execute(ctx, func(ctx context.Context) (uint64, error) {
		return canonical.Height(ctx, chain.Slug)
	})
	if !current.OK() {
		return fmt.Errorf("canonical height: %s: %s", current.Error.Tag, current.Error.Message)
	}
	depth := family.FinalityDepth(chain.IsTestnet)
	if current.Result <= depth {
		return nil
	}
	start, end, ok := NextRange(prior, current.Result-depth, e.Config.BootstrapBlocks)
	if !ok {
		logger.Debug("no new finalized blocks", zap.Uint64("final_height", current.Result-depth))
		return nil
	}

	run := &models.ValidationRun{
		ProviderID:  canonical.ID(),
		ChainSlug:   chain.Slug,
		StartHeight: start,
		EndHeight:   end,
		IsCanonical: true,
		StartedAt:   e.now(),
	}
	if err := e.Store.CreateValidationRun(ctx, run); err != nil {
		return fmt.Errorf("create canonical run: %w", err)
	}
	counters.canonical.Add(1)
	if !e.executeRun(ctx, logger, canonical, run, canonicalBuilder(run)) {
		counters.incomplete.Add(1)
		return nil
	}
	counters.completed.Add(1)
	e.startProviderRuns(ctx, logger, run, chain.Slug, peers, counters)
	return nil
}

// NextRange returns the next canonical range ending at final. Without a prior
// run it is the bootstrap window [final-n, final).
func NextRange(prior *models.ValidationRun, final, n uint64) (start, end uint64, ok bool) {
	if prior == nil {
		if final > n {
			start = final - n
		}
		return start, final, start < final
	}
	if prior.CompletedAt == nil || prior.EndHeight >= final {
		return 0, 0, false
	}
	return prior.EndHeight, final, true
}

// startProviderRuns starts a run over canonical's range for every peer that
// serves the chain and has no run over the identical range, then waits for them.
func (e *Engine) startProviderRuns(
	ctx context.Context,
	logger *zap.Logger,
	canonical *models.ValidationRun,
	chain string,
	peers []peer,
	counters *sweepCounters,
) {
	var byHeight map[uint64]*models.ValidationResult
	var wg sync.WaitGroup
	for _, pr := range peers {
		if !provider.Serves(pr.chains, chain) {
			continue
		}
		p := pr.provider
		existing, err := e.Store.FindValidationRun(ctx, p.ID(), chain, canonical.StartHeight, canonical.EndHeight)
		if err == nil && existing != nil {
			continue
		}
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			logger.Warn("look up provider run", zap.String("provider", p.ID()), zap.Error(err))
			continue
		}
		release, ok := e.claim(p.ID(), chain)
		if !ok {
			continue
		}
		if byHeight == nil {
			byHeight, err = e.canonicalResults(ctx, canonical.ID)
			if err != nil {
				release()
				logger.Warn("load canonical results", zap.Int64("run_id", canonical.ID), zap.Error(err))
				return
			}
		}

		run := &models.ValidationRun{
			ProviderID:  p.ID(),
			ChainSlug:   chain,
			StartHeight: canonical.StartHeight,
			EndHeight:   canonical.EndHeight,
			StartedAt:   e.now(),
		}
		if err := e.Store.CreateValidationRun(ctx, run); err != nil {
			release()
			logger.Warn("create provider run", zap.String("provider", p.ID()), zap.Error(err))
			continue
		}
		counters.provider.Add(1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			if e.executeRun(ctx, logger, p, run, providerBuilder(run, byHeight)) {
				counters.completed.Add(1)
			} else {
				counters.incomplete.Add(1)
			}
		}()
	}
	wg.Wait()
}

func (e *Engine) canonicalResults(ctx context.Context, runID int64) (map[uint64]*models.ValidationResult, error) {
	results, err := e.Store.ListValidationResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]*models.ValidationResult, len(results))
	for _, r := range results {
		out[r.Height] = r
	}
	return out, nil
}

// tracing attributes of a run
func runAttrs(run *models.ValidationRun) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("provider", run.ProviderID),
		attribute.String("chain", run.ChainSlug),
		attribute.Int64("start_height", int64(run.StartHeight)),
		attribute.Int64("end_height", int64(run.EndHeight)),
	}
}

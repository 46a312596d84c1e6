package validation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/chainheights/pkg/checker"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
	"github.com/canopy-network/chainheights/pkg/retry"
	"github.com/canopy-network/chainheights/pkg/telemetry"
	"go.uber.org/zap"
)

// builder turns a fetched block into the result stored for it.
type builder func(height uint64, b *provider.Block) (*models.ValidationResult, error)

func canonicalBuilder(run *models.ValidationRun) builder {
	return func(height uint64, b *provider.Block) (*models.ValidationResult, error) {
		return &models.ValidationResult{
			RunID:        run.ID,
			ProviderID:   run.ProviderID,
			ChainSlug:    run.ChainSlug,
			Height:       height,
			Hash:         b.Hash,
			TxIDs:        b.TxIDs,
			IsCanonical:  true,
			MissingTxIDs: []string{},
		}, nil
	}
}

func providerBuilder(run *models.ValidationRun, canonical map[uint64]*models.ValidationResult) builder {
	return func(height uint64, b *provider.Block) (*models.ValidationResult, error) {
		ref, ok := canonical[height]
		if !ok {
			return nil, fmt.Errorf("no canonical block at height %d", height)
		}
		mismatch, missing := Diff(ref, b)
		return &models.ValidationResult{
			RunID:        run.ID,
			ProviderID:   run.ProviderID,
			ChainSlug:    run.ChainSlug,
			Height:       height,
			Hash:         b.Hash,
			TxIDs:        b.TxIDs,
			CanonicalID:  &ref.ID,
			HashMismatch: mismatch,
			MissingTxIDs: missing,
		}, nil
	}
}

// Diff compares a provider block with the canonical one at the same height.
// The mismatch flag depends on hashes only; missing lists canonical tx ids the
// provider did not report, in canonical order.
func Diff(canonical *models.ValidationResult, b *provider.Block) (hashMismatch bool, missing []string) {
	reported := make(map[string]struct{}, len(b.TxIDs))
	for _, id := range b.TxIDs {
		reported[id] = struct{}{}
	}
	missing = []string{}
	seen := make(map[string]struct{}, len(canonical.TxIDs))
	for _, id := range canonical.TxIDs {
		if _, ok := reported[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	return canonical.Hash != b.Hash, missing
}

// executeRun fetches every height of run in parallel and completes the run
// when all of them were stored. A height whose fetch exhausts its retries
// leaves the run pending until the staleness window times it out.
func (e *Engine) executeRun(ctx context.Context, logger *zap.Logger, p provider.Provider, run *models.ValidationRun, build builder) (completed bool) {
	ctx, span := telemetry.Start(ctx, tracerName, "validation_run", runAttrs(run)...)
	var spanErr error
	defer func() { telemetry.End(span, spanErr) }()

	logger = logger.With(zap.Int64("run_id", run.ID), zap.String("provider", run.ProviderID), zap.Bool("canonical", run.IsCanonical))

	var (
		mu       sync.Mutex
		stored   []*models.ValidationResult
		failed   atomic.Int64
		diverged atomic.Int64
	)
	group := e.Pool.NewGroup()
	for height := run.StartHeight; height < run.EndHeight; height++ {
		group.Submit(func() {
			block, ok := e.fetchBlock(ctx, logger, p, run.ChainSlug, height)
			if !ok {
				failed.Add(1)
				return
			}
			result, err := build(height, block)
			if err == nil {
				result.CreatedAt = e.now()
				err = e.Store.InsertValidationResult(context.WithoutCancel(ctx), result)
			}
			if err != nil {
				failed.Add(1)
				logger.Error("store validation result", zap.Uint64("height", height), zap.Error(err))
				return
			}
			if result.HashMismatch || len(result.MissingTxIDs) > 0 {
				diverged.Add(1)
			}
			mu.Lock()
			stored = append(stored, result)
			mu.Unlock()
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		logger.Warn("validation group reported an error", zap.Error(err))
	}

	if n := failed.Load(); n > 0 {
		spanErr = fmt.Errorf("%d of %d heights failed", n, run.Size())
		logger.Warn("validation run left pending", zap.Int64("failed_heights", n), zap.Uint64("heights", run.Size()))
		return false
	}

	persistCtx := context.WithoutCancel(ctx)
	completedAt := e.now()
	if err := e.Store.CompleteValidationRun(persistCtx, run.ID, completedAt); err != nil {
		spanErr = err
		logger.Error("complete validation run", zap.Error(err))
		return false
	}
	run.CompletedAt = &completedAt

	if e.Sink != nil {
		if err := e.Sink.RecordValidationResults(persistCtx, run, stored); err != nil {
			logger.Warn("analytics sink rejected validation results", zap.Error(err))
		}
	}
	e.notify(persistCtx, models.RunEvent{
		Kind:        models.EventValidation,
		RunID:       run.ID,
		ProviderID:  run.ProviderID,
		ChainSlug:   run.ChainSlug,
		Results:     len(stored),
		Failures:    int(diverged.Load()),
		CompletedAt: completedAt,
	})
	logger.Info("validation run completed", zap.Int("blocks", len(stored)), zap.Int64("diverged", diverged.Load()))
	return true
}

// fetchBlock fetches one block through the executor, retrying up to the
// configured attempt cap. On exhaustion the last failure is stored.
func (e *Engine) fetchBlock(ctx context.Context, logger *zap.Logger, p provider.Provider, chain string, height uint64) (*provider.Block, bool) {
	var last *models.ErrorRecord
	op := fmt.Sprintf("fetch %s block %d from %s", chain, height, p.ID())
	out := retry.Bounded(ctx, e.Config.Retry, logger, op, func(int) (*provider.Block, error) {
		res := checker.Execute(ctx, func(ctx context.Context) (*provider.Block, error) {
			b, err := p.Block(ctx, chain, height)
			if err == nil && b == nil {
				err = fmt.Errorf("%w: empty block", provider.ErrDecode)
			}
			return b, err
		})
		if res.OK() {
			return res.Result, nil
		}
		last = res.Error
		return nil, fmt.Errorf("%s: %s", res.Error.Tag, res.Error.Message)
	})
	if out.Success {
		return out.Value, true
	}

	fields := []zap.Field{zap.Uint64("height", height), zap.Int("attempts", out.Attempts), zap.Error(out.Err)}
	if last != nil {
		if err := e.Store.InsertErrorRecord(context.WithoutCancel(ctx), last); err == nil {
			fields = append(fields, zap.Int64("error_id", last.ID))
		}
	}
	logger.Error("block fetch exhausted retries", fields...)
	return nil, false
}

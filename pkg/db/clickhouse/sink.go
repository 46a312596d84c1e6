package clickhouse

import (
	"context"
	"fmt"

	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"go.uber.org/zap"
)

// Sink appends finalized results to MergeTree tables for long-range reporting.
type Sink struct {
	Client
}

// NewSink connects and creates the analytics tables.
func NewSink(ctx context.Context, logger *zap.Logger, addr, dbName string) (*Sink, error) {
	client, err := New(ctx, logger.With(zap.String("component", "analytics")), addr, dbName, PoolConfig{})
	if err != nil {
		return nil, err
	}
	s := &Sink{Client: client}
	if err := s.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// InitializeDB creates the analytics tables.
func (s *Sink) InitializeDB(ctx context.Context) error {
	queries := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				run_id Int64,
				result_id Int64,
				provider_id LowCardinality(String),
				chain_slug LowCardinality(String),
				height UInt64,
				best_height UInt64,
				deviation Int64,
				status LowCardinality(String),
				duration_ms Int64,
				error_id Nullable(Int64),
				started_at DateTime64(3, 'UTC'),
				completed_at DateTime64(3, 'UTC')
			) ENGINE = MergeTree
			PARTITION BY toYYYYMM(started_at)
			ORDER BY (chain_slug, provider_id, started_at)`, s.Table("chain_results")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				run_id Int64,
				provider_id LowCardinality(String),
				chain_slug LowCardinality(String),
				height UInt64,
				hash String,
				tx_count UInt32,
				is_canonical Bool,
				hash_mismatch Bool,
				missing_tx_count UInt32,
				completed_at DateTime64(3, 'UTC')
			) ENGINE = MergeTree
			PARTITION BY toYYYYMM(completed_at)
			ORDER BY (chain_slug, provider_id, height)`, s.Table("validation_results")),
	}
	for _, q := range queries {
		if err := s.Db.Exec(ctx, q); err != nil {
			return fmt.Errorf("init analytics tables: %w", err)
		}
	}
	return nil
}

// RecordChainResults appends the results of a finalized run.
func (s *Sink) RecordChainResults(ctx context.Context, run *models.CheckRun, results []*models.ChainResult) error {
	if len(results) == 0 || run.CompletedAt == nil {
		return nil
	}
	byID := make(map[int64]*models.ChainResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	batch, err := s.Db.PrepareBatch(ctx, "INSERT INTO "+s.Table("chain_results"))
	if err != nil {
		return fmt.Errorf("prepare chain results batch: %w", err)
	}
	for _, r := range results {
		bestHeight := r.Height
		if r.BestResultID != nil {
			if best, ok := byID[*r.BestResultID]; ok {
				bestHeight = best.Height
			}
		}
		err := batch.Append(
			r.RunID, r.ID, r.ProviderID, r.ChainSlug, r.Height, bestHeight,
			int64(r.Height)-int64(bestHeight), string(r.Status), r.Duration.Milliseconds(), r.ErrorID,
			r.StartedAt, *run.CompletedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append chain result %d: %w", r.ID, err)
		}
	}
	return batch.Send()
}

// RecordValidationResults appends the results of a completed validation run.
func (s *Sink) RecordValidationResults(ctx context.Context, run *models.ValidationRun, results []*models.ValidationResult) error {
	if len(results) == 0 || run.CompletedAt == nil {
		return nil
	}
	batch, err := s.Db.PrepareBatch(ctx, "INSERT INTO "+s.Table("validation_results"))
	if err != nil {
		return fmt.Errorf("prepare validation results batch: %w", err)
	}
	for _, r := range results {
		err := batch.Append(
			r.RunID, r.ProviderID, r.ChainSlug, r.Height, r.Hash, uint32(len(r.TxIDs)),
			r.IsCanonical, r.HashMismatch, uint32(len(r.MissingTxIDs)), *run.CompletedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append validation result %d: %w", r.ID, err)
		}
	}
	return batch.Send()
}

var _ db.Sink = (*Sink)(nil)

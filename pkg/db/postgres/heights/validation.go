package heights

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

func (d *DB) initValidation(ctx context.Context) error {
	return d.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS validation_runs (
			id BIGSERIAL PRIMARY KEY,
			provider_id TEXT NOT NULL,
			chain_slug TEXT NOT NULL,
			start_height BIGINT NOT NULL,
			end_height BIGINT NOT NULL,
			is_canonical BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			completed_at TIMESTAMP WITH TIME ZONE,
			timed_out BOOLEAN NOT NULL DEFAULT FALSE,
			CHECK (end_height >= start_height)
		)`, `
		CREATE INDEX IF NOT EXISTS idx_validation_runs_latest
			ON validation_runs (provider_id, chain_slug, started_at DESC)`, `
		CREATE TABLE IF NOT EXISTS validation_results (
			id BIGSERIAL PRIMARY KEY,
			run_id BIGINT NOT NULL REFERENCES validation_runs(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL,
			chain_slug TEXT NOT NULL,
			height BIGINT NOT NULL,
			hash TEXT NOT NULL,
			tx_ids TEXT[] NOT NULL DEFAULT '{}',
			is_canonical BOOLEAN NOT NULL DEFAULT FALSE,
			canonical_id BIGINT REFERENCES validation_results(id) ON DELETE SET NULL,
			hash_mismatch BOOLEAN NOT NULL DEFAULT FALSE,
			missing_tx_ids TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE (run_id, height)
		)`)
}

const validationRunColumns = `id, provider_id, chain_slug, start_height, end_height, is_canonical, started_at, completed_at, timed_out`

func scanValidationRun(row pgx.Row) (*models.ValidationRun, error) {
	var r models.ValidationRun
	err := row.Scan(&r.ID, &r.ProviderID, &r.ChainSlug, &r.StartHeight, &r.EndHeight, &r.IsCanonical, &r.StartedAt, &r.CompletedAt, &r.TimedOut)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *DB) CreateValidationRun(ctx context.Context, run *models.ValidationRun) error {
	err := d.GetExecutor(ctx).QueryRow(ctx, `
		INSERT INTO validation_runs (provider_id, chain_slug, start_height, end_height, is_canonical, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		run.ProviderID, run.ChainSlug, run.StartHeight, run.EndHeight, run.IsCanonical, run.StartedAt,
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("insert validation run: %w", err)
	}
	return nil
}

func (d *DB) LatestValidationRun(ctx context.Context, providerID, chainSlug string) (*models.ValidationRun, error) {
	run, err := scanValidationRun(d.GetExecutor(ctx).QueryRow(ctx, `
		SELECT `+validationRunColumns+` FROM validation_runs
		WHERE provider_id = $1 AND chain_slug = $2 AND NOT timed_out
		ORDER BY started_at DESC, id DESC
		LIMIT 1`, providerID, chainSlug))
	if err != nil {
		return nil, notFound(err, "validation run %s/%s", providerID, chainSlug)
	}
	return run, nil
}

func (d *DB) FindValidationRun(ctx context.Context, providerID, chainSlug string, start, end uint64) (*models.ValidationRun, error) {
	run, err := scanValidationRun(d.GetExecutor(ctx).QueryRow(ctx, `
		SELECT `+validationRunColumns+` FROM validation_runs
		WHERE provider_id = $1 AND chain_slug = $2 AND start_height = $3 AND end_height = $4
		ORDER BY id DESC
		LIMIT 1`, providerID, chainSlug, start, end))
	if err != nil {
		return nil, notFound(err, "validation run %s/%s [%d,%d)", providerID, chainSlug, start, end)
	}
	return run, nil
}

func (d *DB) ListUnfinishedValidationRuns(ctx context.Context, startedBefore time.Time) ([]*models.ValidationRun, error) {
	rows, err := d.GetExecutor(ctx).Query(ctx, `
		SELECT `+validationRunColumns+` FROM validation_runs
		WHERE completed_at IS NULL AND NOT timed_out AND started_at < $1
		ORDER BY id`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("query unfinished validation runs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.ValidationRun, error) {
		return scanValidationRun(row)
	})
}

func (d *DB) CompleteValidationRun(ctx context.Context, id int64, at time.Time) error {
	return d.closeValidationRun(ctx, id, at, false)
}

func (d *DB) TimeOutValidationRun(ctx context.Context, id int64, at time.Time) error {
	return d.closeValidationRun(ctx, id, at, true)
}

// closeValidationRun only touches runs still open, so a run is closed exactly once.
func (d *DB) closeValidationRun(ctx context.Context, id int64, at time.Time, timedOut bool) error {
	tag, err := d.GetExecutor(ctx).Exec(ctx, `
		UPDATE validation_runs SET completed_at = $2, timed_out = $3
		WHERE id = $1 AND completed_at IS NULL`, id, at, timedOut)
	if err != nil {
		return fmt.Errorf("close validation run %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("validation run %d is not open: %w", id, db.ErrNotFound)
	}
	return nil
}

func (d *DB) InsertValidationResult(ctx context.Context, r *models.ValidationResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	txIDs, missing := r.TxIDs, r.MissingTxIDs
	if txIDs == nil {
		txIDs = []string{}
	}
	if missing == nil {
		missing = []string{}
	}
	err := d.GetExecutor(ctx).QueryRow(ctx, `
		INSERT INTO validation_results (run_id, provider_id, chain_slug, height, hash, tx_ids, is_canonical,
			canonical_id, hash_mismatch, missing_tx_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		r.RunID, r.ProviderID, r.ChainSlug, r.Height, r.Hash, txIDs, r.IsCanonical,
		r.CanonicalID, r.HashMismatch, missing, r.CreatedAt,
	).Scan(&r.ID)
	if postgres.IsForeignKeyViolation(err) {
		return fmt.Errorf("validation run %d: %w", r.RunID, db.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert validation result: %w", err)
	}
	return nil
}

func (d *DB) ListValidationResults(ctx context.Context, runID int64) ([]*models.ValidationResult, error) {
	rows, err := d.GetExecutor(ctx).Query(ctx, `
		SELECT id, run_id, provider_id, chain_slug, height, hash, tx_ids, is_canonical,
			canonical_id, hash_mismatch, missing_tx_ids, created_at
		FROM validation_results WHERE run_id = $1 ORDER BY height`, runID)
	if err != nil {
		return nil, fmt.Errorf("query validation results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.ValidationResult, error) {
		var r models.ValidationResult
		err := row.Scan(&r.ID, &r.RunID, &r.ProviderID, &r.ChainSlug, &r.Height, &r.Hash, &r.TxIDs, &r.IsCanonical,
			&r.CanonicalID, &r.HashMismatch, &r.MissingTxIDs, &r.CreatedAt)
		return &r, err
	})
}

func (d *DB) ListValidationSummaries(ctx context.Context) ([]db.ValidationSummary, error) {
	rows, err := d.GetExecutor(ctx).Query(ctx, `
		SELECT `+prefixed("v", validationRunColumns)+`,
			COUNT(r.id),
			COUNT(r.id) FILTER (WHERE r.hash_mismatch),
			COALESCE(SUM(cardinality(r.missing_tx_ids)), 0)
		FROM (
			SELECT DISTINCT ON (provider_id, chain_slug) *
			FROM validation_runs
			ORDER BY provider_id, chain_slug, started_at DESC, id DESC
		) v
		LEFT JOIN validation_results r ON r.run_id = v.id
		GROUP BY v.id, v.provider_id, v.chain_slug, v.start_height, v.end_height, v.is_canonical,
			v.started_at, v.completed_at, v.timed_out
		ORDER BY v.chain_slug, v.provider_id`)
	if err != nil {
		return nil, fmt.Errorf("query validation summaries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (db.ValidationSummary, error) {
		var s db.ValidationSummary
		r := &s.Run
		err := row.Scan(&r.ID, &r.ProviderID, &r.ChainSlug, &r.StartHeight, &r.EndHeight, &r.IsCanonical,
			&r.StartedAt, &r.CompletedAt, &r.TimedOut, &s.Blocks, &s.HashMismatches, &s.MissingTxIDs)
		return s, err
	})
}

// PruneBefore removes runs started before cutoff; results cascade and orphaned error records follow.
// A canonical validation run is kept while a provider run over its range started at or after cutoff.
func (d *DB) PruneBefore(ctx context.Context, cutoff time.Time) (db.PruneStats, error) {
	var stats db.PruneStats
	err := d.BeginFunc(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM check_runs WHERE started_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("prune check runs: %w", err)
		}
		stats.CheckRuns = tag.RowsAffected()

		// canonical runs stay while a newer provider run over the same range compares against them
		tag, err = tx.Exec(ctx, `
			DELETE FROM validation_runs v
			WHERE v.started_at < $1
				AND NOT (v.is_canonical AND EXISTS (
					SELECT 1 FROM validation_runs p
					WHERE NOT p.is_canonical
						AND p.chain_slug = v.chain_slug
						AND p.start_height = v.start_height
						AND p.end_height = v.end_height
						AND p.started_at >= $1))`, cutoff)
		if err != nil {
			return fmt.Errorf("prune validation runs: %w", err)
		}
		stats.ValidationRuns = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
			DELETE FROM error_records e
			WHERE e.created_at < $1
				AND NOT EXISTS (SELECT 1 FROM chain_results c WHERE c.error_id = e.id)
				AND NOT EXISTS (SELECT 1 FROM ping_results p WHERE p.error_id = e.id)`, cutoff)
		if err != nil {
			return fmt.Errorf("prune error records: %w", err)
		}
		stats.ErrorRecords = tag.RowsAffected()
		return nil
	})
	return stats, err
}

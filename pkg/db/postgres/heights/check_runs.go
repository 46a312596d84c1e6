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

func (d *DB) initCheckRuns(ctx context.Context) error {
	return d.execAll(ctx, `
		CREATE TABLE IF NOT EXISTS check_runs (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			completed_at TIMESTAMP WITH TIME ZONE
		)`, `
		CREATE INDEX IF NOT EXISTS idx_check_runs_completed
			ON check_runs (kind, completed_at DESC) WHERE completed_at IS NOT NULL`, `
		CREATE TABLE IF NOT EXISTS error_records (
			id BIGSERIAL PRIMARY KEY,
			tag TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			request_headers JSONB,
			request_body TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			response_headers JSONB,
			response_body TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			trace TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`, `
		CREATE TABLE IF NOT EXISTS chain_results (
			id BIGSERIAL PRIMARY KEY,
			run_id BIGINT NOT NULL REFERENCES check_runs(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL,
			chain_slug TEXT NOT NULL,
			height BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			duration_us BIGINT NOT NULL DEFAULT 0,
			error_id BIGINT REFERENCES error_records(id) ON DELETE SET NULL,
			best_result_id BIGINT REFERENCES chain_results(id) ON DELETE SET NULL
		)`, `
		CREATE INDEX IF NOT EXISTS idx_chain_results_run ON chain_results (run_id)`, `
		CREATE INDEX IF NOT EXISTS idx_chain_results_provider ON chain_results (provider_id, id DESC)`, `
		CREATE TABLE IF NOT EXISTS ping_results (
			id BIGSERIAL PRIMARY KEY,
			run_id BIGINT NOT NULL REFERENCES check_runs(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			duration_us BIGINT NOT NULL DEFAULT 0,
			error_id BIGINT REFERENCES error_records(id) ON DELETE SET NULL
		)`, `
		CREATE INDEX IF NOT EXISTS idx_ping_results_run ON ping_results (run_id)`)
}

const checkRunColumns = `id, kind, started_at, completed_at`

func scanCheckRun(row pgx.Row) (*models.CheckRun, error) {
	var r models.CheckRun
	if err := row.Scan(&r.ID, &r.Kind, &r.StartedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *DB) CreateCheckRun(ctx context.Context, kind models.CheckKind, startedAt time.Time) (*models.CheckRun, error) {
	run := &models.CheckRun{Kind: kind, StartedAt: startedAt}
	err := d.GetExecutor(ctx).QueryRow(ctx,
		`INSERT INTO check_runs (kind, started_at) VALUES ($1, $2) RETURNING id`, kind, startedAt,
	).Scan(&run.ID)
	if err != nil {
		return nil, fmt.Errorf("insert check run: %w", err)
	}
	return run, nil
}

func (d *DB) GetCheckRun(ctx context.Context, id int64) (*models.CheckRun, error) {
	run, err := scanCheckRun(d.GetExecutor(ctx).QueryRow(ctx,
		`SELECT `+checkRunColumns+` FROM check_runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "check run %d", id)
	}
	return run, nil
}

func (d *DB) LatestCompletedRun(ctx context.Context, kind models.CheckKind) (*models.CheckRun, error) {
	run, err := scanCheckRun(d.GetExecutor(ctx).QueryRow(ctx, `
		SELECT `+checkRunColumns+` FROM check_runs
		WHERE kind = $1 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1`, kind))
	if err != nil {
		return nil, notFound(err, "completed %s run", kind)
	}
	return run, nil
}

func (d *DB) InsertErrorRecord(ctx context.Context, rec *models.ErrorRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := d.GetExecutor(ctx).QueryRow(ctx, `
		INSERT INTO error_records (tag, method, url, request_headers, request_body, status_code,
			response_headers, response_body, message, trace, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		rec.Tag, rec.Method, rec.URL, rec.RequestHeaders, rec.RequestBody, rec.StatusCode,
		rec.ResponseHeaders, rec.ResponseBody, rec.Message, rec.Trace, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

const errorColumns = `id, tag, method, url, request_headers, request_body, status_code,
	response_headers, response_body, message, trace, created_at`

func scanError(row pgx.Row) (*models.ErrorRecord, error) {
	var e models.ErrorRecord
	err := row.Scan(&e.ID, &e.Tag, &e.Method, &e.URL, &e.RequestHeaders, &e.RequestBody, &e.StatusCode,
		&e.ResponseHeaders, &e.ResponseBody, &e.Message, &e.Trace, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (d *DB) GetErrorRecord(ctx context.Context, id int64) (*models.ErrorRecord, error) {
	rec, err := scanError(d.GetExecutor(ctx).QueryRow(ctx, `SELECT `+errorColumns+` FROM error_records WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "error record %d", id)
	}
	return rec, nil
}

func (d *DB) InsertChainResult(ctx context.Context, r *models.ChainResult) error {
	r.BestResultID = nil
	err := d.GetExecutor(ctx).QueryRow(ctx, `
		INSERT INTO chain_results (run_id, provider_id, chain_slug, height, status, started_at, duration_us, error_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		r.RunID, r.ProviderID, r.ChainSlug, r.Height, r.Status, r.StartedAt, r.Duration.Microseconds(), r.ErrorID,
	).Scan(&r.ID)
	if postgres.IsForeignKeyViolation(err) {
		return fmt.Errorf("check run %d: %w", r.RunID, db.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert chain result: %w", err)
	}
	return nil
}

func (d *DB) InsertPingResult(ctx context.Context, r *models.PingResult) error {
	err := d.GetExecutor(ctx).QueryRow(ctx, `
		INSERT INTO ping_results (run_id, provider_id, status, started_at, duration_us, error_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		r.RunID, r.ProviderID, r.Status, r.StartedAt, r.Duration.Microseconds(), r.ErrorID,
	).Scan(&r.ID)
	if postgres.IsForeignKeyViolation(err) {
		return fmt.Errorf("check run %d: %w", r.RunID, db.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert ping result: %w", err)
	}
	return nil
}

func (d *DB) ListChainResults(ctx context.Context, runID int64) ([]*models.ChainResult, error) {
	rows, err := d.GetExecutor(ctx).Query(ctx, `
		SELECT id, run_id, provider_id, chain_slug, height, status, started_at, duration_us, error_id, best_result_id
		FROM chain_results WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query chain results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.ChainResult, error) {
		var r models.ChainResult
		var us int64
		err := row.Scan(&r.ID, &r.RunID, &r.ProviderID, &r.ChainSlug, &r.Height, &r.Status, &r.StartedAt, &us, &r.ErrorID, &r.BestResultID)
		r.Duration = time.Duration(us) * time.Microsecond
		return &r, err
	})
}

func (d *DB) ListPingResults(ctx context.Context, runID int64) ([]*models.PingResult, error) {
	rows, err := d.GetExecutor(ctx).Query(ctx, `
		SELECT id, run_id, provider_id, status, started_at, duration_us, error_id
		FROM ping_results WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query ping results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.PingResult, error) {
		var r models.PingResult
		var us int64
		err := row.Scan(&r.ID, &r.RunID, &r.ProviderID, &r.Status, &r.StartedAt, &us, &r.ErrorID)
		r.Duration = time.Duration(us) * time.Microsecond
		return &r, err
	})
}

// FinalizeCheckRun locks the run row so a second finalize cannot interleave.
func (d *DB) FinalizeCheckRun(ctx context.Context, runID int64, best map[int64]int64, completedAt time.Time) error {
	ids := make([]int64, 0, len(best))
	bestIDs := make([]int64, 0, len(best))
	for id, b := range best {
		ids = append(ids, id)
		bestIDs = append(bestIDs, b)
	}
	return d.BeginFunc(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var completed *time.Time
		if err := tx.QueryRow(ctx, `SELECT completed_at FROM check_runs WHERE id = $1 FOR UPDATE`, runID).Scan(&completed); err != nil {
			return notFound(err, "check run %d", runID)
		}
		if completed != nil {
			return fmt.Errorf("check run %d already completed", runID)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE chain_results c SET best_result_id = v.best
			FROM unnest($1::bigint[], $2::bigint[]) AS v(id, best)
			WHERE c.id = v.id AND c.run_id = $3`, ids, bestIDs, runID)
		if err != nil {
			return fmt.Errorf("assign best results: %w", err)
		}
		if tag.RowsAffected() != int64(len(ids)) {
			return fmt.Errorf("assign best results: %d of %d rows belong to run %d", tag.RowsAffected(), len(ids), runID)
		}
		if _, err := tx.Exec(ctx, `UPDATE check_runs SET completed_at = $2 WHERE id = $1`, runID, completedAt); err != nil {
			return fmt.Errorf("complete check run: %w", err)
		}
		return nil
	})
}

func (d *DB) ListProviderErrors(ctx context.Context, providerID string, limit, offset int) ([]db.ProviderError, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.GetExecutor(ctx).Query(ctx, `
		SELECT x.run_id, r.kind, x.chain_slug, x.status, `+prefixed("e", errorColumns)+`
		FROM (
			SELECT run_id, chain_slug, status, error_id FROM chain_results WHERE provider_id = $1 AND error_id IS NOT NULL
			UNION ALL
			SELECT run_id, '' AS chain_slug, status, error_id FROM ping_results WHERE provider_id = $1 AND error_id IS NOT NULL
		) x
		JOIN error_records e ON e.id = x.error_id
		JOIN check_runs r ON r.id = x.run_id
		ORDER BY e.id DESC
		LIMIT $2 OFFSET $3`, providerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query provider errors: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (db.ProviderError, error) {
		var (
			pe db.ProviderError
			e  models.ErrorRecord
		)
		err := row.Scan(&pe.RunID, &pe.Kind, &pe.ChainSlug, &pe.Status,
			&e.ID, &e.Tag, &e.Method, &e.URL, &e.RequestHeaders, &e.RequestBody, &e.StatusCode,
			&e.ResponseHeaders, &e.ResponseBody, &e.Message, &e.Trace, &e.CreatedAt)
		pe.Error = &e
		return pe, err
	})
}

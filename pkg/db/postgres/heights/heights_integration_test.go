//go:build integration

package heights

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/db/postgres"
	"github.com/canopy-network/chainheights/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// newTestDB connects to POSTGRES_URL and empties every table.
// Run with: POSTGRES_URL=postgres://... go test -tags integration ./pkg/db/postgres/heights/
func newTestDB(t *testing.T) *DB {
	t.Helper()
	if os.Getenv("POSTGRES_URL") == "" {
		t.Skip("POSTGRES_URL not set")
	}
	ctx := context.Background()
	d, err := NewWithPoolConfig(ctx, zaptest.NewLogger(t), utils.Env("CHAINHEIGHTS_TEST_DB", "chainheights_test"),
		postgres.GetPoolConfigForComponent("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Exec(ctx, `
		TRUNCATE validation_results, validation_runs, chain_results, ping_results,
			error_records, check_runs, chains, providers
		RESTART IDENTITY CASCADE`))
	return d
}

func TestPostgres_FinalizeCheckRun(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	run, err := d.CreateCheckRun(ctx, models.CheckHeight, t0)
	require.NoError(t, err)
	a := &models.ChainResult{RunID: run.ID, ProviderID: "a", ChainSlug: "c", Height: 10, Status: models.StatusOK, StartedAt: t0}
	b := &models.ChainResult{RunID: run.ID, ProviderID: "b", ChainSlug: "c", Height: 9, Status: models.StatusOK, StartedAt: t0}
	require.NoError(t, d.InsertChainResult(ctx, a))
	require.NoError(t, d.InsertChainResult(ctx, b))

	results, err := d.ListChainResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Nil(t, results[0].BestResultID)

	require.NoError(t, d.FinalizeCheckRun(ctx, run.ID, map[int64]int64{a.ID: a.ID, b.ID: a.ID}, t0.Add(time.Minute)))

	results, err = d.ListChainResults(ctx, run.ID)
	require.NoError(t, err)
	for _, r := range results {
		require.NotNil(t, r.BestResultID)
		assert.Equal(t, a.ID, *r.BestResultID)
	}
	got, err := d.GetCheckRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, got.Completed())
	assert.True(t, t0.Add(time.Minute).Equal(*got.CompletedAt))

	err = d.FinalizeCheckRun(ctx, run.ID, nil, t0.Add(2*time.Minute))
	assert.ErrorContains(t, err, "already completed")
}

func TestPostgres_FinalizeCheckRun_RejectsForeignResult(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	r1, err := d.CreateCheckRun(ctx, models.CheckHeight, t0)
	require.NoError(t, err)
	r2, err := d.CreateCheckRun(ctx, models.CheckHeight, t0)
	require.NoError(t, err)
	other := &models.ChainResult{RunID: r2.ID, ProviderID: "a", ChainSlug: "c", Status: models.StatusOK, StartedAt: t0}
	require.NoError(t, d.InsertChainResult(ctx, other))

	err = d.FinalizeCheckRun(ctx, r1.ID, map[int64]int64{other.ID: other.ID}, t0)
	assert.Error(t, err)
	got, err := d.GetCheckRun(ctx, r1.ID)
	require.NoError(t, err)
	assert.False(t, got.Completed(), "the transaction rolled back")
}

func TestPostgres_InsertChainResult_UnknownRun(t *testing.T) {
	d := newTestDB(t)

	err := d.InsertChainResult(context.Background(), &models.ChainResult{RunID: 99, Status: models.StatusOK, StartedAt: t0})

	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestPostgres_LatestCompletedRun_ByCompletionTime(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	_, err := d.LatestCompletedRun(ctx, models.CheckHeight)
	assert.ErrorIs(t, err, db.ErrNotFound)

	early, _ := d.CreateCheckRun(ctx, models.CheckHeight, t0)
	late, _ := d.CreateCheckRun(ctx, models.CheckHeight, t0.Add(time.Second))
	_, _ = d.CreateCheckRun(ctx, models.CheckHeight, t0.Add(2*time.Second))
	ping, _ := d.CreateCheckRun(ctx, models.CheckPing, t0)
	require.NoError(t, d.FinalizeCheckRun(ctx, late.ID, nil, t0.Add(time.Minute)))
	require.NoError(t, d.FinalizeCheckRun(ctx, early.ID, nil, t0.Add(2*time.Minute)))
	require.NoError(t, d.FinalizeCheckRun(ctx, ping.ID, nil, t0.Add(time.Hour)))

	got, err := d.LatestCompletedRun(ctx, models.CheckHeight)
	require.NoError(t, err)
	assert.Equal(t, early.ID, got.ID)
}

func TestPostgres_ListProviderErrors(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	run, err := d.CreateCheckRun(ctx, models.CheckHeight, t0)
	require.NoError(t, err)

	shared := &models.ErrorRecord{Tag: models.ErrorTimeout, Message: "bulk timed out"}
	require.NoError(t, d.InsertErrorRecord(ctx, shared))
	for _, chain := range []string{"a", "b", "c"} {
		require.NoError(t, d.InsertChainResult(ctx, &models.ChainResult{
			RunID: run.ID, ProviderID: "bulk", ChainSlug: chain, Status: models.StatusError, StartedAt: t0, ErrorID: &shared.ID,
		}))
	}

	all, err := d.ListProviderErrors(ctx, "bulk", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, e := range all {
		assert.Equal(t, shared.ID, e.Error.ID)
		assert.Equal(t, models.CheckHeight, e.Kind)
	}

	page, err := d.ListProviderErrors(ctx, "bulk", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestPostgres_ValidationRunStates(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	first := &models.ValidationRun{ProviderID: "p", ChainSlug: "c", StartHeight: 0, EndHeight: 10, StartedAt: t0}
	require.NoError(t, d.CreateValidationRun(ctx, first))

	unfinished, err := d.ListUnfinishedValidationRuns(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, unfinished, 1)

	require.NoError(t, d.TimeOutValidationRun(ctx, first.ID, t0.Add(time.Hour)))
	assert.ErrorIs(t, d.TimeOutValidationRun(ctx, first.ID, t0.Add(time.Hour)), db.ErrNotFound)
	assert.ErrorIs(t, d.CompleteValidationRun(ctx, first.ID, t0.Add(time.Hour)), db.ErrNotFound)

	timedOut, err := d.FindValidationRun(ctx, "p", "c", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, models.ValidationTimedOut, timedOut.State())

	// timed out runs are invisible to the range chain
	_, err = d.LatestValidationRun(ctx, "p", "c")
	assert.ErrorIs(t, err, db.ErrNotFound)

	second := &models.ValidationRun{ProviderID: "p", ChainSlug: "c", StartHeight: 0, EndHeight: 10, StartedAt: t0.Add(2 * time.Hour)}
	require.NoError(t, d.CreateValidationRun(ctx, second))
	require.NoError(t, d.CompleteValidationRun(ctx, second.ID, t0.Add(3*time.Hour)))
	latest, err := d.LatestValidationRun(ctx, "p", "c")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, models.ValidationCompleted, latest.State())
}

func TestPostgres_ValidationResultsAndSummaries(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	run := &models.ValidationRun{ProviderID: "p", ChainSlug: "c", StartHeight: 5, EndHeight: 7, StartedAt: t0}
	require.NoError(t, d.CreateValidationRun(ctx, run))

	require.NoError(t, d.InsertValidationResult(ctx, &models.ValidationResult{
		RunID: run.ID, ProviderID: "p", ChainSlug: "c", Height: 5, TxIDs: []string{"a", "b"}, HashMismatch: true,
	}))
	require.NoError(t, d.InsertValidationResult(ctx, &models.ValidationResult{
		RunID: run.ID, ProviderID: "p", ChainSlug: "c", Height: 6, MissingTxIDs: []string{"x", "y"},
	}))

	results, err := d.ListValidationResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"a", "b"}, results[0].TxIDs)

	summaries, err := d.ListValidationSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Blocks)
	assert.Equal(t, 1, summaries[0].HashMismatches)
	assert.Equal(t, 2, summaries[0].MissingTxIDs)

	assert.ErrorIs(t, d.InsertValidationResult(ctx, &models.ValidationResult{RunID: 999}), db.ErrNotFound)
}

func TestPostgres_Catalog(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	require.NoError(t, d.UpsertProviders(ctx, []models.Provider{{ID: "b"}, {ID: "a", Private: true}}))
	require.NoError(t, d.UpsertProviders(ctx, []models.Provider{{ID: "a"}}))
	providers, err := d.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "a", providers[0].ID)
	assert.False(t, providers[0].Private, "upsert overwrites")

	require.NoError(t, d.UpsertChains(ctx, []models.Chain{
		{ProviderID: "b", Slug: "x"},
		{ProviderID: "a", Slug: "y"},
		{ProviderID: "a", Slug: "x"},
	}))
	all, err := d.ListChains(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ProviderID)
	assert.Equal(t, "x", all[0].Slug)

	onlyB, err := d.ListChains(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, onlyB, 1)

	families, err := d.ListFamilies(ctx)
	require.NoError(t, err)
	assert.Len(t, families, len(models.DefaultFamilies()))
}

func TestPostgres_PruneBefore(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	cutoff := t0.Add(24 * time.Hour)

	old, err := d.CreateCheckRun(ctx, models.CheckHeight, t0)
	require.NoError(t, err)
	rec := &models.ErrorRecord{Tag: models.ErrorTimeout, Message: "timeout", CreatedAt: t0}
	require.NoError(t, d.InsertErrorRecord(ctx, rec))
	require.NoError(t, d.InsertChainResult(ctx, &models.ChainResult{RunID: old.ID, ProviderID: "p", ChainSlug: "c", Status: models.StatusError, StartedAt: t0, ErrorID: &rec.ID}))
	require.NoError(t, d.InsertChainResult(ctx, &models.ChainResult{RunID: old.ID, ProviderID: "q", ChainSlug: "c", Status: models.StatusError, StartedAt: t0, ErrorID: &rec.ID}))
	fresh, err := d.CreateCheckRun(ctx, models.CheckPing, cutoff.Add(24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, d.CreateValidationRun(ctx, &models.ValidationRun{ProviderID: "p", ChainSlug: "c", StartedAt: t0}))
	// block fetch exhaustion leaves records no result points at
	orphan := &models.ErrorRecord{Tag: models.ErrorTimeout, Message: "fetch block", CreatedAt: t0}
	require.NoError(t, d.InsertErrorRecord(ctx, orphan))
	recentOrphan := &models.ErrorRecord{Tag: models.ErrorTimeout, Message: "fetch block", CreatedAt: cutoff.Add(time.Minute)}
	require.NoError(t, d.InsertErrorRecord(ctx, recentOrphan))

	stats, err := d.PruneBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, db.PruneStats{CheckRuns: 1, ValidationRuns: 1, ErrorRecords: 2}, stats)

	_, err = d.GetCheckRun(ctx, old.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = d.GetErrorRecord(ctx, rec.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = d.GetErrorRecord(ctx, orphan.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = d.GetErrorRecord(ctx, recentOrphan.ID)
	assert.NoError(t, err)
	_, err = d.GetCheckRun(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestPostgres_PruneBefore_KeepsCanonicalRangeInUse(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)
	cutoff := t0.Add(24 * time.Hour)

	canonical := &models.ValidationRun{ProviderID: "node", ChainSlug: "c", StartHeight: 100, EndHeight: 110, IsCanonical: true, StartedAt: t0}
	require.NoError(t, d.CreateValidationRun(ctx, canonical))
	canonicalBlock := &models.ValidationResult{RunID: canonical.ID, ProviderID: "node", ChainSlug: "c", Height: 100, Hash: "aa", IsCanonical: true}
	require.NoError(t, d.InsertValidationResult(ctx, canonicalBlock))
	newer := &models.ValidationRun{ProviderID: "p", ChainSlug: "c", StartHeight: 100, EndHeight: 110, StartedAt: cutoff.Add(time.Hour)}
	require.NoError(t, d.CreateValidationRun(ctx, newer))
	require.NoError(t, d.InsertValidationResult(ctx, &models.ValidationResult{
		RunID: newer.ID, ProviderID: "p", ChainSlug: "c", Height: 100, Hash: "aa", CanonicalID: &canonicalBlock.ID,
	}))

	stale := &models.ValidationRun{ProviderID: "node", ChainSlug: "c", StartHeight: 50, EndHeight: 60, IsCanonical: true, StartedAt: t0}
	require.NoError(t, d.CreateValidationRun(ctx, stale))
	require.NoError(t, d.CreateValidationRun(ctx, &models.ValidationRun{ProviderID: "p", ChainSlug: "c", StartHeight: 50, EndHeight: 60, StartedAt: t0}))

	stats, err := d.PruneBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ValidationRuns)

	kept, err := d.FindValidationRun(ctx, "node", "c", 100, 110)
	require.NoError(t, err)
	assert.Equal(t, canonical.ID, kept.ID)
	results, err := d.ListValidationResults(ctx, newer.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].CanonicalID)
	assert.Equal(t, canonicalBlock.ID, *results[0].CanonicalID)

	_, err = d.FindValidationRun(ctx, "node", "c", 50, 60)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

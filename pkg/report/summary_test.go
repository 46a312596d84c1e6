package report

import (
	"context"
	"testing"
	"time"

	"github.com/canopy-network/chainheights/pkg/consensus"
	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/memory"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRun(t *testing.T, store *memory.Store) *models.CheckRun {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertProviders(ctx, []models.Provider{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}, {ID: "secret", Private: true}}))
	require.NoError(t, store.UpsertChains(ctx, []models.Chain{
		{ProviderID: "p1", Slug: "bitcoin-mainnet", Name: "Bitcoin Mainnet", FamilySlug: "bitcoin"},
		{ProviderID: "p1", Slug: "zcash-mainnet", Name: "Zcash Mainnet"},
	}))

	run, err := store.CreateCheckRun(ctx, models.CheckHeight, start)
	require.NoError(t, err)
	rec := &models.ErrorRecord{Tag: models.ErrorTimeout, Message: "deadline"}
	require.NoError(t, store.InsertErrorRecord(ctx, rec))

	for _, r := range []*models.ChainResult{
		{ProviderID: "p1", ChainSlug: "bitcoin-mainnet", Height: 100, Status: models.StatusOK, Duration: 120 * time.Millisecond},
		{ProviderID: "p2", ChainSlug: "bitcoin-mainnet", Height: 98, Status: models.StatusOK},
		{ProviderID: "p3", ChainSlug: "bitcoin-mainnet", Status: models.StatusError, ErrorID: &rec.ID},
		{ProviderID: "secret", ChainSlug: "bitcoin-mainnet", Height: 100, Status: models.StatusOK},
		{ProviderID: "p1", ChainSlug: "zcash-mainnet", Height: 7, Status: models.StatusOK},
		{ProviderID: "secret", ChainSlug: "zcash-mainnet", Height: 3, Status: models.StatusOK},
		{ProviderID: "secret", ChainSlug: "hidden-mainnet", Height: 1, Status: models.StatusOK},
	} {
		r.RunID = run.ID
		r.StartedAt = start
		require.NoError(t, store.InsertChainResult(ctx, r))
	}
	results, err := store.ListChainResults(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, store.FinalizeCheckRun(ctx, run.ID, consensus.Assign(results), start.Add(time.Minute)))
	return run
}

func providerByID(cs ChainSummary) map[string]ProviderHeight {
	out := map[string]ProviderHeight{}
	for _, p := range cs.Providers {
		out[p.ProviderID] = p
	}
	return out
}

func TestBuildSummary_NoRun(t *testing.T) {
	_, err := BuildSummary(context.Background(), memory.New(), false)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestBuildSummary_Public(t *testing.T) {
	store := memory.New()
	run := seedRun(t, store)

	summary, err := BuildSummary(context.Background(), store, false)
	require.NoError(t, err)
	assert.Equal(t, run.ID, summary.Run.ID)
	require.Len(t, summary.Chains, 2, "a chain served only by private providers is hidden")

	btc := summary.Chains[0]
	assert.Equal(t, "bitcoin-mainnet", btc.Slug)
	assert.Equal(t, "Bitcoin Mainnet", btc.Name)
	assert.Equal(t, "bitcoin", btc.Family)
	assert.Equal(t, "p1", btc.BestProvider)
	assert.Equal(t, uint64(100), btc.BestHeight)

	byID := providerByID(btc)
	require.Len(t, byID, 3)
	assert.NotContains(t, byID, "secret")

	p1 := byID["p1"]
	assert.True(t, p1.IsBest)
	assert.Equal(t, consensus.ToleranceSuccess, p1.Tolerance)
	assert.Equal(t, int64(120), p1.DurationMs)
	require.NotNil(t, p1.DifferenceFromBest)
	assert.Zero(t, *p1.DifferenceFromBest)

	p2 := byID["p2"]
	assert.False(t, p2.IsBest)
	assert.Equal(t, int64(-2), *p2.DifferenceFromBest)
	assert.Equal(t, consensus.ToleranceWarning, p2.Tolerance)

	p3 := byID["p3"]
	assert.Equal(t, models.StatusError, p3.Status)
	assert.Nil(t, p3.DifferenceFromBest)
	assert.Equal(t, consensus.ToleranceDanger, p3.Tolerance)
	assert.Equal(t, models.ErrorTimeout, p3.ErrorTag)

	zec := summary.Chains[1]
	assert.Equal(t, "zcash-mainnet", zec.Slug)
	assert.Empty(t, zec.Family)
	assert.Len(t, zec.Providers, 1)
}

func TestBuildSummary_IncludePrivate(t *testing.T) {
	store := memory.New()
	seedRun(t, store)

	summary, err := BuildSummary(context.Background(), store, true)
	require.NoError(t, err)
	require.Len(t, summary.Chains, 3)

	slugs := []string{summary.Chains[0].Slug, summary.Chains[1].Slug, summary.Chains[2].Slug}
	assert.Equal(t, []string{"bitcoin-mainnet", "hidden-mainnet", "zcash-mainnet"}, slugs)

	secret := providerByID(summary.Chains[0])["secret"]
	assert.Equal(t, consensus.ToleranceSuccess, secret.Tolerance)
	assert.False(t, secret.IsBest, "ties keep the first seen result")

	// unknown families fall back to the default bands: -4 is past the error threshold
	zec := providerByID(summary.Chains[2])
	assert.Equal(t, int64(-4), *zec["secret"].DifferenceFromBest)
	assert.Equal(t, consensus.ToleranceDanger, zec["secret"].Tolerance)
}

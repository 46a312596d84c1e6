package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/chainheights/pkg/consensus"
	"github.com/canopy-network/chainheights/pkg/db/memory"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
	"github.com/canopy-network/chainheights/pkg/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var heightChecks = []models.CheckKind{models.CheckHeight, models.CheckPing}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, ev models.RunEvent) {
	m.Called(ctx, ev)
}

func newEngine(t *testing.T, opts provider.Options, providers ...provider.Provider) (*Engine, *memory.Store) {
	t.Helper()
	registry, err := provider.NewRegistry(opts, providers...)
	require.NoError(t, err)

	pool := pond.NewPool(4)
	t.Cleanup(pool.StopAndWait)

	store := memory.New()
	return New(zaptest.NewLogger(t), store, registry, pool), store
}

func resultsByProvider(t *testing.T, store *memory.Store, runID int64) map[string]*models.ChainResult {
	t.Helper()
	results, err := store.ListChainResults(context.Background(), runID)
	require.NoError(t, err)
	out := map[string]*models.ChainResult{}
	for _, r := range results {
		out[r.ProviderID+"/"+r.ChainSlug] = r
	}
	return out
}

func TestRunHeightRound_EndToEnd(t *testing.T) {
	ctx := context.Background()

	p1 := providertest.New("p1", heightChecks, "bitcoin-mainnet")
	p1.HeightsByChain["bitcoin-mainnet"] = 100
	p2 := providertest.New("p2", heightChecks, "bitcoin-mainnet")
	p2.HeightsByChain["bitcoin-mainnet"] = 98
	p3 := providertest.New("p3", heightChecks, "bitcoin-mainnet")
	p3.HeightFn = func(context.Context, string) (uint64, error) {
		return 0, fmt.Errorf("get height: %w", context.DeadlineExceeded)
	}

	engine, store := newEngine(t, provider.Options{}, p1, p2, p3)
	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(ev models.RunEvent) bool {
		return ev.Kind == models.EventHeightRound && ev.Results == 3 && ev.Failures == 1
	})).Once()
	engine.Notifier = notifier

	report, err := engine.RunHeightRound(ctx)
	require.NoError(t, err)
	notifier.AssertExpectations(t)

	assert.Equal(t, 3, report.Jobs)
	assert.Equal(t, 3, report.Results)
	assert.Equal(t, 1, report.Failures)
	require.True(t, report.Run.Completed())

	run, err := store.GetCheckRun(ctx, report.Run.ID)
	require.NoError(t, err)
	assert.True(t, run.Completed())

	byProvider := resultsByProvider(t, store, report.Run.ID)
	r1 := byProvider["p1/bitcoin-mainnet"]
	r2 := byProvider["p2/bitcoin-mainnet"]
	r3 := byProvider["p3/bitcoin-mainnet"]
	require.NotNil(t, r1)
	require.NotNil(t, r2)
	require.NotNil(t, r3)

	require.NotNil(t, r1.BestResultID)
	assert.Equal(t, r1.ID, *r1.BestResultID)
	require.NotNil(t, r2.BestResultID)
	assert.Equal(t, r1.ID, *r2.BestResultID)
	require.NotNil(t, r3.BestResultID)
	assert.Equal(t, r1.ID, *r3.BestResultID)

	family := models.DefaultFamilies()[0]
	assert.Equal(t, consensus.ToleranceSuccess, consensus.Classify(consensus.Deviation(r1, r1), family))
	assert.Equal(t, int64(-2), consensus.Deviation(r2, r1))

	assert.Equal(t, models.StatusError, r3.Status)
	assert.Zero(t, r3.Height)
	require.NotNil(t, r3.ErrorID)
	rec, err := store.GetErrorRecord(ctx, *r3.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorTimeout, rec.Tag)
}

func TestRunHeightRound_HTTP4xxIsWarning(t *testing.T) {
	p := providertest.New("p", heightChecks, "ethereum-mainnet")
	p.HeightFn = func(context.Context, string) (uint64, error) {
		return 0, &provider.HTTPError{Exchange: provider.Exchange{Method: http.MethodGet, URL: "https://example.test/h", StatusCode: 429}}
	}
	engine, store := newEngine(t, provider.Options{}, p)

	report, err := engine.RunHeightRound(context.Background())
	require.NoError(t, err)

	r := resultsByProvider(t, store, report.Run.ID)["p/ethereum-mainnet"]
	require.NotNil(t, r)
	assert.Equal(t, models.StatusWarn, r.Status)
	rec, err := store.GetErrorRecord(context.Background(), *r.ErrorID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorHTTP, rec.Tag)
	assert.Equal(t, 429, rec.StatusCode)
}

func TestRunHeightRound_BulkFailureSharesErrorRecord(t *testing.T) {
	bulk := providertest.New("bulk", []models.CheckKind{models.CheckBulkHeight}, "a-mainnet", "b-mainnet", "c-mainnet")
	bulk.HeightsFn = func(context.Context, []string) ([]uint64, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, errors.New("connection reset by peer")
	}
	engine, store := newEngine(t, provider.Options{Bulk: []string{"bulk"}}, bulk)

	report, err := engine.RunHeightRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Jobs)
	assert.Equal(t, 3, report.Results)
	assert.Equal(t, 3, report.Failures)
	assert.Equal(t, 1, bulk.Calls("heights"))
	assert.Zero(t, bulk.Calls("height"))

	results, err := store.ListChainResults(context.Background(), report.Run.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)

	first := results[0]
	require.NotNil(t, first.ErrorID)
	for _, r := range results[1:] {
		require.NotNil(t, r.ErrorID)
		assert.Equal(t, *first.ErrorID, *r.ErrorID)
		assert.Equal(t, first.Status, r.Status)
		assert.Equal(t, first.Duration, r.Duration)
	}
	// ceil(3 * 0.8) = 3
	assert.GreaterOrEqual(t, first.Duration, 10*time.Millisecond)
}

func TestRunHeightRound_BulkSuccessAssignsInOrder(t *testing.T) {
	bulk := providertest.New("bulk", []models.CheckKind{models.CheckBulkHeight, models.CheckHeight}, "a-mainnet", "b-mainnet")
	bulk.HeightsByChain["a-mainnet"] = 11
	bulk.HeightsByChain["b-mainnet"] = 22
	engine, store := newEngine(t, provider.Options{Bulk: []string{"bulk"}}, bulk)

	report, err := engine.RunHeightRound(context.Background())
	require.NoError(t, err)

	byProvider := resultsByProvider(t, store, report.Run.ID)
	assert.Equal(t, uint64(11), byProvider["bulk/a-mainnet"].Height)
	assert.Equal(t, uint64(22), byProvider["bulk/b-mainnet"].Height)
	assert.Nil(t, byProvider["bulk/a-mainnet"].ErrorID)
}

func TestRunHeightRound_BulkLengthMismatchIsEncodingError(t *testing.T) {
	bulk := providertest.New("bulk", []models.CheckKind{models.CheckBulkHeight}, "a-mainnet", "b-mainnet")
	bulk.HeightsFn = func(context.Context, []string) ([]uint64, error) {
		return []uint64{1}, nil
	}
	engine, store := newEngine(t, provider.Options{Bulk: []string{"bulk"}}, bulk)

	report, err := engine.RunHeightRound(context.Background())
	require.NoError(t, err)

	results, err := store.ListChainResults(context.Background(), report.Run.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	rec, err := store.GetErrorRecord(context.Background(), *results[0].ErrorID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrorEncoding, rec.Tag)
}

func TestBulkDuration(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, BulkDuration(300*time.Millisecond, 3))
	// ceil(10 * 0.8) = 8
	assert.Equal(t, 100*time.Millisecond, BulkDuration(800*time.Millisecond, 10))
	assert.Equal(t, 50*time.Millisecond, BulkDuration(50*time.Millisecond, 1))
	assert.Equal(t, 50*time.Millisecond, BulkDuration(50*time.Millisecond, 0))
}

func TestRunHeightRound_BestResultOnlyAfterBarrier(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})

	fast := providertest.New("fast", heightChecks, "bitcoin-mainnet")
	fast.HeightsByChain["bitcoin-mainnet"] = 10
	slow := providertest.New("slow", heightChecks, "bitcoin-mainnet")
	slow.HeightFn = func(context.Context, string) (uint64, error) {
		close(entered)
		<-release
		return 12, nil
	}
	engine, store := newEngine(t, provider.Options{}, fast, slow)

	done := make(chan RoundReport, 1)
	go func() {
		report, err := engine.RunHeightRound(ctx)
		assert.NoError(t, err)
		done <- report
	}()

	<-entered
	// the first id of a fresh store belongs to the run
	const runID = int64(1)
	require.Eventually(t, func() bool {
		results, err := store.ListChainResults(ctx, runID)
		return err == nil && len(results) == 1
	}, time.Second, 5*time.Millisecond)

	results, err := store.ListChainResults(ctx, runID)
	require.NoError(t, err)
	assert.Nil(t, results[0].BestResultID)
	run, err := store.GetCheckRun(ctx, runID)
	require.NoError(t, err)
	assert.False(t, run.Completed())

	close(release)
	report := <-done
	require.Equal(t, runID, report.Run.ID)

	byProvider := resultsByProvider(t, store, runID)
	best := byProvider["slow/bitcoin-mainnet"]
	for _, r := range byProvider {
		require.NotNil(t, r.BestResultID)
		assert.Equal(t, best.ID, *r.BestResultID)
	}
}

func TestRunHeightRound_EmptyRoundCompletes(t *testing.T) {
	pingOnly := providertest.New("ping-only", []models.CheckKind{models.CheckPing}, "bitcoin-mainnet")
	engine, store := newEngine(t, provider.Options{}, pingOnly)

	report, err := engine.RunHeightRound(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Jobs)
	assert.True(t, report.Run.Completed())
	assert.Zero(t, pingOnly.Calls("chains"))

	latest, err := store.LatestCompletedRun(context.Background(), models.CheckHeight)
	require.NoError(t, err)
	assert.Equal(t, report.Run.ID, latest.ID)
}

func TestRunHeightRound_ProviderWithoutChainsIsSkipped(t *testing.T) {
	broken := providertest.New("broken", heightChecks)
	broken.ChainsErr = errors.New("listing failed")
	ok := providertest.New("ok", heightChecks, "bitcoin-mainnet")
	ok.HeightsByChain["bitcoin-mainnet"] = 5
	engine, _ := newEngine(t, provider.Options{}, broken, ok)

	report, err := engine.RunHeightRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, report.Skipped)
	assert.Equal(t, 1, report.Results)
	assert.Zero(t, broken.Calls("height"))
}

func TestRunHeightRound_StoppedPoolSkipsProviders(t *testing.T) {
	ok := providertest.New("ok", heightChecks, "bitcoin-mainnet")
	ok.HeightsByChain["bitcoin-mainnet"] = 5
	engine, _ := newEngine(t, provider.Options{}, ok)
	engine.Pool.StopAndWait()

	report, err := engine.RunHeightRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, report.Skipped, "chain listing runs on the shared pool")
	assert.Zero(t, ok.Calls("chains"))
	assert.True(t, report.Run.Completed())
}

func TestRunPingRound(t *testing.T) {
	up := providertest.New("up", heightChecks)
	down := providertest.New("down", heightChecks)
	down.PingFn = func(context.Context) error { return errors.New("dial tcp: connection refused") }
	noPing := providertest.New("no-ping", []models.CheckKind{models.CheckHeight})
	engine, store := newEngine(t, provider.Options{}, up, down, noPing)

	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(ev models.RunEvent) bool {
		return ev.Kind == models.EventPingRound && ev.Results == 2 && ev.Failures == 1
	})).Once()
	engine.Notifier = notifier

	report, err := engine.RunPingRound(context.Background())
	require.NoError(t, err)
	notifier.AssertExpectations(t)
	assert.Equal(t, 2, report.Jobs)
	assert.True(t, report.Run.Completed())
	assert.Zero(t, noPing.Calls("ping"))

	results, err := store.ListPingResults(context.Background(), report.Run.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	statuses := map[string]models.Status{}
	for _, r := range results {
		statuses[r.ProviderID] = r.Status
		if r.ProviderID == "down" {
			assert.NotNil(t, r.ErrorID)
		} else {
			assert.Nil(t, r.ErrorID)
		}
	}
	assert.Equal(t, map[string]models.Status{"up": models.StatusOK, "down": models.StatusError}, statuses)
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()
	a := providertest.New("a", heightChecks, "bitcoin-mainnet", "madeup-mainnet")
	b := providertest.New("b", heightChecks)
	b.ChainsErr = errors.New("boom")
	engine, store := newEngine(t, provider.Options{Private: []string{"b"}}, a, b)

	report, err := engine.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Providers)
	assert.Equal(t, 2, report.Chains)
	assert.Equal(t, []string{"b"}, report.Failed)

	providers, err := store.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.True(t, providers[1].Private)

	chains, err := store.ListChains(ctx, "a")
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, "bitcoin", chains[0].FamilySlug)
	assert.Empty(t, chains[1].FamilySlug)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	p := providertest.New("p", heightChecks, "bitcoin-mainnet")
	p.HeightsByChain["bitcoin-mainnet"] = 1
	engine, store := newEngine(t, provider.Options{}, p)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = func() time.Time { return now.Add(-48 * time.Hour) }
	_, err := engine.RunHeightRound(ctx)
	require.NoError(t, err)
	engine.Now = func() time.Time { return now }
	recent, err := engine.RunHeightRound(ctx)
	require.NoError(t, err)

	stats, err := engine.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CheckRuns)

	latest, err := store.LatestCompletedRun(ctx, models.CheckHeight)
	require.NoError(t, err)
	assert.Equal(t, recent.Run.ID, latest.ID)
}

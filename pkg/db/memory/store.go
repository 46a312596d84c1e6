// Package memory is a process-local db.Store, used by tests and single-node deployments without postgres.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/puzpuzpuz/xsync/v4"
)

type Store struct {
	seq atomic.Int64

	// finalize guards multi-row updates so readers never see half of one.
	finalize sync.RWMutex

	runs           *xsync.Map[int64, models.CheckRun]
	chainResults   *xsync.Map[int64, models.ChainResult]
	pingResults    *xsync.Map[int64, models.PingResult]
	errors         *xsync.Map[int64, models.ErrorRecord]
	validationRuns *xsync.Map[int64, models.ValidationRun]
	validationRes  *xsync.Map[int64, models.ValidationResult]
	families       *xsync.Map[string, models.ChainFamily]
	providers      *xsync.Map[string, models.Provider]
	chains         *xsync.Map[string, models.Chain]
}

// New returns an empty store seeded with the default families.
func New() *Store {
	s := &Store{
		runs:           xsync.NewMap[int64, models.CheckRun](),
		chainResults:   xsync.NewMap[int64, models.ChainResult](),
		pingResults:    xsync.NewMap[int64, models.PingResult](),
		errors:         xsync.NewMap[int64, models.ErrorRecord](),
		validationRuns: xsync.NewMap[int64, models.ValidationRun](),
		validationRes:  xsync.NewMap[int64, models.ValidationResult](),
		families:       xsync.NewMap[string, models.ChainFamily](),
		providers:      xsync.NewMap[string, models.Provider](),
		chains:         xsync.NewMap[string, models.Chain](),
	}
	_ = s.SeedFamilies(context.Background(), models.DefaultFamilies())
	return s
}

func (s *Store) nextID() int64 { return s.seq.Add(1) }

func ptr[T any](v T) *T { return &v }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return ptr(*t)
}

// collect returns the values matching keep, ordered by id.
func collect[V any](m *xsync.Map[int64, V], keep func(V) bool) []V {
	type row struct {
		id int64
		v  V
	}
	var rows []row
	m.Range(func(id int64, v V) bool {
		if keep(v) {
			rows = append(rows, row{id, v})
		}
		return true
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
	out := make([]V, len(rows))
	for i, r := range rows {
		out[i] = r.v
	}
	return out
}

// CheckStore

func (s *Store) CreateCheckRun(_ context.Context, kind models.CheckKind, startedAt time.Time) (*models.CheckRun, error) {
	run := models.CheckRun{ID: s.nextID(), Kind: kind, StartedAt: startedAt}
	s.runs.Store(run.ID, run)
	return ptr(run), nil
}

func (s *Store) GetCheckRun(_ context.Context, id int64) (*models.CheckRun, error) {
	s.finalize.RLock()
	defer s.finalize.RUnlock()
	run, ok := s.runs.Load(id)
	if !ok {
		return nil, fmt.Errorf("check run %d: %w", id, db.ErrNotFound)
	}
	run.CompletedAt = copyTime(run.CompletedAt)
	return &run, nil
}

func (s *Store) LatestCompletedRun(_ context.Context, kind models.CheckKind) (*models.CheckRun, error) {
	s.finalize.RLock()
	defer s.finalize.RUnlock()
	var latest *models.CheckRun
	s.runs.Range(func(_ int64, r models.CheckRun) bool {
		if r.Kind != kind || r.CompletedAt == nil {
			return true
		}
		if latest == nil || r.CompletedAt.After(*latest.CompletedAt) {
			r.CompletedAt = copyTime(r.CompletedAt)
			latest = ptr(r)
		}
		return true
	})
	if latest == nil {
		return nil, fmt.Errorf("completed %s run: %w", kind, db.ErrNotFound)
	}
	return latest, nil
}

func (s *Store) InsertErrorRecord(_ context.Context, rec *models.ErrorRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ID = s.nextID()
	s.errors.Store(rec.ID, *rec)
	return nil
}

func (s *Store) GetErrorRecord(_ context.Context, id int64) (*models.ErrorRecord, error) {
	rec, ok := s.errors.Load(id)
	if !ok {
		return nil, fmt.Errorf("error record %d: %w", id, db.ErrNotFound)
	}
	return &rec, nil
}

func (s *Store) InsertChainResult(_ context.Context, r *models.ChainResult) error {
	if _, ok := s.runs.Load(r.RunID); !ok {
		return fmt.Errorf("check run %d: %w", r.RunID, db.ErrNotFound)
	}
	r.ID = s.nextID()
	r.BestResultID = nil
	s.chainResults.Store(r.ID, *r)
	return nil
}

func (s *Store) InsertPingResult(_ context.Context, r *models.PingResult) error {
	if _, ok := s.runs.Load(r.RunID); !ok {
		return fmt.Errorf("check run %d: %w", r.RunID, db.ErrNotFound)
	}
	r.ID = s.nextID()
	s.pingResults.Store(r.ID, *r)
	return nil
}

func (s *Store) ListChainResults(_ context.Context, runID int64) ([]*models.ChainResult, error) {
	s.finalize.RLock()
	defer s.finalize.RUnlock()
	rows := collect(s.chainResults, func(r models.ChainResult) bool { return r.RunID == runID })
	out := make([]*models.ChainResult, len(rows))
	for i := range rows {
		out[i] = ptr(rows[i])
	}
	return out, nil
}

func (s *Store) ListPingResults(_ context.Context, runID int64) ([]*models.PingResult, error) {
	rows := collect(s.pingResults, func(r models.PingResult) bool { return r.RunID == runID })
	out := make([]*models.PingResult, len(rows))
	for i := range rows {
		out[i] = ptr(rows[i])
	}
	return out, nil
}

func (s *Store) FinalizeCheckRun(_ context.Context, runID int64, best map[int64]int64, completedAt time.Time) error {
	s.finalize.Lock()
	defer s.finalize.Unlock()

	run, ok := s.runs.Load(runID)
	if !ok {
		return fmt.Errorf("check run %d: %w", runID, db.ErrNotFound)
	}
	if run.CompletedAt != nil {
		return fmt.Errorf("check run %d already completed", runID)
	}
	for id := range best {
		r, ok := s.chainResults.Load(id)
		if !ok || r.RunID != runID {
			return fmt.Errorf("chain result %d does not belong to run %d", id, runID)
		}
	}
	for id, bestID := range best {
		s.chainResults.Compute(id, func(old models.ChainResult, loaded bool) (models.ChainResult, xsync.ComputeOp) {
			old.BestResultID = ptr(bestID)
			return old, xsync.UpdateOp
		})
	}
	run.CompletedAt = ptr(completedAt)
	s.runs.Store(runID, run)
	return nil
}

func (s *Store) ListProviderErrors(_ context.Context, providerID string, limit, offset int) ([]db.ProviderError, error) {
	var out []db.ProviderError
	add := func(runID int64, chain string, status models.Status, errID *int64) {
		if errID == nil {
			return
		}
		rec, ok := s.errors.Load(*errID)
		if !ok {
			return
		}
		run, _ := s.runs.Load(runID)
		out = append(out, db.ProviderError{RunID: runID, Kind: run.Kind, ChainSlug: chain, Status: status, Error: ptr(rec)})
	}
	for _, r := range collect(s.chainResults, func(r models.ChainResult) bool { return r.ProviderID == providerID }) {
		add(r.RunID, r.ChainSlug, r.Status, r.ErrorID)
	}
	for _, r := range collect(s.pingResults, func(r models.PingResult) bool { return r.ProviderID == providerID }) {
		add(r.RunID, "", r.Status, r.ErrorID)
	}
	// newest first; a shared bulk error appears once per chain
	sort.SliceStable(out, func(i, j int) bool { return out[i].Error.ID > out[j].Error.ID })
	return page(out, limit, offset), nil
}

func page[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// ValidationStore

func (s *Store) CreateValidationRun(_ context.Context, run *models.ValidationRun) error {
	run.ID = s.nextID()
	s.validationRuns.Store(run.ID, *run)
	return nil
}

func (s *Store) LatestValidationRun(_ context.Context, providerID, chainSlug string) (*models.ValidationRun, error) {
	var latest *models.ValidationRun
	for _, r := range collect(s.validationRuns, func(r models.ValidationRun) bool {
		return r.ProviderID == providerID && r.ChainSlug == chainSlug && !r.TimedOut
	}) {
		if latest == nil || !r.StartedAt.Before(latest.StartedAt) {
			latest = ptr(r)
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("validation run %s/%s: %w", providerID, chainSlug, db.ErrNotFound)
	}
	return latest, nil
}

func (s *Store) FindValidationRun(_ context.Context, providerID, chainSlug string, start, end uint64) (*models.ValidationRun, error) {
	rows := collect(s.validationRuns, func(r models.ValidationRun) bool {
		return r.ProviderID == providerID && r.ChainSlug == chainSlug && r.StartHeight == start && r.EndHeight == end
	})
	if len(rows) == 0 {
		return nil, fmt.Errorf("validation run %s/%s [%d,%d): %w", providerID, chainSlug, start, end, db.ErrNotFound)
	}
	return ptr(rows[len(rows)-1]), nil
}

func (s *Store) ListUnfinishedValidationRuns(_ context.Context, startedBefore time.Time) ([]*models.ValidationRun, error) {
	rows := collect(s.validationRuns, func(r models.ValidationRun) bool {
		return r.CompletedAt == nil && !r.TimedOut && r.StartedAt.Before(startedBefore)
	})
	out := make([]*models.ValidationRun, len(rows))
	for i := range rows {
		out[i] = ptr(rows[i])
	}
	return out, nil
}

func (s *Store) updateValidationRun(id int64, fn func(*models.ValidationRun) error) error {
	var err error
	_, ok := s.validationRuns.Compute(id, func(old models.ValidationRun, loaded bool) (models.ValidationRun, xsync.ComputeOp) {
		if !loaded {
			err = fmt.Errorf("validation run %d: %w", id, db.ErrNotFound)
			return old, xsync.CancelOp
		}
		if err = fn(&old); err != nil {
			return old, xsync.CancelOp
		}
		return old, xsync.UpdateOp
	})
	if err == nil && !ok {
		err = fmt.Errorf("validation run %d: %w", id, db.ErrNotFound)
	}
	return err
}

func (s *Store) CompleteValidationRun(_ context.Context, id int64, at time.Time) error {
	return s.updateValidationRun(id, func(r *models.ValidationRun) error {
		if r.CompletedAt != nil {
			return fmt.Errorf("validation run %d already completed", id)
		}
		r.CompletedAt = ptr(at)
		return nil
	})
}

func (s *Store) TimeOutValidationRun(_ context.Context, id int64, at time.Time) error {
	return s.updateValidationRun(id, func(r *models.ValidationRun) error {
		if r.CompletedAt != nil {
			return fmt.Errorf("validation run %d already completed", id)
		}
		r.TimedOut = true
		r.CompletedAt = ptr(at)
		return nil
	})
}

func (s *Store) InsertValidationResult(_ context.Context, r *models.ValidationResult) error {
	if _, ok := s.validationRuns.Load(r.RunID); !ok {
		return fmt.Errorf("validation run %d: %w", r.RunID, db.ErrNotFound)
	}
	r.ID = s.nextID()
	stored := *r
	stored.TxIDs = slices.Clone(r.TxIDs)
	stored.MissingTxIDs = slices.Clone(r.MissingTxIDs)
	s.validationRes.Store(r.ID, stored)
	return nil
}

func (s *Store) ListValidationResults(_ context.Context, runID int64) ([]*models.ValidationResult, error) {
	rows := collect(s.validationRes, func(r models.ValidationResult) bool { return r.RunID == runID })
	out := make([]*models.ValidationResult, len(rows))
	for i := range rows {
		out[i] = ptr(rows[i])
	}
	return out, nil
}

func (s *Store) ListValidationSummaries(ctx context.Context) ([]db.ValidationSummary, error) {
	latest := map[string]models.ValidationRun{}
	for _, r := range collect(s.validationRuns, func(models.ValidationRun) bool { return true }) {
		key := r.ProviderID + "/" + r.ChainSlug
		if cur, ok := latest[key]; !ok || !r.StartedAt.Before(cur.StartedAt) {
			latest[key] = r
		}
	}
	out := make([]db.ValidationSummary, 0, len(latest))
	for _, run := range latest {
		sum := db.ValidationSummary{Run: run}
		results, _ := s.ListValidationResults(ctx, run.ID)
		for _, res := range results {
			sum.Blocks++
			if res.HashMismatch {
				sum.HashMismatches++
			}
			sum.MissingTxIDs += len(res.MissingTxIDs)
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Run.ChainSlug != out[j].Run.ChainSlug {
			return out[i].Run.ChainSlug < out[j].Run.ChainSlug
		}
		return out[i].Run.ProviderID < out[j].Run.ProviderID
	})
	return out, nil
}

// CatalogStore

// SeedFamilies inserts families that do not exist yet.
func (s *Store) SeedFamilies(_ context.Context, families []models.ChainFamily) error {
	for _, f := range families {
		s.families.LoadOrStore(f.Slug, f)
	}
	return nil
}

func (s *Store) ListFamilies(_ context.Context) ([]models.ChainFamily, error) {
	var out []models.ChainFamily
	s.families.Range(func(_ string, f models.ChainFamily) bool {
		out = append(out, f)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *Store) UpsertProviders(_ context.Context, providers []models.Provider) error {
	for _, p := range providers {
		s.providers.Store(p.ID, p)
	}
	return nil
}

func (s *Store) ListProviders(_ context.Context) ([]models.Provider, error) {
	var out []models.Provider
	s.providers.Range(func(_ string, p models.Provider) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertChains(_ context.Context, chains []models.Chain) error {
	for _, c := range chains {
		s.chains.Store(c.ProviderID+"/"+c.Slug, c)
	}
	return nil
}

// ListChains returns the chains of one provider, or of all providers when providerID is empty.
func (s *Store) ListChains(_ context.Context, providerID string) ([]models.Chain, error) {
	var out []models.Chain
	s.chains.Range(func(_ string, c models.Chain) bool {
		if providerID == "" || c.ProviderID == providerID {
			out = append(out, c)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].Slug < out[j].Slug
	})
	return out, nil
}

// PruneBefore drops runs started before cutoff with their results. A canonical
// validation run survives while a provider run over the same range started at
// or after cutoff still compares against it. Error records created before
// cutoff go once no remaining result points at them.
func (s *Store) PruneBefore(_ context.Context, cutoff time.Time) (db.PruneStats, error) {
	s.finalize.Lock()
	defer s.finalize.Unlock()

	var stats db.PruneStats
	s.runs.Range(func(id int64, r models.CheckRun) bool {
		if !r.StartedAt.Before(cutoff) {
			return true
		}
		s.chainResults.Range(func(rid int64, cr models.ChainResult) bool {
			if cr.RunID == id {
				s.chainResults.Delete(rid)
			}
			return true
		})
		s.pingResults.Range(func(rid int64, pr models.PingResult) bool {
			if pr.RunID == id {
				s.pingResults.Delete(rid)
			}
			return true
		})
		s.runs.Delete(id)
		stats.CheckRuns++
		return true
	})

	type rangeKey struct {
		chain      string
		start, end uint64
	}
	inUse := map[rangeKey]bool{}
	s.validationRuns.Range(func(_ int64, r models.ValidationRun) bool {
		if !r.IsCanonical && !r.StartedAt.Before(cutoff) {
			inUse[rangeKey{r.ChainSlug, r.StartHeight, r.EndHeight}] = true
		}
		return true
	})
	dropped := map[int64]bool{}
	s.validationRuns.Range(func(id int64, r models.ValidationRun) bool {
		if !r.StartedAt.Before(cutoff) {
			return true
		}
		if r.IsCanonical && inUse[rangeKey{r.ChainSlug, r.StartHeight, r.EndHeight}] {
			return true
		}
		s.validationRes.Range(func(rid int64, vr models.ValidationResult) bool {
			if vr.RunID == id {
				dropped[rid] = true
				s.validationRes.Delete(rid)
			}
			return true
		})
		s.validationRuns.Delete(id)
		stats.ValidationRuns++
		return true
	})
	if len(dropped) > 0 {
		s.validationRes.Range(func(rid int64, vr models.ValidationResult) bool {
			if vr.CanonicalID != nil && dropped[*vr.CanonicalID] {
				vr.CanonicalID = nil
				s.validationRes.Store(rid, vr)
			}
			return true
		})
	}

	referenced := map[int64]bool{}
	s.chainResults.Range(func(_ int64, cr models.ChainResult) bool {
		if cr.ErrorID != nil {
			referenced[*cr.ErrorID] = true
		}
		return true
	})
	s.pingResults.Range(func(_ int64, pr models.PingResult) bool {
		if pr.ErrorID != nil {
			referenced[*pr.ErrorID] = true
		}
		return true
	})
	s.errors.Range(func(id int64, rec models.ErrorRecord) bool {
		if rec.CreatedAt.Before(cutoff) && !referenced[id] {
			s.errors.Delete(id)
			stats.ErrorRecords++
		}
		return true
	})
	return stats, nil
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

var _ db.Store = (*Store)(nil)

package db

import (
	"context"
	"errors"
	"time"

	"github.com/canopy-network/chainheights/pkg/db/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// CheckStore persists height and ping rounds.
type CheckStore interface {
	CreateCheckRun(ctx context.Context, kind models.CheckKind, startedAt time.Time) (*models.CheckRun, error)
	GetCheckRun(ctx context.Context, id int64) (*models.CheckRun, error)
	// LatestCompletedRun selects by completion time, not by id.
	LatestCompletedRun(ctx context.Context, kind models.CheckKind) (*models.CheckRun, error)
	InsertErrorRecord(ctx context.Context, rec *models.ErrorRecord) error
	GetErrorRecord(ctx context.Context, id int64) (*models.ErrorRecord, error)
	InsertChainResult(ctx context.Context, r *models.ChainResult) error
	InsertPingResult(ctx context.Context, r *models.PingResult) error
	// ListChainResults returns results in insertion order.
	ListChainResults(ctx context.Context, runID int64) ([]*models.ChainResult, error)
	ListPingResults(ctx context.Context, runID int64) ([]*models.PingResult, error)
	// FinalizeCheckRun sets every best result and completed_at in one step.
	// It fails if the run is already completed.
	FinalizeCheckRun(ctx context.Context, runID int64, best map[int64]int64, completedAt time.Time) error
	ListProviderErrors(ctx context.Context, providerID string, limit, offset int) ([]ProviderError, error)
}

// ValidationStore persists block validation runs.
type ValidationStore interface {
	CreateValidationRun(ctx context.Context, run *models.ValidationRun) error
	// LatestValidationRun returns the most recently started run that is not timed out.
	LatestValidationRun(ctx context.Context, providerID, chainSlug string) (*models.ValidationRun, error)
	// FindValidationRun returns a run over exactly [start, end), in any state.
	FindValidationRun(ctx context.Context, providerID, chainSlug string, start, end uint64) (*models.ValidationRun, error)
	// ListUnfinishedValidationRuns returns runs neither completed nor timed out that started before the cutoff.
	ListUnfinishedValidationRuns(ctx context.Context, startedBefore time.Time) ([]*models.ValidationRun, error)
	CompleteValidationRun(ctx context.Context, id int64, at time.Time) error
	TimeOutValidationRun(ctx context.Context, id int64, at time.Time) error
	InsertValidationResult(ctx context.Context, r *models.ValidationResult) error
	ListValidationResults(ctx context.Context, runID int64) ([]*models.ValidationResult, error)
	ListValidationSummaries(ctx context.Context) ([]ValidationSummary, error)
}

// CatalogStore persists providers, chains and families.
type CatalogStore interface {
	SeedFamilies(ctx context.Context, families []models.ChainFamily) error
	ListFamilies(ctx context.Context) ([]models.ChainFamily, error)
	UpsertProviders(ctx context.Context, providers []models.Provider) error
	ListProviders(ctx context.Context) ([]models.Provider, error)
	UpsertChains(ctx context.Context, chains []models.Chain) error
	ListChains(ctx context.Context, providerID string) ([]models.Chain, error)
}

// Store is the persistence collaborator of the engine.
type Store interface {
	CheckStore
	ValidationStore
	CatalogStore
	// PruneBefore deletes check and validation runs started before cutoff, with their children.
	PruneBefore(ctx context.Context, cutoff time.Time) (PruneStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// ProviderError is an error record with the context of the result that referenced it.
type ProviderError struct {
	RunID     int64               `json:"run_id"`
	Kind      models.CheckKind    `json:"kind"`
	ChainSlug string              `json:"chain_slug,omitempty"`
	Status    models.Status       `json:"status"`
	Error     *models.ErrorRecord `json:"error"`
}

// ValidationSummary aggregates one validation run.
type ValidationSummary struct {
	Run            models.ValidationRun `json:"run"`
	Blocks         int                  `json:"blocks"`
	HashMismatches int                  `json:"hash_mismatches"`
	MissingTxIDs   int                  `json:"missing_tx_ids"`
}

// PruneStats counts deleted rows.
type PruneStats struct {
	CheckRuns      int64 `json:"check_runs"`
	ValidationRuns int64 `json:"validation_runs"`
	ErrorRecords   int64 `json:"error_records"`
}

// Sink receives finalized data for analytics. Implementations must not block the engine for long.
type Sink interface {
	RecordChainResults(ctx context.Context, run *models.CheckRun, results []*models.ChainResult) error
	RecordValidationResults(ctx context.Context, run *models.ValidationRun, results []*models.ValidationResult) error
}

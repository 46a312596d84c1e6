package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"go.uber.org/zap"
)

// DiscoveryReport lists what a discovery pass persisted.
type DiscoveryReport struct {
	Providers int
	Chains    int
	Failed    []string
}

// Discover records every registered provider and the chains each one
// currently serves. Chains of unknown families are stored without a family.
func (e *Engine) Discover(ctx context.Context) (DiscoveryReport, error) {
	var report DiscoveryReport
	described := e.Registry.Describe()
	if err := e.Store.UpsertProviders(ctx, described); err != nil {
		return report, fmt.Errorf("upsert providers: %w", err)
	}
	report.Providers = len(described)

	families, err := e.Store.ListFamilies(ctx)
	if err != nil {
		return report, fmt.Errorf("list families: %w", err)
	}
	known := make(map[string]struct{}, len(families))
	for _, f := range families {
		known[f.Slug] = struct{}{}
	}

	now := e.now()
	var rows []models.Chain
	for _, p := range e.Registry.All() {
		chains, err := p.SupportedChains(ctx)
		if err != nil {
			e.Logger.Warn("chain discovery failed", zap.String("provider", p.ID()), zap.Error(err))
			report.Failed = append(report.Failed, p.ID())
			continue
		}
		for _, c := range chains {
			row := models.Chain{
				ProviderID: p.ID(),
				Slug:       c.Slug,
				Name:       c.Name,
				IsTestnet:  c.IsTestnet,
				UpdatedAt:  now,
			}
			if family := models.FamilySlug(c.Slug); family != "" {
				if _, ok := known[family]; ok {
					row.FamilySlug = family
				}
			}
			rows = append(rows, row)
		}
	}
	if len(rows) > 0 {
		if err := e.Store.UpsertChains(ctx, rows); err != nil {
			return report, fmt.Errorf("upsert chains: %w", err)
		}
	}
	report.Chains = len(rows)
	e.Logger.Info("discovery completed",
		zap.Int("providers", report.Providers),
		zap.Int("chains", report.Chains),
		zap.Strings("failed", report.Failed))
	return report, nil
}

// Prune removes runs older than retention.
func (e *Engine) Prune(ctx context.Context, retention time.Duration) (db.PruneStats, error) {
	cutoff := e.now().Add(-retention)
	stats, err := e.Store.PruneBefore(ctx, cutoff)
	if err != nil {
		return stats, fmt.Errorf("prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	e.Logger.Info("pruned old runs",
		zap.Time("cutoff", cutoff),
		zap.Int64("check_runs", stats.CheckRuns),
		zap.Int64("validation_runs", stats.ValidationRuns),
		zap.Int64("error_records", stats.ErrorRecords))
	return stats, nil
}

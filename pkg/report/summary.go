// Package report assembles the read models served by the admin API.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/canopy-network/chainheights/pkg/consensus"
	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/models"
)

// Summary is the latest completed height run, grouped by chain.
type Summary struct {
	Run    *models.CheckRun `json:"run"`
	Chains []ChainSummary   `json:"chains"`
}

type ChainSummary struct {
	Slug         string           `json:"slug"`
	Name         string           `json:"name"`
	Family       string           `json:"family,omitempty"`
	IsTestnet    bool             `json:"is_testnet"`
	BestProvider string           `json:"best_provider"`
	BestHeight   uint64           `json:"best_height"`
	Providers    []ProviderHeight `json:"providers"`
}

type ProviderHeight struct {
	ProviderID         string              `json:"provider_id"`
	Height             uint64              `json:"height"`
	Status             models.Status       `json:"status"`
	DurationMs         int64               `json:"duration_ms"`
	DifferenceFromBest *int64              `json:"difference_from_best,omitempty"`
	Tolerance          consensus.Tolerance `json:"tolerance"`
	IsBest             bool                `json:"is_best"`
	ErrorID            *int64              `json:"error_id,omitempty"`
	ErrorTag           models.ErrorTag     `json:"error_tag,omitempty"`
}

// fallbackFamily bands chains whose family is unknown.
var fallbackFamily = models.ChainFamily{SuccessThreshold: 0, WarningThreshold: -1, ErrorThreshold: -3}

// BuildSummary reads the most recently completed height run. Results of
// private providers are left out unless includePrivate is set. It returns
// db.ErrNotFound when no height run completed yet.
func BuildSummary(ctx context.Context, store db.Store, includePrivate bool) (*Summary, error) {
	run, err := store.LatestCompletedRun(ctx, models.CheckHeight)
	if err != nil {
		return nil, err
	}
	results, err := store.ListChainResults(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list results of run %d: %w", run.ID, err)
	}

	private, err := privateProviders(ctx, store)
	if err != nil {
		return nil, err
	}
	families, err := store.ListFamilies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list families: %w", err)
	}
	familyBySlug := make(map[string]models.ChainFamily, len(families))
	for _, f := range families {
		familyBySlug[f.Slug] = f
	}
	chains, err := store.ListChains(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	chainBySlug := make(map[string]models.Chain, len(chains))
	for _, c := range chains {
		if _, seen := chainBySlug[c.Slug]; !seen {
			chainBySlug[c.Slug] = c
		}
	}

	byID := make(map[int64]*models.ChainResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	tags := map[int64]models.ErrorTag{}

	summary := &Summary{Run: run, Chains: []ChainSummary{}}
	for _, g := range consensus.GroupByChain(results) {
		best := g.Best
		if len(g.Results) > 0 && g.Results[0].BestResultID != nil {
			if stored, ok := byID[*g.Results[0].BestResultID]; ok {
				best = stored
			}
		}
		family, ok := familyBySlug[models.FamilySlug(g.ChainSlug)]
		if !ok {
			family = fallbackFamily
		}

		cs := ChainSummary{Slug: g.ChainSlug, Name: g.ChainSlug, Providers: []ProviderHeight{}}
		if c, ok := chainBySlug[g.ChainSlug]; ok {
			cs.Name = c.Name
			cs.Family = c.FamilySlug
			cs.IsTestnet = c.IsTestnet
		}
		if best.Status == models.StatusOK && (includePrivate || !private[best.ProviderID]) {
			cs.BestProvider = best.ProviderID
			cs.BestHeight = best.Height
		}

		for _, r := range g.Results {
			if !includePrivate && private[r.ProviderID] {
				continue
			}
			ph := ProviderHeight{
				ProviderID: r.ProviderID,
				Height:     r.Height,
				Status:     r.Status,
				DurationMs: r.DurationMs(),
				Tolerance:  consensus.ToleranceDanger,
				IsBest:     r.ID == best.ID && r.Status == models.StatusOK,
				ErrorID:    r.ErrorID,
			}
			if r.Status == models.StatusOK && best.Status == models.StatusOK {
				dev := consensus.Deviation(r, best)
				ph.DifferenceFromBest = &dev
				ph.Tolerance = consensus.Classify(dev, family)
			}
			if r.ErrorID != nil {
				tag, err := errorTag(ctx, store, tags, *r.ErrorID)
				if err != nil {
					return nil, err
				}
				ph.ErrorTag = tag
			}
			cs.Providers = append(cs.Providers, ph)
		}
		if len(cs.Providers) > 0 {
			summary.Chains = append(summary.Chains, cs)
		}
	}
	sort.SliceStable(summary.Chains, func(i, j int) bool { return summary.Chains[i].Slug < summary.Chains[j].Slug })
	return summary, nil
}

func privateProviders(ctx context.Context, store db.Store) (map[string]bool, error) {
	providers, err := store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := make(map[string]bool, len(providers))
	for _, p := range providers {
		out[p.ID] = p.Private
	}
	return out, nil
}

func errorTag(ctx context.Context, store db.Store, cache map[int64]models.ErrorTag, id int64) (models.ErrorTag, error) {
	if tag, ok := cache[id]; ok {
		return tag, nil
	}
	rec, err := store.GetErrorRecord(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		cache[id] = models.ErrorUnknown
		return models.ErrorUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("error record %d: %w", id, err)
	}
	cache[id] = rec.Tag
	return rec.Tag, nil
}

// Package consensus picks the best result of each chain within a run and
// classifies every result against it.
package consensus

import "github.com/canopy-network/chainheights/pkg/db/models"

// Tolerance is the reporting severity of a result's deviation from the best height.
type Tolerance string

const (
	ToleranceSuccess Tolerance = "success"
	ToleranceWarning Tolerance = "warning"
	ToleranceDanger  Tolerance = "danger"
)

// Group is all results of one chain within a run, in the order they were seen.
type Group struct {
	ChainSlug string
	Results   []*models.ChainResult
	// Best is the first-seen OK result with the greatest height. When no result
	// is OK the first result of the group is its own best.
	Best *models.ChainResult
}

// GroupByChain groups results by chain slug, preserving first-seen order of both chains and members.
func GroupByChain(results []*models.ChainResult) []*Group {
	index := map[string]*Group{}
	var groups []*Group
	for _, r := range results {
		g, ok := index[r.ChainSlug]
		if !ok {
			g = &Group{ChainSlug: r.ChainSlug}
			index[r.ChainSlug] = g
			groups = append(groups, g)
		}
		g.Results = append(g.Results, r)
	}
	for _, g := range groups {
		g.Best = pickBest(g.Results)
	}
	return groups
}

func pickBest(results []*models.ChainResult) *models.ChainResult {
	var best *models.ChainResult
	for _, r := range results {
		if r.Status != models.StatusOK {
			continue
		}
		// strictly greater: ties keep the first seen
		if best == nil || r.Height > best.Height {
			best = r
		}
	}
	if best == nil && len(results) > 0 {
		best = results[0]
	}
	return best
}

// Assign computes best results and returns result id -> best result id for
// every result. Results must already carry ids.
func Assign(results []*models.ChainResult) map[int64]int64 {
	out := make(map[int64]int64, len(results))
	for _, g := range GroupByChain(results) {
		for _, r := range g.Results {
			out[r.ID] = g.Best.ID
		}
	}
	return out
}

// Deviation is height - best height, as a signed block count.
func Deviation(r, best *models.ChainResult) int64 {
	return int64(r.Height) - int64(best.Height)
}

// Classify maps a deviation onto the family's bands. Positive deviations and
// deviations at or below the error threshold are danger, those at or below the
// warning threshold are warning, everything else is success. A deviation
// between the warning and success thresholds counts as success.
func Classify(deviation int64, family models.ChainFamily) Tolerance {
	switch {
	case deviation > 0 || deviation <= family.ErrorThreshold:
		return ToleranceDanger
	case deviation <= family.WarningThreshold:
		return ToleranceWarning
	default:
		return ToleranceSuccess
	}
}

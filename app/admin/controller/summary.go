package controller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/report"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandleSummary returns the latest completed height run. Private providers
// are only listed for authenticated callers.
func (c *Controller) HandleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := report.BuildSummary(r.Context(), c.App.Store, c.Authenticated(r))
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no completed height run yet")
		return
	}
	if err != nil {
		c.App.Logger.Error("build summary", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleProviders lists the registered providers.
func (c *Controller) HandleProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := c.App.Store.ListProviders(r.Context())
	if err != nil {
		c.App.Logger.Error("list providers", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !c.Authenticated(r) {
		public := providers[:0]
		for _, p := range providers {
			if !p.Private {
				public = append(public, p)
			}
		}
		providers = public
	}
	writeJSON(w, http.StatusOK, providers)
}

// HandleChains lists discovered chains, optionally of one provider (?provider=).
func (c *Controller) HandleChains(w http.ResponseWriter, r *http.Request) {
	chains, err := c.App.Store.ListChains(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		c.App.Logger.Error("list chains", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, chains)
}

// HandleValidation returns the latest validation run of every (provider, chain).
func (c *Controller) HandleValidation(w http.ResponseWriter, r *http.Request) {
	summaries, err := c.App.Store.ListValidationSummaries(r.Context())
	if err != nil {
		c.App.Logger.Error("list validation summaries", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// HandleValidationRun returns the results of one validation run.
func (c *Controller) HandleValidationRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	results, err := c.App.Store.ListValidationResults(r.Context(), id)
	if err != nil {
		c.App.Logger.Error("list validation results", zap.Int64("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

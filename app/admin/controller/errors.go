package controller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/canopy-network/chainheights/app/admin/controller/types"
	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// HandleErrorDetail returns one error record with its captured exchange.
func (c *Controller) HandleErrorDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	rec, err := c.App.Store.GetErrorRecord(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "error record not found")
		return
	}
	if err != nil {
		c.App.Logger.Error("get error record", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleProviderErrors pages through the errors of one provider, newest first.
func (c *Controller) HandleProviderErrors(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["id"]
	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := c.App.Store.ListProviderErrors(r.Context(), providerID, limit, offset)
	if err != nil {
		c.App.Logger.Error("list provider errors", zap.String("provider", providerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rows == nil {
		rows = []db.ProviderError{}
	}
	writeJSON(w, http.StatusOK, types.Page[db.ProviderError]{
		Items:  rows,
		Limit:  limit,
		Offset: offset,
	})
}

func parsePage(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(limit, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("invalid offset")
		}
	}
	return limit, offset, nil
}

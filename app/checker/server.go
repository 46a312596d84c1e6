package checker

import (
	"context"
	"net/http"
	"time"

	"github.com/canopy-network/chainheights/pkg/utils"
	"github.com/gorilla/mux"
)

// SetupServer sets up the health server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3002")

	r := mux.NewRouter()
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods(http.MethodGet)
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Ready(r.Context()) {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})).Methods(http.MethodGet)

	a.Server = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
}

// Ready reports whether the scheduler runs and the store answers.
func (a *App) Ready(ctx context.Context) bool {
	if !a.started.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.Store.Ping(ctx) == nil
}

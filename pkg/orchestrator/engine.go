// Package orchestrator runs height and ping rounds across the provider registry
// and computes consensus once every job of a round has reported.
package orchestrator

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/chainheights/pkg/db"
	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
	"go.uber.org/zap"
)

const tracerName = "chainheights/orchestrator"

// Notifier receives run completion events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev models.RunEvent)
}

// Engine dispatches rounds onto a shared worker pool. Rounds may overlap;
// each one waits on its own task group.
type Engine struct {
	Logger   *zap.Logger
	Store    db.Store
	Registry *provider.Registry
	Pool     pond.Pool

	// optional
	Sink     db.Sink
	Notifier Notifier
	Now      func() time.Time
}

// New returns an engine with a UTC wall clock.
func New(logger *zap.Logger, store db.Store, registry *provider.Registry, pool pond.Pool) *Engine {
	return &Engine{
		Logger:   logger,
		Store:    store,
		Registry: registry,
		Pool:     pool,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

func (e *Engine) notify(ctx context.Context, ev models.RunEvent) {
	if e.Notifier != nil {
		e.Notifier.Notify(ctx, ev)
	}
}

// RoundReport summarizes a finished round.
type RoundReport struct {
	Run      *models.CheckRun
	Jobs     int
	Results  int
	Failures int
	Skipped  []string
}

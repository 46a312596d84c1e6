// Package checker runs single provider calls and normalizes their outcome.
package checker

import (
	"context"
	"time"

	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/errclass"
)

// Outcome is the normalized result of one provider call. Error is nil when Status is ok.
type Outcome[T any] struct {
	Result    T
	Error     *models.ErrorRecord
	Status    models.Status
	StartedAt time.Time
	Duration  time.Duration
}

// OK reports whether the call succeeded.
func (o Outcome[T]) OK() bool { return o.Status == models.StatusOK }

// Execute invokes fn, measuring it and classifying any failure. A failure
// classified as http with a 4xx status is a warning, every other failure an error.
func Execute[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) Outcome[T] {
	out := Outcome[T]{StartedAt: time.Now().UTC()}
	res, err := fn(ctx)
	out.Duration = time.Since(out.StartedAt)
	if err == nil {
		out.Result = res
		out.Status = models.StatusOK
		return out
	}
	out.Error = errclass.Classify(err)
	out.Status = Severity(out.Error)
	return out
}

// Severity derives the execution status of a classified failure.
func Severity(rec *models.ErrorRecord) models.Status {
	if rec == nil {
		return models.StatusOK
	}
	if rec.Tag == models.ErrorHTTP && rec.StatusCode >= 400 && rec.StatusCode < 500 {
		return models.StatusWarn
	}
	return models.StatusError
}

// Empty is the result type of calls with no payload.
type Empty struct{}

// Void adapts a payload-less call such as Ping.
func Void(fn func(ctx context.Context) error) func(ctx context.Context) (Empty, error) {
	return func(ctx context.Context) (Empty, error) {
		return Empty{}, fn(ctx)
	}
}

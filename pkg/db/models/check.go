package models

import "time"

// CheckKind identifies a capability a provider can advertise and the kind of a CheckRun.
type CheckKind string

const (
	CheckHeight          CheckKind = "height"
	CheckBulkHeight      CheckKind = "bulk_height"
	CheckPing            CheckKind = "ping"
	CheckBlockValidation CheckKind = "block_validation"
)

// Status is the execution severity of a single check.
type Status string

const (
	StatusOK    Status = "ok"
	StatusWarn  Status = "warn"
	StatusError Status = "error"
)

// CheckRun is one round of a given kind across all eligible providers.
type CheckRun struct {
	ID          int64      `json:"id"`
	Kind        CheckKind  `json:"kind"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Completed reports whether the finalize step ran.
func (r *CheckRun) Completed() bool { return r.CompletedAt != nil }

// ChainResult is one provider's answer for one chain within a CheckRun.
// BestResultID stays nil until the run's barrier is reached.
type ChainResult struct {
	ID           int64         `json:"id"`
	RunID        int64         `json:"run_id"`
	ProviderID   string        `json:"provider_id"`
	ChainSlug    string        `json:"chain_slug"`
	Height       uint64        `json:"height"`
	Status       Status        `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	ErrorID      *int64        `json:"error_id,omitempty"`
	BestResultID *int64        `json:"best_result_id,omitempty"`
}

// DurationMs is the duration rounded to milliseconds.
func (r *ChainResult) DurationMs() int64 { return r.Duration.Milliseconds() }

// PingResult is one provider's ping within a ping CheckRun.
type PingResult struct {
	ID         int64         `json:"id"`
	RunID      int64         `json:"run_id"`
	ProviderID string        `json:"provider_id"`
	Status     Status        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	ErrorID    *int64        `json:"error_id,omitempty"`
}

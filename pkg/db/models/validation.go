package models

import "time"

// ValidationRun is one attempt to validate [StartHeight, EndHeight) for one (provider, chain).
type ValidationRun struct {
	ID          int64      `json:"id"`
	ProviderID  string     `json:"provider_id"`
	ChainSlug   string     `json:"chain_slug"`
	StartHeight uint64     `json:"start_height"`
	EndHeight   uint64     `json:"end_height"`
	IsCanonical bool       `json:"is_canonical"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TimedOut    bool       `json:"timed_out"`
}

// ValidationState is the derived state of a run at inspection time.
type ValidationState string

const (
	ValidationPending   ValidationState = "pending"
	ValidationCompleted ValidationState = "completed"
	ValidationTimedOut  ValidationState = "timed_out"
)

// State derives the run state.
func (r *ValidationRun) State() ValidationState {
	switch {
	case r.TimedOut:
		return ValidationTimedOut
	case r.CompletedAt != nil:
		return ValidationCompleted
	default:
		return ValidationPending
	}
}

// Stale reports whether an unfinished run started more than window before now.
func (r *ValidationRun) Stale(now time.Time, window time.Duration) bool {
	return r.CompletedAt == nil && !r.TimedOut && now.Sub(r.StartedAt) > window
}

// Size is the number of heights the run covers.
func (r *ValidationRun) Size() uint64 {
	if r.EndHeight <= r.StartHeight {
		return 0
	}
	return r.EndHeight - r.StartHeight
}

// ValidationResult is one fetched block by one provider at one height.
type ValidationResult struct {
	ID           int64     `json:"id"`
	RunID        int64     `json:"run_id"`
	ProviderID   string    `json:"provider_id"`
	ChainSlug    string    `json:"chain_slug"`
	Height       uint64    `json:"height"`
	Hash         string    `json:"hash"`
	TxIDs        []string  `json:"tx_ids"`
	IsCanonical  bool      `json:"is_canonical"`
	CanonicalID  *int64    `json:"canonical_id,omitempty"`
	HashMismatch bool      `json:"hash_mismatch"`
	MissingTxIDs []string  `json:"missing_tx_ids"`
	CreatedAt    time.Time `json:"created_at"`
}

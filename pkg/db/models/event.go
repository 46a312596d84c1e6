package models

import "time"

// EventKind names what completed.
type EventKind string

const (
	EventHeightRound EventKind = "height"
	EventPingRound   EventKind = "ping"
	EventValidation  EventKind = "validation"
)

// RunEvent announces that a run reached its final state.
type RunEvent struct {
	Kind        EventKind `json:"kind"`
	RunID       int64     `json:"run_id"`
	ProviderID  string    `json:"provider_id,omitempty"`
	ChainSlug   string    `json:"chain_slug,omitempty"`
	Results     int       `json:"results"`
	Failures    int       `json:"failures"`
	TimedOut    bool      `json:"timed_out,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

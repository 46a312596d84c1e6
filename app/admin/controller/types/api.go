package types

// Page is one slice of a paginated listing.
type Page[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// TriggerResponse acknowledges an enqueued manual run.
type TriggerResponse struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

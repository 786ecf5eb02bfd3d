package jobs

import "context"

// State is the canonical lifecycle state of a remote generation job.
// Vendor-specific status strings are translated into one of these values
// by each backend before they reach the poller.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateError      State = "error"
)

// Terminal reports whether no further polling can change the state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// Status is a single snapshot returned by a status query.
// ResultRef is only meaningful when State is StateDone,
// ErrorDetail only when State is StateError.
type Status struct {
	State       State
	ResultRef   string
	ErrorDetail string
}

// StatusFetcher queries the current status of a job by its remote identifier.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (*Status, error)
}

// Submitter issues the creation request for a job and returns its identifier.
type Submitter[P any] interface {
	Submit(ctx context.Context, payload P) (string, error)
}

// Backend is a remote service that accepts jobs and reports their status.
type Backend[P any] interface {
	Submitter[P]
	StatusFetcher
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidOptions is returned when PollOptions fail validation.
var ErrInvalidOptions = errors.New("invalid poll options")

// SubmissionError means the creation request failed or its response
// did not carry a job identifier.
type SubmissionError struct {
	Provider   string
	StatusCode int    // 0 when no HTTP response was received
	Body       string // raw response body, if any
	Err        error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("%s: job submission failed", e.Provider)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += " (body: " + e.Body + ")"
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RemoteJobError means the remote service reported the job as failed.
type RemoteJobError struct {
	JobID  string
	Detail string
}

func (e *RemoteJobError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Detail)
}

// MissingResultError means the job reported done without a result locator.
type MissingResultError struct {
	JobID string
}

func (e *MissingResultError) Error() string {
	return fmt.Sprintf("job %s is done but has no result", e.JobID)
}

// TimeoutError means the wait budget ran out before a terminal state was seen.
type TimeoutError struct {
	JobID   string
	Elapsed time.Duration
	MaxWait time.Duration
	Polls   int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s timed out after %v (max wait %v, %d polls)", e.JobID, e.Elapsed, e.MaxWait, e.Polls)
}

// UnknownStatusError means a vendor status string has no canonical mapping.
type UnknownStatusError struct {
	Provider string
	Status   string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("%s: unrecognized job status %q", e.Provider, e.Status)
}

// Code maps an error from Generate or WaitForCompletion to a short,
// storable error code. Unrecognized errors map to "internal".
func Code(err error) string {
	var (
		subErr     *SubmissionError
		remoteErr  *RemoteJobError
		missingErr *MissingResultError
		timeoutErr *TimeoutError
		unknownErr *UnknownStatusError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &subErr):
		return "submission_failed"
	case errors.As(err, &remoteErr):
		return "remote_job_failed"
	case errors.As(err, &missingErr):
		return "missing_result"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &unknownErr):
		return "unknown_status"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

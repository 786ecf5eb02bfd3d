package jobs

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"
)

const (
	DefaultMultiplier  = 1.5
	DefaultMaxInterval = 5 * time.Second
)

// PollOptions controls how long and how often a job is polled.
type PollOptions struct {
	MaxWait      time.Duration // total wall-clock budget, must be positive
	BaseInterval time.Duration // delay before the second poll, must be positive
	Multiplier   float64       // interval growth per attempt (0 = DefaultMultiplier)
	MaxInterval  time.Duration // interval cap (0 = DefaultMaxInterval)
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Multiplier == 0 {
		o.Multiplier = DefaultMultiplier
	}
	if o.MaxInterval == 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	return o
}

// Validate checks the options after defaults are applied.
func (o PollOptions) Validate() error {
	o = o.withDefaults()
	if o.MaxWait <= 0 {
		return fmt.Errorf("%w: max wait must be positive, got %v", ErrInvalidOptions, o.MaxWait)
	}
	if o.BaseInterval <= 0 {
		return fmt.Errorf("%w: base interval must be positive, got %v", ErrInvalidOptions, o.BaseInterval)
	}
	if math.IsNaN(o.Multiplier) || math.IsInf(o.Multiplier, 0) {
		return fmt.Errorf("%w: multiplier must be finite, got %v", ErrInvalidOptions, o.Multiplier)
	}
	if o.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be >= 1, got %v", ErrInvalidOptions, o.Multiplier)
	}
	if o.MaxInterval < o.BaseInterval {
		return fmt.Errorf("%w: max interval %v is below base interval %v", ErrInvalidOptions, o.MaxInterval, o.BaseInterval)
	}
	return nil
}

// clock abstracts time so tests can run the backoff schedule instantly.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Poller waits for remote jobs to reach a terminal state.
// A Poller holds no per-job state and is safe for concurrent use.
type Poller struct {
	opts  PollOptions
	clock clock
}

// NewPoller validates opts and returns a Poller.
func NewPoller(opts PollOptions) (*Poller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Poller{opts: opts.withDefaults(), clock: realClock{}}, nil
}

// Options returns the effective options, defaults included.
func (p *Poller) Options() PollOptions {
	return p.opts
}

// WaitForCompletion polls jobID until it is done, failed, or out of time.
//
// The first query happens immediately. After each non-terminal snapshot the
// poller sleeps for the current interval, then grows the interval by the
// multiplier up to the cap. A poll must complete inside MaxWait: if the next
// sleep would already carry past the budget, the wait fails with
// *TimeoutError without sleeping or polling again.
func (p *Poller) WaitForCompletion(ctx context.Context, fetcher StatusFetcher, jobID string) (string, error) {
	start := p.clock.Now()
	interval := p.opts.BaseInterval
	polls := 0

	for {
		polls++
		status, err := fetcher.FetchStatus(ctx, jobID)
		if err != nil {
			return "", fmt.Errorf("failed to poll job %s (attempt %d): %w", jobID, polls, err)
		}

		switch status.State {
		case StateDone:
			if status.ResultRef == "" {
				return "", &MissingResultError{JobID: jobID}
			}
			log.Printf("[Poller] Job %s done after %d polls (%v)", jobID, polls, p.clock.Now().Sub(start))
			return status.ResultRef, nil

		case StateError:
			detail := status.ErrorDetail
			if detail == "" {
				detail = "unknown error"
			}
			return "", &RemoteJobError{JobID: jobID, Detail: detail}

		case StatePending, StateProcessing:
			// fall through to the backoff below

		default:
			return "", &UnknownStatusError{Provider: "poller", Status: string(status.State)}
		}

		elapsed := p.clock.Now().Sub(start)
		if elapsed+interval > p.opts.MaxWait {
			return "", &TimeoutError{JobID: jobID, Elapsed: elapsed, MaxWait: p.opts.MaxWait, Polls: polls}
		}

		log.Printf("[Poller] Poll %d: job %s %s (next poll in %v)", polls, jobID, status.State, interval)

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for job %s cancelled: %w", jobID, ctx.Err())
		case <-p.clock.After(interval):
		}

		interval = p.nextInterval(interval)
	}
}

// nextInterval grows interval by the multiplier. The cap is applied before
// converting back to a Duration so huge multipliers cannot overflow.
func (p *Poller) nextInterval(interval time.Duration) time.Duration {
	next := float64(interval) * p.opts.Multiplier
	if next >= float64(p.opts.MaxInterval) {
		return p.opts.MaxInterval
	}
	return time.Duration(next)
}

// Generate submits payload to backend and waits for the job's result.
func Generate[P any](ctx context.Context, p *Poller, backend Backend[P], payload P) (string, error) {
	jobID, err := backend.Submit(ctx, payload)
	if err != nil {
		return "", err
	}
	if jobID == "" {
		return "", &SubmissionError{Provider: fmt.Sprintf("%T", backend), Err: fmt.Errorf("empty job id")}
	}
	return p.WaitForCompletion(ctx, backend, jobID)
}

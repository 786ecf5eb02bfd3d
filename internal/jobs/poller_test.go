package jobs

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the poller sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// scriptedFetcher replays a fixed sequence of statuses; the last one repeats.
type scriptedFetcher struct {
	statuses []Status
	err      error
	calls    int
	ids      []string
}

func (f *scriptedFetcher) FetchStatus(ctx context.Context, jobID string) (*Status, error) {
	f.calls++
	f.ids = append(f.ids, jobID)
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	s := f.statuses[i]
	return &s, nil
}

func newTestPoller(t *testing.T, opts PollOptions) (*Poller, *fakeClock) {
	t.Helper()
	p, err := NewPoller(opts)
	require.NoError(t, err)
	clk := newFakeClock()
	p.clock = clk
	return p, clk
}

func processing() Status { return Status{State: StateProcessing} }

func TestWaitForCompletion_DoneAfterTwoProcessing(t *testing.T) {
	p, clk := newTestPoller(t, PollOptions{MaxWait: 30 * time.Second, BaseInterval: time.Second})
	f := &scriptedFetcher{statuses: []Status{
		processing(),
		processing(),
		{State: StateDone, ResultRef: "X"},
	}}

	ref, err := p.WaitForCompletion(context.Background(), f, "job-1")

	require.NoError(t, err)
	assert.Equal(t, "X", ref)
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, clk.sleeps)
}

func TestWaitForCompletion_RemoteErrorIsNotRetried(t *testing.T) {
	p, _ := newTestPoller(t, PollOptions{MaxWait: 30 * time.Second, BaseInterval: time.Second})
	f := &scriptedFetcher{statuses: []Status{
		processing(),
		{State: StateError, ErrorDetail: "bad image"},
		{State: StateDone, ResultRef: "never"},
	}}

	_, err := p.WaitForCompletion(context.Background(), f, "job-2")

	var remoteErr *RemoteJobError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "bad image", remoteErr.Detail)
	assert.Equal(t, "job-2", remoteErr.JobID)
	assert.Equal(t, 2, f.calls)
}

func TestWaitForCompletion_RemoteErrorWithoutDetail(t *testing.T) {
	p, _ := newTestPoller(t, PollOptions{MaxWait: time.Minute, BaseInterval: time.Second})
	f := &scriptedFetcher{statuses: []Status{{State: StateError}}}

	_, err := p.WaitForCompletion(context.Background(), f, "job")

	var remoteErr *RemoteJobError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "unknown error", remoteErr.Detail)
}

func TestWaitForCompletion_TimeoutSkipsPollPastDeadline(t *testing.T) {
	p, clk := newTestPoller(t, PollOptions{MaxWait: 5 * time.Second, BaseInterval: 3 * time.Second})
	f := &scriptedFetcher{statuses: []Status{processing()}}

	_, err := p.WaitForCompletion(context.Background(), f, "job-3")

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "job-3", timeoutErr.JobID)
	assert.Equal(t, 3*time.Second, timeoutErr.Elapsed)
	assert.Equal(t, 2, timeoutErr.Polls)
	assert.Equal(t, 2, f.calls, "the poll at t=7.5s must not happen")
	assert.Equal(t, []time.Duration{3 * time.Second}, clk.sleeps)
}

func TestWaitForCompletion_DoneWithoutResult(t *testing.T) {
	p, clk := newTestPoller(t, PollOptions{MaxWait: 30 * time.Second, BaseInterval: time.Second})
	f := &scriptedFetcher{statuses: []Status{{State: StateDone}}}

	_, err := p.WaitForCompletion(context.Background(), f, "job-4")

	var missingErr *MissingResultError
	require.ErrorAs(t, err, &missingErr)
	assert.Equal(t, "job-4", missingErr.JobID)
	assert.Equal(t, 1, f.calls)
	assert.Empty(t, clk.sleeps)
}

func TestWaitForCompletion_BackoffScheduleIsCapped(t *testing.T) {
	p, clk := newTestPoller(t, PollOptions{MaxWait: 10 * time.Second, BaseInterval: time.Second})
	f := &scriptedFetcher{statuses: []Status{{State: StatePending}}}

	_, err := p.WaitForCompletion(context.Background(), f, "slow")

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	// polls at 0, 1, 2.5, 4.75, 8.125; the capped 5s sleep would end at 13.125
	assert.Equal(t, 5, f.calls)
	assert.Equal(t, []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
	}, clk.sleeps)
	assert.Equal(t, 8125*time.Millisecond, timeoutErr.Elapsed)
}

func TestWaitForCompletion_IntervalNeverExceedsCap(t *testing.T) {
	p, clk := newTestPoller(t, PollOptions{MaxWait: time.Minute, BaseInterval: 2 * time.Second})
	f := &scriptedFetcher{statuses: []Status{processing()}}

	_, err := p.WaitForCompletion(context.Background(), f, "slow")
	require.Error(t, err)

	require.NotEmpty(t, clk.sleeps)
	for i, d := range clk.sleeps {
		assert.LessOrEqual(t, d, DefaultMaxInterval, "sleep %d", i)
		if i > 0 {
			assert.GreaterOrEqual(t, d, clk.sleeps[i-1], "intervals must not shrink")
		}
	}
	assert.Equal(t, DefaultMaxInterval, clk.sleeps[len(clk.sleeps)-1])
}

func TestWaitForCompletion_HugeMultiplierStaysCapped(t *testing.T) {
	p, clk := newTestPoller(t, PollOptions{MaxWait: 30 * time.Second, BaseInterval: 5 * time.Second, Multiplier: 1e10})
	f := &scriptedFetcher{statuses: []Status{processing()}}

	_, err := p.WaitForCompletion(context.Background(), f, "slow")

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	// polls at 0, 5, 10, 15, 20, 25, 30; the next sleep would end past 30
	assert.Equal(t, 7, f.calls)
	for i, d := range clk.sleeps {
		assert.Equal(t, DefaultMaxInterval, d, "sleep %d", i)
	}
}

func TestWaitForCompletion_IdempotentOnDoneJob(t *testing.T) {
	p, _ := newTestPoller(t, PollOptions{MaxWait: time.Minute, BaseInterval: time.Second})
	f := &scriptedFetcher{statuses: []Status{{State: StateDone, ResultRef: "https://cdn/result.mp4"}}}

	first, err := p.WaitForCompletion(context.Background(), f, "job")
	require.NoError(t, err)
	second, err := p.WaitForCompletion(context.Background(), f, "job")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"job", "job"}, f.ids)
}

func TestWaitForCompletion_FetchErrorAborts(t *testing.T) {
	p, _ := newTestPoller(t, PollOptions{MaxWait: time.Minute, BaseInterval: time.Second})
	boom := errors.New("connection reset")
	f := &scriptedFetcher{err: boom}

	_, err := p.WaitForCompletion(context.Background(), f, "job")

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.calls)
}

func TestWaitForCompletion_UnknownStatePropagates(t *testing.T) {
	p, _ := newTestPoller(t, PollOptions{MaxWait: time.Minute, BaseInterval: time.Second})
	f := &scriptedFetcher{statuses: []Status{{State: "weird"}}}

	_, err := p.WaitForCompletion(context.Background(), f, "job")

	var unknownErr *UnknownStatusError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "weird", unknownErr.Status)
}

func TestWaitForCompletion_ContextCancelled(t *testing.T) {
	p, err := NewPoller(PollOptions{MaxWait: time.Hour, BaseInterval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f := &scriptedFetcher{statuses: []Status{processing()}}

	done := make(chan error, 1)
	go func() {
		_, err := p.WaitForCompletion(ctx, f, "job")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, "cancelled", Code(err))
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after cancellation")
	}
}

func TestNewPoller_RejectsInvalidOptions(t *testing.T) {
	cases := map[string]PollOptions{
		"zero max wait":       {BaseInterval: time.Second},
		"negative base":       {MaxWait: time.Second, BaseInterval: -time.Second},
		"shrinking backoff":   {MaxWait: time.Minute, BaseInterval: time.Second, Multiplier: 0.5},
		"cap below base":      {MaxWait: time.Minute, BaseInterval: 10 * time.Second, MaxInterval: time.Second},
		"zero base interval":  {MaxWait: time.Minute},
		"NaN multiplier":      {MaxWait: time.Minute, BaseInterval: time.Second, Multiplier: math.NaN()},
		"infinite multiplier": {MaxWait: time.Minute, BaseInterval: time.Second, Multiplier: math.Inf(1)},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewPoller(opts)
			require.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestNewPoller_AppliesDefaults(t *testing.T) {
	p, err := NewPoller(PollOptions{MaxWait: time.Minute, BaseInterval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, DefaultMultiplier, p.Options().Multiplier)
	assert.Equal(t, DefaultMaxInterval, p.Options().MaxInterval)
}

type fakeBackend struct {
	scriptedFetcher
	jobID     string
	submitErr error
	payloads  []string
}

func (b *fakeBackend) Submit(ctx context.Context, payload string) (string, error) {
	b.payloads = append(b.payloads, payload)
	return b.jobID, b.submitErr
}

func TestGenerate_SubmitsThenPolls(t *testing.T) {
	p, _ := newTestPoller(t, PollOptions{MaxWait: time.Minute, BaseInterval: time.Second})
	b := &fakeBackend{
		scriptedFetcher: scriptedFetcher{statuses: []Status{processing(), {State: StateDone, ResultRef: "url"}}},
		jobID:           "tlk_1",
	}

	ref, err := Generate[string](context.Background(), p, b, "hello")

	require.NoError(t, err)
	assert.Equal(t, "url", ref)
	assert.Equal(t, []string{"hello"}, b.payloads)
	assert.Equal(t, []string{"tlk_1", "tlk_1"}, b.ids)
}

func TestGenerate_SubmissionErrorSkipsPolling(t *testing.T) {
	p, _ := newTestPoller(t, PollOptions{MaxWait: time.Minute, BaseInterval: time.Second})
	b := &fakeBackend{submitErr: &SubmissionError{Provider: "fake", StatusCode: 401}}

	_, err := Generate[string](context.Background(), p, b, "hello")

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, 401, subErr.StatusCode)
	assert.Zero(t, b.calls)
	assert.Equal(t, "submission_failed", Code(err))
}

func TestGenerate_EmptyJobIDIsSubmissionError(t *testing.T) {
	p, _ := newTestPoller(t, PollOptions{MaxWait: time.Minute, BaseInterval: time.Second})
	b := &fakeBackend{}

	_, err := Generate[string](context.Background(), p, b, "hello")

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Zero(t, b.calls)
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, "remote_job_failed", Code(&RemoteJobError{}))
	assert.Equal(t, "missing_result", Code(&MissingResultError{}))
	assert.Equal(t, "timeout", Code(&TimeoutError{}))
	assert.Equal(t, "unknown_status", Code(&UnknownStatusError{}))
	assert.Equal(t, "internal", Code(errors.New("x")))
}

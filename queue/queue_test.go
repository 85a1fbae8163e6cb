package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/store"
)

var testQueues = []config.QueueConfig{
	{Name: "vod_processing", Concurrency: 2, MaxQueueDepth: 3},
	{Name: "default", Concurrency: 4, MaxQueueDepth: 16},
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, testQueues, time.Second, time.Minute, 5)
}

func noTTL(string) time.Duration { return time.Minute }

func TestEnqueueAndStatus(t *testing.T) {
	q := newTestQueue(t)
	jobID, err := q.Enqueue("process-single-vod", []byte(`{"a":1}`), EnqueueOptions{Queue: "vod_processing", Fingerprint: "fp-1"})
	require.NoError(t, err)

	job, found, err := q.Status(jobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateQueued, job.State)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, "fp-1", job.Fingerprint)
}

func TestEnqueueUnknownQueueRejected(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("x", nil, EnqueueOptions{Queue: "nope"})
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestDuplicateFingerprintSuppressed(t *testing.T) {
	q := newTestQueue(t)
	first, err := q.Enqueue("process-single-vod", nil, EnqueueOptions{Queue: "vod_processing", Fingerprint: "fp-dup"})
	require.NoError(t, err)

	second, err := q.Enqueue("process-single-vod", nil, EnqueueOptions{Queue: "vod_processing", Fingerprint: "fp-dup"})
	require.ErrorIs(t, err, ErrDuplicateFingerprint)
	assert.Equal(t, first, second, "suppression reports the active job id")

	// At most one active job per fingerprint at any instant.
	jobs, err := q.List(ListFilter{})
	require.NoError(t, err)
	active := 0
	for _, j := range jobs {
		if j.Fingerprint == "fp-dup" && !j.State.Terminal() {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestFingerprintFreedOnTerminalState(t *testing.T) {
	q := newTestQueue(t)
	jobID, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default", Fingerprint: "fp-free"})
	require.NoError(t, err)

	_, ok, err := q.Lease("default", noTTL)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = q.Start(jobID)
	require.NoError(t, err)
	_, err = q.Complete(jobID)
	require.NoError(t, err)

	// Same fingerprint can be enqueued again once the holder is terminal.
	_, err = q.Enqueue("t", nil, EnqueueOptions{Queue: "default", Fingerprint: "fp-free"})
	require.NoError(t, err)
}

func TestLeaseOrderingPriorityThenEarliestStart(t *testing.T) {
	prev := config.Clock
	defer func() { config.Clock = prev }()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	q := newTestQueue(t)
	config.Clock = config.FixedTimestampGenerator{Timestamp: base}
	older, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(time.Second)}
	_, err = q.Enqueue("t", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(2 * time.Second)}
	prio, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default", Priority: true})
	require.NoError(t, err)

	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(3 * time.Second)}
	first, ok, err := q.Lease("default", noTTL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, prio, first.JobID, "priority preempts FIFO position")

	second, ok, err := q.Lease("default", noTTL)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, older, second.JobID, "then FIFO by earliest start")
}

func TestLeaseRespectsEarliestStart(t *testing.T) {
	prev := config.Clock
	defer func() { config.Clock = prev }()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	config.Clock = config.FixedTimestampGenerator{Timestamp: base}

	q := newTestQueue(t)
	_, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default", EarliestStart: base.Add(time.Hour)})
	require.NoError(t, err)

	_, ok, err := q.Lease("default", noTTL)
	require.NoError(t, err)
	assert.False(t, ok, "job not yet eligible")

	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(2 * time.Hour)}
	_, ok, err = q.Lease("default", noTTL)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFailRetriesWithBackoffThenFailsTerminally(t *testing.T) {
	prev := config.Clock
	defer func() { config.Clock = prev }()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	config.Clock = config.FixedTimestampGenerator{Timestamp: base}

	q := newTestQueue(t)
	jobID, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default", MaxAttempts: 2})
	require.NoError(t, err)

	_, ok, err := q.Lease("default", noTTL)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = q.Start(jobID)
	require.NoError(t, err)

	job, err := q.Fail(jobID, errors.New("transient"))
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, job.State)
	assert.Equal(t, 2, job.Attempt)
	assert.True(t, job.EarliestStart.After(base), "backoff pushes earliest start forward")
	assert.Equal(t, "transient", job.LastError)

	// attempt == max: next failure is terminal.
	config.Clock = config.FixedTimestampGenerator{Timestamp: job.EarliestStart.Add(time.Second)}
	_, ok, err = q.Lease("default", noTTL)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = q.Start(jobID)
	require.NoError(t, err)
	job, err = q.Fail(jobID, errors.New("transient again"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.LessOrEqual(t, job.Attempt, job.MaxAttempts)
}

func TestFailUnretriableIsTerminalImmediately(t *testing.T) {
	q := newTestQueue(t)
	jobID, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	_, _, err = q.Lease("default", noTTL)
	require.NoError(t, err)
	_, err = q.Start(jobID)
	require.NoError(t, err)

	job, err := q.Fail(jobID, xerrors.Unretriable(errors.New("business failure")))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 1, job.Attempt)
}

func TestFailCancelledMapsToCancelled(t *testing.T) {
	q := newTestQueue(t)
	jobID, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	_, _, err = q.Lease("default", noTTL)
	require.NoError(t, err)
	_, err = q.Start(jobID)
	require.NoError(t, err)

	job, err := q.Fail(jobID, xerrors.Cancelled)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State)
}

func TestSucceededIsTerminal(t *testing.T) {
	q := newTestQueue(t)
	jobID, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	_, _, err = q.Lease("default", noTTL)
	require.NoError(t, err)
	_, err = q.Start(jobID)
	require.NoError(t, err)
	_, err = q.Complete(jobID)
	require.NoError(t, err)

	_, err = q.Complete(jobID)
	assert.Error(t, err, "no transitions out of Succeeded")
	_, err = q.Fail(jobID, errors.New("late"))
	assert.Error(t, err)
}

func TestCancelStates(t *testing.T) {
	q := newTestQueue(t)

	queued, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	res, err := q.Cancel(queued)
	require.NoError(t, err)
	assert.Equal(t, CancelOK, res)

	running, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	_, _, err = q.Lease("default", noTTL)
	require.NoError(t, err)
	_, err = q.Start(running)
	require.NoError(t, err)
	res, err = q.Cancel(running)
	require.NoError(t, err)
	assert.Equal(t, CancelSignalled, res, "running jobs are cooperatively signalled")
	assert.True(t, q.Cancelled(running))

	_, err = q.Fail(running, xerrors.Cancelled)
	require.NoError(t, err)
	res, err = q.Cancel(running)
	require.NoError(t, err)
	assert.Equal(t, CancelNotCancellable, res, "terminal jobs are not cancellable")
}

func TestReclaimExpiredDoesNotIncrementAttempt(t *testing.T) {
	prev := config.Clock
	defer func() { config.Clock = prev }()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	config.Clock = config.FixedTimestampGenerator{Timestamp: base}

	q := newTestQueue(t)
	jobID, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	leased, ok, err := q.Lease("default", func(string) time.Duration { return time.Minute })
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, jobID, leased.JobID)

	// Before the deadline nothing is reclaimed.
	n, err := q.ReclaimExpired()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(2 * time.Minute)}
	n, err = q.ReclaimExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, _, err := q.Status(jobID)
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, job.State)
	assert.Equal(t, leased.Attempt, job.Attempt, "reclaim leaves attempt unchanged; the worker is presumed dead, not failed")
}

func TestRenewLeaseExtendsDeadline(t *testing.T) {
	prev := config.Clock
	defer func() { config.Clock = prev }()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	config.Clock = config.FixedTimestampGenerator{Timestamp: base}

	q := newTestQueue(t)
	jobID, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	_, _, err = q.Lease("default", func(string) time.Duration { return time.Minute })
	require.NoError(t, err)

	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(50 * time.Second)}
	require.NoError(t, q.RenewLease(jobID, time.Minute))

	config.Clock = config.FixedTimestampGenerator{Timestamp: base.Add(100 * time.Second)}
	n, err := q.ReclaimExpired()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "renewed lease is still live")
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	base := 60 * time.Second
	cap := 30 * time.Minute
	var last time.Duration
	for attempt := 1; attempt <= 12; attempt++ {
		d := Backoff(base, cap, attempt)
		assert.LessOrEqual(t, d, cap, "delay never exceeds cap")
		if attempt > 1 {
			// jitter is at most 10%, so the doubling dominates: delays
			// are non-decreasing in attempt up to the cap
			assert.GreaterOrEqual(t, d, last-last/10)
		}
		last = d
	}
	assert.Equal(t, cap, Backoff(base, cap, 100))
}

func TestEnqueueBlockingRespectsDepth(t *testing.T) {
	q := newTestQueue(t)
	// vod_processing has MaxQueueDepth 3
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "vod_processing"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := q.EnqueueBlocking(ctx, "t", nil, EnqueueOptions{Queue: "vod_processing"})
	require.ErrorIs(t, err, context.DeadlineExceeded, "saturated queue blocks the fan-out parent")

	// Completing one job frees a slot and unblocks a waiting enqueue.
	leased, ok, err := q.Lease("vod_processing", noTTL)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = q.Start(leased.JobID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := q.EnqueueBlocking(context.Background(), "t", nil, EnqueueOptions{Queue: "vod_processing"})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	_, err = q.Complete(leased.JobID)
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked enqueue never resumed after a slot freed")
	}
}

func TestListAndSummary(t *testing.T) {
	q := newTestQueue(t)
	a, err := q.Enqueue("t", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	_, err = q.Enqueue("t", nil, EnqueueOptions{Queue: "vod_processing"})
	require.NoError(t, err)

	_, _, err = q.Lease("default", noTTL)
	require.NoError(t, err)
	_, err = q.Start(a)
	require.NoError(t, err)

	jobs, err := q.List(ListFilter{Queue: "default"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StateRunning, jobs[0].State)

	jobs, err = q.List(ListFilter{State: StateQueued})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "vod_processing", jobs[0].Queue)

	summary, err := q.Summary()
	require.NoError(t, err)
	assert.Equal(t, 1, summary["default"][StateRunning])
	assert.Equal(t, 1, summary["vod_processing"][StateQueued])
}

func TestChildJobs(t *testing.T) {
	q := newTestQueue(t)
	parent, err := q.Enqueue("parent", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	c1, err := q.Enqueue("child", nil, EnqueueOptions{Queue: "vod_processing", ParentJobID: parent})
	require.NoError(t, err)
	c2, err := q.Enqueue("child", nil, EnqueueOptions{Queue: "vod_processing", ParentJobID: parent})
	require.NoError(t, err)

	children, err := q.ChildJobs(parent)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.ElementsMatch(t, []string{c1, c2}, []string{children[0].JobID, children[1].JobID})
}

package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/store"
)

func newTestDispatcher(t *testing.T, q *Queue, handlers map[string]Handler) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(q, handlers, testQueues)
	require.NoError(t, err)
	d.pollInterval = 10 * time.Millisecond
	d.reclaimInterval = 50 * time.Millisecond
	return d
}

func runDispatcher(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not drain")
		}
	}
}

func awaitState(t *testing.T, q *Queue, jobID string, want State) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, found, err := q.Status(jobID)
		require.NoError(t, err)
		if found && job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _, _ := q.Status(jobID)
	t.Fatalf("job %s never reached %s (stuck at %s, last_error=%q)", jobID, want, job.State, job.LastError)
	return Job{}
}

func TestDispatcherRunsHandlerToSuccess(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	q := New(s, testQueues, 10*time.Millisecond, time.Second, 3)

	var ran atomic.Int32
	d := newTestDispatcher(t, q, map[string]Handler{
		"ok": {Queue: "default", LeaseTTL: time.Minute, Run: func(ctx context.Context, job Job) error {
			ran.Add(1)
			return nil
		}},
	})
	stop := runDispatcher(t, d)
	defer stop()

	jobID, err := q.Enqueue("ok", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	awaitState(t, q, jobID, StateSucceeded)
	assert.Equal(t, int32(1), ran.Load())
}

func TestDispatcherRetriesTransientFailure(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	q := New(s, testQueues, 10*time.Millisecond, 50*time.Millisecond, 3)

	var attempts atomic.Int32
	d := newTestDispatcher(t, q, map[string]Handler{
		"flaky": {Queue: "default", LeaseTTL: time.Minute, Run: func(ctx context.Context, job Job) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		}},
	})
	stop := runDispatcher(t, d)
	defer stop()

	jobID, err := q.Enqueue("flaky", nil, EnqueueOptions{Queue: "default", MaxAttempts: 5})
	require.NoError(t, err)
	job := awaitState(t, q, jobID, StateSucceeded)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 3, job.Attempt)
}

func TestDispatcherFailsUnretriableWithoutRetry(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	q := New(s, testQueues, 10*time.Millisecond, time.Second, 3)

	var attempts atomic.Int32
	d := newTestDispatcher(t, q, map[string]Handler{
		"bad": {Queue: "default", LeaseTTL: time.Minute, Run: func(ctx context.Context, job Job) error {
			attempts.Add(1)
			return xerrors.Unretriable(errors.New("empty transcript"))
		}},
	})
	stop := runDispatcher(t, d)
	defer stop()

	jobID, err := q.Enqueue("bad", nil, EnqueueOptions{Queue: "default", MaxAttempts: 5})
	require.NoError(t, err)
	job := awaitState(t, q, jobID, StateFailed)
	assert.Equal(t, int32(1), attempts.Load(), "business errors are not retried")
	assert.Contains(t, job.LastError, "empty transcript")
}

func TestDispatcherRecoversHandlerPanic(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	q := New(s, testQueues, 10*time.Millisecond, time.Second, 3)

	d := newTestDispatcher(t, q, map[string]Handler{
		"boom": {Queue: "default", LeaseTTL: time.Minute, Run: func(ctx context.Context, job Job) error {
			panic("handler bug")
		}},
	})
	stop := runDispatcher(t, d)
	defer stop()

	jobID, err := q.Enqueue("boom", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	job := awaitState(t, q, jobID, StateFailed)
	assert.Contains(t, job.LastError, "handler panicked")
}

func TestDispatcherUnknownTemplateFails(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	q := New(s, testQueues, 10*time.Millisecond, time.Second, 3)

	d := newTestDispatcher(t, q, map[string]Handler{
		"known": {Queue: "default", LeaseTTL: time.Minute, Run: func(ctx context.Context, job Job) error { return nil }},
	})
	stop := runDispatcher(t, d)
	defer stop()

	jobID, err := q.Enqueue("unknown", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	job := awaitState(t, q, jobID, StateFailed)
	assert.Contains(t, job.LastError, "no handler for template")
}

func TestDispatcherCooperativeCancel(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	q := New(s, testQueues, 10*time.Millisecond, time.Second, 3)

	started := make(chan struct{})
	d := newTestDispatcher(t, q, map[string]Handler{
		"slow": {Queue: "default", LeaseTTL: time.Minute, Run: func(ctx context.Context, job Job) error {
			close(started)
			for {
				if q.Cancelled(job.JobID) {
					return xerrors.Cancelled
				}
				time.Sleep(10 * time.Millisecond)
			}
		}},
	})
	stop := runDispatcher(t, d)
	defer stop()

	jobID, err := q.Enqueue("slow", nil, EnqueueOptions{Queue: "default"})
	require.NoError(t, err)
	<-started
	res, err := q.Cancel(jobID)
	require.NoError(t, err)
	assert.Equal(t, CancelSignalled, res)
	awaitState(t, q, jobID, StateCancelled)
}

func TestNewDispatcherRejectsUnknownHandlerQueue(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	q := New(s, testQueues, time.Second, time.Minute, 3)

	_, err = NewDispatcher(q, map[string]Handler{
		"stray": {Queue: "not-configured", Run: func(ctx context.Context, job Job) error { return nil }},
	}, testQueues)
	require.Error(t, err)
}

func TestDispatcherRespectsConcurrencyCap(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	q := New(s, testQueues, 10*time.Millisecond, time.Second, 3)

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	d := newTestDispatcher(t, q, map[string]Handler{
		"heavy": {Queue: "vod_processing", LeaseTTL: time.Minute, Run: func(ctx context.Context, job Job) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return nil
		}},
	})
	stop := runDispatcher(t, d)
	defer stop()

	// vod_processing depth cap is 3, concurrency is 2
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue("heavy", nil, EnqueueOptions{Queue: "vod_processing"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	time.Sleep(300 * time.Millisecond)
	close(release)
	for _, id := range ids {
		awaitState(t, q, id, StateSucceeded)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2), "worker pool bounded by configured concurrency")
}

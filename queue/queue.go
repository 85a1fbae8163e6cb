package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/log"
	"github.com/civiccaption/flexcore/metrics"
	"github.com/civiccaption/flexcore/store"
)

// ErrDuplicateFingerprint is returned by Enqueue when a Job with the same
// fingerprint is already in a non-terminal state. Callers treat this as
// suppression, not failure: the work is already queued or running.
var ErrDuplicateFingerprint = errors.New("queue: a job with this fingerprint is already active")

// ErrUnknownQueue is returned when an enqueue names a queue that isn't
// configured; queue membership comes from the static template table, so
// hitting this means a wiring bug, not bad operator input.
var ErrUnknownQueue = errors.New("queue: unknown queue name")

// EnqueueOptions carries the per-job knobs of Enqueue.
type EnqueueOptions struct {
	Queue         string
	Fingerprint   string
	Priority      bool
	MaxAttempts   int
	ParentJobID   string
	EarliestStart time.Time
}

// CancelResult is Cancel's outcome: cancelled outright, cooperatively
// signalled (Running jobs), or not cancellable (already terminal).
type CancelResult string

const (
	CancelOK             CancelResult = "ok"
	CancelSignalled      CancelResult = "signalled"
	CancelNotCancellable CancelResult = "not_cancellable"
)

// ListFilter narrows List; zero values mean "any".
type ListFilter struct {
	Queue string
	State State
	Since time.Time
}

// Queue is the durable work queue. All state lives in the store; the
// in-process mutex serializes multi-key transitions (job record plus
// fingerprint index) that the per-key CAS in store can't cover on its own.
type Queue struct {
	s *store.Store

	mu      sync.Mutex
	notFull *sync.Cond

	queues map[string]config.QueueConfig

	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int
}

// New builds a Queue over the given store with the configured named queues
// and retry policy. Unknown-queue enqueues are rejected rather than
// silently created.
func New(s *store.Store, queues []config.QueueConfig, backoffBase, backoffCap time.Duration, defaultMaxAttempts int) *Queue {
	if backoffBase <= 0 {
		backoffBase = config.DefaultRetryBackoffBase
	}
	if backoffCap <= 0 {
		backoffCap = config.DefaultRetryBackoffCap
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = config.DefaultMaxAttempts
	}
	byName := map[string]config.QueueConfig{}
	for _, qc := range queues {
		byName[qc.Name] = qc
	}
	q := &Queue{
		s:           s,
		queues:      byName,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		maxAttempts: defaultMaxAttempts,
	}
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) now() time.Time {
	return config.Clock.GetTime()
}

// Backoff computes the delay before retry number attempt (1-based): an
// exponential base*2^(attempt-1) plus up to 10% jitter, capped. Delays are
// non-decreasing in attempt up to the cap and never exceed it.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	if d+jitter > cap {
		return cap
	}
	return d + jitter
}

// Enqueue creates a new Queued job. If opts.Fingerprint is set and a job
// with that fingerprint is already active, ErrDuplicateFingerprint is
// returned and nothing is written.
func (q *Queue) Enqueue(templateName string, payload []byte, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(templateName, payload, opts)
}

// EnqueueBlocking is Enqueue for fan-out parents: when the target queue's
// depth has reached its configured max, it blocks the caller (not the
// scheduler, which always uses Enqueue) until a slot frees or ctx is done.
func (q *Queue) EnqueueBlocking(ctx context.Context, templateName string, payload []byte, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Cond has no context support; a watcher goroutine turns ctx
	// cancellation into a broadcast so the wait below can observe it.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notFull.Broadcast()
			q.mu.Unlock()
		case <-watchDone:
		}
	}()

	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		depth, err := q.depthLocked(opts.Queue)
		if err != nil {
			return "", err
		}
		qc, ok := q.queues[opts.Queue]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownQueue, opts.Queue)
		}
		if qc.MaxQueueDepth <= 0 || depth < qc.MaxQueueDepth {
			return q.enqueueLocked(templateName, payload, opts)
		}
		q.notFull.Wait()
	}
}

func (q *Queue) enqueueLocked(templateName string, payload []byte, opts EnqueueOptions) (string, error) {
	if _, ok := q.queues[opts.Queue]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, opts.Queue)
	}

	if opts.Fingerprint != "" {
		activeID, active, err := q.activeJobForFingerprint(opts.Fingerprint)
		if err != nil {
			return "", err
		}
		if active {
			log.LogNoRequestID("enqueue suppressed, fingerprint already active",
				"template", templateName, "fingerprint", opts.Fingerprint, "active_job_id", activeID)
			return activeID, ErrDuplicateFingerprint
		}
	}

	now := q.now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	earliest := opts.EarliestStart
	if earliest.IsZero() {
		earliest = now
	}
	job := Job{
		JobID:         uuid.New().String(),
		TemplateName:  templateName,
		Queue:         opts.Queue,
		Fingerprint:   opts.Fingerprint,
		State:         StateQueued,
		Attempt:       1,
		MaxAttempts:   maxAttempts,
		Priority:      opts.Priority,
		EarliestStart: earliest,
		CreatedAt:     now,
		UpdatedAt:     now,
		ParentJobID:   opts.ParentJobID,
		Payload:       payload,
	}
	if err := q.s.Put(jobKey(job.JobID), job); err != nil {
		return "", err
	}
	if job.Fingerprint != "" {
		if err := q.s.Put(fingerprintKey(job.Fingerprint), job.JobID); err != nil {
			return "", err
		}
	}
	metrics.M.Queue.JobsEnqueued.WithLabelValues(job.Queue).Inc()
	log.Log(job.JobID, "job enqueued",
		"template", templateName, "queue", opts.Queue, "fingerprint", opts.Fingerprint, "max_attempts", maxAttempts)
	return job.JobID, nil
}

// activeJobForFingerprint resolves the fp index entry and checks the
// referenced job really is non-terminal; a stale index entry (terminal job
// whose release write was lost in a crash) is repaired in passing.
func (q *Queue) activeJobForFingerprint(fp string) (string, bool, error) {
	var jobID string
	found, err := q.s.Get(fingerprintKey(fp), &jobID)
	if err != nil || !found {
		return "", false, err
	}
	job, jobFound, err := q.Status(jobID)
	if err != nil {
		return "", false, err
	}
	if !jobFound || job.State.Terminal() {
		_ = q.s.Delete(fingerprintKey(fp))
		return "", false, nil
	}
	return jobID, true, nil
}

// releaseFingerprint drops the active-fingerprint index entry once a job
// reaches a terminal state, allowing a later job for the same recording.
func (q *Queue) releaseFingerprint(job Job) {
	if job.Fingerprint == "" {
		return
	}
	var holder string
	found, err := q.s.Get(fingerprintKey(job.Fingerprint), &holder)
	if err != nil || !found || holder != job.JobID {
		return
	}
	if err := q.s.Delete(fingerprintKey(job.Fingerprint)); err != nil {
		log.Log(job.JobID, "failed to release fingerprint index entry", "fingerprint", job.Fingerprint, "err", err.Error())
	}
}

// mutateJob applies fn to the current job record with compare-and-set
// semantics; fn returning an error aborts without writing.
func (q *Queue) mutateJob(jobID string, fn func(j Job) (Job, error)) (Job, error) {
	var result Job
	err := store.MutateJSON(q.s, jobKey(jobID), func(current Job, found bool) (Job, bool, error) {
		if !found {
			return Job{}, false, fmt.Errorf("job %s not found", jobID)
		}
		next, err := fn(current)
		if err != nil {
			return Job{}, false, err
		}
		next.UpdatedAt = q.now()
		result = next
		return next, false, nil
	})
	return result, err
}

// Lease claims the best eligible job on queueName: ready Queued/Retrying
// jobs ordered priority first, then earliest_start, then created_at. ttlFor
// resolves the lease TTL from the winning job's template. Returns ok=false
// when nothing is eligible.
func (q *Queue) Lease(queueName string, ttlFor func(templateName string) time.Duration) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var candidates []Job
	err := q.forEachJob(func(j Job) error {
		if j.Queue != queueName {
			return nil
		}
		if j.State != StateQueued && j.State != StateRetrying {
			return nil
		}
		if j.EarliestStart.After(now) {
			return nil
		}
		candidates = append(candidates, j)
		return nil
	})
	if err != nil {
		return Job{}, false, err
	}
	if len(candidates) == 0 {
		return Job{}, false, nil
	}

	sort.SliceStable(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if a.Priority != b.Priority {
			return a.Priority
		}
		if !a.EarliestStart.Equal(b.EarliestStart) {
			return a.EarliestStart.Before(b.EarliestStart)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	winner := candidates[0]
	ttl := config.DefaultLeaseTTL
	if ttlFor != nil {
		if d := ttlFor(winner.TemplateName); d > 0 {
			ttl = d
		}
	}

	leased, err := q.mutateJob(winner.JobID, func(j Job) (Job, error) {
		if j.State != StateQueued && j.State != StateRetrying {
			return Job{}, fmt.Errorf("job %s no longer leasable (state %s)", j.JobID, j.State)
		}
		j.State = StateLeased
		j.LeaseDeadline = now.Add(ttl)
		return j, nil
	})
	if err != nil {
		return Job{}, false, err
	}
	metrics.M.Queue.JobsInFlight.WithLabelValues(queueName).Inc()
	metrics.M.Queue.LeaseWaitSec.WithLabelValues(queueName).Observe(now.Sub(winner.EarliestStart).Seconds())
	return leased, true, nil
}

// Start marks a leased job Running; the worker calls this just before
// invoking the handler.
func (q *Queue) Start(jobID string) (Job, error) {
	return q.mutateJob(jobID, func(j Job) (Job, error) {
		if j.State != StateLeased {
			return Job{}, fmt.Errorf("job %s cannot start from state %s", jobID, j.State)
		}
		j.State = StateRunning
		return j, nil
	})
}

// RenewLease extends a held lease; workers renew at <= ttl/3 intervals.
// Renewal of a job that is no longer Leased/Running fails, which is how a
// worker whose lease was reclaimed finds out it has been presumed dead.
func (q *Queue) RenewLease(jobID string, ttl time.Duration) error {
	_, err := q.mutateJob(jobID, func(j Job) (Job, error) {
		if j.State != StateLeased && j.State != StateRunning {
			return Job{}, fmt.Errorf("job %s lease not renewable from state %s", jobID, j.State)
		}
		j.LeaseDeadline = q.now().Add(ttl)
		return j, nil
	})
	return err
}

// Complete marks a running job Succeeded and releases its fingerprint.
func (q *Queue) Complete(jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.mutateJob(jobID, func(j Job) (Job, error) {
		if j.State.Terminal() {
			return Job{}, fmt.Errorf("job %s already terminal (%s)", jobID, j.State)
		}
		j.State = StateSucceeded
		j.LeaseDeadline = time.Time{}
		return j, nil
	})
	if err != nil {
		return Job{}, err
	}
	q.releaseFingerprint(job)
	metrics.M.Queue.JobsInFlight.WithLabelValues(job.Queue).Dec()
	metrics.M.Queue.JobsSucceeded.WithLabelValues(job.Queue).Inc()
	q.notFull.Broadcast()
	return job, nil
}

// Fail records a handler failure and applies retry policy: cancellation
// maps to Cancelled, unretriable errors and exhausted attempts to Failed,
// everything else to Retrying with exponential backoff. The attempt counter
// only increments on the Retrying path, so attempt <= max_attempts holds
// throughout.
func (q *Queue) Fail(jobID string, cause error) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.mutateJob(jobID, func(j Job) (Job, error) {
		if j.State.Terminal() {
			return Job{}, fmt.Errorf("job %s already terminal (%s)", jobID, j.State)
		}
		j.LastError = cause.Error()
		j.LeaseDeadline = time.Time{}

		switch {
		case xerrors.IsCancelled(cause):
			j.State = StateCancelled
		case xerrors.IsUnretriable(cause) || j.Attempt >= j.MaxAttempts:
			j.State = StateFailed
		default:
			j.State = StateRetrying
			j.Attempt++
			j.EarliestStart = q.now().Add(Backoff(q.backoffBase, q.backoffCap, j.Attempt-1))
		}
		return j, nil
	})
	if err != nil {
		return Job{}, err
	}

	metrics.M.Queue.JobsInFlight.WithLabelValues(job.Queue).Dec()
	switch job.State {
	case StateFailed:
		metrics.M.Queue.JobsFailed.WithLabelValues(job.Queue).Inc()
		q.releaseFingerprint(job)
	case StateCancelled:
		q.releaseFingerprint(job)
	case StateRetrying:
		metrics.M.Queue.JobsRetried.WithLabelValues(job.Queue).Inc()
	}
	q.notFull.Broadcast()
	log.LogError(jobID, "job attempt failed", cause, "state", string(job.State), "attempt", job.Attempt)
	return job, nil
}

// Cancel transitions Queued/Leased/Retrying jobs straight to Cancelled; a
// Running job only gets its cooperative flag set and reports "signalled".
// Terminal jobs are not cancellable.
func (q *Queue) Cancel(jobID string) (CancelResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, found, err := q.Status(jobID)
	if err != nil {
		return CancelNotCancellable, err
	}
	if !found || current.State.Terminal() {
		return CancelNotCancellable, nil
	}

	if current.State == StateRunning {
		_, err := q.mutateJob(jobID, func(j Job) (Job, error) {
			j.CancelRequested = true
			return j, nil
		})
		if err != nil {
			return CancelNotCancellable, err
		}
		return CancelSignalled, nil
	}

	job, err := q.mutateJob(jobID, func(j Job) (Job, error) {
		if j.State.Terminal() || j.State == StateRunning {
			return Job{}, fmt.Errorf("job %s state changed during cancel (%s)", jobID, j.State)
		}
		j.State = StateCancelled
		j.LeaseDeadline = time.Time{}
		return j, nil
	})
	if err != nil {
		return CancelNotCancellable, err
	}
	if current.State == StateLeased {
		metrics.M.Queue.JobsInFlight.WithLabelValues(job.Queue).Dec()
	}
	q.releaseFingerprint(job)
	q.notFull.Broadcast()
	return CancelOK, nil
}

// Cancelled reports the cooperative cancellation flag for a job; pipeline
// handlers poll this between stages.
func (q *Queue) Cancelled(jobID string) bool {
	job, found, err := q.Status(jobID)
	if err != nil || !found {
		return false
	}
	return job.CancelRequested
}

// Status returns the current job record.
func (q *Queue) Status(jobID string) (Job, bool, error) {
	var j Job
	found, err := q.s.Get(jobKey(jobID), &j)
	return j, found, err
}

// List returns jobs matching filter, newest first.
func (q *Queue) List(filter ListFilter) ([]Job, error) {
	var out []Job
	err := q.forEachJob(func(j Job) error {
		if filter.Queue != "" && j.Queue != filter.Queue {
			return nil
		}
		if filter.State != "" && j.State != filter.State {
			return nil
		}
		if !filter.Since.IsZero() && j.CreatedAt.Before(filter.Since) {
			return nil
		}
		out = append(out, j)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

// ChildJobs returns every job whose parent_job_id is parentID; the fan-out
// parent polls this to aggregate child outcomes.
func (q *Queue) ChildJobs(parentID string) ([]Job, error) {
	var out []Job
	err := q.forEachJob(func(j Job) error {
		if j.ParentJobID == parentID {
			out = append(out, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// ReclaimExpired moves Leased/Running jobs whose lease deadline has passed
// back to Retrying without touching the attempt counter: the worker is
// presumed dead, not failed. Returns how many were reclaimed.
func (q *Queue) ReclaimExpired() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var expired []Job
	err := q.forEachJob(func(j Job) error {
		if (j.State == StateLeased || j.State == StateRunning) && !j.LeaseDeadline.IsZero() && j.LeaseDeadline.Before(now) {
			expired = append(expired, j)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, e := range expired {
		_, err := q.mutateJob(e.JobID, func(j Job) (Job, error) {
			if j.State != StateLeased && j.State != StateRunning {
				return Job{}, fmt.Errorf("job %s no longer held", j.JobID)
			}
			j.State = StateRetrying
			j.LeaseDeadline = time.Time{}
			j.EarliestStart = now
			return j, nil
		})
		if err != nil {
			log.Log(e.JobID, "failed to reclaim expired lease", "err", err.Error())
			continue
		}
		metrics.M.Queue.JobsInFlight.WithLabelValues(e.Queue).Dec()
		log.Log(e.JobID, "lease expired, job reclaimed for retry", "queue", e.Queue, "attempt", e.Attempt)
		reclaimed++
	}
	return reclaimed, nil
}

// Summary returns derived counts by (queue_name, state).
func (q *Queue) Summary() (map[string]map[State]int, error) {
	out := map[string]map[State]int{}
	err := q.forEachJob(func(j Job) error {
		byState, ok := out[j.Queue]
		if !ok {
			byState = map[State]int{}
			out[j.Queue] = byState
		}
		byState[j.State]++
		return nil
	})
	return out, err
}

// depthLocked counts non-terminal jobs on queueName; used for the
// fan-out backpressure check.
func (q *Queue) depthLocked(queueName string) (int, error) {
	depth := 0
	err := q.forEachJob(func(j Job) error {
		if j.Queue == queueName && !j.State.Terminal() {
			depth++
		}
		return nil
	})
	return depth, err
}

func (q *Queue) forEachJob(fn func(j Job) error) error {
	return q.s.IteratePrefix("job/", func(key string, value []byte) error {
		var j Job
		if err := unmarshalJob(value, &j); err != nil {
			log.LogNoRequestID("skipping undecodable job record", "key", key, "err", err.Error())
			return nil
		}
		return fn(j)
	})
}

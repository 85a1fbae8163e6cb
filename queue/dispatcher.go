package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/log"
	"github.com/civiccaption/flexcore/metrics"
)

// HandlerFunc executes one job attempt. A nil return transitions the job to
// Succeeded; xerrors.Cancelled to Cancelled; anything else goes through the
// retry policy. Handlers must be idempotent keyed by (job_id, attempt) and
// by fingerprint at the pipeline layer.
type HandlerFunc func(ctx context.Context, job Job) error

// Handler binds a template name to its queue, lease duration, and handler
// function. The full set is assembled once at startup into a static table;
// there is no runtime registration.
type Handler struct {
	Queue       string
	LeaseTTL    time.Duration
	MaxAttempts int
	Run         HandlerFunc
}

// Dispatcher owns the per-queue worker pools. Each pool polls its queue for
// leases and runs the matching template handler, renewing the lease at
// ttl/3 while the handler is in flight. A periodic reclaim pass returns
// expired leases to Retrying.
type Dispatcher struct {
	q        *Queue
	handlers map[string]Handler
	queues   []config.QueueConfig

	pollInterval    time.Duration
	reclaimInterval time.Duration
}

// NewDispatcher builds a dispatcher over the given queue and static handler
// table. Every handler's queue must appear in queues.
func NewDispatcher(q *Queue, handlers map[string]Handler, queues []config.QueueConfig) (*Dispatcher, error) {
	byName := map[string]bool{}
	for _, qc := range queues {
		byName[qc.Name] = true
	}
	for name, h := range handlers {
		if !byName[h.Queue] {
			return nil, fmt.Errorf("handler %s references unconfigured queue %s", name, h.Queue)
		}
	}
	return &Dispatcher{
		q:               q,
		handlers:        handlers,
		queues:          queues,
		pollInterval:    2 * time.Second,
		reclaimInterval: 30 * time.Second,
	}, nil
}

// leaseTTLFor resolves a template's lease duration for Queue.Lease.
func (d *Dispatcher) leaseTTLFor(templateName string) time.Duration {
	if h, ok := d.handlers[templateName]; ok && h.LeaseTTL > 0 {
		return h.LeaseTTL
	}
	return config.DefaultLeaseTTL
}

// Run starts every queue's worker pool plus the reclaim loop, then blocks
// until ctx is cancelled and all workers have drained. Workers finish the
// attempt they hold; they stop taking new leases as soon as ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, qc := range d.queues {
		concurrency := qc.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func(queueName string, worker int) {
				defer wg.Done()
				d.workerLoop(ctx, queueName, worker)
			}(qc.Name, i)
			// stagger spawns so a restart doesn't stampede the store
			time.Sleep(20 * time.Millisecond)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reclaimLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (d *Dispatcher) workerLoop(ctx context.Context, queueName string, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := d.q.Lease(queueName, d.leaseTTLFor)
		if err != nil {
			log.LogNoRequestID("lease acquisition failed", "queue", queueName, "worker", worker, "err", err.Error())
		}
		if !ok || err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.pollInterval):
			}
			continue
		}

		d.runJob(ctx, job)
	}
}

// runJob drives one leased job through Start, handler execution with lease
// renewal, and the terminal transition. A handler panic is recovered and
// mapped to a failed attempt rather than taking down the process.
func (d *Dispatcher) runJob(ctx context.Context, job Job) {
	handler, ok := d.handlers[job.TemplateName]
	if !ok {
		_, _ = d.q.Fail(job.JobID, xerrors.Unretriable(fmt.Errorf("no handler for template %s", job.TemplateName)))
		return
	}

	started, err := d.q.Start(job.JobID)
	if err != nil {
		log.Log(job.JobID, "could not start leased job", "err", err.Error())
		return
	}
	job = started

	ttl := handler.LeaseTTL
	if ttl <= 0 {
		ttl = config.DefaultLeaseTTL
	}
	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go d.renewLoop(renewCtx, job.JobID, ttl)

	metrics.M.Queue.DispatchLagSec.WithLabelValues(job.Queue).Observe(
		config.Clock.GetTime().Sub(job.EarliestStart).Seconds())
	log.Log(job.JobID, "job attempt starting",
		"template", job.TemplateName, "queue", job.Queue, "attempt", job.Attempt, "max_attempts", job.MaxAttempts)

	err = d.runHandler(ctx, handler, job)
	stopRenewal()

	if err == nil {
		if _, cerr := d.q.Complete(job.JobID); cerr != nil {
			log.Log(job.JobID, "could not mark job succeeded", "err", cerr.Error())
		}
		return
	}
	if _, ferr := d.q.Fail(job.JobID, err); ferr != nil {
		log.Log(job.JobID, "could not record job failure", "err", ferr.Error())
	}
}

func (d *Dispatcher) runHandler(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Unretriable(fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack()))
		}
	}()
	return handler.Run(ctx, job)
}

// renewLoop keeps the lease alive at ttl/3 while the handler runs. A failed
// renewal means the queue reclaimed the job out from under us; the handler
// keeps running (its terminal transition will fail harmlessly) but we stop
// renewing.
func (d *Dispatcher) renewLoop(ctx context.Context, jobID string, ttl time.Duration) {
	interval := ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.q.RenewLease(jobID, ttl); err != nil {
				log.Log(jobID, "lease renewal failed, presumed reclaimed", "err", err.Error())
				return
			}
		}
	}
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.q.ReclaimExpired()
			if err != nil {
				log.LogNoRequestID("reclaim pass failed", "err", err.Error())
				continue
			}
			if n > 0 {
				log.LogNoRequestID("reclaimed expired leases", "count", n)
			}
		}
	}
}

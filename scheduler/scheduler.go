// Package scheduler implements the persistent periodic trigger (C2). It
// parses each configured template's cron expression with robfig/cron and
// ticks on a one-minute clock of its own rather than running the library's
// live scheduler, because restart-safe catch-up needs "what should have
// fired between t1 and t2" answered from a durable last-fired record. The
// scheduler only enqueues; it never executes pipeline work.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/civiccaption/flexcore/config"
	"github.com/civiccaption/flexcore/log"
	"github.com/civiccaption/flexcore/metrics"
	"github.com/civiccaption/flexcore/queue"
	"github.com/civiccaption/flexcore/store"
)

// Enqueuer is the one operation the scheduler needs from the queue layer,
// kept as an interface so tests can count enqueues without a real store.
type Enqueuer interface {
	Enqueue(templateName string, payload []byte, opts queue.EnqueueOptions) (string, error)
}

// TemplateBinding resolves a schedule entry's template name to the queue
// and retry policy its jobs carry; the core supplies this from its static
// handler table.
type TemplateBinding struct {
	Queue       string
	MaxAttempts int
}

// firingRecord is the durable per-template bookkeeping under
// sched/<template_name>.
type firingRecord struct {
	LastFiredAt  time.Time `json:"last_fired_at"`
	SkippedCount int       `json:"skipped_count"`
}

type entry struct {
	cfg      config.ScheduleEntry
	schedule cron.Schedule
	location *time.Location
	binding  TemplateBinding
}

// Scheduler fires job templates on their configured timetables.
type Scheduler struct {
	s       *store.Store
	enq     Enqueuer
	entries []entry

	catchupWindow time.Duration
	tickInterval  time.Duration
}

// New parses every schedule entry and resolves its timezone. An entry whose
// cron expression doesn't parse, whose timezone is unknown, or whose name
// has no template binding is a startup error, not a runtime one.
func New(s *store.Store, enq Enqueuer, entries []config.ScheduleEntry, bindings map[string]TemplateBinding, defaultTimezone string, catchupWindow time.Duration) (*Scheduler, error) {
	if catchupWindow <= 0 {
		catchupWindow = time.Hour
	}
	sched := &Scheduler{
		s:             s,
		enq:           enq,
		catchupWindow: catchupWindow,
		tickInterval:  time.Minute,
	}
	for _, e := range entries {
		spec, err := cron.ParseStandard(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing cron %q for schedule entry %s: %w", e.Cron, e.Name, err)
		}
		tz := e.Timezone
		if tz == "" {
			tz = defaultTimezone
		}
		if tz == "" {
			tz = "UTC"
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q for schedule entry %s: %w", tz, e.Name, err)
		}
		if e.Template == "" {
			e.Template = e.Name
		}
		binding, ok := bindings[e.Template]
		if !ok {
			return nil, fmt.Errorf("schedule entry %s references unregistered template %s", e.Name, e.Template)
		}
		sched.entries = append(sched.entries, entry{cfg: e, schedule: spec, location: loc, binding: binding})
	}
	return sched, nil
}

// TemplateFingerprint is the scheduler-level dedup key: a firing whose
// prior job for the same template is still active is suppressed.
func TemplateFingerprint(templateName string) string {
	return "template/" + templateName
}

func (s *Scheduler) recordKey(name string) string {
	return "sched/" + name
}

// Run performs the restart catch-up pass and then ticks once a minute,
// firing any entry whose schedule produced a fire time at or before now
// that hasn't been fired yet. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	now := config.Clock.GetTime()
	for i := range s.entries {
		if err := s.catchUp(&s.entries[i], now); err != nil {
			log.LogNoRequestID("scheduler catch-up failed", "template", s.entries[i].cfg.Name, "err", err.Error())
		}
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(config.Clock.GetTime())
		}
	}
}

// Tick fires every entry whose next scheduled time after its last firing
// has arrived. Exposed for tests; Run calls it once per minute.
func (s *Scheduler) Tick(now time.Time) {
	for i := range s.entries {
		e := &s.entries[i]
		rec, err := s.loadRecord(e.cfg.Name)
		if err != nil {
			log.LogNoRequestID("scheduler could not load firing record", "template", e.cfg.Name, "err", err.Error())
			continue
		}
		next := s.nextAfter(e, rec.LastFiredAt, now)
		metrics.M.Scheduler.NextFireGaugeSec.WithLabelValues(e.cfg.Name).Set(float64(e.schedule.Next(now.In(e.location)).Unix()))
		if next.IsZero() || next.After(now) {
			continue
		}
		s.fire(e, rec, next)
	}
}

// nextAfter computes the earliest scheduled fire time strictly after
// lastFired (or strictly after one tick before now when the template has
// never fired), in the entry's configured timezone.
func (s *Scheduler) nextAfter(e *entry, lastFired, now time.Time) time.Time {
	base := lastFired
	if base.IsZero() {
		// Never fired: anchor one tick behind now so a freshly configured
		// entry fires at its next slot rather than replaying history.
		base = now.Add(-s.tickInterval)
	}
	return e.schedule.Next(base.In(e.location))
}

// catchUp applies the restart policy: a firing missed by no more than the
// catch-up window fires exactly once; one missed by more is recorded as a
// skip and the schedule resumes from now.
func (s *Scheduler) catchUp(e *entry, now time.Time) error {
	rec, err := s.loadRecord(e.cfg.Name)
	if err != nil {
		return err
	}
	if rec.LastFiredAt.IsZero() {
		return nil
	}
	missed := e.schedule.Next(rec.LastFiredAt.In(e.location))
	if missed.After(now) {
		return nil
	}
	if now.Sub(missed) <= s.catchupWindow {
		log.LogNoRequestID("scheduler catching up missed firing",
			"template", e.cfg.Name, "missed_at", missed.Format(time.RFC3339))
		s.fire(e, rec, missed)
		return nil
	}

	rec.SkippedCount++
	rec.LastFiredAt = now
	metrics.M.Scheduler.SkippedTotal.WithLabelValues(e.cfg.Name).Inc()
	log.LogNoRequestID("scheduler skipping firing missed beyond catch-up window",
		"template", e.cfg.Name, "missed_at", missed.Format(time.RFC3339), "skipped_count", rec.SkippedCount)
	return s.s.Put(s.recordKey(e.cfg.Name), rec)
}

// fire enqueues one job for the entry's template. A firing whose template
// fingerprint is already active is suppressed and counted, and still
// advances last_fired_at so the same slot isn't re-attempted every tick.
func (s *Scheduler) fire(e *entry, rec firingRecord, firedAt time.Time) {
	var payload []byte
	if e.cfg.Payload != "" {
		payload = []byte(e.cfg.Payload)
		if !json.Valid(payload) {
			log.LogNoRequestID("schedule entry payload is not valid json, firing with empty payload", "template", e.cfg.Name)
			payload = nil
		}
	}

	jobID, err := s.enq.Enqueue(e.cfg.Template, payload, queue.EnqueueOptions{
		Queue:       e.binding.Queue,
		Fingerprint: TemplateFingerprint(e.cfg.Template),
		MaxAttempts: e.binding.MaxAttempts,
	})
	switch {
	case errors.Is(err, queue.ErrDuplicateFingerprint):
		metrics.M.Scheduler.SkippedTotal.WithLabelValues(e.cfg.Name).Inc()
		log.LogNoRequestID("scheduler firing suppressed, previous job still active",
			"template", e.cfg.Name, "active_job_id", jobID, "fired_at", firedAt.Format(time.RFC3339))
	case err != nil:
		log.LogNoRequestID("scheduler enqueue failed", "template", e.cfg.Name, "err", err.Error())
		return
	default:
		metrics.M.Scheduler.FiringsTotal.WithLabelValues(e.cfg.Name).Inc()
		log.Log(jobID, "scheduler fired template", "template", e.cfg.Name, "fired_at", firedAt.Format(time.RFC3339))
	}

	rec.LastFiredAt = firedAt
	if err := s.s.Put(s.recordKey(e.cfg.Name), rec); err != nil {
		log.LogNoRequestID("scheduler could not persist firing record", "template", e.cfg.Name, "err", err.Error())
	}
}

func (s *Scheduler) loadRecord(name string) (firingRecord, error) {
	var rec firingRecord
	_, err := s.s.Get(s.recordKey(name), &rec)
	return rec, err
}

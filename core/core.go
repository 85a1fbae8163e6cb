// Package core assembles the orchestration engine: the static template
// table mapping job template names to handler capabilities, the fan-out /
// single-VOD / caption-check / cleanup handlers themselves, and the
// in-process operational surface the external admin UI calls. It sits on
// top of queue, pipeline, scanner and clients; nothing below imports it.
package core

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/civiccaption/flexcore/clients"
	"github.com/civiccaption/flexcore/config"
	"github.com/civiccaption/flexcore/pipeline"
	"github.com/civiccaption/flexcore/queue"
	"github.com/civiccaption/flexcore/scanner"
	"github.com/civiccaption/flexcore/scheduler"
	"github.com/civiccaption/flexcore/store"
)

// Template names are the identifiers the scheduler and operators enqueue
// by; the static table in NewCore is the only place they bind to handlers.
const (
	TemplateProcessRecentVODs = "process-recent-vods"
	TemplateProcessSingleVOD  = "process-single-vod"
	TemplateCaptionCheck      = "caption-check"
	TemplateCleanup           = "cleanup"
)

// Queue names referenced by the template table. They must appear in the
// configured queue list handed to queue.New.
const (
	QueueVODProcessing = "vod_processing"
	QueueDefault       = "default"
	QueueTranscription = "transcription"
)

// Core is the explicit context constructed in main and passed down: every
// collaborator the handlers need, no ambient globals.
type Core struct {
	Cfg config.Cli

	Queue  *queue.Queue
	Runs   *pipeline.RunStore
	Audits *AuditStore

	FS        clients.Filesystem
	ASR       clients.ASRClient
	Cablecast clients.CablecastClient

	PipelineDeps pipeline.Deps

	// MetricsDB optionally receives a denormalized row per completed
	// pipeline run for reporting; nil disables the sink.
	MetricsDB *sql.DB

	// childPollInterval is how often a fan-out parent re-checks its
	// children for terminal states; shortened in tests.
	childPollInterval time.Duration
}

// NewCore wires the engine together from parsed configuration and
// already-constructed collaborators.
func NewCore(cfg config.Cli, s *store.Store, q *queue.Queue, fs clients.Filesystem, asr clients.ASRClient, cc clients.CablecastClient, deps pipeline.Deps, metricsDB *sql.DB) *Core {
	return &Core{
		Cfg:               cfg,
		Queue:             q,
		Runs:              pipeline.NewRunStore(s),
		Audits:            NewAuditStore(s),
		FS:                fs,
		ASR:               asr,
		Cablecast:         cc,
		PipelineDeps:      deps,
		MetricsDB:         metricsDB,
		childPollInterval: 5 * time.Second,
	}
}

// Handlers returns the static template table the dispatcher runs from.
// Lease TTLs follow the documented per-stage defaults: the single-VOD
// pipeline's longest stage is transcription (2h); fan-out parents hold a
// light lease that is renewed while children run.
func (c *Core) Handlers() map[string]queue.Handler {
	leaseVOD := c.Cfg.LeaseTTLTranscribe
	if leaseVOD <= 0 {
		leaseVOD = 2 * time.Hour
	}
	return map[string]queue.Handler{
		TemplateProcessRecentVODs: {
			Queue:       QueueDefault,
			LeaseTTL:    5 * time.Minute,
			MaxAttempts: 3,
			Run:         c.HandleProcessRecentVODs,
		},
		TemplateProcessSingleVOD: {
			Queue:       QueueVODProcessing,
			LeaseTTL:    leaseVOD,
			MaxAttempts: c.pipelineMaxAttempts(),
			Run:         c.HandleProcessSingleVOD,
		},
		TemplateCaptionCheck: {
			Queue:       QueueDefault,
			LeaseTTL:    5 * time.Minute,
			MaxAttempts: 3,
			Run:         c.HandleCaptionCheck,
		},
		TemplateCleanup: {
			Queue:       QueueDefault,
			LeaseTTL:    5 * time.Minute,
			MaxAttempts: 3,
			Run:         c.HandleCleanup,
		},
	}
}

// SchedulerBindings exposes the queue/retry policy per template for the
// scheduler's enqueues, derived from the same static table.
func (c *Core) SchedulerBindings() map[string]scheduler.TemplateBinding {
	out := map[string]scheduler.TemplateBinding{}
	for name, h := range c.Handlers() {
		out[name] = scheduler.TemplateBinding{Queue: h.Queue, MaxAttempts: h.MaxAttempts}
	}
	return out
}

func (c *Core) pipelineMaxAttempts() int {
	if c.Cfg.RetryMaxAttempts > 0 {
		return c.Cfg.RetryMaxAttempts
	}
	return config.DefaultMaxAttempts
}

// EnqueueOptions is the operator-facing subset of queue.EnqueueOptions:
// template defaults fill in the rest.
type EnqueueOptions struct {
	Priority    bool
	Fingerprint string
	MaxAttempts int
}

// Enqueue validates payload against the template's schema and submits one
// job with the template's queue and retry defaults. This is the operational
// surface's entry point; the scheduler bypasses it and goes straight to the
// queue with pre-validated configured payloads.
func (c *Core) Enqueue(templateName string, payload []byte, opts EnqueueOptions) (string, error) {
	h, ok := c.Handlers()[templateName]
	if !ok {
		return "", fmt.Errorf("unknown job template %s", templateName)
	}
	if err := ValidatePayload(templateName, payload); err != nil {
		return "", err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = h.MaxAttempts
	}
	return c.Queue.Enqueue(templateName, payload, queue.EnqueueOptions{
		Queue:       h.Queue,
		Fingerprint: opts.Fingerprint,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
	})
}

// TriggerTemplate enqueues templateName with its defaults and an empty
// payload, the synonym the admin UI uses for "run this now". Operator
// triggers carry the priority bit.
func (c *Core) TriggerTemplate(templateName string) (string, error) {
	return c.Enqueue(templateName, nil, EnqueueOptions{
		Priority:    true,
		Fingerprint: scheduler.TemplateFingerprint(templateName),
	})
}

// Cancel, GetJob, ListJobs and GetQueueSummary delegate to the queue; they
// exist so the admin UI depends on one type, not on queue internals.

func (c *Core) Cancel(jobID string) (queue.CancelResult, error) {
	return c.Queue.Cancel(jobID)
}

func (c *Core) GetJob(jobID string) (queue.Job, bool, error) {
	return c.Queue.Status(jobID)
}

func (c *Core) ListJobs(filter queue.ListFilter) ([]queue.Job, error) {
	return c.Queue.List(filter)
}

func (c *Core) GetQueueSummary() (map[string]map[queue.State]int, error) {
	return c.Queue.Summary()
}

// enabledVolumes returns the configured volumes the handlers should touch,
// optionally narrowed to an explicit id list from a job payload.
func (c *Core) enabledVolumes(only []string) []config.Volume {
	wanted := map[string]bool{}
	for _, id := range only {
		wanted[id] = true
	}
	var out []config.Volume
	for _, v := range c.Cfg.Volumes {
		if !v.Enabled {
			continue
		}
		if len(wanted) > 0 && !wanted[v.ID] {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (c *Core) scanPolicy(recentN int) scanner.Policy {
	p := scanner.DefaultPolicy()
	if c.Cfg.ScannerRecentN > 0 {
		p.RecentN = c.Cfg.ScannerRecentN
	}
	if c.Cfg.ScannerMinSizeBytes > 0 {
		p.MinSizeBytes = c.Cfg.ScannerMinSizeBytes
	}
	if len(c.Cfg.ScannerExtensions) > 0 {
		p.Extensions = c.Cfg.ScannerExtensions
	}
	p.SkipIfCaptionExists = c.Cfg.ScannerSkipIfCaptionExists
	if recentN > 0 {
		p.RecentN = recentN
	}
	return p
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

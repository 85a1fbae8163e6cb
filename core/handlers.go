package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/log"
	"github.com/civiccaption/flexcore/metrics"
	"github.com/civiccaption/flexcore/pipeline"
	"github.com/civiccaption/flexcore/queue"
	"github.com/civiccaption/flexcore/scanner"
)

// ProcessRecentVODsPayload parameterizes the fan-out parent. Zero values
// fall back to the configured scanner policy and all enabled volumes.
type ProcessRecentVODsPayload struct {
	RecentN int      `json:"recent_n,omitempty"`
	Volumes []string `json:"volumes,omitempty"`
}

// ProcessSingleVODPayload is the child job's payload: the Recording
// snapshot taken at discovery plus the volume label the show matcher
// needs. ReplaceSidecar marks a caption-check-authorized rerun that may
// overwrite an existing non-empty SCC.
type ProcessSingleVODPayload struct {
	Recording       scanner.Recording `json:"recording"`
	VolumeLabel     string            `json:"volume_label"`
	RequestedShowID *int              `json:"cablecast_show_id,omitempty"`
	ReplaceSidecar  bool              `json:"replace_sidecar,omitempty"`
}

// CaptionCheckPayload narrows the audit to specific volumes; empty means
// all enabled.
type CaptionCheckPayload struct {
	Volumes []string `json:"volumes,omitempty"`
}

// CleanupPayload tunes the stale-temp sweep; MaxAgeHours defaults to 24.
type CleanupPayload struct {
	MaxAgeHours int `json:"max_age_hours,omitempty"`
}

// HandleProcessRecentVODs is the fan-out parent: scan every selected
// volume, enqueue one process-single-vod child per candidate recording,
// then hold its lease until all children reach a terminal state and
// aggregate their outcomes per the configured fanout success policy.
//
// A missing volume is a soft failure: its sub-scan is recorded as skipped
// (partial fan-out) and the remaining volumes proceed.
func (c *Core) HandleProcessRecentVODs(ctx context.Context, job queue.Job) error {
	var payload ProcessRecentVODsPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return xerrors.Unretriable(fmt.Errorf("decoding fan-out payload: %w", err))
		}
	}

	policy := c.scanPolicy(payload.RecentN)
	volumes := c.enabledVolumes(payload.Volumes)

	var unavailable []string
	childCount := 0
	for _, vol := range volumes {
		if c.Queue.Cancelled(job.JobID) {
			return xerrors.Cancelled
		}
		recordings, err := scanner.Scan(ctx, vol, policy)
		if err != nil {
			if xerrors.IsVolumeUnavailable(err) {
				unavailable = append(unavailable, vol.ID)
				log.Log(job.JobID, "volume unavailable, skipping in fan-out", "volume_id", vol.ID, "err", err.Error())
				continue
			}
			return fmt.Errorf("scanning volume %s: %w", vol.ID, err)
		}

		for _, rec := range recordings {
			fp := scanner.Fingerprint(rec)
			childPayload := mustJSON(ProcessSingleVODPayload{
				Recording:   rec,
				VolumeLabel: vol.Label,
			})
			_, err := c.Queue.EnqueueBlocking(ctx, TemplateProcessSingleVOD, childPayload, queue.EnqueueOptions{
				Queue:       QueueVODProcessing,
				Fingerprint: fp,
				MaxAttempts: c.pipelineMaxAttempts(),
				ParentJobID: job.JobID,
			})
			if err == queue.ErrDuplicateFingerprint {
				log.Log(job.JobID, "recording already has an active job, not fanning out",
					"fingerprint", fp, "path", rec.AbsolutePath)
				continue
			}
			if err != nil {
				return fmt.Errorf("enqueueing child for %s: %w", rec.AbsolutePath, err)
			}
			childCount++
		}
	}

	log.Log(job.JobID, "fan-out complete, waiting for children",
		"children", childCount, "volumes_unavailable", len(unavailable))

	children, err := c.awaitChildren(ctx, job.JobID)
	if err != nil {
		return err
	}
	return c.aggregateChildren(job, children, unavailable)
}

// awaitChildren polls until every child of parentID is terminal, checking
// the parent's cooperative cancel flag between polls.
func (c *Core) awaitChildren(ctx context.Context, parentID string) ([]queue.Job, error) {
	for {
		if c.Queue.Cancelled(parentID) {
			return nil, xerrors.Cancelled
		}
		children, err := c.Queue.ChildJobs(parentID)
		if err != nil {
			return nil, err
		}
		allDone := true
		for _, child := range children {
			if !child.State.Terminal() {
				allDone = false
				break
			}
		}
		if allDone {
			return children, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.childPollInterval):
		}
	}
}

// aggregateChildren maps child outcomes to the parent's terminal state. A
// parent with zero children (empty volumes) succeeds; cancelled children
// are neutral. PartialFailure is a Failed terminal state with a structured
// reason, never retried: the failed children's fingerprints are free again,
// so the next scheduled fan-out re-covers them.
func (c *Core) aggregateChildren(job queue.Job, children []queue.Job, unavailableVolumes []string) error {
	succeeded, failed := 0, 0
	for _, child := range children {
		switch child.State {
		case queue.StateSucceeded:
			succeeded++
		case queue.StateFailed:
			failed++
		}
	}

	if len(unavailableVolumes) > 0 {
		log.Log(job.JobID, "fan-out finished with partial volume coverage",
			"partial", true, "unavailable_volumes", fmt.Sprintf("%v", unavailableVolumes),
			"children_succeeded", succeeded, "children_failed", failed)
	}

	policy := c.Cfg.FanoutSuccessPolicy
	if policy == "" {
		policy = config.DefaultFanoutSuccessPolicy
	}
	switch policy {
	case config.FanoutSuccessAll:
		if failed > 0 {
			return xerrors.Unretriable(fmt.Errorf(
				"partial failure: %d of %d children failed under all-children success policy", failed, len(children)))
		}
	default: // any
		if failed > 0 && succeeded == 0 && len(children) > 0 {
			return xerrors.Unretriable(fmt.Errorf(
				"partial failure: all %d children failed", failed))
		}
		if failed > 0 {
			// Some children failed but at least one succeeded: the parent
			// still fails with a structured reason so the outcome is
			// operator-visible, per the PartialFailure contract.
			return xerrors.Unretriable(fmt.Errorf(
				"partial failure: %d succeeded, %d failed", succeeded, failed))
		}
	}
	return nil
}

// HandleProcessSingleVOD runs the full pipeline for one recording. The
// PipelineRun is keyed by the recording's fingerprint, so a retry after a
// crash (or a lease reclaim) loads the prior run and resumes at the first
// unverified stage instead of starting over.
func (c *Core) HandleProcessSingleVOD(ctx context.Context, job queue.Job) error {
	var payload ProcessSingleVODPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return xerrors.Unretriable(fmt.Errorf("decoding single-vod payload: %w", err))
	}
	fp := scanner.Fingerprint(payload.Recording)

	run, found, err := c.Runs.Get(fp)
	if err != nil {
		return err
	}
	if !found {
		run = pipeline.NewRun(fp, job.JobID, payload.Recording, payload.RequestedShowID)
	}
	run.JobID = job.JobID
	run.LastError = ""
	if payload.ReplaceSidecar {
		if _, ok := run.Artifacts["caption_check_replacement"]; !ok {
			run.Artifacts["caption_check_replacement"] = pipeline.Artifact{Checksum: "authorized"}
		}
	}

	cancelled := func() bool { return c.Queue.Cancelled(job.JobID) }
	start := config.Clock.GetTime()
	run, err = pipeline.Execute(ctx, c.Runs, c.PipelineDeps, cancelled, run, payload.VolumeLabel)
	if err != nil {
		return err
	}
	metrics.M.Pipeline.RunDurationSec.WithLabelValues(job.Queue).Observe(config.Clock.GetTime().Sub(start).Seconds())

	if c.MetricsDB != nil {
		if derr := pipeline.SendDBMetrics(c.MetricsDB, run, start); derr != nil {
			log.Log(job.JobID, "failed to send pipeline run metrics to db", "err", derr.Error())
		}
	}
	return nil
}

// HandleCaptionCheck audits the SCC sidecars of every selected recording:
// ok / missing / malformed, each recorded durably for operator review. A
// malformed sidecar re-enqueues the full pipeline for that fingerprint with
// max_attempts=1 and overwrite authorization.
func (c *Core) HandleCaptionCheck(ctx context.Context, job queue.Job) error {
	var payload CaptionCheckPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return xerrors.Unretriable(fmt.Errorf("decoding caption-check payload: %w", err))
		}
	}

	policy := c.scanPolicy(0)
	policy.SkipIfCaptionExists = false

	for _, vol := range c.enabledVolumes(payload.Volumes) {
		if c.Queue.Cancelled(job.JobID) {
			return xerrors.Cancelled
		}
		recordings, err := scanner.Scan(ctx, vol, policy)
		if err != nil {
			if xerrors.IsVolumeUnavailable(err) {
				log.Log(job.JobID, "volume unavailable, skipping caption check", "volume_id", vol.ID)
				continue
			}
			return fmt.Errorf("scanning volume %s for caption check: %w", vol.ID, err)
		}
		for _, rec := range recordings {
			if err := c.checkOneCaption(ctx, job, vol, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Core) checkOneCaption(ctx context.Context, job queue.Job, vol config.Volume, rec scanner.Recording) error {
	fp := scanner.Fingerprint(rec)
	sccPath := scanner.CaptionPath(rec.AbsolutePath)

	outcome, detail := auditSCC(sccPath)
	if err := c.Audits.Record(AuditRecord{
		Fingerprint: fp,
		Path:        sccPath,
		Outcome:     outcome,
		Detail:      detail,
		CheckedAt:   config.Clock.GetTime(),
	}); err != nil {
		return err
	}
	metrics.M.Pipeline.CaptionCheckAuditLog.Inc()
	log.Log(job.JobID, "caption check", "path", sccPath, "outcome", string(outcome), "detail", detail)

	if outcome != AuditMalformed {
		return nil
	}

	childPayload := mustJSON(ProcessSingleVODPayload{
		Recording:      rec,
		VolumeLabel:    vol.Label,
		ReplaceSidecar: true,
	})
	_, err := c.Queue.Enqueue(TemplateProcessSingleVOD, childPayload, queue.EnqueueOptions{
		Queue:       QueueVODProcessing,
		Fingerprint: fp,
		MaxAttempts: 1,
		ParentJobID: job.JobID,
	})
	if err == queue.ErrDuplicateFingerprint {
		log.Log(job.JobID, "malformed SCC already has an active repair job", "fingerprint", fp)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueueing repair pipeline for %s: %w", rec.AbsolutePath, err)
	}
	log.Log(job.JobID, "malformed SCC, full pipeline re-enqueued", "fingerprint", fp, "path", sccPath)
	return nil
}

// auditSCC classifies one sidecar: missing, malformed (unparseable or
// non-monotonic timestamps or zero cues), or ok.
func auditSCC(path string) (AuditOutcome, string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AuditMissing, "no sidecar file"
		}
		return AuditMissing, err.Error()
	}
	if len(data) == 0 {
		return AuditMissing, "sidecar empty"
	}
	cues, monotonic, err := pipeline.ParseSCC(data)
	if err != nil {
		return AuditMalformed, err.Error()
	}
	if cues == 0 {
		return AuditMalformed, "no cues"
	}
	if !monotonic {
		return AuditMalformed, "non-monotonic timestamps"
	}
	return AuditOK, fmt.Sprintf("%d cues", cues)
}

// HandleCleanup reclaims expired leases and sweeps fingerprint-keyed temp
// directories that no longer belong to an active job and are older than
// the configured age.
func (c *Core) HandleCleanup(ctx context.Context, job queue.Job) error {
	var payload CleanupPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return xerrors.Unretriable(fmt.Errorf("decoding cleanup payload: %w", err))
		}
	}
	maxAge := 24 * time.Hour
	if payload.MaxAgeHours > 0 {
		maxAge = time.Duration(payload.MaxAgeHours) * time.Hour
	}

	reclaimed, err := c.Queue.ReclaimExpired()
	if err != nil {
		return fmt.Errorf("reclaiming expired leases: %w", err)
	}
	if reclaimed > 0 {
		log.Log(job.JobID, "cleanup reclaimed stale leases", "count", reclaimed)
	}

	tempRoot := c.PipelineDeps.TempRoot
	entries, err := os.ReadDir(tempRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing temp root %s: %w", tempRoot, err)
	}

	cutoff := config.Clock.GetTime().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		fp := entry.Name()
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if active, err := c.fingerprintActive(fp); err != nil || active {
			continue
		}
		dir := filepath.Join(tempRoot, fp)
		if err := os.RemoveAll(dir); err != nil {
			log.Log(job.JobID, "cleanup could not remove temp dir", "dir", dir, "err", err.Error())
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Log(job.JobID, "cleanup removed stale temp dirs", "count", removed)
	}
	return nil
}

// fingerprintActive reports whether any non-terminal job currently holds
// fp; cleanup must never pull a working directory out from under a live
// pipeline run.
func (c *Core) fingerprintActive(fp string) (bool, error) {
	jobs, err := c.Queue.List(queue.ListFilter{})
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.Fingerprint == fp && !j.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

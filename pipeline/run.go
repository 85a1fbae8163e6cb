package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/log"
	"github.com/civiccaption/flexcore/metrics"
	"github.com/civiccaption/flexcore/scanner"
)

// Execute advances run through every stage it hasn't yet verifiably
// completed, in order, stopping at the first stage that fails or at
// Cleaned. On a fresh run Artifacts is empty so every stage runs; on a
// resumed run (Retrying after a crash) each stage's recorded artifact is
// checksum-verified first and skipped if it still matches, which is what
// gives "running the pipeline twice with identical inputs" the same final
// artifacts as a single clean run.
func Execute(ctx context.Context, rs *RunStore, deps Deps, cancelled CancelCheck, run Run, volumeLabel string) (Run, error) {
	if run.Artifacts == nil {
		run.Artifacts = map[string]Artifact{}
	}

	workdir, err := AcquireWorkDir(deps.TempRoot, run.Fingerprint)
	if err != nil {
		return run, err
	}
	defer workdir.Release()

	var sourceDurationSeconds float64
	if deps.Prober != nil {
		if result, err := deps.Prober.ProbeFile(run.JobID, run.Recording.AbsolutePath); err == nil {
			sourceDurationSeconds = result.DurationSeconds
		}
	}

	steps := []struct {
		stage Stage
		key   string
		run   func(Run) (Run, error)
	}{
		{StageDiscovered, "discover", func(r Run) (Run, error) { return stageDiscover(r) }},
		{StageTranscribed, "fp.segments", func(r Run) (Run, error) { return stageTranscribe(ctx, deps, workdir.Path, r) }},
		{StageCaptioned, "fp.scc", func(r Run) (Run, error) { return stageCaptionFormat(ctx, deps, workdir.Path, r) }},
		{StageRemuxed, "fp.captioned", func(r Run) (Run, error) { return stageRemux(ctx, deps, workdir.Path, r) }},
		{StageUploaded, "upload", func(r Run) (Run, error) { return stageUpload(ctx, rs, deps, r, volumeLabel) }},
		{StageValidated, "fp.validated", func(r Run) (Run, error) { return stageValidate(ctx, deps, cancelled, r, sourceDurationSeconds) }},
		{StageCleaned, "", func(r Run) (Run, error) { return stageCleanup(ctx, deps, r) }},
	}

	for _, step := range steps {
		if cancelled != nil && cancelled() {
			return run, xerrors.Cancelled
		}

		if step.key != "" {
			if artifact, done := run.Artifacts[step.key]; done {
				if verr := verifyArtifact(artifact); verr == nil {
					run.Stage = step.stage
					continue
				}
				log.LogNoRequestID("resumed run's artifact failed verification, re-running stage",
					"fingerprint", run.Fingerprint, "stage", string(step.stage))
				delete(run.Artifacts, step.key)
			}
		}

		start := time.Now()
		metrics.M.Pipeline.StageStarted.WithLabelValues("vod_processing", string(step.stage)).Inc()

		next, err := step.run(run)
		if err != nil {
			if xerrors.IsCancelled(err) {
				return next, err
			}
			metrics.M.Pipeline.StageFailed.WithLabelValues("vod_processing", string(step.stage)).Inc()
			next.LastError = err.Error()
			next.Stage = StageFailed
			next.UpdatedAt = timeNow()
			if serr := rs.Put(next); serr != nil {
				log.LogNoRequestID("failed to persist failed run", "run_id", next.RunID, "err", serr.Error())
			}
			return next, err
		}

		metrics.M.Pipeline.StageSucceeded.WithLabelValues("vod_processing", string(step.stage)).Inc()
		metrics.M.Pipeline.StageDurationSec.WithLabelValues("vod_processing", string(step.stage)).Observe(time.Since(start).Seconds())

		next.UpdatedAt = timeNow()
		if err := rs.Put(next); err != nil {
			return next, fmt.Errorf("persisting run after stage %s: %w", step.stage, err)
		}
		run = next
	}

	return run, nil
}

// NewRun constructs a fresh PipelineRun ready for Execute.
func NewRun(runID, jobID string, recording scanner.Recording, requestedShowID *int) Run {
	now := timeNow()
	return Run{
		RunID:           runID,
		JobID:           jobID,
		Recording:       recording,
		Fingerprint:     scanner.Fingerprint(recording),
		Stage:           "",
		Artifacts:       map[string]Artifact{},
		RequestedShowID: requestedShowID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func timeNow() time.Time {
	return config.Clock.GetTime()
}

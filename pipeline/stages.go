package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/civiccaption/flexcore/clients"
	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/log"
	"github.com/civiccaption/flexcore/metrics"
	"github.com/civiccaption/flexcore/scanner"
	"github.com/civiccaption/flexcore/video"
)

// Deps are the external collaborators every stage handler needs. They're
// constructed once in main and passed down explicitly, never reached for
// as globals.
type Deps struct {
	FS        clients.Filesystem
	ASR       clients.ASRClient
	Cablecast clients.CablecastClient
	Prober    video.Prober

	TempRoot          string
	ASRParams         clients.ASRParams
	SCCSidecarPolicy  config.SCCSidecarPolicy
	ValidationTimeout time.Duration
	DurationTolerance float64
}

// CancelCheck is polled between sub-operations; a stage returns
// xerrors.Cancelled as soon as it observes true. Cancellation is
// cooperative: completed stages are never rolled back.
type CancelCheck func() bool

func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// writeArtifactAtomic writes data to dir/name via the filesystem
// capability's temp-then-rename contract and returns the resulting
// Artifact record.
func writeArtifactAtomic(ctx context.Context, fs clients.Filesystem, dir, name string, data []byte) (Artifact, error) {
	f, err := fs.CreateTempFile(ctx, dir, name)
	if err != nil {
		return Artifact{}, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return Artifact{}, fmt.Errorf("writing %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return Artifact{}, fmt.Errorf("syncing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return Artifact{}, fmt.Errorf("closing %s: %w", name, err)
	}

	finalPath := filepath.Join(dir, name)
	tempPath := finalPath + ".part"
	if err := fs.AtomicRename(ctx, tempPath, finalPath); err != nil {
		return Artifact{}, err
	}
	sum, size, err := checksumFile(finalPath)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: finalPath, Checksum: sum, Bytes: size}, nil
}

// verifyArtifact re-checksums an existing artifact; resume relies on this
// to decide whether a stage's recorded output can be trusted or must be
// redone.
func verifyArtifact(a Artifact) error {
	if a.Path == "" {
		return nil
	}
	sum, _, err := checksumFile(a.Path)
	if err != nil {
		return err
	}
	if sum != a.Checksum {
		return xerrors.NewChecksumMismatchError(a.Path, a.Checksum, sum)
	}
	return nil
}

func stageDiscover(run Run) (Run, error) {
	if run.Recording.SizeBytes > config.MaxInputFileSizeBytes {
		return run, xerrors.Unretriable(fmt.Errorf(
			"recording %s is %d bytes, over the %d byte input limit", run.Recording.AbsolutePath, run.Recording.SizeBytes, config.MaxInputFileSizeBytes))
	}
	run.Artifacts["discover"] = Artifact{Path: "", Checksum: run.Fingerprint}
	run.Stage = StageDiscovered
	return run, nil
}

func stageTranscribe(ctx context.Context, deps Deps, workdir string, run Run) (Run, error) {
	segments, err := deps.ASR.Transcribe(ctx, run.Recording.AbsolutePath, deps.ASRParams)
	if err != nil {
		return run, err
	}
	data, err := json.Marshal(segments)
	if err != nil {
		return run, fmt.Errorf("marshaling transcript: %w", err)
	}
	artifact, err := writeArtifactAtomic(ctx, deps.FS, workdir, segmentsPath(run.Fingerprint), data)
	if err != nil {
		return run, err
	}
	run.Artifacts["fp.segments"] = artifact
	run.Stage = StageTranscribed
	return run, nil
}

func loadSegments(path string) ([]clients.Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var segments []clients.Segment
	if err := json.Unmarshal(data, &segments); err != nil {
		return nil, err
	}
	return segments, nil
}

func stageCaptionFormat(ctx context.Context, deps Deps, workdir string, run Run) (Run, error) {
	segments, err := loadSegments(run.Artifacts["fp.segments"].Path)
	if err != nil {
		return run, fmt.Errorf("loading transcript for caption format: %w", err)
	}
	scc, err := EncodeSCC(segments)
	if err != nil {
		return run, xerrors.Unretriable(fmt.Errorf("encoding SCC: %w", err))
	}
	artifact, err := writeArtifactAtomic(ctx, deps.FS, workdir, sccPath(run.Fingerprint), []byte(scc))
	if err != nil {
		return run, err
	}
	run.Artifacts["fp.scc"] = artifact
	run.Stage = StageCaptioned
	return run, nil
}

func stageRemux(ctx context.Context, deps Deps, workdir string, run Run) (Run, error) {
	outputName := captionedPath(run.Fingerprint, run.Recording.Ext)
	outputPath := filepath.Join(workdir, outputName)

	if err := remuxCaptions(run.Recording.AbsolutePath, run.Artifacts["fp.scc"].Path, outputPath); err != nil {
		return run, err
	}
	sum, size, err := checksumFile(outputPath)
	if err != nil {
		return run, err
	}
	run.Artifacts["fp.captioned"] = Artifact{Path: outputPath, Checksum: sum, Bytes: size}
	run.Stage = StageRemuxed
	return run, nil
}

func stageUpload(ctx context.Context, rs *RunStore, deps Deps, run Run, volumeLabel string) (Run, error) {
	showID, needsReview, err := matchShow(ctx, deps.Cablecast, volumeLabel, run.Recording, run.RequestedShowID)
	if err != nil {
		return run, fmt.Errorf("matching cablecast show: %w", err)
	}

	var resolvedShowID int
	if showID != nil {
		resolvedShowID = *showID
	}

	// The "upload" artifact is only written after CreateVOD returns, so a
	// worker killed mid-upload leaves nothing behind on the skip path. The
	// attempted marker is persisted before the request goes out: finding it
	// here means an earlier attempt made it at least as far as the wire and
	// Cablecast may now hold an orphan VOD for this fingerprint.
	if _, attempted := run.Artifacts["upload.attempted"]; attempted {
		metrics.M.Pipeline.PossibleOrphanVOD.Inc()
		log.Log(run.JobID, "an earlier upload attempt for this fingerprint was interrupted, cablecast may hold an orphan VOD",
			"fingerprint", run.Fingerprint)
	} else {
		run.Artifacts["upload.attempted"] = Artifact{Path: "", Checksum: fmt.Sprintf("show=%d", resolvedShowID)}
		run.UpdatedAt = timeNow()
		if err := rs.Put(run); err != nil {
			return run, fmt.Errorf("persisting upload attempt marker: %w", err)
		}
	}

	vodID, err := deps.Cablecast.CreateVOD(ctx, resolvedShowID, run.Artifacts["fp.captioned"].Path, clients.VODMetadata{
		Name: run.Recording.Filename,
	}, nil)
	if err != nil {
		return run, fmt.Errorf("uploading to cablecast: %w", err)
	}

	run.Artifacts["upload"] = Artifact{Path: "", Checksum: fmt.Sprintf("show=%d/vod=%d", resolvedShowID, vodID)}
	run.CablecastVODID = &vodID
	run.NeedsReview = needsReview
	if showID != nil {
		run.CablecastShowID = showID
	}
	run.Stage = StageUploaded
	return run, nil
}

// validatePollIntervals is the exponential 15s->5min polling schedule
// the Validate stage uses while waiting for Cablecast to finish
// processing an uploaded VOD; every poll past the ramp waits the full
// five minutes.
func validatePollIntervals() []time.Duration {
	intervals := []time.Duration{}
	d := 15 * time.Second
	cap := 5 * time.Minute
	for d < cap {
		intervals = append(intervals, d)
		d *= 2
	}
	return append(intervals, cap)
}

// waitValidatePoll blocks between readiness polls; tests swap it for a
// clock-advancing stub so the 30-minute timeout path runs instantly.
var waitValidatePoll = func(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func stageValidate(ctx context.Context, deps Deps, cancelled CancelCheck, run Run, sourceDurationSeconds float64) (Run, error) {
	if run.CablecastVODID == nil {
		return run, xerrors.NewStagePreconditionError("Validate", "cablecast_vod_id set", "nil")
	}

	timeout := deps.ValidationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	deadline := timeNow().Add(timeout)
	intervals := validatePollIntervals()

	for attempt := 0; ; attempt++ {
		if cancelled != nil && cancelled() {
			return run, xerrors.Cancelled
		}
		vod, err := deps.Cablecast.GetVOD(ctx, *run.CablecastVODID)
		if err == nil && vod.Complete {
			if vod.DurationSeconds <= 0 {
				return run, xerrors.Unretriable(fmt.Errorf(
					"cablecast reports VOD %d complete with zero duration", *run.CablecastVODID))
			}
			tolerance := deps.DurationTolerance
			if tolerance <= 0 {
				tolerance = 0.10
			}
			// A failed source probe leaves sourceDurationSeconds at zero;
			// the duration comparison is skipped rather than guaranteed to
			// fail, and the non-zero check above still holds.
			if sourceDurationSeconds > 0 && !video.WithinTolerance(sourceDurationSeconds, vod.DurationSeconds, tolerance) {
				return run, xerrors.Unretriable(fmt.Errorf(
					"validated VOD duration %fs outside tolerance of source duration %fs", vod.DurationSeconds, sourceDurationSeconds))
			}
			run.Artifacts["fp.validated"] = Artifact{Path: "", Checksum: fmt.Sprintf("validated_at=%d", timeNow().Unix())}
			run.Stage = StageValidated
			return run, nil
		}
		if timeNow().After(deadline) {
			return run, fmt.Errorf("timed out after %s waiting for cablecast VOD %d to become complete", timeout, *run.CablecastVODID)
		}

		wait := intervals[len(intervals)-1]
		if attempt < len(intervals) {
			wait = intervals[attempt]
		}
		if err := waitValidatePoll(ctx, wait); err != nil {
			return run, err
		}
	}
}

// stageCleanup removes every temp artifact path recorded for this run and,
// per the configured sidecar policy, places the final SCC file next to the
// source recording via atomic rename. It is the only stage permitted to
// write to a flex volume.
func stageCleanup(ctx context.Context, deps Deps, run Run) (Run, error) {
	shouldPlaceSidecar := false
	switch deps.SCCSidecarPolicy {
	case config.SCCSidecarAlways:
		shouldPlaceSidecar = true
	case config.SCCSidecarOnMatch:
		shouldPlaceSidecar = run.CablecastShowID != nil
	case config.SCCSidecarNever:
		shouldPlaceSidecar = false
	}

	if shouldPlaceSidecar {
		if err := placeCaptionSidecar(ctx, deps.FS, run); err != nil {
			return run, err
		}
	}

	for _, artifact := range run.Artifacts {
		if artifact.Path == "" {
			continue
		}
		if err := deps.FS.Remove(ctx, artifact.Path); err != nil {
			log.LogNoRequestID("cleanup failed to remove temp artifact", "path", artifact.Path, "err", err.Error())
		}
	}

	run.Stage = StageCleaned
	return run, nil
}

// placeCaptionSidecar atomically renames the pipeline's SCC artifact into
// the source recording's directory, refusing to overwrite an existing
// non-empty sidecar unless this run is a caption-check-authorized
// malformed-SCC replacement.
func placeCaptionSidecar(ctx context.Context, fs clients.Filesystem, run Run) error {
	sccArtifact, ok := run.Artifacts["fp.scc"]
	if !ok {
		return xerrors.NewStagePreconditionError("Cleanup", "fp.scc artifact present", "absent")
	}
	finalPath := scanner.CaptionPath(run.Recording.AbsolutePath)

	if info, err := fs.Stat(ctx, finalPath); err == nil && info.Size > 0 && !run.replacingMalformedSCC() {
		return xerrors.Unretriable(fmt.Errorf("refusing to overwrite existing non-empty caption sidecar %s", finalPath))
	}

	tempSidecar := finalPath + ".part"
	if err := copyFile(sccArtifact.Path, tempSidecar); err != nil {
		return fmt.Errorf("staging caption sidecar: %w", err)
	}
	return fs.AtomicRename(ctx, tempSidecar, finalPath)
}

// replacingMalformedSCC reports whether this run was enqueued by the
// caption-check job to replace a malformed sidecar, in which case
// overwriting an existing SCC is authorized.
func (r Run) replacingMalformedSCC() bool {
	_, authorized := r.Artifacts["caption_check_replacement"]
	return authorized
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

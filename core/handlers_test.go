package core

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/queue"
	"github.com/civiccaption/flexcore/scanner"
)

// runFanout drives HandleProcessRecentVODs under a dispatcher whose
// process-single-vod handler is replaced by stub, and returns the parent's
// terminal job record.
func runFanout(t *testing.T, c *Core, q *queue.Queue, stub queue.HandlerFunc) queue.Job {
	t.Helper()
	handlers := c.Handlers()
	handlers[TemplateProcessSingleVOD] = queue.Handler{
		Queue:       QueueVODProcessing,
		LeaseTTL:    time.Minute,
		MaxAttempts: 1,
		Run:         stub,
	}
	d, err := queue.NewDispatcher(q, handlers, c.Cfg.Queues)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	parentID, err := c.Enqueue(TemplateProcessRecentVODs, nil, EnqueueOptions{})
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, found, err := q.Status(parentID)
		require.NoError(t, err)
		if found && job.State.Terminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("fan-out parent never reached a terminal state")
	return queue.Job{}
}

func TestFanoutSingleRecordingSucceeds(t *testing.T) {
	mount := t.TempDir()
	writeRecording(t, mount, "2024-01-15_CityCouncil.mp4")
	cfg := testConfig([]config.Volume{{ID: "flex-1", MountPath: mount, Label: "Springfield", Enabled: true}}, t.TempDir())
	c, q := newTestCore(t, cfg)

	var childPayloads []ProcessSingleVODPayload
	parent := runFanout(t, c, q, func(ctx context.Context, job queue.Job) error {
		var p ProcessSingleVODPayload
		require.NoError(t, json.Unmarshal(job.Payload, &p))
		childPayloads = append(childPayloads, p)
		return nil
	})

	assert.Equal(t, queue.StateSucceeded, parent.State)
	require.Len(t, childPayloads, 1)
	assert.Equal(t, "Springfield", childPayloads[0].VolumeLabel)
	assert.Equal(t, "2024-01-15_CityCouncil.mp4", childPayloads[0].Recording.Filename)

	children, err := q.ChildJobs(parent.JobID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, queue.StateSucceeded, children[0].State)
	assert.Equal(t, scanner.Fingerprint(childPayloads[0].Recording), children[0].Fingerprint)
}

func TestFanoutEmptyVolumesSucceedsWithNoChildren(t *testing.T) {
	cfg := testConfig([]config.Volume{{ID: "flex-1", MountPath: t.TempDir(), Label: "Springfield", Enabled: true}}, t.TempDir())
	c, q := newTestCore(t, cfg)

	parent := runFanout(t, c, q, func(ctx context.Context, job queue.Job) error { return nil })
	assert.Equal(t, queue.StateSucceeded, parent.State)

	children, err := q.ChildJobs(parent.JobID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestFanoutMissingVolumeIsPartialNotFailed(t *testing.T) {
	okMount := t.TempDir()
	writeRecording(t, okMount, "meeting.mp4")
	cfg := testConfig([]config.Volume{
		{ID: "flex-1", MountPath: okMount, Label: "Springfield", Enabled: true},
		{ID: "flex-3", MountPath: filepath.Join(t.TempDir(), "gone"), Label: "Shelbyville", Enabled: true},
	}, t.TempDir())
	c, q := newTestCore(t, cfg)

	parent := runFanout(t, c, q, func(ctx context.Context, job queue.Job) error { return nil })
	assert.Equal(t, queue.StateSucceeded, parent.State, "a missing mount degrades to partial coverage, not failure")

	children, err := q.ChildJobs(parent.JobID)
	require.NoError(t, err)
	assert.Len(t, children, 1, "the healthy volume still fanned out")
}

func TestFanoutChildFailureIsPartialFailure(t *testing.T) {
	mount := t.TempDir()
	writeRecording(t, mount, "a.mp4")
	writeRecording(t, mount, "b.mp4")
	cfg := testConfig([]config.Volume{{ID: "flex-1", MountPath: mount, Label: "Springfield", Enabled: true}}, t.TempDir())
	c, q := newTestCore(t, cfg)

	var failedOne atomic.Bool
	parent := runFanout(t, c, q, func(ctx context.Context, job queue.Job) error {
		if failedOne.CompareAndSwap(false, true) {
			return xerrors.Unretriable(errors.New("bad recording"))
		}
		return nil
	})

	assert.Equal(t, queue.StateFailed, parent.State)
	assert.Contains(t, parent.LastError, "partial failure")
}

func TestFanoutAllChildrenFailedFails(t *testing.T) {
	mount := t.TempDir()
	writeRecording(t, mount, "a.mp4")
	cfg := testConfig([]config.Volume{{ID: "flex-1", MountPath: mount, Label: "Springfield", Enabled: true}}, t.TempDir())
	c, q := newTestCore(t, cfg)

	parent := runFanout(t, c, q, func(ctx context.Context, job queue.Job) error {
		return xerrors.Unretriable(errors.New("broken"))
	})
	assert.Equal(t, queue.StateFailed, parent.State)
}

func TestFanoutAllPolicyFailsOnAnyChildFailure(t *testing.T) {
	mount := t.TempDir()
	writeRecording(t, mount, "a.mp4")
	writeRecording(t, mount, "b.mp4")
	cfg := testConfig([]config.Volume{{ID: "flex-1", MountPath: mount, Label: "Springfield", Enabled: true}}, t.TempDir())
	cfg.FanoutSuccessPolicy = config.FanoutSuccessAll
	c, q := newTestCore(t, cfg)

	var failedOne atomic.Bool
	parent := runFanout(t, c, q, func(ctx context.Context, job queue.Job) error {
		if failedOne.CompareAndSwap(false, true) {
			return xerrors.Unretriable(errors.New("bad recording"))
		}
		return nil
	})
	assert.Equal(t, queue.StateFailed, parent.State)
}

func TestFanoutSkipsRecordingsWithCaptionSidecar(t *testing.T) {
	mount := t.TempDir()
	writeRecording(t, mount, "captioned.mp4")
	sccPath := filepath.Join(mount, "recordings", "captioned.scc")
	require.NoError(t, os.WriteFile(sccPath, []byte(validSCC), 0o644))
	writeRecording(t, mount, "uncaptioned.mp4")
	cfg := testConfig([]config.Volume{{ID: "flex-1", MountPath: mount, Label: "Springfield", Enabled: true}}, t.TempDir())
	c, q := newTestCore(t, cfg)

	parent := runFanout(t, c, q, func(ctx context.Context, job queue.Job) error { return nil })
	assert.Equal(t, queue.StateSucceeded, parent.State)

	children, err := q.ChildJobs(parent.JobID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	var p ProcessSingleVODPayload
	require.NoError(t, json.Unmarshal(children[0].Payload, &p))
	assert.Equal(t, "uncaptioned.mp4", p.Recording.Filename)
}

const validSCC = "Scenarist_SCC V1.0\n\n00:00:01:00\t9420 9420 94ae 94ae\n\n00:00:05:00\t942c 942c\n"

const nonMonotonicSCC = "Scenarist_SCC V1.0\n\n00:00:10:00\t9420 9420\n\n00:00:02:00\t942c 942c\n"

func TestCaptionCheckOutcomes(t *testing.T) {
	mount := t.TempDir()

	okVideo := writeRecording(t, mount, "good.mp4")
	require.NoError(t, os.WriteFile(scanner.CaptionPath(okVideo), []byte(validSCC), 0o644))

	writeRecording(t, mount, "nocap.mp4")

	badVideo := writeRecording(t, mount, "bad.mp4")
	require.NoError(t, os.WriteFile(scanner.CaptionPath(badVideo), []byte(nonMonotonicSCC), 0o644))

	cfg := testConfig([]config.Volume{{ID: "flex-1", MountPath: mount, Label: "Springfield", Enabled: true}}, t.TempDir())
	c, q := newTestCore(t, cfg)

	err := c.HandleCaptionCheck(context.Background(), queue.Job{JobID: "cc-test"})
	require.NoError(t, err)

	outcomes := map[string]AuditOutcome{}
	recent, err := c.Audits.ListRecent(time.Time{})
	require.NoError(t, err)
	for _, rec := range recent {
		outcomes[filepath.Base(rec.Path)] = rec.Outcome
	}
	assert.Equal(t, AuditOK, outcomes["good.scc"])
	assert.Equal(t, AuditMissing, outcomes["nocap.scc"])
	assert.Equal(t, AuditMalformed, outcomes["bad.scc"])

	// The malformed sidecar re-enqueues the full pipeline with
	// max_attempts=1 and overwrite authorization.
	jobs, err := q.List(queue.ListFilter{Queue: QueueVODProcessing})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, TemplateProcessSingleVOD, jobs[0].TemplateName)
	assert.Equal(t, 1, jobs[0].MaxAttempts)

	var p ProcessSingleVODPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &p))
	assert.True(t, p.ReplaceSidecar)
	assert.Equal(t, "bad.mp4", p.Recording.Filename)
}

func TestCaptionCheckRerunDoesNotDuplicateRepairJob(t *testing.T) {
	mount := t.TempDir()
	badVideo := writeRecording(t, mount, "bad.mp4")
	require.NoError(t, os.WriteFile(scanner.CaptionPath(badVideo), []byte(nonMonotonicSCC), 0o644))

	cfg := testConfig([]config.Volume{{ID: "flex-1", MountPath: mount, Label: "Springfield", Enabled: true}}, t.TempDir())
	c, q := newTestCore(t, cfg)

	require.NoError(t, c.HandleCaptionCheck(context.Background(), queue.Job{JobID: "cc-1"}))
	require.NoError(t, c.HandleCaptionCheck(context.Background(), queue.Job{JobID: "cc-2"}))

	jobs, err := q.List(queue.ListFilter{Queue: QueueVODProcessing})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "active repair job suppresses a second enqueue for the same fingerprint")
}

func TestAuditSCCClassification(t *testing.T) {
	dir := t.TempDir()

	missing, detail := auditSCC(filepath.Join(dir, "absent.scc"))
	assert.Equal(t, AuditMissing, missing)
	assert.Equal(t, "no sidecar file", detail)

	empty := filepath.Join(dir, "empty.scc")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	outcome, _ := auditSCC(empty)
	assert.Equal(t, AuditMissing, outcome)

	garbage := filepath.Join(dir, "garbage.scc")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not scc"), 0o644))
	outcome, _ = auditSCC(garbage)
	assert.Equal(t, AuditMalformed, outcome)

	good := filepath.Join(dir, "good.scc")
	require.NoError(t, os.WriteFile(good, []byte(validSCC), 0o644))
	outcome, detail = auditSCC(good)
	assert.Equal(t, AuditOK, outcome)
	assert.Equal(t, "2 cues", detail)

	bad := filepath.Join(dir, "bad.scc")
	require.NoError(t, os.WriteFile(bad, []byte(nonMonotonicSCC), 0o644))
	outcome, detail = auditSCC(bad)
	assert.Equal(t, AuditMalformed, outcome)
	assert.Equal(t, "non-monotonic timestamps", detail)
}

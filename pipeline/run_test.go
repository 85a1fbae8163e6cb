package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiccaption/flexcore/clients"
	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/metrics"
	"github.com/civiccaption/flexcore/scanner"
	"github.com/civiccaption/flexcore/store"
)

type fakeASR struct {
	t        *testing.T
	segments []clients.Segment
	err      error
	calls    int
}

func (f *fakeASR) Transcribe(ctx context.Context, audioSource string, params clients.ASRParams) ([]clients.Segment, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.segments, nil
}

type fakeCablecast struct {
	shows       []clients.Show
	vodID       int
	vodDuration float64
	createCalls int
}

func (f *fakeCablecast) ListShows(ctx context.Context, filter clients.ShowFilter) ([]clients.Show, error) {
	return f.shows, nil
}

func (f *fakeCablecast) GetShow(ctx context.Context, id int) (clients.Show, error) {
	for _, s := range f.shows {
		if s.ID == id {
			return s, nil
		}
	}
	return clients.Show{}, xerrors.NewShowNotFoundError("", "")
}

func (f *fakeCablecast) CreateVOD(ctx context.Context, showID int, path string, metadata clients.VODMetadata, progress clients.UploadProgressFunc) (int, error) {
	f.createCalls++
	return f.vodID, nil
}

func (f *fakeCablecast) GetVOD(ctx context.Context, id int) (clients.VOD, error) {
	return clients.VOD{ID: id, Complete: true, DurationSeconds: f.vodDuration}, nil
}

func newRunStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewRunStore(s)
}

func testRecording(t *testing.T, dir string) scanner.Recording {
	t.Helper()
	path := filepath.Join(dir, "2024-01-15_CityCouncil.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake source video bytes"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return scanner.Recording{
		VolumeID:     "flex-1",
		AbsolutePath: path,
		Filename:     "2024-01-15_CityCouncil.mp4",
		SizeBytes:    info.Size(),
		ModTime:      info.ModTime(),
		Ext:          ".mp4",
	}
}

// seedArtifact writes content to path and returns an Artifact whose
// checksum matches, as a completed stage would have recorded it.
func seedArtifact(t *testing.T, path string, content []byte) Artifact {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	sum, size, err := checksumFile(path)
	require.NoError(t, err)
	return Artifact{Path: path, Checksum: sum, Bytes: size}
}

func TestExecuteResumesAfterRemuxSkippingVerifiedStages(t *testing.T) {
	tempRoot := t.TempDir()
	rec := testRecording(t, t.TempDir())
	rs := newRunStore(t)

	asr := &fakeASR{t: t}
	cc := &fakeCablecast{vodID: 777, vodDuration: 100}
	deps := Deps{
		FS:               clients.NewFilesystem(),
		ASR:              asr,
		Cablecast:        cc,
		TempRoot:         tempRoot,
		SCCSidecarPolicy: config.SCCSidecarNever,
	}

	run := NewRun("run-resume", "job-1", rec, nil)
	workdir := filepath.Join(tempRoot, run.Fingerprint)

	// Simulate a crash after Remux: the first four stage artifacts exist
	// on disk and their checksums match what the run recorded.
	segs, err := json.Marshal([]clients.Segment{{StartSeconds: 1, EndSeconds: 3, Text: "call to order"}})
	require.NoError(t, err)
	run.Artifacts["discover"] = Artifact{Checksum: run.Fingerprint}
	run.Artifacts["fp.segments"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".segments.json"), segs)
	run.Artifacts["fp.scc"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".scc"), []byte("Scenarist_SCC V1.0\n\n00:00:01:00\t9420 9420\n"))
	run.Artifacts["fp.captioned"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".captioned.mp4"), []byte("captioned video bytes"))
	run.Stage = StageRemuxed

	result, err := Execute(context.Background(), rs, deps, nil, run, "Springfield")
	require.NoError(t, err)

	assert.Equal(t, StageCleaned, result.Stage)
	assert.Equal(t, 0, asr.calls, "transcribe skipped, its artifact verified")
	assert.Equal(t, 1, cc.createCalls, "upload ran exactly once")
	require.NotNil(t, result.CablecastVODID)
	assert.Equal(t, 777, *result.CablecastVODID)
	assert.Contains(t, result.Artifacts, "fp.validated")

	// Cleanup removed the temp artifacts.
	_, err = os.Stat(run.Artifacts["fp.captioned"].Path)
	assert.True(t, os.IsNotExist(err))

	// The run survived to the store at its final stage.
	persisted, found, err := rs.Get("run-resume")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StageCleaned, persisted.Stage)
}

// seedRunThroughRemux builds a run whose first four stage artifacts exist
// on disk with matching checksums, as a crash after Remux leaves them.
func seedRunThroughRemux(t *testing.T, tempRoot string, rec scanner.Recording, runID string) Run {
	t.Helper()
	run := NewRun(runID, "job-"+runID, rec, nil)
	workdir := filepath.Join(tempRoot, run.Fingerprint)
	run.Artifacts["discover"] = Artifact{Checksum: run.Fingerprint}
	run.Artifacts["fp.segments"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".segments.json"), []byte(`[]`))
	run.Artifacts["fp.scc"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".scc"), []byte("Scenarist_SCC V1.0\n"))
	run.Artifacts["fp.captioned"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".captioned.mp4"), []byte("video"))
	run.Stage = StageRemuxed
	return run
}

func TestExecuteUploadPersistsAttemptMarkerBeforeCreateVOD(t *testing.T) {
	tempRoot := t.TempDir()
	rec := testRecording(t, t.TempDir())
	rs := newRunStore(t)

	cc := &failingCreateCablecast{}
	deps := Deps{
		FS:               clients.NewFilesystem(),
		Cablecast:        cc,
		TempRoot:         tempRoot,
		SCCSidecarPolicy: config.SCCSidecarNever,
	}

	run := seedRunThroughRemux(t, tempRoot, rec, "run-marker")
	_, err := Execute(context.Background(), rs, deps, nil, run, "Springfield")
	require.Error(t, err)

	// The attempted marker reached the store even though CreateVOD died,
	// so the next attempt knows the request may have hit the wire.
	persisted, found, perr := rs.Get("run-marker")
	require.NoError(t, perr)
	require.True(t, found)
	assert.Contains(t, persisted.Artifacts, "upload.attempted")
	assert.NotContains(t, persisted.Artifacts, "upload")
}

func TestExecuteResumedUploadFlagsPossibleOrphanVOD(t *testing.T) {
	tempRoot := t.TempDir()
	rec := testRecording(t, t.TempDir())
	rs := newRunStore(t)

	cc := &fakeCablecast{vodID: 555, vodDuration: 60}
	deps := Deps{
		FS:               clients.NewFilesystem(),
		Cablecast:        cc,
		TempRoot:         tempRoot,
		SCCSidecarPolicy: config.SCCSidecarNever,
	}

	// A worker died between persisting the attempt marker and recording
	// the upload artifact: the resumed run must warn about the orphan.
	run := seedRunThroughRemux(t, tempRoot, rec, "run-orphan")
	run.Artifacts["upload.attempted"] = Artifact{Checksum: "show=0"}

	before := testutil.ToFloat64(metrics.M.Pipeline.PossibleOrphanVOD)
	result, err := Execute(context.Background(), rs, deps, nil, run, "Springfield")
	require.NoError(t, err)
	after := testutil.ToFloat64(metrics.M.Pipeline.PossibleOrphanVOD)

	assert.Equal(t, 1.0, after-before, "resumed upload attempt counted as a possible orphan")
	assert.Equal(t, 1, cc.createCalls, "the upload itself still reattempts exactly once")
	assert.Equal(t, StageCleaned, result.Stage)
}

type failingCreateCablecast struct {
	fakeCablecast
}

func (f *failingCreateCablecast) CreateVOD(ctx context.Context, showID int, path string, metadata clients.VODMetadata, progress clients.UploadProgressFunc) (int, error) {
	return 0, errors.New("connection reset mid-upload")
}

func TestExecuteRerunsStageWhenChecksumMismatch(t *testing.T) {
	tempRoot := t.TempDir()
	rec := testRecording(t, t.TempDir())
	rs := newRunStore(t)

	asr := &fakeASR{t: t, segments: []clients.Segment{{StartSeconds: 0.5, EndSeconds: 2, Text: "roll call"}}}
	deps := Deps{
		FS:       clients.NewFilesystem(),
		ASR:      asr,
		TempRoot: tempRoot,
	}

	run := NewRun("run-tampered", "job-2", rec, nil)
	workdir := filepath.Join(tempRoot, run.Fingerprint)
	artifact := seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".segments.json"), []byte(`[{"start_s":1,"end_s":2,"text":"x"}]`))
	// Tamper with the file after recording the checksum.
	require.NoError(t, os.WriteFile(artifact.Path, []byte(`[]`), 0o644))
	run.Artifacts["discover"] = Artifact{Checksum: run.Fingerprint}
	run.Artifacts["fp.segments"] = artifact
	run.Stage = StageTranscribed

	// Execution proceeds past Transcribe (re-run) and fails later at Remux
	// for lack of a real ffmpeg fixture; what matters here is that the
	// tampered stage re-ran instead of being trusted.
	_, _ = Execute(context.Background(), rs, deps, nil, run, "Springfield")
	assert.Equal(t, 1, asr.calls, "tampered artifact forces the stage to re-run")
}

func TestExecuteEmptyTranscriptFailsWithoutSCC(t *testing.T) {
	tempRoot := t.TempDir()
	rec := testRecording(t, t.TempDir())
	rs := newRunStore(t)

	asr := &fakeASR{t: t, err: xerrors.NewEmptyTranscriptError("fp")}
	deps := Deps{
		FS:       clients.NewFilesystem(),
		ASR:      asr,
		TempRoot: tempRoot,
	}

	run := NewRun("run-empty", "job-3", rec, nil)
	result, err := Execute(context.Background(), rs, deps, nil, run, "Springfield")
	require.Error(t, err)
	assert.True(t, xerrors.IsUnretriable(err), "business failures are not retried")
	assert.True(t, xerrors.IsEmptyTranscript(err))
	assert.Equal(t, StageFailed, result.Stage)
	assert.NotContains(t, result.Artifacts, "fp.scc", "no partial SCC written")

	persisted, found, perr := rs.Get("run-empty")
	require.NoError(t, perr)
	require.True(t, found)
	assert.Equal(t, StageFailed, persisted.Stage)
	assert.NotEmpty(t, persisted.LastError)
}

func TestExecuteCancelledBeforeFirstStage(t *testing.T) {
	rec := testRecording(t, t.TempDir())
	rs := newRunStore(t)
	deps := Deps{FS: clients.NewFilesystem(), TempRoot: t.TempDir()}

	run := NewRun("run-cancel", "job-4", rec, nil)
	_, err := Execute(context.Background(), rs, deps, func() bool { return true }, run, "Springfield")
	require.ErrorIs(t, err, xerrors.Cancelled)
}

func TestExecuteUploadMatchesShowByLabelAndDate(t *testing.T) {
	tempRoot := t.TempDir()
	rec := testRecording(t, t.TempDir())
	rs := newRunStore(t)

	cc := &fakeCablecast{
		shows:       []clients.Show{{ID: 42, Name: "Springfield City Council", Date: "20240115"}},
		vodID:       900,
		vodDuration: 50,
	}
	deps := Deps{
		FS:               clients.NewFilesystem(),
		Cablecast:        cc,
		TempRoot:         tempRoot,
		SCCSidecarPolicy: config.SCCSidecarNever,
	}

	run := NewRun("run-match", "job-5", rec, nil)
	workdir := filepath.Join(tempRoot, run.Fingerprint)
	run.Artifacts["discover"] = Artifact{Checksum: run.Fingerprint}
	run.Artifacts["fp.segments"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".segments.json"), []byte(`[]`))
	run.Artifacts["fp.scc"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".scc"), []byte("Scenarist_SCC V1.0\n"))
	run.Artifacts["fp.captioned"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".captioned.mp4"), []byte("video"))
	run.Stage = StageRemuxed

	result, err := Execute(context.Background(), rs, deps, nil, run, "Springfield")
	require.NoError(t, err)
	require.NotNil(t, result.CablecastShowID)
	assert.Equal(t, 42, *result.CablecastShowID)
	assert.False(t, result.NeedsReview)
}

func TestExecuteUploadsUnattachedWhenNoShowMatches(t *testing.T) {
	tempRoot := t.TempDir()
	rec := testRecording(t, t.TempDir())
	rs := newRunStore(t)

	cc := &fakeCablecast{vodID: 901, vodDuration: 50}
	deps := Deps{
		FS:               clients.NewFilesystem(),
		Cablecast:        cc,
		TempRoot:         tempRoot,
		SCCSidecarPolicy: config.SCCSidecarNever,
	}

	run := NewRun("run-unattached", "job-6", rec, nil)
	workdir := filepath.Join(tempRoot, run.Fingerprint)
	run.Artifacts["discover"] = Artifact{Checksum: run.Fingerprint}
	run.Artifacts["fp.segments"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".segments.json"), []byte(`[]`))
	run.Artifacts["fp.scc"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".scc"), []byte("Scenarist_SCC V1.0\n"))
	run.Artifacts["fp.captioned"] = seedArtifact(t, filepath.Join(workdir, run.Fingerprint+".captioned.mp4"), []byte("video"))
	run.Stage = StageRemuxed

	result, err := Execute(context.Background(), rs, deps, nil, run, "Springfield")
	require.NoError(t, err, "no matching show is a reviewed success, not a failure")
	assert.Nil(t, result.CablecastShowID)
	assert.True(t, result.NeedsReview)
	assert.Equal(t, StageCleaned, result.Stage)
	assert.Equal(t, 1, cc.createCalls)
}

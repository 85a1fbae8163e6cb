// Package scanner implements the Storage Scanner (C1): stateless,
// side-effect-free discovery of candidate recordings on a flex volume. It
// never writes and treats a missing mount as a soft failure so the
// dispatcher can mark a per-volume sub-job as skipped rather than failed.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/log"
	"github.com/civiccaption/flexcore/metrics"
)

// Recording is a file discovered on a flex volume, snapshotted at scan time
// so downstream pipeline stages are decoupled from live filesystem changes.
type Recording struct {
	VolumeID     string
	AbsolutePath string
	Filename     string
	SizeBytes    int64
	ModTime      time.Time
	Ext          string
}

// Policy governs which files Scan selects and in what order.
type Policy struct {
	RecentN             int
	MinSizeBytes        int64
	Extensions          []string
	SkipIfCaptionExists bool
	SubtreePriority     []string
	ScanTimeout         time.Duration
}

// DefaultPolicy matches the documented defaults: 5 most recent files, 10
// MiB floor, common video extensions, sibling-.scc skip, "recordings"
// subtree preferred first, 10s per-volume scan timeout.
func DefaultPolicy() Policy {
	return Policy{
		RecentN:             5,
		MinSizeBytes:        10 * 1024 * 1024,
		Extensions:          []string{".mp4", ".mov", ".mkv", ".m4v"},
		SkipIfCaptionExists: true,
		SubtreePriority:     []string{"recordings"},
		ScanTimeout:         10 * time.Second,
	}
}

// Fingerprint returns a stable content-addressing key for a recording:
// sha256(volume_id || "\0" || absolute_path || "\0" || mtime_ns || "\0" || size_bytes).
// It changes if the file is replaced or moved, and is stable across
// restarts, which is what lets the queue dedup repeated scans of the same
// file into a single active Job.
func Fingerprint(r Recording) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d", r.VolumeID, r.AbsolutePath, r.ModTime.UnixNano(), r.SizeBytes)
	return hex.EncodeToString(h.Sum(nil))
}

// Scan enumerates volume's configured mount for candidate recordings,
// applying policy's recency/size/extension/caption-exists filters.
//
// A missing or unreadable mount is a soft failure: Scan returns a
// VolumeUnavailableError (retriable) rather than panicking or looking like a
// business failure, so the dispatcher can mark the volume's sub-job skipped
// instead of failing the whole fan-out.
func Scan(ctx context.Context, volume config.Volume, policy Policy) ([]Recording, error) {
	if policy.ScanTimeout <= 0 {
		policy.ScanTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, policy.ScanTimeout)
	defer cancel()

	type scanResult struct {
		recordings []Recording
		err        error
	}
	resultCh := make(chan scanResult, 1)

	go func() {
		recs, err := scanVolume(volume, policy)
		resultCh <- scanResult{recs, err}
	}()

	select {
	case <-ctx.Done():
		metrics.M.Scanner.VolumeUnreadable.WithLabelValues(volume.ID).Inc()
		return nil, xerrors.NewVolumeUnavailableError(volume.ID, ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			metrics.M.Scanner.VolumeUnreadable.WithLabelValues(volume.ID).Inc()
			return nil, res.err
		}
		return res.recordings, nil
	}
}

func scanVolume(volume config.Volume, policy Policy) ([]Recording, error) {
	if info, err := os.Stat(volume.MountPath); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("mount path is not a directory")
		}
		return nil, xerrors.NewVolumeUnavailableError(volume.ID, err)
	}

	roots := subtreeRoots(volume.MountPath, policy.SubtreePriority)

	var candidates []Recording
	seen := map[string]bool{}
	extSet := map[string]bool{}
	for _, e := range policy.Extensions {
		extSet[normalizeExt(e)] = true
	}

	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if os.IsPermission(err) {
				log.LogNoRequestID("skipping unreadable subtree", "volume_id", volume.ID, "path", root, "err", err.Error())
				continue
			}
			return nil, xerrors.NewVolumeUnavailableError(volume.ID, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := normalizeExt(filepath.Ext(entry.Name()))
			if !extSet[ext] {
				continue
			}
			abs := filepath.Join(root, entry.Name())
			if seen[abs] {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.Size() <= policy.MinSizeBytes {
				continue
			}
			if policy.SkipIfCaptionExists && hasNonEmptySidecar(abs) {
				continue
			}
			seen[abs] = true
			candidates = append(candidates, Recording{
				VolumeID:     volume.ID,
				AbsolutePath: abs,
				Filename:     entry.Name(),
				SizeBytes:    info.Size(),
				ModTime:      info.ModTime(),
				Ext:          ext,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ModTime.Equal(candidates[j].ModTime) {
			return candidates[i].ModTime.After(candidates[j].ModTime)
		}
		return candidates[i].AbsolutePath < candidates[j].AbsolutePath
	})

	recentN := policy.RecentN
	if recentN <= 0 {
		recentN = 5
	}
	if len(candidates) > recentN {
		candidates = candidates[:recentN]
	}

	metrics.M.Scanner.CandidatesFound.Add(float64(len(candidates)))
	return candidates, nil
}

// subtreeRoots returns mountPath/preferred[0], mountPath/preferred[1], ...,
// then mountPath itself; scanVolume skips any that don't exist.
func subtreeRoots(mountPath string, preferred []string) []string {
	roots := make([]string, 0, len(preferred)+1)
	for _, p := range preferred {
		roots = append(roots, filepath.Join(mountPath, p))
	}
	roots = append(roots, mountPath)
	return roots
}

func normalizeExt(ext string) string {
	if ext == "" {
		return ext
	}
	if ext[0] != '.' {
		return "." + ext
	}
	return ext
}

func hasNonEmptySidecar(videoPath string) bool {
	sccPath := captionPath(videoPath)
	info, err := os.Stat(sccPath)
	if err != nil {
		return false
	}
	return info.Size() > 0
}

// captionPath returns the sidecar .scc path for a source recording:
// same directory, basename match.
func captionPath(videoPath string) string {
	ext := filepath.Ext(videoPath)
	return videoPath[:len(videoPath)-len(ext)] + ".scc"
}

// CaptionPath exposes captionPath for callers outside this package (the
// caption-check job and Cleanup stage's sidecar placement).
func CaptionPath(videoPath string) string {
	return captionPath(videoPath)
}

var (
	dashedDatePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	plainDatePattern  = regexp.MustCompile(`\d{8}`)
)

// RecordingDate derives the recording's date for Cablecast show matching: a
// YYYYMMDD or YYYY-MM-DD pattern in the filename if present, normalized to
// YYYYMMDD, otherwise the file's mtime.
func RecordingDate(r Recording) string {
	if m := dashedDatePattern.FindString(r.Filename); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			return t.Format("20060102")
		}
	}
	if m := plainDatePattern.FindString(r.Filename); m != "" {
		if t, err := time.Parse("20060102", m); err == nil {
			return t.Format("20060102")
		}
	}
	return r.ModTime.UTC().Format("20060102")
}

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// workdirLocks ensures temp working directories are owned exclusively
// by one pipeline run at a time: only one goroutine may hold the
// scoped directory for a given fingerprint, whether that's a fresh attempt
// or a resumed one racing a stale worker that hasn't noticed its lease
// expired yet.
var workdirLocks sync.Map // fingerprint -> *sync.Mutex

func fingerprintLock(fingerprint string) *sync.Mutex {
	v, _ := workdirLocks.LoadOrStore(fingerprint, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// WorkDir is a scoped temp directory keyed by fingerprint. Release must be
// called on every exit path; it unlocks the fingerprint but deliberately
// never deletes the directory itself, since artifacts must survive for the
// next resumed attempt until Cleanup runs.
type WorkDir struct {
	Path        string
	fingerprint string
}

// AcquireWorkDir locks fingerprint and returns its scoped directory under
// tempRoot, creating it if absent. Call Release when done with this
// attempt, success or failure.
func AcquireWorkDir(tempRoot, fingerprint string) (*WorkDir, error) {
	fingerprintLock(fingerprint).Lock()
	path := filepath.Join(tempRoot, fingerprint)
	if err := os.MkdirAll(path, 0o755); err != nil {
		fingerprintLock(fingerprint).Unlock()
		return nil, fmt.Errorf("creating work dir %s: %w", path, err)
	}
	return &WorkDir{
		Path:        path,
		fingerprint: fingerprint,
	}, nil
}

func (w *WorkDir) Release() {
	fingerprintLock(w.fingerprint).Unlock()
}

func (w *WorkDir) artifactPath(name string) string {
	return filepath.Join(w.Path, name)
}

func segmentsPath(fp string) string  { return fmt.Sprintf("%s.segments.json", fp) }
func sccPath(fp string) string       { return fmt.Sprintf("%s.scc", fp) }
func captionedPath(fp, ext string) string { return fmt.Sprintf("%s.captioned%s", fp, ext) }

package clients

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "github.com/civiccaption/flexcore/errors"
)

// FileInfo is the subset of os.FileInfo the pipeline needs, kept as a
// plain struct so stages don't depend on os directly and can be tested
// against a fake Filesystem.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Filesystem is the capability pipeline stages use to touch a flex mount
// or the local temp/output roots: stat, list, create-with-atomic-rename,
// remove. Every operation except CreateTempFile retries a bounded number of
// times on transient I/O errors and never loops indefinitely.
type Filesystem interface {
	Stat(ctx context.Context, path string) (FileInfo, error)
	ReadDir(ctx context.Context, path string) ([]FileInfo, error)
	// CreateTempFile opens dir/name+".part" for writing. Callers write the
	// artifact, fsync, then call AtomicRename to its final name.
	CreateTempFile(ctx context.Context, dir, name string) (*os.File, error)
	AtomicRename(ctx context.Context, tempPath, finalPath string) error
	Remove(ctx context.Context, path string) error
}

type osFilesystem struct {
	maxRetries uint64
}

// NewFilesystem builds the production Filesystem backed by the local
// os/io packages (flex volumes and the temp/output roots are all regular
// mounted filesystems from this process's point of view).
func NewFilesystem() Filesystem {
	return &osFilesystem{maxRetries: 3}
}

func (f *osFilesystem) retry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if os.IsNotExist(err) || os.IsPermission(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func (f *osFilesystem) Stat(ctx context.Context, path string) (FileInfo, error) {
	var fi FileInfo
	err := f.retry(ctx, func() error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		fi = FileInfo{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}
		return nil
	})
	return fi, err
}

func (f *osFilesystem) ReadDir(ctx context.Context, path string) ([]FileInfo, error) {
	var out []FileInfo
	err := f.retry(ctx, func() error {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		out = out[:0]
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, FileInfo{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()})
		}
		return nil
	})
	return out, err
}

// CreateTempFile does not retry: a partially-written handle returned to the
// caller from a retried attempt would leak, so a transient create failure
// simply surfaces to the stage, which owns retrying the whole stage.
func (f *osFilesystem) CreateTempFile(ctx context.Context, dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".part")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating temp file %s: %w", path, err)
	}
	return file, nil
}

// AtomicRename renames tempPath into place, then fsyncs finalPath's parent
// directory so the rename is durable on crash; the fsync is skipped if that
// directory cannot be opened. rename(2) on
// the same filesystem is atomic, which is what lets resumed stages trust a
// fully-named artifact without re-verifying it's complete, only that its
// checksum matches.
func (f *osFilesystem) AtomicRename(ctx context.Context, tempPath, finalPath string) error {
	return f.retry(ctx, func() error {
		if err := os.Rename(tempPath, finalPath); err != nil {
			return err
		}
		dir, err := os.Open(filepath.Dir(finalPath))
		if err != nil {
			// rename already succeeded; the fsync below is best-effort durability only
			return nil
		}
		defer dir.Close()
		return dir.Sync()
	})
}

func (f *osFilesystem) Remove(ctx context.Context, path string) error {
	return f.retry(ctx, func() error {
		err := os.Remove(path)
		if err != nil && os.IsNotExist(err) {
			return nil
		}
		return err
	})
}

// VerifyChecksum re-reads path and compares its sha256 against expected,
// returning a ChecksumMismatchError (unretriable) if they diverge. Stages
// call this before trusting an artifact found during a resume.
func VerifyChecksum(path, expected string, sum func(io.Reader) (string, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s for checksum verification: %w", path, err)
	}
	defer f.Close()
	actual, err := sum(f)
	if err != nil {
		return fmt.Errorf("computing checksum for %s: %w", path, err)
	}
	if actual != expected {
		return xerrors.NewChecksumMismatchError(path, expected, actual)
	}
	return nil
}

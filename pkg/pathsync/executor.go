// Package pathsync applies a plan to the backup directory: deletions first,
// then directory creation, then file copies and symlinks. All operations run
// sequentially on the calling goroutine; failures are isolated per path and
// counted, not fatal to the run.
package pathsync

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/verigo/verigo/pkg/manifest"
	"github.com/verigo/verigo/pkg/pathtree"
	"github.com/verigo/verigo/pkg/planner"
	"github.com/verigo/verigo/pkg/plog"
	"github.com/verigo/verigo/pkg/pool"
	"github.com/verigo/verigo/pkg/progress"
	"github.com/verigo/verigo/pkg/sharded"
	"github.com/verigo/verigo/pkg/util"
)

// Executor mutates the backup directory and keeps the manifest consistent
// with what actually landed on disk. The manifest is only ever updated after
// the corresponding filesystem operation succeeded.
type Executor struct {
	BackupDir string
	Manifest  *manifest.Manifest
	Buffers   *pool.FixedBufferPool
	Counters  *progress.Counters
	// Errors receives one entry per failed operation, keyed by relative
	// path. May be nil.
	Errors *sharded.Map[error]
	// Check is consulted between operations; a non-nil return aborts the
	// remaining work. This is the pause/cancel seam.
	Check func() error

	RetryCount int
	RetryWait  time.Duration
}

func (e *Executor) recordError(relPath string, err error) {
	if e.Errors != nil {
		e.Errors.Store(relPath, err)
	}
}

func (e *Executor) checkpoint() error {
	if e.Check == nil {
		return nil
	}
	return e.Check()
}

func (e *Executor) absPath(relPath string) string {
	return util.DenormalizedAbsPath(e.BackupDir, relPath)
}

// DeleteAll removes the given backup paths. Items are expected in plan order:
// non-directories first, directories deepest-first. Manifest entries for
// removed paths are dropped in the same step.
func (e *Executor) DeleteAll(items []planner.DeleteItem) error {
	for _, item := range items {
		if err := e.checkpoint(); err != nil {
			return err
		}
		absPath := e.absPath(item.RelPath)

		var err error
		if item.Kind == pathtree.KindDir {
			err = os.RemoveAll(absPath)
		} else {
			err = os.Remove(absPath)
			if os.IsNotExist(err) {
				err = nil
			}
		}
		if err != nil {
			e.Counters.DeletedErr.Add(1)
			plog.Warn("Failed to delete path", "path", absPath, "error", err)
			e.recordError(item.RelPath, err)
			continue
		}

		if item.Kind == pathtree.KindDir {
			e.Manifest.RemovePrefix(item.RelPath)
		} else {
			e.Manifest.Remove(item.RelPath)
		}
		e.Counters.DeletedOK.Add(1)
		plog.Debug("Deleted", "path", absPath, "kind", item.Kind.String())
	}
	return nil
}

// MkdirAll creates the given directories, shallowest-first.
func (e *Executor) MkdirAll(relDirs []string) error {
	for _, relDir := range relDirs {
		if err := e.checkpoint(); err != nil {
			return err
		}
		absPath := e.absPath(relDir)
		if err := os.MkdirAll(absPath, util.UserWritableDirPerms); err != nil {
			e.Counters.DirsCreatedErr.Add(1)
			plog.Warn("Failed to create directory", "path", absPath, "error", err)
			e.recordError(relDir, err)
			continue
		}
		e.Counters.DirsCreatedOK.Add(1)
	}
	return nil
}

// CopyFile brings one input file into the backup. sum is the freshly computed
// checksum of the input content. When the backup already holds a counterpart
// and the manifest vouches for the same sum, the copy is skipped and only the
// manifest entry is refreshed. Returns whether a copy was performed.
func (e *Executor) CopyFile(rec *pathtree.Record, sum string, outputMissing bool) (bool, error) {
	if !outputMissing {
		if known, ok := e.Manifest.Get(rec.RelPath); ok && known == sum {
			// Content already verified in place; metadata drift only.
			return false, nil
		}
	}

	absTrgPath := e.absPath(rec.RelPath)
	if err := os.MkdirAll(filepath.Dir(absTrgPath), util.UserWritableDirPerms); err != nil {
		e.Counters.CopiedErr.Add(1)
		return false, fmt.Errorf("failed to create parent directory for %s: %w", absTrgPath, err)
	}

	if err := e.copyFileSafe(rec.AbsPath(), absTrgPath, rec); err != nil {
		e.Counters.CopiedErr.Add(1)
		return false, err
	}

	e.Manifest.Put(rec.RelPath, sum)
	e.Counters.CopiedOK.Add(1)
	return true, nil
}

// LinkAll reproduces input symlinks in the backup. Links already pointing at
// the right target are left alone.
func (e *Executor) LinkAll(recs []*pathtree.Record) error {
	for _, rec := range recs {
		if err := e.checkpoint(); err != nil {
			return err
		}

		target, err := os.Readlink(rec.AbsPath())
		if err != nil {
			e.Counters.CopiedErr.Add(1)
			plog.Warn("Failed to read symlink target", "path", rec.AbsPath(), "error", err)
			e.recordError(rec.RelPath, err)
			continue
		}

		absTrgPath := e.absPath(rec.RelPath)
		if existing, err := os.Readlink(absTrgPath); err == nil && existing == target {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(absTrgPath), util.UserWritableDirPerms); err != nil {
			e.Counters.CopiedErr.Add(1)
			plog.Warn("Failed to create parent directory for symlink", "path", absTrgPath, "error", err)
			e.recordError(rec.RelPath, err)
			continue
		}
		if err := e.copySymlinkSafe(target, absTrgPath); err != nil {
			e.Counters.CopiedErr.Add(1)
			plog.Warn("Failed to create symlink", "path", absTrgPath, "error", err)
			e.recordError(rec.RelPath, err)
			continue
		}
		e.Counters.CopiedOK.Add(1)
		plog.Debug("Linked", "path", absTrgPath, "target", target)
	}
	return nil
}

// copyFileSafe copies the file atomically: write to a temp file in the target
// directory, copy permissions and timestamps, then rename into place. The
// target path never holds a partial file.
func (e *Executor) copyFileSafe(absSrcPath, absTrgPath string, rec *pathtree.Record) error {
	var lastErr error
	for i := 0; i < e.RetryCount+1; i++ {
		if i > 0 {
			plog.Warn("Retrying file copy", "file", absSrcPath, "attempt", fmt.Sprintf("%d/%d", i, e.RetryCount), "after", e.RetryWait)
			time.Sleep(e.RetryWait)
		}

		lastErr = func() (err error) {
			in, err := os.Open(absSrcPath)
			if err != nil {
				return fmt.Errorf("failed to open source file %s: %w", absSrcPath, err)
			}
			defer in.Close()

			absTrgDir := filepath.Dir(absTrgPath)
			out, err := os.CreateTemp(absTrgDir, "verigo-*.tmp")
			if err != nil {
				return fmt.Errorf("failed to create temporary file in %s: %w", absTrgDir, err)
			}

			absTempPath := out.Name()
			// Cleared after a successful rename so the deferred remove is a no-op.
			defer func() {
				if absTempPath != "" {
					os.Remove(absTempPath)
				}
			}()

			// Pre-allocate to reduce fragmentation.
			if rec.Size > 0 {
				_ = out.Truncate(rec.Size)
			}

			buf := e.Buffers.Get()
			defer e.Buffers.Put(buf)

			written, err := io.CopyBuffer(out, in, (*buf)[:cap(*buf)])
			if err != nil {
				out.Close()
				return fmt.Errorf("failed to copy content from %s to %s: %w", absSrcPath, absTempPath, err)
			}
			e.Counters.BytesWritten.Add(written)

			// The user must keep write permission on the backup copy, or a
			// read-only source would lock us out on subsequent runs.
			if err := out.Chmod(util.WithUserWritePermission(rec.Mode)); err != nil {
				out.Close()
				return fmt.Errorf("failed to set permissions on temporary file %s: %w", absTempPath, err)
			}

			// Close flushes data and must happen before Chtimes, since
			// closing may update the modification time.
			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to close temporary file %s: %w", absTempPath, err)
			}

			if err := os.Chtimes(absTempPath, time.Unix(0, rec.ModTime), time.Unix(0, rec.ModTime)); err != nil {
				return fmt.Errorf("failed to set timestamps on %s: %w", absTempPath, err)
			}

			// os.Rename is atomic on POSIX and replaces existing targets on Windows.
			if err := os.Rename(absTempPath, absTrgPath); err != nil {
				return err
			}
			absTempPath = ""
			return nil
		}()

		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to copy file from '%s' to '%s' after %d attempts: %w", absSrcPath, absTrgPath, e.RetryCount, lastErr)
}

// copySymlinkSafe creates the symlink under a temporary name and renames it
// into place, so an existing link is replaced atomically.
func (e *Executor) copySymlinkSafe(target, absTrgPath string) error {
	absTrgDir := filepath.Dir(absTrgPath)

	f, err := os.CreateTemp(absTrgDir, "verigo-symlink-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to generate temp name for symlink: %w", err)
	}
	tempName := f.Name()
	f.Close()
	// os.CreateTemp creates a regular file. We only need the unique name,
	// so remove it to let os.Symlink claim the path.
	os.Remove(tempName)

	defer func() {
		if tempName != "" {
			os.Remove(tempName)
		}
	}()

	if err := os.Symlink(target, tempName); err != nil {
		if runtime.GOOS == "windows" && strings.Contains(err.Error(), "privilege") {
			return fmt.Errorf("failed to create symlink (requires Admin or Developer Mode): %w", err)
		}
		return fmt.Errorf("failed to create symlink %s -> %s: %w", tempName, target, err)
	}
	if err := os.Rename(tempName, absTrgPath); err != nil {
		return fmt.Errorf("failed to rename temp symlink to %s: %w", absTrgPath, err)
	}
	tempName = ""
	return nil
}

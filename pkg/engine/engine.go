// Package engine orchestrates a run: scan, diff, checksum, sync, finalize.
// The engine itself is single-goroutine; only checksum computation fans out
// to workers. Pause and cancel are honored cooperatively at operation and
// batch boundaries, and the manifest is persisted in every outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/verigo/verigo/pkg/buildinfo"
	"github.com/verigo/verigo/pkg/checksum"
	"github.com/verigo/verigo/pkg/config"
	"github.com/verigo/verigo/pkg/lockfile"
	"github.com/verigo/verigo/pkg/manifest"
	"github.com/verigo/verigo/pkg/metafile"
	"github.com/verigo/verigo/pkg/pathsync"
	"github.com/verigo/verigo/pkg/pathtree"
	"github.com/verigo/verigo/pkg/planner"
	"github.com/verigo/verigo/pkg/plog"
	"github.com/verigo/verigo/pkg/preflight"
	"github.com/verigo/verigo/pkg/progress"
	"github.com/verigo/verigo/pkg/sharded"
	"github.com/verigo/verigo/pkg/treefile"
)

const modTimeWindow = 1 * time.Second

// Engine runs backups and validations for one configuration. Create one with
// New per run sequence; Pause, Resume, Cancel and Snapshot are safe from any
// goroutine while a run is in flight.
type Engine struct {
	cfg      config.Config
	control  *Control
	counters *progress.Counters
	tracker  *progress.Tracker
	errs     *sharded.Map[error]
}

// New creates an engine for the validated configuration. The control token
// is derived from ctx; cancelling ctx cancels the run.
func New(ctx context.Context, cfg config.Config) *Engine {
	counters := &progress.Counters{}
	tracker := progress.NewTracker(counters)
	control := NewControl(ctx)
	control.onPause = tracker.SetPaused
	return &Engine{
		cfg:      cfg,
		control:  control,
		counters: counters,
		tracker:  tracker,
		errs:     sharded.NewMap[error](16),
	}
}

// Pause requests the run to hold at the next operation boundary.
func (e *Engine) Pause() { e.control.Pause() }

// Resume releases a paused run.
func (e *Engine) Resume() { e.control.Resume() }

// Cancel stops the run; the engine still finalizes the manifest.
func (e *Engine) Cancel() { e.control.Cancel() }

// Snapshot returns the current counters, stage and timing estimates.
func (e *Engine) Snapshot() progress.Snapshot { return e.tracker.Snapshot() }

// Errors returns a snapshot of the per-path failures accumulated so far:
// unreadable input entries, checksum failures, and sync operations that
// exhausted their retries. Safe to call from any goroutine.
func (e *Engine) Errors() map[string]error { return e.errs.Items() }

func (e *Engine) recordError(relPath string, err error) {
	e.errs.Store(relPath, err)
}

// ExecuteBackup performs one full backup run. It returns ErrCancelled when
// the run was cancelled, a non-nil error when the run could not complete or
// completed with per-path failures, and nil on a clean run.
func (e *Engine) ExecuteBackup() error {
	cfg := &e.cfg
	startedUTC := time.Now().UTC()

	if err := preflight.Run(cfg); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	lock, err := lockfile.Acquire(e.control.Context(), cfg.SaveTo, buildinfo.Name)
	if err != nil {
		return fmt.Errorf("failed to lock backup directory: %w", err)
	}
	defer lock.Release()

	e.tracker.StartRun(5)
	plog.Info("Starting backup", "target", cfg.SaveTo, "inputs", len(cfg.InputPaths), "algorithm", cfg.ChecksumAlg.String())

	outcome := e.runBackup(cfg)

	finalErr := e.finalizeBackup(cfg, startedUTC, outcome)
	snap := e.Snapshot()
	snap.LogSummary("Backup finished")
	return finalErr
}

// runBackup executes the cancellable stages and returns the state needed by
// finalization. A cancellation surfaces as state.err == ErrCancelled.
func (e *Engine) runBackup(cfg *config.Config) *backupOutcome {
	out := &backupOutcome{}

	// --- Scanning ---
	e.tracker.EnterStage(progress.StageScanning, 0)
	inputs, err := e.scanInputs(cfg)
	if err != nil {
		out.err = err
		return out
	}
	outputs, err := e.scanBackupDir(cfg)
	if err != nil {
		out.err = err
		return out
	}
	for relPath, scanErr := range inputs.Errors {
		plog.Warn("Input entry not fully readable", "path", relPath, "error", scanErr)
		e.recordError(relPath, scanErr)
	}

	// --- Manifest trust decision ---
	man, recalculate := e.loadManifest(cfg, outputs)
	out.man = man
	out.outputs = outputs

	pool := checksum.NewPool(cfg.ChecksumAlg, cfg.WorkloadProfile, cfg.BufferSize(), e.counters)
	plog.Debug("Checksum pool sized", "workers", pool.Workers, "buffer", pool.Buffers.Size())

	if recalculate {
		if err := e.rebuildManifest(cfg, man, outputs, pool); err != nil {
			out.err = err
			return out
		}
	}

	// --- Diffing ---
	e.tracker.EnterStage(progress.StageDiffing, 0)
	if err := e.control.Checkpoint(); err != nil {
		out.err = err
		return out
	}
	plan := planner.Generate(inputs, outputs, man, planner.Options{
		DeleteEnabled:   cfg.DeleteData,
		DeleteSkipped:   cfg.DeleteSkipped,
		CreateEmptyDirs: cfg.CreateEmptyDirs,
		ModTimeWindow:   modTimeWindow,
	})
	out.plan = plan
	plog.Info("Plan computed",
		"to_checksum", len(plan.ToChecksum),
		"to_delete", len(plan.ToDelete),
		"to_replace", len(plan.ToReplace),
		"to_mkdir", len(plan.ToMkdir),
		"to_link", len(plan.ToLink),
		"unchanged", plan.Unchanged,
	)

	// Files with no backup counterpart are copied unconditionally; their
	// combined size is the lower bound on the space the sync will claim.
	var bytesToCopy int64
	for _, item := range plan.ToChecksum {
		if item.OutputMissing {
			bytesToCopy += item.Record.Size
		}
	}
	if err := preflight.CheckFreeSpace(cfg.SaveTo, bytesToCopy); err != nil {
		out.err = err
		return out
	}

	// --- Checksumming ---
	e.tracker.EnterStage(progress.StageChecksumming, len(plan.ToChecksum))
	sums, err := e.hashInputs(cfg, plan.ToChecksum, pool)
	if err != nil {
		out.err = err
		return out
	}

	// --- Syncing ---
	e.tracker.EnterStage(progress.StageSyncing, syncOpCount(plan))
	exec := &pathsync.Executor{
		BackupDir:  cfg.SaveTo,
		Manifest:   man,
		Buffers:    pool.Buffers,
		Counters:   e.counters,
		Errors:     e.errs,
		Check:      e.syncCheckpoint,
		RetryCount: 2,
		RetryWait:  2 * time.Second,
	}
	out.err = e.applyPlan(exec, plan, sums)
	return out
}

type backupOutcome struct {
	man     *manifest.Manifest
	outputs *pathtree.Result
	plan    *planner.Plan
	err     error
}

// syncCheckpoint is the executor's between-operations hook; it also advances
// the stage progress by one completed operation.
func (e *Engine) syncCheckpoint() error {
	e.tracker.Step(1)
	return e.control.Checkpoint()
}

func syncOpCount(plan *planner.Plan) int {
	return len(plan.ToReplace) + len(plan.ToDelete) + len(plan.ToMkdir) + len(plan.ToLink) + len(plan.ToChecksum)
}

// scanInputs walks every configured input entry in priority order.
func (e *Engine) scanInputs(cfg *config.Config) (*pathtree.Result, error) {
	entries := make([]pathtree.Entry, 0, len(cfg.InputPaths))
	for _, p := range cfg.InputPaths {
		entries = append(entries, pathtree.Entry{AbsPath: p.Path, Skip: p.Skip, Priority: p.Priority})
	}
	scanner := &pathtree.Scanner{
		FollowSymlinks:       cfg.FollowSymlinks,
		RootRelativeToParent: true,
		Excludes:             cfg.ExcludePatterns,
		Counters:             e.counters,
		Check:                e.control.Checkpoint,
	}
	return scanner.Scan(entries)
}

// scanBackupDir walks the current backup contents, hiding the run's own
// root-level artifacts (manifest, lock, meta, tree and config files).
func (e *Engine) scanBackupDir(cfg *config.Config) (*pathtree.Result, error) {
	ignore := map[string]struct{}{
		lockfile.LockFileName: {},
		metafile.MetaFileName: {},
		treefile.TreeFileName: {},
		config.ConfigFileName: {},
	}
	for _, alg := range checksum.Algorithms() {
		ignore[manifest.FileName(alg)] = struct{}{}
	}
	scanner := &pathtree.Scanner{
		FollowSymlinks:       false,
		RootRelativeToParent: false,
		Excludes:             cfg.ExcludePatterns,
		IgnoreRel:            ignore,
		Check:                e.control.Checkpoint,
	}
	return scanner.Scan([]pathtree.Entry{{AbsPath: cfg.SaveTo}})
}

// loadManifest loads the manifest and decides whether it can be trusted.
// A corrupt manifest, an algorithm change recorded in the metafile, an
// explicit recalculate request, or a populated backup with no manifest all
// force a rebuild from disk.
func (e *Engine) loadManifest(cfg *config.Config, outputs *pathtree.Result) (*manifest.Manifest, bool) {
	man, err := manifest.Load(cfg.SaveTo, cfg.ChecksumAlg)
	switch {
	case err != nil && errors.Is(err, manifest.ErrCorrupt):
		plog.Warn("Manifest is corrupt, recalculating checksums from backup contents", "error", err)
		return man, true
	case err != nil:
		plog.Warn("Manifest could not be read, recalculating checksums from backup contents", "error", err)
		return man, true
	}

	if meta, metaErr := metafile.Read(cfg.SaveTo); metaErr == nil {
		if meta.Algorithm != cfg.ChecksumAlg {
			plog.Warn("Checksum algorithm changed since last run, recalculating",
				"previous", meta.Algorithm.String(), "current", cfg.ChecksumAlg.String())
			return manifest.New(cfg.ChecksumAlg), true
		}
	} else if !os.IsNotExist(metaErr) {
		plog.Warn("Metafile could not be read", "error", metaErr)
	}

	if cfg.RecalculateChecksum {
		plog.Notice("Recalculation requested, rehashing backup contents")
		return man, true
	}

	if man.Len() == 0 && len(planner.RecalcTargets(outputs)) > 0 {
		plog.Notice("Backup directory has content but no manifest, rebuilding it")
		return man, true
	}
	return man, false
}

// rebuildManifest rehashes every file currently in the backup and replaces
// the manifest entries with what is actually on disk.
func (e *Engine) rebuildManifest(cfg *config.Config, man *manifest.Manifest, outputs *pathtree.Result, pool *checksum.Pool) error {
	targets := planner.RecalcTargets(outputs)
	e.tracker.EnterStage(progress.StageChecksumming, len(targets))
	plog.Info("Rebuilding manifest from backup contents", "files", len(targets))

	for relPath := range manEntries(man) {
		man.Remove(relPath)
	}

	batch := cfg.Performance.ChecksumBatchSize
	for start := 0; start < len(targets); start += batch {
		if err := e.control.Checkpoint(); err != nil {
			return err
		}
		end := min(start+batch, len(targets))
		for res := range pool.Run(e.control.Context(), targets[start:end]) {
			if res.Err != nil {
				e.logHashError(res)
				continue
			}
			man.Put(res.Record.RelPath, res.Sum)
		}
		e.tracker.Step(end - start)
	}
	return nil
}

func manEntries(man *manifest.Manifest) map[string]struct{} {
	set := make(map[string]struct{}, man.Len())
	for _, p := range man.Paths() {
		set[p] = struct{}{}
	}
	return set
}

// hashInputs feeds the planned input files to the checksum workers in
// batches, pausing or stopping between batches on request.
func (e *Engine) hashInputs(cfg *config.Config, items []planner.ChecksumItem, pool *checksum.Pool) (map[string]string, error) {
	sums := make(map[string]string, len(items))
	batch := cfg.Performance.ChecksumBatchSize

	for start := 0; start < len(items); start += batch {
		if err := e.control.Checkpoint(); err != nil {
			return sums, err
		}
		end := min(start+batch, len(items))
		records := make([]*pathtree.Record, 0, end-start)
		for _, item := range items[start:end] {
			records = append(records, item.Record)
		}
		for res := range pool.Run(e.control.Context(), records) {
			if res.Err != nil {
				e.logHashError(res)
				continue
			}
			sums[res.Record.RelPath] = res.Sum
		}
		e.tracker.Step(end - start)
	}
	return sums, nil
}

func (e *Engine) logHashError(res checksum.Result) {
	if errors.Is(res.Err, context.Canceled) {
		return
	}
	plog.Warn("Failed to checksum file", "path", res.Record.AbsPath(), "error", res.Err)
	e.recordError(res.Record.RelPath, res.Err)
}

// applyPlan mutates the backup directory in fixed order: replacements and
// deletions first, then directories, then symlinks, then file copies.
func (e *Engine) applyPlan(exec *pathsync.Executor, plan *planner.Plan, sums map[string]string) error {
	if err := exec.DeleteAll(plan.ToReplace); err != nil {
		return err
	}
	if err := exec.DeleteAll(plan.ToDelete); err != nil {
		return err
	}
	if err := exec.MkdirAll(plan.ToMkdir); err != nil {
		return err
	}
	if err := exec.LinkAll(plan.ToLink); err != nil {
		return err
	}

	for _, item := range plan.ToChecksum {
		if err := e.syncCheckpoint(); err != nil {
			return err
		}
		sum, ok := sums[item.Record.RelPath]
		if !ok {
			// Hashing failed or was cancelled; already counted and logged.
			continue
		}
		copied, err := exec.CopyFile(item.Record, sum, item.OutputMissing)
		if err != nil {
			plog.Warn("Failed to copy file", "path", item.Record.AbsPath(), "error", err)
			e.recordError(item.Record.RelPath, err)
			continue
		}
		if copied {
			plog.Debug("Copied", "path", item.Record.RelPath)
		}
	}
	return nil
}

// finalizeBackup persists the manifest, the metafile and the optional tree
// listing. It runs in every outcome, including cancellation, so the manifest
// on disk always reflects the operations that actually completed.
func (e *Engine) finalizeBackup(cfg *config.Config, startedUTC time.Time, out *backupOutcome) error {
	e.tracker.EnterStage(progress.StageFinalizing, 0)
	cancelled := errors.Is(out.err, ErrCancelled)
	if out.err != nil && !cancelled {
		e.tracker.EnterStage(progress.StageFailed, 0)
		return out.err
	}

	if out.man != nil {
		e.dropDanglingEntries(out)
		if out.man.Dirty() {
			if err := out.man.Save(cfg.SaveTo); err != nil {
				e.tracker.EnterStage(progress.StageFailed, 0)
				return fmt.Errorf("failed to save manifest: %w", err)
			}
			plog.Info("Manifest saved", "entries", out.man.Len())
		}

		errCount := e.counters.ErrorCount()
		meta := &metafile.MetafileContent{
			Version:      buildinfo.Version,
			TimestampUTC: startedUTC,
			Algorithm:    cfg.ChecksumAlg,
			Files:        int64(out.man.Len()),
			Dirs:         e.counters.DirsCreatedOK.Load(),
			Symlinks:     e.counters.SymlinksViewed.Load(),
			Completed:    !cancelled && errCount == 0,
		}
		if err := metafile.Write(cfg.SaveTo, meta); err != nil {
			plog.Warn("Failed to write metafile", "error", err)
		}

		if cfg.GenerateTree && !cancelled {
			e.writeTreeListing(cfg)
		}
	}

	if cancelled {
		e.tracker.EnterStage(progress.StageCancelled, 0)
		return ErrCancelled
	}
	if n := e.counters.ErrorCount(); n > 0 {
		e.tracker.EnterStage(progress.StageFailed, 0)
		return fmt.Errorf("backup completed with %d failed operations", n)
	}
	e.tracker.EnterStage(progress.StageCompleted, 0)
	return nil
}

// writeTreeListing renders tree.txt from what is actually in the backup after
// the sync, so directories and symlinks show up alongside the copied files.
func (e *Engine) writeTreeListing(cfg *config.Config) {
	outputs, err := e.scanBackupDir(cfg)
	if err != nil {
		plog.Warn("Failed to scan backup for the tree listing", "error", err)
		return
	}
	if err := treefile.Write(cfg.SaveTo, filepath.Base(cfg.SaveTo), outputs.SortedKeys()); err != nil {
		plog.Warn("Failed to write tree listing", "error", err)
	}
}

// dropDanglingEntries removes manifest entries that refer to paths present
// neither in the inputs nor in the backup directory. They can remain after a
// run where deletion was disabled but the backup file vanished externally.
func (e *Engine) dropDanglingEntries(out *backupOutcome) {
	if out.plan == nil || out.outputs == nil {
		return
	}
	for _, relPath := range out.plan.StaleManifest {
		rec, onDisk := out.outputs.Records[relPath]
		if !onDisk || rec.Kind != pathtree.KindFile {
			out.man.Remove(relPath)
		}
	}
}

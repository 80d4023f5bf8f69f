package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/verigo/verigo/pkg/buildinfo"
	"github.com/verigo/verigo/pkg/checksum"
	"github.com/verigo/verigo/pkg/lockfile"
	"github.com/verigo/verigo/pkg/manifest"
	"github.com/verigo/verigo/pkg/metafile"
	"github.com/verigo/verigo/pkg/pathtree"
	"github.com/verigo/verigo/pkg/plog"
	"github.com/verigo/verigo/pkg/preflight"
	"github.com/verigo/verigo/pkg/progress"
)

// ValidationResult summarizes a validation pass over the backup directory.
type ValidationResult struct {
	OK       int64
	Mismatch int64
	// Missing counts backup files the manifest knows nothing about. They were
	// never hashed, so nothing vouches for their content.
	Missing int64
	// Lost counts manifest entries whose backup file no longer exists.
	Lost int64
}

// Clean reports whether the backup and the manifest agree exactly.
func (r ValidationResult) Clean() bool {
	return r.Mismatch == 0 && r.Missing == 0 && r.Lost == 0
}

// ExecuteValidate rehashes the backup contents and compares them against the
// manifest. It never writes to the backup directory beyond the run lock.
// A non-Clean result is not an error; ErrCancelled reports a cancelled pass.
func (e *Engine) ExecuteValidate() (ValidationResult, error) {
	cfg := &e.cfg
	var result ValidationResult

	if err := preflight.CheckBackupTargetAccessible(cfg.SaveTo); err != nil {
		return result, fmt.Errorf("preflight failed: %w", err)
	}

	lock, err := lockfile.Acquire(e.control.Context(), cfg.SaveTo, buildinfo.Name)
	if err != nil {
		return result, fmt.Errorf("failed to lock backup directory: %w", err)
	}
	defer lock.Release()

	man, err := manifest.Load(cfg.SaveTo, cfg.ChecksumAlg)
	if err != nil {
		return result, fmt.Errorf("cannot validate: %w", err)
	}
	if man.Len() == 0 {
		return result, fmt.Errorf("no manifest found in %s, nothing to validate", cfg.SaveTo)
	}

	if meta, metaErr := metafile.Read(cfg.SaveTo); metaErr == nil {
		if meta.Algorithm != cfg.ChecksumAlg {
			plog.Warn("Configured algorithm differs from the last backup run",
				"configured", cfg.ChecksumAlg.String(), "backup", meta.Algorithm.String())
		}
	} else if !os.IsNotExist(metaErr) {
		plog.Warn("Metafile could not be read", "error", metaErr)
	}

	e.tracker.StartRun(2)
	plog.Info("Starting validation", "target", cfg.SaveTo, "entries", man.Len(), "algorithm", cfg.ChecksumAlg.String())

	// --- Scanning ---
	e.tracker.EnterStage(progress.StageScanning, 0)
	outputs, err := e.scanBackupDir(cfg)
	if err != nil {
		e.tracker.EnterStage(e.terminalStage(err), 0)
		return result, err
	}

	// Lost entries and verification targets fall out of one pass over the
	// manifest against the scanned tree.
	var targets []*pathtree.Record
	for _, relPath := range man.Paths() {
		rec, ok := outputs.Records[relPath]
		if !ok || rec.Kind != pathtree.KindFile {
			result.Lost++
			e.counters.ValidatedMismatch.Add(1)
			plog.Warn("File missing from backup", "path", relPath)
			continue
		}
		targets = append(targets, rec)
	}
	for _, relPath := range outputs.SortedKeys() {
		if rec := outputs.Records[relPath]; rec.Kind == pathtree.KindFile {
			if _, tracked := man.Get(relPath); !tracked {
				result.Missing++
				e.counters.ValidatedMissing.Add(1)
				plog.Warn("File missing from manifest", "path", relPath)
			}
		}
	}

	// --- Comparing ---
	e.tracker.EnterStage(progress.StageComparing, len(targets))
	pool := checksum.NewPool(cfg.ChecksumAlg, cfg.WorkloadProfile, cfg.BufferSize(), e.counters)

	batch := cfg.Performance.ChecksumBatchSize
	for start := 0; start < len(targets); start += batch {
		if err := e.control.Checkpoint(); err != nil {
			e.tracker.EnterStage(progress.StageCancelled, 0)
			return result, err
		}
		end := min(start+batch, len(targets))
		for res := range pool.Run(e.control.Context(), targets[start:end]) {
			if res.Err != nil {
				e.logHashError(res)
				if !errors.Is(res.Err, context.Canceled) {
					result.Mismatch++
					e.counters.ValidatedMismatch.Add(1)
				}
				continue
			}
			want, _ := man.Get(res.Record.RelPath)
			if res.Sum == want {
				result.OK++
				e.counters.ValidatedOK.Add(1)
			} else {
				result.Mismatch++
				e.counters.ValidatedMismatch.Add(1)
				plog.Warn("Checksum mismatch", "path", res.Record.RelPath, "expected", want, "actual", res.Sum)
			}
		}
		e.tracker.Step(end - start)
	}

	if result.Clean() {
		e.tracker.EnterStage(progress.StageCompleted, 0)
		plog.Info("Validation passed", "ok", result.OK)
	} else {
		e.tracker.EnterStage(progress.StageFailed, 0)
		plog.Error("Validation found problems",
			"ok", result.OK, "mismatch", result.Mismatch, "missing", result.Missing, "lost", result.Lost)
	}
	return result, nil
}

func (e *Engine) terminalStage(err error) progress.Stage {
	if errors.Is(err, ErrCancelled) {
		return progress.StageCancelled
	}
	return progress.StageFailed
}

// Package planner computes the work plan for one run: which input files need
// hashing, which backup paths must be deleted or created, and which entries
// the manifest can no longer vouch for.
package planner

import (
	"sort"
	"strings"
	"time"

	"github.com/verigo/verigo/pkg/manifest"
	"github.com/verigo/verigo/pkg/pathtree"
)

// Options carries the config switches the diff depends on.
type Options struct {
	// DeleteEnabled allows removal of backup paths with no input counterpart.
	// When false, ToDelete is always empty.
	DeleteEnabled bool
	// DeleteSkipped extends deletion to paths under skipped input roots.
	DeleteSkipped bool
	// CreateEmptyDirs plans mkdirs for input directories that hold no files.
	CreateEmptyDirs bool
	// ModTimeWindow is the tolerance when comparing modification times.
	// Handles filesystem timestamp precision differences. Zero means exact.
	ModTimeWindow time.Duration
}

// ChecksumItem is one input file the checksum workers must hash.
type ChecksumItem struct {
	Record *pathtree.Record
	// OutputMissing means no usable counterpart exists in the backup, so the
	// file is copied regardless of what the hash turns out to be.
	OutputMissing bool
}

// DeleteItem is one backup path to remove.
type DeleteItem struct {
	RelPath string
	Kind    pathtree.Kind
}

// Plan is the complete diff between the input trees, the backup tree and the
// manifest. Slices are ordered deterministically: deletes before mkdirs
// before copies, directories deepest-first within deletes.
type Plan struct {
	// ToChecksum lists input files whose content must be verified.
	ToChecksum []ChecksumItem
	// ToReplace lists backup paths whose kind differs from the input and must
	// be removed before the copy. These are correctness removals and happen
	// even when deletion is disabled.
	ToReplace []DeleteItem
	// ToDelete lists backup paths with no input counterpart.
	ToDelete []DeleteItem
	// ToMkdir lists directories to create, shallowest-first.
	ToMkdir []string
	// ToLink lists input symlinks to reproduce in the backup.
	ToLink []*pathtree.Record
	// Unchanged counts input files the manifest already vouches for.
	Unchanged int
	// StaleManifest lists manifest entries with no input counterpart; they
	// are dropped from the manifest when their backup path is removed.
	StaleManifest []string
}

// Generate diffs the scanned input records against the scanned backup records
// and the manifest. Records maps are keyed by normalized relative path; the
// input result's skip roots shield matching backup subtrees from deletion
// unless DeleteSkipped is set.
func Generate(inputs *pathtree.Result, outputs *pathtree.Result, man *manifest.Manifest, opts Options) *Plan {
	plan := &Plan{}

	for _, relPath := range inputs.SortedKeys() {
		rec := inputs.Records[relPath]
		out := outputs.Records[relPath]

		switch rec.Kind {
		case pathtree.KindDir:
			if out != nil && out.Kind == pathtree.KindDir {
				continue
			}
			if out != nil {
				plan.ToReplace = append(plan.ToReplace, DeleteItem{RelPath: relPath, Kind: out.Kind})
			}
			if opts.CreateEmptyDirs || !rec.Empty {
				plan.ToMkdir = append(plan.ToMkdir, relPath)
			}

		case pathtree.KindSymlink:
			if out != nil && out.Kind != pathtree.KindSymlink {
				plan.ToReplace = append(plan.ToReplace, DeleteItem{RelPath: relPath, Kind: out.Kind})
			}
			// The executor compares link targets and skips links already in place.
			plan.ToLink = append(plan.ToLink, rec)

		case pathtree.KindFile:
			if out != nil && out.Kind != pathtree.KindFile {
				plan.ToReplace = append(plan.ToReplace, DeleteItem{RelPath: relPath, Kind: out.Kind})
				out = nil
			}
			item := ChecksumItem{Record: rec, OutputMissing: out == nil}
			switch {
			case out == nil:
				plan.ToChecksum = append(plan.ToChecksum, item)
			case rec.Size != out.Size || !sameModTime(rec.ModTime, out.ModTime, opts.ModTimeWindow):
				plan.ToChecksum = append(plan.ToChecksum, item)
			case !hasEntry(man, relPath):
				plan.ToChecksum = append(plan.ToChecksum, item)
			default:
				plan.Unchanged++
			}

		default:
			// Unreadable entries are reported by the scanner; nothing to plan.
		}
	}

	planDeletions(plan, inputs, outputs, opts)
	planStaleManifest(plan, inputs, man)

	sortDeletes(plan.ToReplace)
	sortDeletes(plan.ToDelete)
	sort.Strings(plan.ToMkdir)
	return plan
}

// planDeletions marks backup paths without an input counterpart. Paths under
// a skipped input root are preserved unless DeleteSkipped is set; directories
// that shadow a deeper entry are removed with their subtree, so children are
// not listed separately once an ancestor is marked.
func planDeletions(plan *Plan, inputs *pathtree.Result, outputs *pathtree.Result, opts Options) {
	if !opts.DeleteEnabled {
		return
	}

	marked := make(map[string]struct{})
	for _, relPath := range outputs.SortedKeys() {
		out := outputs.Records[relPath]
		if _, present := inputs.Records[relPath]; present {
			continue
		}
		if !opts.DeleteSkipped && inputs.UnderSkipRoot(relPath) {
			continue
		}
		if underMarked(marked, relPath) {
			continue
		}
		marked[relPath] = struct{}{}
		plan.ToDelete = append(plan.ToDelete, DeleteItem{RelPath: relPath, Kind: out.Kind})
	}
}

// RecalcTargets returns every backup file record, for rebuilding the manifest
// from disk when it is missing, corrupt or explicitly distrusted.
func RecalcTargets(outputs *pathtree.Result) []*pathtree.Record {
	var targets []*pathtree.Record
	for _, relPath := range outputs.SortedKeys() {
		if out := outputs.Records[relPath]; out.Kind == pathtree.KindFile {
			targets = append(targets, out)
		}
	}
	return targets
}

// planStaleManifest collects manifest entries no longer backed by any input.
func planStaleManifest(plan *Plan, inputs *pathtree.Result, man *manifest.Manifest) {
	if man == nil {
		return
	}
	for _, relPath := range man.Paths() {
		if _, present := inputs.Records[relPath]; !present {
			plan.StaleManifest = append(plan.StaleManifest, relPath)
		}
	}
}

// sortDeletes orders non-directories first, then directories deepest-first,
// so files are gone before their parents and nested dirs unwind bottom-up.
func sortDeletes(items []DeleteItem) {
	sort.SliceStable(items, func(i, j int) bool {
		di, dj := items[i].Kind == pathtree.KindDir, items[j].Kind == pathtree.KindDir
		if di != dj {
			return !di
		}
		if di {
			depthI, depthJ := strings.Count(items[i].RelPath, "/"), strings.Count(items[j].RelPath, "/")
			if depthI != depthJ {
				return depthI > depthJ
			}
		}
		return items[i].RelPath < items[j].RelPath
	})
}

func underMarked(marked map[string]struct{}, relPath string) bool {
	for cur := relPath; ; {
		idx := strings.LastIndex(cur, "/")
		if idx < 0 {
			return false
		}
		cur = cur[:idx]
		if _, ok := marked[cur]; ok {
			return true
		}
	}
}

func sameModTime(a, b int64, window time.Duration) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= int64(window)
}

func hasEntry(man *manifest.Manifest, relPath string) bool {
	if man == nil {
		return false
	}
	_, ok := man.Get(relPath)
	return ok
}

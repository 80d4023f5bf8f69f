package pathtree

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/verigo/verigo/pkg/plog"
	"github.com/verigo/verigo/pkg/progress"
	"github.com/verigo/verigo/pkg/util"
)

// Scanner walks prioritized input entries (or an existing output directory)
// into a flat, deterministically ordered set of records.
//
// The walk is strictly sequential: parallelism is reserved for checksum
// computation, where each file is independent. Keeping the scan on one
// goroutine makes the priority resolution order deterministic.
type Scanner struct {
	// FollowSymlinks dereferences symlinks and recurses into symlinked
	// directories. A symlink resolving to an ancestor already on the current
	// traversal path is recorded as an Unknown entry with an error instead
	// of being recursed into.
	FollowSymlinks bool

	// RootRelativeToParent controls the relative-path base. True for input
	// entries (an entry keeps its own name inside the backup: keys start
	// with the entry's basename). False for scanning an output directory
	// (keys are relative to the directory itself, which is not recorded).
	RootRelativeToParent bool

	// Excludes are doublestar glob patterns matched against the normalized
	// relative key. Matching entries (and their subtrees) are not recorded.
	Excludes []string

	// IgnoreRel are exact relative keys to silently drop, used for the
	// engine's own artifacts inside the output directory (manifest file,
	// tree listing, meta and lock files).
	IgnoreRel map[string]struct{}

	// Counters receives viewed-entry increments as the walk progresses.
	// May be nil.
	Counters *progress.Counters

	// Check is called at directory boundaries; a non-nil return aborts the
	// scan (cooperative pause blocks inside the callback). May be nil.
	Check func() error
}

// Result is the canonical tree view of one scan: a mapping from unique
// relative key to record, the skipped input roots, and non-fatal per-entry
// errors.
type Result struct {
	Records   map[string]*Record
	SkipRoots []string
	Errors    map[string]error
}

// SortedKeys returns every relative key in lexicographic order.
func (r *Result) SortedKeys() []string {
	keys := make([]string, 0, len(r.Records))
	for k := range r.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UnderSkipRoot reports whether the relative key falls under (or is) one of
// the skipped input roots. Matching is segment-wise: "docs" covers
// "docs/a.txt" but not "docs2".
func (r *Result) UnderSkipRoot(relPathKey string) bool {
	for _, root := range r.SkipRoots {
		if relPathKey == root || strings.HasPrefix(relPathKey, root+"/") {
			return true
		}
	}
	return false
}

func absJoin(root, relPathKey string) string {
	return util.DenormalizedAbsPath(root, relPathKey)
}

// Scan walks the entries in ascending priority order and returns the merged
// tree. A relative key already produced by a higher-priority entry is never
// overwritten by a lower-priority one. Unreadable entries are recorded as
// Unknown with an associated error; they never abort the scan.
func (s *Scanner) Scan(entries []Entry) (*Result, error) {
	res := &Result{
		Records: make(map[string]*Record),
		Errors:  make(map[string]error),
	}

	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for _, entry := range ordered {
		if err := s.checkpoint(); err != nil {
			return nil, err
		}

		var relKey string
		if s.RootRelativeToParent {
			relKey = util.NormalizePath(filepath.Base(entry.AbsPath))
		} else {
			relKey = ""
		}

		if entry.Skip {
			if relKey != "" {
				res.SkipRoots = append(res.SkipRoots, relKey)
			}
			continue
		}

		root := entry.AbsPath
		if s.RootRelativeToParent {
			root = filepath.Dir(entry.AbsPath)
		}

		info, err := os.Lstat(entry.AbsPath)
		if err != nil {
			plog.Error("Cannot stat input entry", "path", entry.AbsPath, "err", err)
			if relKey != "" {
				s.record(res, &Record{RelPath: relKey, Root: root, Kind: KindUnknown, Priority: entry.Priority})
				res.Errors[relKey] = err
			}
			continue
		}

		// walkAncestors holds resolved absolute dir paths on the current
		// traversal path for symlink cycle detection.
		var walkAncestors []string

		switch {
		case info.Mode()&os.ModeSymlink != 0 && !s.FollowSymlinks:
			if relKey != "" {
				s.record(res, symlinkRecord(relKey, root, info, entry.Priority))
			}
		case info.IsDir() || (info.Mode()&os.ModeSymlink != 0 && s.FollowSymlinks && statIsDir(entry.AbsPath)):
			if relKey != "" {
				rec := dirRecord(relKey, root, info, entry.Priority)
				rec.Empty = dirIsEmpty(entry.AbsPath)
				s.record(res, rec)
			}
			if resolved, err := filepath.EvalSymlinks(entry.AbsPath); err == nil {
				walkAncestors = append(walkAncestors, resolved)
			}
			if err := s.walkDir(res, entry.AbsPath, relKey, root, entry.Priority, walkAncestors); err != nil {
				return nil, err
			}
		case info.Mode().IsRegular():
			if relKey != "" {
				s.record(res, fileRecord(relKey, root, info, entry.Priority))
			}
		default:
			if relKey != "" {
				s.record(res, &Record{RelPath: relKey, Root: root, Kind: KindUnknown, Priority: entry.Priority})
			}
		}
	}
	return res, nil
}

// walkDir recursively scans dirAbs, producing records keyed under relKey.
func (s *Scanner) walkDir(res *Result, dirAbs, relKey, root string, priority int, ancestors []string) error {
	if err := s.checkpoint(); err != nil {
		return err
	}

	children, err := os.ReadDir(dirAbs)
	if err != nil {
		// Unreadable directory: downgrade its record to Unknown and move on.
		plog.Error("Cannot read directory", "path", dirAbs, "err", err)
		if rec, ok := res.Records[relKey]; ok && rec.Kind == KindDir {
			rec.Kind = KindUnknown
			if s.Counters != nil {
				// The record was already counted as a dir.
				s.Counters.DirsViewed.Add(-1)
			}
		}
		if relKey != "" {
			res.Errors[relKey] = err
		}
		s.count(KindUnknown)
		return nil
	}

	for _, child := range children {
		childRel := child.Name()
		if relKey != "" {
			childRel = relKey + "/" + child.Name()
		}
		childAbs := filepath.Join(dirAbs, child.Name())

		if s.ignored(childRel) {
			continue
		}

		info, err := child.Info()
		if err != nil {
			plog.Error("Cannot stat entry", "path", childAbs, "err", err)
			if s.record(res, &Record{RelPath: childRel, Root: root, Kind: KindUnknown, Priority: priority}) {
				res.Errors[childRel] = err
			}
			continue
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if !s.FollowSymlinks {
				s.record(res, symlinkRecord(childRel, root, info, priority))
				continue
			}
			if err := s.followSymlink(res, childAbs, childRel, root, priority, ancestors); err != nil {
				return err
			}
		case info.IsDir():
			names, err := readDirNames(childAbs)
			if err != nil {
				plog.Error("Cannot read directory", "path", childAbs, "err", err)
				if s.record(res, &Record{RelPath: childRel, Root: root, Kind: KindUnknown, Priority: priority}) {
					res.Errors[childRel] = err
				}
				continue
			}
			rec := dirRecord(childRel, root, info, priority)
			rec.Empty = len(names) == 0
			s.record(res, rec)
			if !rec.Empty {
				if err := s.walkDir(res, childAbs, childRel, root, priority, ancestors); err != nil {
					return err
				}
			}
		case info.Mode().IsRegular():
			s.record(res, fileRecord(childRel, root, info, priority))
		default:
			s.record(res, &Record{RelPath: childRel, Root: root, Kind: KindUnknown, Priority: priority})
		}
	}
	return nil
}

// followSymlink handles one symlink while FollowSymlinks is enabled:
// files are recorded with the target's metadata; directories are recursed
// unless doing so would revisit an ancestor of the current traversal path.
func (s *Scanner) followSymlink(res *Result, linkAbs, relKey, root string, priority int, ancestors []string) error {
	target, err := os.Stat(linkAbs)
	if err != nil {
		// Broken symlink.
		plog.Error("Cannot resolve symlink", "path", linkAbs, "err", err)
		if s.record(res, &Record{RelPath: relKey, Root: root, Kind: KindUnknown, Priority: priority}) {
			res.Errors[relKey] = err
		}
		return nil
	}

	if !target.IsDir() {
		s.record(res, fileRecord(relKey, root, target, priority))
		return nil
	}

	resolved, err := filepath.EvalSymlinks(linkAbs)
	if err != nil {
		plog.Error("Cannot resolve symlink", "path", linkAbs, "err", err)
		if s.record(res, &Record{RelPath: relKey, Root: root, Kind: KindUnknown, Priority: priority}) {
			res.Errors[relKey] = err
		}
		return nil
	}
	for _, anc := range ancestors {
		if resolved == anc || strings.HasPrefix(anc+string(filepath.Separator), resolved+string(filepath.Separator)) {
			err := fmt.Errorf("symlink cycle: %s resolves to ancestor %s", linkAbs, resolved)
			plog.Error("Symlink cycle detected", "path", linkAbs, "target", resolved)
			if s.record(res, &Record{RelPath: relKey, Root: root, Kind: KindUnknown, Priority: priority}) {
				res.Errors[relKey] = err
			}
			return nil
		}
	}

	names, err := readDirNames(linkAbs)
	if err != nil {
		plog.Error("Cannot read directory", "path", linkAbs, "err", err)
		if s.record(res, &Record{RelPath: relKey, Root: root, Kind: KindUnknown, Priority: priority}) {
			res.Errors[relKey] = err
		}
		return nil
	}
	rec := dirRecord(relKey, root, target, priority)
	rec.Empty = len(names) == 0
	s.record(res, rec)
	if !rec.Empty {
		return s.walkDir(res, linkAbs, relKey, root, priority, append(ancestors, resolved))
	}
	return nil
}

// record stores rec under its relative key unless a higher-priority entry
// already produced that key, and feeds the viewed counters.
// It returns true if the record was stored.
func (s *Scanner) record(res *Result, rec *Record) bool {
	if _, exists := res.Records[rec.RelPath]; exists {
		return false
	}
	res.Records[rec.RelPath] = rec
	s.count(rec.Kind)
	return true
}

func (s *Scanner) count(kind Kind) {
	if s.Counters == nil {
		return
	}
	switch kind {
	case KindFile:
		s.Counters.FilesViewed.Add(1)
	case KindDir:
		s.Counters.DirsViewed.Add(1)
	case KindSymlink:
		s.Counters.SymlinksViewed.Add(1)
	case KindUnknown:
		s.Counters.UnknownViewed.Add(1)
	}
}

func (s *Scanner) ignored(relKey string) bool {
	if _, ok := s.IgnoreRel[relKey]; ok {
		return true
	}
	for _, pattern := range s.Excludes {
		if ok, err := doublestar.Match(pattern, relKey); err == nil && ok {
			return true
		}
	}
	// Segment-wise basename patterns: a pattern without a separator matches
	// any path whose basename matches, as with the usual ignore-file rules.
	base := path.Base(relKey)
	if base != relKey {
		for _, pattern := range s.Excludes {
			if strings.Contains(pattern, "/") {
				continue
			}
			if ok, err := doublestar.Match(pattern, base); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func (s *Scanner) checkpoint() error {
	if s.Check == nil {
		return nil
	}
	return s.Check()
}

func fileRecord(relKey, root string, info os.FileInfo, priority int) *Record {
	return &Record{
		RelPath: relKey, Root: root, Kind: KindFile,
		Size: info.Size(), ModTime: info.ModTime().UnixNano(), Mode: info.Mode(),
		Priority: priority,
	}
}

func dirRecord(relKey, root string, info os.FileInfo, priority int) *Record {
	return &Record{
		RelPath: relKey, Root: root, Kind: KindDir,
		ModTime: info.ModTime().UnixNano(), Mode: info.Mode(),
		Priority: priority,
	}
}

func symlinkRecord(relKey, root string, info os.FileInfo, priority int) *Record {
	return &Record{
		RelPath: relKey, Root: root, Kind: KindSymlink,
		Size: info.Size(), ModTime: info.ModTime().UnixNano(), Mode: info.Mode(),
		Priority: priority,
	}
}

func statIsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// dirIsEmpty is only used for root entries, where walkDir surfaces a
// ReadDir failure right afterwards.
func dirIsEmpty(path string) bool {
	names, err := readDirNames(path)
	return err == nil && len(names) == 0
}

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

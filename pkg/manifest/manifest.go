// Package manifest reads and writes the checksum manifest, the single source
// of truth for what content the backup directory is known to hold.
//
// The on-disk format is one entry per line:
//
//	<hex checksum> *<relative path>\n
//
// stored as "checksums.<algorithm>" in the backup directory. The '*' marks
// binary mode, matching the sha256sum/md5sum coreutils convention, so the
// manifest can be cross-checked with standard tools.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/verigo/verigo/pkg/checksum"
	"github.com/verigo/verigo/pkg/plog"
	"github.com/verigo/verigo/pkg/util"
)

// ErrCorrupt indicates the manifest file exists but cannot be parsed. Callers
// treat this as "trust nothing": checksums are recalculated from disk.
var ErrCorrupt = errors.New("manifest is corrupt")

// Manifest maps normalized relative paths to hex checksums for one algorithm.
// It is mutated only on the controller goroutine.
type Manifest struct {
	alg     checksum.Algorithm
	entries map[string]string
	dirty   bool
}

// FileName returns the manifest file name for the given algorithm.
func FileName(alg checksum.Algorithm) string {
	return "checksums." + alg.String()
}

// New returns an empty manifest for the given algorithm.
func New(alg checksum.Algorithm) *Manifest {
	return &Manifest{alg: alg, entries: make(map[string]string)}
}

// Load reads the manifest for alg from dirPath. A missing file yields an
// empty manifest, which is the normal first-run case. A file that cannot be
// parsed returns an empty manifest together with an error wrapping
// ErrCorrupt.
func Load(dirPath string, alg checksum.Algorithm) (*Manifest, error) {
	path := filepath.Join(dirPath, FileName(alg))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(alg), nil
		}
		return New(alg), fmt.Errorf("error opening manifest %s: %w", path, err)
	}
	defer f.Close()

	m := New(alg)
	scanner := bufio.NewScanner(f)
	// Relative paths can be long; give the scanner room.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		sum, relPath, ok := parseLine(line, alg)
		if !ok {
			return New(alg), fmt.Errorf("%w: %s line %d is malformed", ErrCorrupt, path, lineNo)
		}
		if _, dup := m.entries[relPath]; dup {
			plog.Warn("Duplicate manifest entry, keeping the last one", "path", relPath, "line", lineNo)
		}
		m.entries[relPath] = sum
	}
	if err := scanner.Err(); err != nil {
		return New(alg), fmt.Errorf("%w: error reading %s: %v", ErrCorrupt, path, err)
	}
	return m, nil
}

// parseLine splits "<hex> *<relpath>" and validates the checksum length.
func parseLine(line string, alg checksum.Algorithm) (sum, relPath string, ok bool) {
	sep := strings.Index(line, " *")
	if sep < 0 {
		return "", "", false
	}
	sum = strings.ToLower(line[:sep])
	relPath = line[sep+2:]
	if relPath == "" {
		return "", "", false
	}
	if len(sum) != alg.HexLen() || !util.IsHexString(sum) {
		return "", "", false
	}
	return sum, util.NormalizePath(relPath), true
}

// Algorithm returns the algorithm the manifest entries were computed with.
func (m *Manifest) Algorithm() checksum.Algorithm {
	return m.alg
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	return len(m.entries)
}

// Get returns the stored checksum for the normalized relative path.
func (m *Manifest) Get(relPath string) (string, bool) {
	sum, ok := m.entries[relPath]
	return sum, ok
}

// Put stores the checksum for the normalized relative path.
func (m *Manifest) Put(relPath, sum string) {
	if cur, ok := m.entries[relPath]; ok && cur == sum {
		return
	}
	m.entries[relPath] = sum
	m.dirty = true
}

// Remove drops the entry for the normalized relative path.
func (m *Manifest) Remove(relPath string) {
	if _, ok := m.entries[relPath]; !ok {
		return
	}
	delete(m.entries, relPath)
	m.dirty = true
}

// RemovePrefix drops every entry at or under the given directory path.
func (m *Manifest) RemovePrefix(relDir string) {
	prefix := strings.TrimSuffix(relDir, "/") + "/"
	for relPath := range m.entries {
		if relPath == relDir || strings.HasPrefix(relPath, prefix) {
			delete(m.entries, relPath)
			m.dirty = true
		}
	}
}

// Paths returns all entry paths in sorted order.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.entries))
	for relPath := range m.entries {
		paths = append(paths, relPath)
	}
	sort.Strings(paths)
	return paths
}

// Dirty reports whether the manifest changed since it was loaded or saved.
func (m *Manifest) Dirty() bool {
	return m.dirty
}

// Save writes the manifest to dirPath atomically via a temp file and rename,
// entries sorted by path. The manifest on disk is never partial.
func (m *Manifest) Save(dirPath string) error {
	path := filepath.Join(dirPath, FileName(m.alg))

	tmpF, err := os.CreateTemp(dirPath, FileName(m.alg)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest file: %w", err)
	}
	defer func() {
		if err := os.Remove(tmpF.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary manifest file", "path", tmpF.Name(), "error", err)
		}
	}()

	w := bufio.NewWriter(tmpF)
	for _, relPath := range m.Paths() {
		if _, err := fmt.Fprintf(w, "%s *%s\n", m.entries[relPath], relPath); err != nil {
			tmpF.Close()
			return fmt.Errorf("failed to write manifest entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmpF.Close()
		return fmt.Errorf("failed to flush manifest: %w", err)
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp manifest file: %w", err)
	}

	if err := os.Chmod(tmpF.Name(), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to set manifest permissions: %w", err)
	}
	if err := os.Rename(tmpF.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp manifest into place: %w", err)
	}
	m.dirty = false
	return nil
}

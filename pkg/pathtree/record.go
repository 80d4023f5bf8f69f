package pathtree

import (
	"fmt"
	"os"
)

// Kind is the closed set of filesystem entry kinds the scanner produces.
// Every consumer switches over it exhaustively so that a new kind is a
// compile-time-visible gap rather than a silent no-op.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindUnknown
)

// String returns the human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	case KindUnknown:
		return "unknown"
	}
	return fmt.Sprintf("unknown_kind(%d)", k)
}

// Entry represents one user-specified input root with a skip flag and a
// priority rank (lower number wins on relative-path collisions).
// Immutable once handed to the Scanner for one run.
type Entry struct {
	AbsPath  string
	Skip     bool
	Priority int
}

// Record is the scanner's normalized representation of one filesystem entry.
// RelPath is a normalized forward-slash key unique within a scan result;
// Root is the absolute directory the key resolves against.
type Record struct {
	RelPath  string
	Root     string
	Kind     Kind
	Size     int64
	ModTime  int64 // Unix nano. Stored as int64 to avoid the GC overhead of time.Time's internal pointer.
	Mode     os.FileMode
	Empty    bool // Directories only: true if the directory had no children on disk.
	Priority int
}

// AbsPath returns the OS-native absolute path of the record.
func (r *Record) AbsPath() string {
	return absJoin(r.Root, r.RelPath)
}

package pathsync

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/verigo/verigo/pkg/checksum"
	"github.com/verigo/verigo/pkg/manifest"
	"github.com/verigo/verigo/pkg/pathtree"
	"github.com/verigo/verigo/pkg/planner"
	"github.com/verigo/verigo/pkg/pool"
	"github.com/verigo/verigo/pkg/progress"
	"github.com/verigo/verigo/pkg/sharded"
)

const sumX = "2222222222222222222222222222222222222222222222222222222222222222"

func newTestExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	backupDir := t.TempDir()
	return &Executor{
		BackupDir: backupDir,
		Manifest:  manifest.New(checksum.SHA256),
		Buffers:   pool.NewFixedBuffer(64 * 1024),
		Counters:  &progress.Counters{},
	}, backupDir
}

func sourceRecord(t *testing.T, root, relPath, content string) *pathtree.Record {
	t.Helper()
	absPath := filepath.Join(root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Lstat(absPath)
	if err != nil {
		t.Fatal(err)
	}
	return &pathtree.Record{
		RelPath: relPath,
		Root:    root,
		Kind:    pathtree.KindFile,
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
		Mode:    info.Mode(),
	}
}

func TestCopyFile_CreatesTargetWithContentAndModTime(t *testing.T) {
	e, backupDir := newTestExecutor(t)
	srcRoot := t.TempDir()
	rec := sourceRecord(t, srcRoot, "docs/note.txt", "hello")

	copied, err := e.CopyFile(rec, sumX, true)
	if err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	if !copied {
		t.Fatal("CopyFile() copied = false, want true")
	}

	trgPath := filepath.Join(backupDir, "docs", "note.txt")
	got, err := os.ReadFile(trgPath)
	if err != nil {
		t.Fatalf("reading copy: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("copied content = %q, want %q", got, "hello")
	}

	info, err := os.Lstat(trgPath)
	if err != nil {
		t.Fatal(err)
	}
	if diff := info.ModTime().UnixNano() - rec.ModTime; diff > int64(time.Second) || diff < -int64(time.Second) {
		t.Errorf("copy mtime %d not preserved from source %d", info.ModTime().UnixNano(), rec.ModTime)
	}

	if sum, ok := e.Manifest.Get("docs/note.txt"); !ok || sum != sumX {
		t.Errorf("manifest entry = %q, %v; want %q, true", sum, ok, sumX)
	}
	if e.Counters.CopiedOK.Load() != 1 {
		t.Errorf("CopiedOK = %d, want 1", e.Counters.CopiedOK.Load())
	}
}

func TestCopyFile_SkipsWhenManifestVouches(t *testing.T) {
	e, backupDir := newTestExecutor(t)
	srcRoot := t.TempDir()
	rec := sourceRecord(t, srcRoot, "a.txt", "same content")

	if _, err := e.CopyFile(rec, sumX, true); err != nil {
		t.Fatal(err)
	}

	// Scribble on the backup copy; a matching sum must still short-circuit.
	trgPath := filepath.Join(backupDir, "a.txt")
	if err := os.WriteFile(trgPath, []byte("sentinel"), 0o644); err != nil {
		t.Fatal(err)
	}

	copied, err := e.CopyFile(rec, sumX, false)
	if err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	if copied {
		t.Error("CopyFile() copied = true, want skip when manifest sum matches")
	}
	got, _ := os.ReadFile(trgPath)
	if string(got) != "sentinel" {
		t.Error("skip path must not touch the existing backup file")
	}
}

func TestCopyFile_RecopiesOnSumChange(t *testing.T) {
	e, _ := newTestExecutor(t)
	srcRoot := t.TempDir()
	rec := sourceRecord(t, srcRoot, "a.txt", "v2")
	e.Manifest.Put("a.txt", sumX)

	const newSum = "3333333333333333333333333333333333333333333333333333333333333333"
	copied, err := e.CopyFile(rec, newSum, false)
	if err != nil {
		t.Fatal(err)
	}
	if !copied {
		t.Error("CopyFile() copied = false, want recopy on changed sum")
	}
	if sum, _ := e.Manifest.Get("a.txt"); sum != newSum {
		t.Errorf("manifest sum = %q, want %q", sum, newSum)
	}
}

func TestCopyFile_LeavesNoTempFiles(t *testing.T) {
	e, backupDir := newTestExecutor(t)
	srcRoot := t.TempDir()
	rec := sourceRecord(t, srcRoot, "a.txt", "payload")

	if _, err := e.CopyFile(rec, sumX, true); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("leftover temp file %q in backup dir", entry.Name())
		}
	}
}

func TestCopyFile_SourceMissingCountsError(t *testing.T) {
	e, _ := newTestExecutor(t)
	rec := &pathtree.Record{
		RelPath: "gone.txt",
		Root:    t.TempDir(),
		Kind:    pathtree.KindFile,
		Size:    1,
		Mode:    0o644,
	}

	if _, err := e.CopyFile(rec, sumX, true); err == nil {
		t.Fatal("CopyFile() error = nil, want failure for missing source")
	}
	if e.Counters.CopiedErr.Load() != 1 {
		t.Errorf("CopiedErr = %d, want 1", e.Counters.CopiedErr.Load())
	}
	if _, ok := e.Manifest.Get("gone.txt"); ok {
		t.Error("failed copy must not create a manifest entry")
	}
}

func TestDeleteAll_RemovesPathsAndManifestEntries(t *testing.T) {
	e, backupDir := newTestExecutor(t)
	mustWriteBackup(t, backupDir, "old/a.txt", "x")
	mustWriteBackup(t, backupDir, "old/b.txt", "y")
	mustWriteBackup(t, backupDir, "solo.txt", "z")
	e.Manifest.Put("old/a.txt", sumX)
	e.Manifest.Put("old/b.txt", sumX)
	e.Manifest.Put("solo.txt", sumX)

	err := e.DeleteAll([]planner.DeleteItem{
		{RelPath: "solo.txt", Kind: pathtree.KindFile},
		{RelPath: "old", Kind: pathtree.KindDir},
	})
	if err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}

	for _, relPath := range []string{"solo.txt", "old"} {
		if _, err := os.Lstat(filepath.Join(backupDir, relPath)); !os.IsNotExist(err) {
			t.Errorf("%s still present after delete", relPath)
		}
	}
	if e.Manifest.Len() != 0 {
		t.Errorf("manifest entries remaining = %d, want 0 (paths: %v)", e.Manifest.Len(), e.Manifest.Paths())
	}
	if e.Counters.DeletedOK.Load() != 2 {
		t.Errorf("DeletedOK = %d, want 2", e.Counters.DeletedOK.Load())
	}
}

func TestDeleteAll_MissingFileIsNotAnError(t *testing.T) {
	e, _ := newTestExecutor(t)
	err := e.DeleteAll([]planner.DeleteItem{{RelPath: "never-there.txt", Kind: pathtree.KindFile}})
	if err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if e.Counters.DeletedErr.Load() != 0 {
		t.Errorf("DeletedErr = %d, want 0", e.Counters.DeletedErr.Load())
	}
}

func TestMkdirAll_CreatesDirectories(t *testing.T) {
	e, backupDir := newTestExecutor(t)
	if err := e.MkdirAll([]string{"a", "a/b/c"}); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(backupDir, "a", "b", "c"))
	if err != nil || !info.IsDir() {
		t.Errorf("nested directory missing after MkdirAll: %v", err)
	}
	if e.Counters.DirsCreatedOK.Load() != 2 {
		t.Errorf("DirsCreatedOK = %d, want 2", e.Counters.DirsCreatedOK.Load())
	}
}

func TestLinkAll_CreatesAndSkipsLinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires elevated privileges on windows")
	}
	e, backupDir := newTestExecutor(t)
	srcRoot := t.TempDir()
	if err := os.Symlink("target.txt", filepath.Join(srcRoot, "lnk")); err != nil {
		t.Fatal(err)
	}
	rec := &pathtree.Record{RelPath: "lnk", Root: srcRoot, Kind: pathtree.KindSymlink}

	if err := e.LinkAll([]*pathtree.Record{rec}); err != nil {
		t.Fatalf("LinkAll() error = %v", err)
	}
	got, err := os.Readlink(filepath.Join(backupDir, "lnk"))
	if err != nil {
		t.Fatalf("reading backup link: %v", err)
	}
	if got != "target.txt" {
		t.Errorf("link target = %q, want %q", got, "target.txt")
	}

	// A second pass with the link already in place copies nothing.
	if err := e.LinkAll([]*pathtree.Record{rec}); err != nil {
		t.Fatal(err)
	}
	if e.Counters.CopiedOK.Load() != 1 {
		t.Errorf("CopiedOK = %d, want 1 (second pass must skip)", e.Counters.CopiedOK.Load())
	}
}

func TestCheck_AbortsBatchOperations(t *testing.T) {
	e, backupDir := newTestExecutor(t)
	mustWriteBackup(t, backupDir, "a.txt", "x")
	sentinel := errors.New("stop")
	e.Check = func() error { return sentinel }

	if err := e.DeleteAll([]planner.DeleteItem{{RelPath: "a.txt", Kind: pathtree.KindFile}}); !errors.Is(err, sentinel) {
		t.Errorf("DeleteAll() error = %v, want sentinel", err)
	}
	if _, err := os.Lstat(filepath.Join(backupDir, "a.txt")); err != nil {
		t.Error("aborted DeleteAll must not have touched the path")
	}
	if err := e.MkdirAll([]string{"d"}); !errors.Is(err, sentinel) {
		t.Errorf("MkdirAll() error = %v, want sentinel", err)
	}
	if err := e.LinkAll([]*pathtree.Record{{RelPath: "l", Root: backupDir}}); !errors.Is(err, sentinel) {
		t.Errorf("LinkAll() error = %v, want sentinel", err)
	}
}

func mustWriteBackup(t *testing.T, backupDir, relPath, content string) {
	t.Helper()
	absPath := filepath.Join(backupDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFailedOperationsLandInErrorLedger(t *testing.T) {
	e, backupDir := newTestExecutor(t)
	e.Errors = sharded.NewMap[error](4)

	// A non-empty directory declared as a file: os.Remove refuses it.
	if err := os.MkdirAll(filepath.Join(backupDir, "stubborn", "child"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteAll([]planner.DeleteItem{{RelPath: "stubborn", Kind: pathtree.KindFile}}); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if _, ok := e.Errors.Load("stubborn"); !ok {
		t.Error("failed delete not recorded in the error ledger")
	}

	// A regular file is not a symlink: Readlink fails.
	srcRoot := t.TempDir()
	rec := sourceRecord(t, srcRoot, "not-a-link", "plain")
	if err := e.LinkAll([]*pathtree.Record{rec}); err != nil {
		t.Fatalf("LinkAll() error = %v", err)
	}
	if _, ok := e.Errors.Load("not-a-link"); !ok {
		t.Error("failed link not recorded in the error ledger")
	}

	if got := e.Errors.Count(); got != 2 {
		t.Errorf("ledger has %d entries, want 2", got)
	}
}

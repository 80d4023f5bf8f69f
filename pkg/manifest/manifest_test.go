package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/verigo/verigo/pkg/checksum"
)

const (
	sumA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	sumB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestLoad_MissingFileIsEmptyManifest(t *testing.T) {
	m, err := Load(t.TempDir(), checksum.SHA256)
	if err != nil {
		t.Fatalf("Load on empty dir: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := New(checksum.SHA256)
	m.Put("docs/readme.md", sumA)
	m.Put("zeta.bin", sumB)
	m.Put("alpha.bin", sumB)

	if err := m.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if m.Dirty() {
		t.Error("manifest still dirty after Save")
	}

	loaded, err := Load(dir, checksum.SHA256)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Len() != 3 {
		t.Fatalf("Len = %d, want 3", loaded.Len())
	}
	if sum, ok := loaded.Get("docs/readme.md"); !ok || sum != sumA {
		t.Errorf("Get(docs/readme.md) = %q, %v", sum, ok)
	}
}

func TestSave_SortedCoreutilsFormat(t *testing.T) {
	dir := t.TempDir()
	m := New(checksum.SHA256)
	m.Put("b.txt", sumB)
	m.Put("a.txt", sumA)
	if err := m.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "checksums.sha256"))
	if err != nil {
		t.Fatal(err)
	}
	want := sumA + " *a.txt\n" + sumB + " *b.txt\n"
	if string(data) != want {
		t.Errorf("file content:\n%s\nwant:\n%s", data, want)
	}
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	m := New(checksum.MD5)
	m.Put("f", strings.Repeat("a", checksum.MD5.HexLen()))
	if err := m.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "checksums.md5" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir contents = %v, want only checksums.md5", names)
	}
}

func TestLoad_CorruptLines(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"no separator", sumA + "a.txt"},
		{"short checksum", "abc123 *a.txt"},
		{"non-hex checksum", strings.Repeat("z", 64) + " *a.txt"},
		{"empty path", sumA + " *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, FileName(checksum.SHA256))
			if err := os.WriteFile(path, []byte(tt.line+"\n"), 0o644); err != nil {
				t.Fatal(err)
			}
			m, err := Load(dir, checksum.SHA256)
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Load error = %v, want ErrCorrupt", err)
			}
			if m.Len() != 0 {
				t.Errorf("corrupt load returned %d entries, want empty manifest", m.Len())
			}
		})
	}
}

func TestLoad_BlankLinesTolerated(t *testing.T) {
	dir := t.TempDir()
	content := "\n" + sumA + " *a.txt\n\n   \n" + sumB + " *b.txt\n"
	if err := os.WriteFile(filepath.Join(dir, FileName(checksum.SHA256)), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(dir, checksum.SHA256)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
}

func TestLoad_NormalizesBackslashPaths(t *testing.T) {
	dir := t.TempDir()
	content := sumA + " *docs\\readme.md\n"
	if err := os.WriteFile(filepath.Join(dir, FileName(checksum.SHA256)), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(dir, checksum.SHA256)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := m.Get("docs/readme.md"); !ok {
		t.Errorf("expected normalized key docs/readme.md, have %v", m.Paths())
	}
}

func TestRemovePrefix(t *testing.T) {
	m := New(checksum.SHA256)
	m.Put("docs/a.md", sumA)
	m.Put("docs/sub/b.md", sumA)
	m.Put("docs2/c.md", sumB)

	m.RemovePrefix("docs")
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1; paths %v", m.Len(), m.Paths())
	}
	if _, ok := m.Get("docs2/c.md"); !ok {
		t.Error("docs2/c.md should survive RemovePrefix(docs)")
	}
}

func TestPut_NoDirtyOnSameValue(t *testing.T) {
	m := New(checksum.SHA256)
	m.Put("a", sumA)
	dir := t.TempDir()
	if err := m.Save(dir); err != nil {
		t.Fatal(err)
	}
	m.Put("a", sumA)
	if m.Dirty() {
		t.Error("re-putting an identical entry marked the manifest dirty")
	}
	m.Put("a", sumB)
	if !m.Dirty() {
		t.Error("changing an entry did not mark the manifest dirty")
	}
}

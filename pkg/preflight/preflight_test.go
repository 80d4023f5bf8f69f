package preflight

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckInputAccessible(t *testing.T) {
	dir := t.TempDir()
	if err := CheckInputAccessible(dir); err != nil {
		t.Errorf("CheckInputAccessible(existing dir) = %v, want nil", err)
	}
	if err := CheckInputAccessible(filepath.Join(dir, "absent")); err == nil {
		t.Error("CheckInputAccessible(missing path) = nil, want error")
	}
}

func TestCheckPathNesting(t *testing.T) {
	base := t.TempDir()
	input := filepath.Join(base, "data")
	tests := []struct {
		name    string
		input   string
		target  string
		wantErr bool
	}{
		{"siblings", input, filepath.Join(base, "backup"), false},
		{"target inside input", input, filepath.Join(input, "backup"), true},
		{"input inside target", filepath.Join(base, "backup", "data"), filepath.Join(base, "backup"), true},
		{"same path", input, input, true},
		{"similar prefix is not nesting", input, input + "2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPathNesting(tt.input, tt.target)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckPathNesting(%q, %q) = %v, wantErr %v", tt.input, tt.target, err, tt.wantErr)
			}
		})
	}
}

func TestCheckBackupTargetWritable(t *testing.T) {
	target := filepath.Join(t.TempDir(), "new", "backup")
	if err := CheckBackupTargetWritable(target); err != nil {
		t.Fatalf("CheckBackupTargetWritable() error = %v", err)
	}
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		t.Errorf("target directory not created: %v", err)
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("write test left artifacts behind: %v", entries)
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if err := CheckFreeSpace(dir, 1); err != nil {
		t.Errorf("CheckFreeSpace(1 byte) = %v, want nil", err)
	}
	if err := CheckFreeSpace(dir, 0); err != nil {
		t.Errorf("CheckFreeSpace(0 bytes) = %v, want nil", err)
	}
	const exabyte = int64(1) << 60
	if err := CheckFreeSpace(dir, exabyte); err == nil {
		t.Error("CheckFreeSpace(1 EiB) = nil, want error")
	}
}

func TestCheckBackupTargetAccessible_FileTarget(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CheckBackupTargetAccessible(file); err == nil {
		t.Error("CheckBackupTargetAccessible(regular file) = nil, want error")
	}
}

func TestCheckBackupTargetAccessible_MissingParent(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(os.Getenv("HOME"), "gone", "deeper", "backup")
	if err := CheckBackupTargetAccessible(target); err == nil {
		t.Error("CheckBackupTargetAccessible(missing parent) = nil, want error")
	}
}

func TestCheckBackupTargetAccessible_UnderHome(t *testing.T) {
	base := t.TempDir()
	t.Setenv("HOME", base)
	target := filepath.Join(base, "backup")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := CheckBackupTargetAccessible(target); err != nil {
		t.Errorf("CheckBackupTargetAccessible(home dir target) = %v, want nil", err)
	}
}

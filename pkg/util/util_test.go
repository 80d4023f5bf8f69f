package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	tests := []struct {
		in   os.FileMode
		want os.FileMode
	}{
		{0o444, 0o644},
		{0o644, 0o644},
		{0o755, 0o755},
		{0o000, 0o200},
	}
	for _, tt := range tests {
		if got := WithUserWritePermission(tt.in); got != tt.want {
			t.Errorf("WithUserWritePermission(%o) = %o, want %o", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeDenormalizeRoundTrip(t *testing.T) {
	root := string(filepath.Separator) + "root"
	abs := DenormalizedAbsPath(root, "a/b/c.txt")
	want := filepath.Join(root, "a", "b", "c.txt")
	if abs != want {
		t.Errorf("DenormalizedAbsPath() = %q, want %q", abs, want)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		t.Fatal(err)
	}
	if got := NormalizePath(rel); got != "a/b/c.txt" {
		t.Errorf("NormalizePath() = %q, want %q", got, "a/b/c.txt")
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/backup")
	if err != nil {
		t.Fatalf("ExpandPath() error = %v", err)
	}
	if got != filepath.Join(home, "backup") {
		t.Errorf("ExpandPath(~/backup) = %q, want under %q", got, home)
	}

	got, err = ExpandPath("/absolute/path")
	if err != nil || got != "/absolute/path" {
		t.Errorf("ExpandPath(absolute) = %q, %v; want unchanged", got, err)
	}
}

func TestInvertMap(t *testing.T) {
	inv := InvertMap(map[string]int{"a": 1, "b": 2})
	if inv[1] != "a" || inv[2] != "b" {
		t.Errorf("InvertMap() = %v", inv)
	}
}

func TestByteCountIEC(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
	}
	for _, tt := range tests {
		if got := ByteCountIEC(tt.in); got != tt.want {
			t.Errorf("ByteCountIEC(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsHexString(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"deadbeef", true},
		{"DEADBEEF", true},
		{"0123456789abcdef", true},
		{"", false},
		{"xyz", false},
		{"dead beef", false},
	}
	for _, tt := range tests {
		if got := IsHexString(tt.in); got != tt.want {
			t.Errorf("IsHexString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

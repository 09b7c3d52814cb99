package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing root", Config{RootPath: filepath.Join(dir, "missing")}, "stat root path"},
		{"created root", Config{RootPath: filepath.Join(dir, "data"), CreateDirs: true}, ""},
		{"root is a file", Config{RootPath: file}, "not a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("New() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if b.Root() != tt.cfg.RootPath {
				t.Errorf("Root() = %q, want %q", b.Root(), tt.cfg.RootPath)
			}
			if fi, err := os.Stat(tt.cfg.RootPath); err != nil || !fi.IsDir() {
				t.Errorf("root not created: %v", err)
			}
		})
	}
}

func TestDirsSkipsHiddenAndFiles(t *testing.T) {
	b, err := New(Config{RootPath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{"beta", "alpha", ".trash"} {
		if err := os.Mkdir(b.FullPath(d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(b.FullPath("notes.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	dirs, err := b.Dirs()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"alpha", "beta"}; !reflect.DeepEqual(dirs, want) {
		t.Errorf("Dirs() = %v, want %v", dirs, want)
	}
}

func TestWriteFileKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	backup := path + "-"

	if err := WriteFile(path, strings.NewReader("v1"), backup); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(backup); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("first write left a backup: %v", err)
	}

	if err := WriteFile(path, strings.NewReader("v2"), backup); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, path); got != "v2" {
		t.Errorf("content = %q, want v2", got)
	}
	if got := readFile(t, backup); got != "v1" {
		t.Errorf("backup = %q, want v1", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected config and backup only, got %d entries", len(entries))
	}
}

func TestRenameRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	for p, content := range map[string]string{src: "src", dst: "dst"} {
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := Rename(src, dst); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("Rename() over existing = %v, want ErrExist", err)
	}
	if got := readFile(t, dst); got != "dst" {
		t.Errorf("destination overwritten: %q", got)
	}

	if err := os.Remove(dst); err != nil {
		t.Fatal(err)
	}
	if err := Rename(src, dst); err != nil {
		t.Fatalf("Rename() = %v", err)
	}
	if ok, _ := Exists(src); ok {
		t.Error("source still exists after rename")
	}
	if got := readFile(t, dst); got != "src" {
		t.Errorf("destination = %q, want src", got)
	}
}

func TestRemoveToleratesMissing(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a")
	if err := os.MkdirAll(filepath.Join(target, "b"), 0755); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := Remove(target); err != nil {
			t.Fatalf("Remove() call %d = %v", i+1, err)
		}
	}
	ok, err := Exists(target)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("directory still exists")
	}
}

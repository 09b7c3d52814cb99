// Package storage provides the local filesystem tree backing shared folders
// and the trash, with atomic writes and renames that never overwrite.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Config holds local filesystem settings.
type Config struct {
	RootPath   string `mapstructure:"root" yaml:"root" json:"root"`
	CreateDirs bool   `mapstructure:"create_dirs" yaml:"create_dirs" json:"create_dirs"`
}

// Local is a directory tree addressed by slash-separated keys.
type Local struct {
	rootPath string
}

// New opens the tree at cfg.RootPath, creating it when CreateDirs is set.
func New(cfg Config) (*Local, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(root, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	return &Local{rootPath: root}, nil
}

// Root returns the absolute root path.
func (b *Local) Root() string { return b.rootPath }

// FullPath maps a key to its absolute path.
func (b *Local) FullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// Dirs lists the visible (non-dot) directories directly under the root,
// sorted by name.
func (b *Local) Dirs() ([]string, error) {
	entries, err := os.ReadDir(b.rootPath)
	if err != nil {
		return nil, fmt.Errorf("read root %s: %w", b.rootPath, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || Hidden(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Hidden reports whether a directory entry name is hidden from listings.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// WriteFile writes body to path atomically: content goes to a temp file in
// the same directory which is then renamed over path. When backup is not
// empty the previous content of path is first moved there.
func WriteFile(path string, body io.Reader, backup string) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".partage-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}

	if backup != "" {
		if err := os.Rename(path, backup); err != nil && !os.IsNotExist(err) {
			os.Remove(tmpName)
			return fmt.Errorf("backup %s: %w", path, err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}

// Rename moves src to dst and fails with an EEXIST-class error when dst
// already exists.
func Rename(src, dst string) error {
	return renameNoReplace(src, dst)
}

// Remove deletes path recursively. A missing path is not an error.
func Remove(path string) error {
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists, without following a final symlink.
func Exists(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}

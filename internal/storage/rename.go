package storage

import (
	"io/fs"
	"os"
)

// renameChecked refuses to overwrite dst by checking for it first. The
// check and the rename are not atomic; callers hold the relevant named
// lock.
func renameChecked(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: fs.ErrExist}
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.Rename(src, dst)
}

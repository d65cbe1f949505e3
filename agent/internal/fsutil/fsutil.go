// Package fsutil holds small filesystem probes shared by the watcher and
// the reconciler.
package fsutil

import (
	"errors"
	"io/fs"
	"os"
)

// PathExists reports whether an entry is currently present at path.
// Symlinks are not followed, so a dangling link counts as present.
func PathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsDir reports whether path is a directory and not a symlink to one
func IsDir(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.IsDir()
}

// IsNotExist reports whether err means the path vanished
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// IsExist reports whether err means the path was created concurrently
func IsExist(err error) bool {
	return errors.Is(err, fs.ErrExist)
}

// IsBenign reports whether err is a race with a concurrent change of the
// filesystem rather than a condition the caller has to act upon.
func IsBenign(err error) bool {
	return IsNotExist(err) || IsExist(err)
}

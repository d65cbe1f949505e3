package storage

import (
	"context"
	"os"
)

// Storage defines the mutations the reconciler applies to one destination
// tree. Paths are local paths: slash separated and relative to the root.
type Storage interface {
	// Root returns the absolute destination root
	Root() string

	// Path maps a local path to its absolute destination path
	Path(localPath string) string

	// PutFile copies the regular file at sourcePath into the destination
	PutFile(ctx context.Context, localPath, sourcePath string) error

	// PutSymlink reproduces a symlink. skipped is true when an identical
	// link was already in place.
	PutSymlink(localPath, linkTarget string) (skipped bool, err error)

	// MakeDir creates a directory with the mode and owner recorded in info.
	// created is false when the directory already existed.
	MakeDir(localPath string, info os.FileInfo) (created bool, err error)

	// Chmod applies the permission bits of mode
	Chmod(localPath string, mode os.FileMode) error

	// DeleteFile removes a file or symlink
	DeleteFile(localPath string) (removed bool, err error)

	// DeleteDir removes a directory tree, retrying transient failures
	DeleteDir(ctx context.Context, localPath string) (removed bool, err error)
}

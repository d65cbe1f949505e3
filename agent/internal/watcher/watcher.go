package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinshumberto/libraries-watcher/agent/internal/config"
)

// Kind represents the type of a canonical file system event
type Kind int

const (
	// Add is triggered when a file or symlink is created or replaced
	Add Kind = iota
	// AddDir is triggered when a directory is created
	AddDir
	// Change is triggered when the content of an entry changed
	Change
	// ChangeDir is triggered when only the metadata of a directory changed
	ChangeDir
	// Unlink is triggered when a file or symlink is removed
	Unlink
	// UnlinkDir is triggered when a directory is removed
	UnlinkDir
)

var kindNames = [...]string{
	Add:       "add",
	AddDir:    "addDir",
	Change:    "change",
	ChangeDir: "changeDir",
	Unlink:    "unlink",
	UnlinkDir: "unlinkDir",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind returns the kind with the given name
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown event kind: %s", name)
}

// Event is a normalized description of a change inside a library
type Event struct {
	Kind        Kind
	IsDirectory bool
	LocalPath   string // slash separated, relative to the library root; "" is the root
	SourcePath  string
	Stats       os.FileInfo // nil for removals
	Library     *config.Library
	Timestamp   time.Time
}

func (e Event) String() string {
	local := e.LocalPath
	if local == "" {
		local = "."
	}
	return e.Kind.String() + " " + local
}

func newEvent(kind Kind, isDir bool, lib *config.Library, localPath, sourcePath string, stats os.FileInfo) Event {
	return Event{
		Kind:        kind,
		IsDirectory: isDir,
		LocalPath:   localPath,
		SourcePath:  sourcePath,
		Stats:       stats,
		Library:     lib,
		Timestamp:   time.Now(),
	}
}

// NewAddEvent creates an event for a created file or symlink
func NewAddEvent(lib *config.Library, localPath, sourcePath string, stats os.FileInfo) Event {
	return newEvent(Add, false, lib, localPath, sourcePath, stats)
}

// NewAddDirEvent creates an event for a created directory
func NewAddDirEvent(lib *config.Library, localPath, sourcePath string, stats os.FileInfo) Event {
	return newEvent(AddDir, true, lib, localPath, sourcePath, stats)
}

// NewChangeEvent creates an event for modified content. Directories are
// flagged so the reconciler can skip them.
func NewChangeEvent(lib *config.Library, localPath, sourcePath string, stats os.FileInfo) Event {
	isDir := stats != nil && stats.IsDir()
	return newEvent(Change, isDir, lib, localPath, sourcePath, stats)
}

// NewChangeDirEvent creates an event for a metadata change on a directory
func NewChangeDirEvent(lib *config.Library, localPath, sourcePath string, stats os.FileInfo) Event {
	return newEvent(ChangeDir, true, lib, localPath, sourcePath, stats)
}

// NewUnlinkEvent creates an event for a removed file or symlink
func NewUnlinkEvent(lib *config.Library, localPath, sourcePath string) Event {
	return newEvent(Unlink, false, lib, localPath, sourcePath, nil)
}

// NewUnlinkDirEvent creates an event for a removed directory
func NewUnlinkDirEvent(lib *config.Library, localPath, sourcePath string) Event {
	return newEvent(UnlinkDir, true, lib, localPath, sourcePath, nil)
}

// LocalPath returns the slash separated path of fullPath relative to root.
// The root itself maps to "".
func LocalPath(root, fullPath string) (string, error) {
	rel, err := filepath.Rel(root, fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to get relative path: %w", err)
	}
	if rel == "." {
		return "", nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside of %s", fullPath, root)
	}
	return filepath.ToSlash(rel), nil
}

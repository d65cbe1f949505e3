package watcher

import (
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/martinshumberto/libraries-watcher/agent/internal/fsutil"
)

// Action tells the listener what to do with a raw notification
type Action int

const (
	// Drop discards the notification
	Drop Action = iota
	// Emit forwards a canonical event of the decided kind
	Emit
	// SelfRemoved starts the wait for the watched directory to come back
	SelfRemoved
	// MoveFrom holds an unlink until the matching move target shows up
	MoveFrom
	// Fail reports an error the listener cannot reason about
	Fail
)

func (a Action) String() string {
	switch a {
	case Drop:
		return "drop"
	case Emit:
		return "emit"
	case SelfRemoved:
		return "self-removed"
	case MoveFrom:
		return "move-from"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Notification is a raw event as seen by one listener
type Notification struct {
	Op       fsnotify.Op
	Path     string
	Self     bool // Path is the listener's own directory
	KnownDir bool // Path was last seen as a directory
}

// Probe is the lstat result of the notified path, taken when the
// notification is handled rather than when it was produced.
type Probe struct {
	Info os.FileInfo
	Err  error
}

// ProbePath stats path without following symlinks
func ProbePath(path string) Probe {
	info, err := os.Lstat(path)
	return Probe{Info: info, Err: err}
}

// Decision is the outcome of Classify
type Decision struct {
	Action      Action
	Kind        Kind
	IsDirectory bool
	Stats       os.FileInfo
	Reason      string
	Err         error
}

// Classify turns a raw notification and the current state of its path into
// a decision. The filesystem is the ground truth: a notification about a
// path that no longer exists is dropped unless it reports the removal.
func Classify(n Notification, p Probe) Decision {
	if n.Self {
		return classifySelf(n, p)
	}
	return classifyChild(n, p)
}

func classifySelf(n Notification, p Probe) Decision {
	switch {
	case n.Op.Has(fsnotify.Remove):
		return Decision{Action: SelfRemoved, Kind: UnlinkDir, IsDirectory: true, Reason: "watched directory removed"}

	case n.Op.Has(fsnotify.Rename), n.Op.Has(fsnotify.Chmod):
		renamed := n.Op.Has(fsnotify.Rename)
		if p.Err != nil {
			if !fsutil.IsNotExist(p.Err) {
				return failed(p.Err)
			}
			if renamed {
				return Decision{Action: SelfRemoved, Kind: UnlinkDir, IsDirectory: true, Reason: "watched directory moved away"}
			}
			return Decision{Action: Drop, Reason: "watched directory vanished"}
		}
		if p.Info.IsDir() {
			// backends report permission and owner changes as renames
			return Decision{Action: Emit, Kind: ChangeDir, IsDirectory: true, Stats: p.Info, Reason: "metadata change on watched directory"}
		}
		if renamed {
			return Decision{Action: SelfRemoved, Kind: UnlinkDir, IsDirectory: true, Reason: "watched directory replaced"}
		}
		return Decision{Action: Drop, Reason: "watched path is no longer a directory"}

	default:
		return Decision{Action: Drop, Reason: "no action for " + n.Op.String() + " on watched directory"}
	}
}

func classifyChild(n Notification, p Probe) Decision {
	switch {
	case n.Op.Has(fsnotify.Remove):
		if n.KnownDir {
			return Decision{Action: Emit, Kind: UnlinkDir, IsDirectory: true, Reason: "directory removed"}
		}
		return Decision{Action: Emit, Kind: Unlink, Reason: "entry removed"}

	case n.Op.Has(fsnotify.Rename):
		if p.Err != nil {
			if !fsutil.IsNotExist(p.Err) {
				return failed(p.Err)
			}
			return Decision{Action: MoveFrom, Kind: unlinkKind(n.KnownDir), IsDirectory: n.KnownDir, Reason: "entry moved away"}
		}
		// still present: a creation the backend failed to classify
		return added(p.Info, "entry appeared through rename")

	case n.Op.Has(fsnotify.Create):
		if p.Err != nil {
			return vanished(p.Err)
		}
		return added(p.Info, "entry created")

	case n.Op.Has(fsnotify.Write):
		if p.Err != nil {
			return vanished(p.Err)
		}
		return Decision{Action: Emit, Kind: Change, IsDirectory: p.Info.IsDir(), Stats: p.Info, Reason: "content changed"}

	case n.Op.Has(fsnotify.Chmod):
		if p.Err != nil {
			return vanished(p.Err)
		}
		if p.Info.IsDir() {
			return Decision{Action: Emit, Kind: ChangeDir, IsDirectory: true, Stats: p.Info, Reason: "directory metadata changed"}
		}
		return Decision{Action: Emit, Kind: Change, Stats: p.Info, Reason: "metadata changed"}

	default:
		return Decision{Action: Drop, Reason: "unsupported operation " + n.Op.String()}
	}
}

func added(info os.FileInfo, reason string) Decision {
	if info.IsDir() {
		return Decision{Action: Emit, Kind: AddDir, IsDirectory: true, Stats: info, Reason: reason}
	}
	return Decision{Action: Emit, Kind: Add, Stats: info, Reason: reason}
}

func vanished(err error) Decision {
	if fsutil.IsNotExist(err) {
		return Decision{Action: Drop, Reason: "path vanished before it could be probed"}
	}
	return failed(err)
}

func failed(err error) Decision {
	return Decision{Action: Fail, Err: err, Reason: "failed to probe path"}
}

func unlinkKind(isDir bool) Kind {
	if isDir {
		return UnlinkDir
	}
	return Unlink
}

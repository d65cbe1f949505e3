package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("Test"), 0644))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(dir, link))
	missing := filepath.Join(dir, "missing")

	tests := []struct {
		name   string
		n      Notification
		path   string
		action Action
		kind   Kind
		isDir  bool
	}{
		{"self remove", Notification{Op: fsnotify.Remove, Self: true}, dir, SelfRemoved, UnlinkDir, true},
		{"self rename of present directory", Notification{Op: fsnotify.Rename, Self: true}, dir, Emit, ChangeDir, true},
		{"self rename of vanished directory", Notification{Op: fsnotify.Rename, Self: true}, missing, SelfRemoved, UnlinkDir, true},
		{"self rename replaced by symlink", Notification{Op: fsnotify.Rename, Self: true}, link, SelfRemoved, UnlinkDir, true},
		{"self chmod", Notification{Op: fsnotify.Chmod, Self: true}, dir, Emit, ChangeDir, true},
		{"self chmod of vanished directory", Notification{Op: fsnotify.Chmod, Self: true}, missing, Drop, 0, false},
		{"self write", Notification{Op: fsnotify.Write, Self: true}, dir, Drop, 0, false},
		{"create file", Notification{Op: fsnotify.Create}, file, Emit, Add, false},
		{"create directory", Notification{Op: fsnotify.Create}, dir, Emit, AddDir, true},
		{"create symlink to directory", Notification{Op: fsnotify.Create}, link, Emit, Add, false},
		{"create vanished", Notification{Op: fsnotify.Create}, missing, Drop, 0, false},
		{"rename of present entry", Notification{Op: fsnotify.Rename}, file, Emit, Add, false},
		{"rename of present directory", Notification{Op: fsnotify.Rename}, dir, Emit, AddDir, true},
		{"rename away", Notification{Op: fsnotify.Rename}, missing, MoveFrom, Unlink, false},
		{"rename away of directory", Notification{Op: fsnotify.Rename, KnownDir: true}, missing, MoveFrom, UnlinkDir, true},
		{"write", Notification{Op: fsnotify.Write}, file, Emit, Change, false},
		{"write to directory", Notification{Op: fsnotify.Write}, dir, Emit, Change, true},
		{"write vanished", Notification{Op: fsnotify.Write}, missing, Drop, 0, false},
		{"chmod file", Notification{Op: fsnotify.Chmod}, file, Emit, Change, false},
		{"chmod directory", Notification{Op: fsnotify.Chmod}, dir, Emit, ChangeDir, true},
		{"chmod vanished", Notification{Op: fsnotify.Chmod}, missing, Drop, 0, false},
		{"remove file", Notification{Op: fsnotify.Remove}, missing, Emit, Unlink, false},
		{"remove directory", Notification{Op: fsnotify.Remove, KnownDir: true}, missing, Emit, UnlinkDir, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.n.Path = tt.path
			d := Classify(tt.n, ProbePath(tt.path))

			assert.Equal(t, tt.action, d.Action, d.Reason)
			if tt.action == Emit || tt.action == MoveFrom || tt.action == SelfRemoved {
				assert.Equal(t, tt.kind, d.Kind)
				assert.Equal(t, tt.isDir, d.IsDirectory)
			}
			if tt.action == Emit && tt.kind != Unlink && tt.kind != UnlinkDir {
				assert.NotNil(t, d.Stats)
			}
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestClassifyProbeFailure(t *testing.T) {
	probe := Probe{Err: os.ErrPermission}

	for _, op := range []fsnotify.Op{fsnotify.Create, fsnotify.Write, fsnotify.Chmod, fsnotify.Rename} {
		d := Classify(Notification{Op: op, Path: "/x"}, probe)
		assert.Equal(t, Fail, d.Action, op.String())
		assert.True(t, errors.Is(d.Err, os.ErrPermission))
	}

	d := Classify(Notification{Op: fsnotify.Rename, Path: "/x", Self: true}, probe)
	assert.Equal(t, Fail, d.Action)
}

func TestKindNames(t *testing.T) {
	for _, kind := range []Kind{Add, AddDir, Change, ChangeDir, Unlink, UnlinkDir} {
		parsed, err := ParseKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseKind("rename")
	assert.Error(t, err)
	assert.Equal(t, "Kind(42)", Kind(42).String())
}

func TestLocalPath(t *testing.T) {
	local, err := LocalPath("/src", "/src")
	require.NoError(t, err)
	assert.Equal(t, "", local)

	local, err = LocalPath("/src", "/src/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", local)

	_, err = LocalPath("/src", "/other/file")
	assert.Error(t, err)
}

func TestEventConstructors(t *testing.T) {
	info, err := os.Lstat(t.TempDir())
	require.NoError(t, err)

	ev := NewChangeEvent(nil, "dir", "/src/dir", info)
	assert.Equal(t, Change, ev.Kind)
	assert.True(t, ev.IsDirectory)
	assert.Equal(t, "change dir", ev.String())

	ev = NewUnlinkDirEvent(nil, "", "/src")
	assert.True(t, ev.IsDirectory)
	assert.Nil(t, ev.Stats)
	assert.Equal(t, "unlinkDir .", ev.String())

	ev = NewAddEvent(nil, "a", "/src/a", nil)
	assert.False(t, ev.IsDirectory)
	assert.False(t, ev.Timestamp.IsZero())
}

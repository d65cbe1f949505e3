package library

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/martinshumberto/libraries-watcher/agent/internal/config"
	"github.com/martinshumberto/libraries-watcher/agent/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type collector struct {
	mu     sync.Mutex
	events []watcher.Event
}

func (c *collector) add(ev watcher.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) has(kind watcher.Kind, localPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Kind == kind && ev.LocalPath == localPath {
			return true
		}
	}
	return false
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestLibrary(t *testing.T, source string) (*WatchedLibrary, *collector) {
	t.Helper()
	lib := &config.Library{
		Name:         "test",
		Source:       source,
		Destinations: []string{filepath.Join(source, "mirror"), filepath.Join(t.TempDir(), "dest")},
	}
	c := &collector{}
	w := New(lib, c.add, Options{
		PollInterval:    20 * time.Millisecond,
		MovePairTimeout: 20 * time.Millisecond,
	})
	t.Cleanup(func() { w.StopWatch() })
	return w, c
}

func mkdirAll(t *testing.T, parts ...string) string {
	t.Helper()
	path := filepath.Join(parts...)
	require.NoError(t, os.MkdirAll(path, 0755))
	return path
}

func TestWatchDiscoversTree(t *testing.T) {
	source := t.TempDir()
	mkdirAll(t, source, "a", "b")
	mkdirAll(t, source, "c")
	mkdirAll(t, source, ".git", "objects")
	mkdirAll(t, source, "web", "node_modules", "pkg")
	mkdirAll(t, source, "mirror", "a")
	require.NoError(t, os.WriteFile(filepath.Join(source, "a", "file.txt"), []byte("x"), 0644))

	w, _ := newTestLibrary(t, source)
	require.NoError(t, w.Watch())

	assert.Equal(t, []string{
		source,
		filepath.Join(source, "a"),
		filepath.Join(source, "a", "b"),
		filepath.Join(source, "c"),
		filepath.Join(source, "web"),
	}, w.WatchedPaths())

	// watching twice is a no-op
	require.NoError(t, w.Watch())
	assert.Len(t, w.WatchedPaths(), 5)
}

func TestWatchMissingSourceFails(t *testing.T) {
	source := filepath.Join(t.TempDir(), "missing")

	w, _ := newTestLibrary(t, source)
	err := w.Watch()
	require.Error(t, err)
	assert.Empty(t, w.WatchedPaths())
}

func TestIgnored(t *testing.T) {
	source := t.TempDir()
	w, _ := newTestLibrary(t, source)

	assert.False(t, w.Ignored(source))
	assert.False(t, w.Ignored(filepath.Join(source, "a.txt")))
	assert.True(t, w.Ignored(filepath.Join(source, ".hidden")))
	assert.True(t, w.Ignored(filepath.Join(source, "mirror", "a.txt")))
	assert.True(t, w.Ignored(filepath.Join(filepath.Dir(source), "outside")))
}

func TestReactiveDiscovery(t *testing.T) {
	source := t.TempDir()
	w, c := newTestLibrary(t, source)
	require.NoError(t, w.Watch())

	newDir := mkdirAll(t, source, "new")
	require.Eventually(t, func() bool {
		return c.has(watcher.AddDir, "new")
	}, waitFor, tick)
	assert.Contains(t, w.WatchedPaths(), newDir)

	require.NoError(t, os.WriteFile(filepath.Join(newDir, "file.txt"), []byte("Test"), 0644))
	require.Eventually(t, func() bool {
		return c.has(watcher.Add, "new/file.txt")
	}, waitFor, tick)
}

func TestNestedBurstIsDiscovered(t *testing.T) {
	source := t.TempDir()
	w, c := newTestLibrary(t, source)
	require.NoError(t, w.Watch())

	mkdirAll(t, source, "x", "y", "z")
	require.Eventually(t, func() bool {
		return c.has(watcher.AddDir, "x")
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		paths := w.WatchedPaths()
		return assert.ObjectsAreEqual([]string{
			source,
			filepath.Join(source, "x"),
			filepath.Join(source, "x", "y"),
			filepath.Join(source, "x", "y", "z"),
		}, paths)
	}, waitFor, tick)
}

func TestRemovedSubtreeIsReleased(t *testing.T) {
	source := t.TempDir()
	mkdirAll(t, source, "a", "b", "c")

	w, c := newTestLibrary(t, source)
	require.NoError(t, w.Watch())
	require.Len(t, w.WatchedPaths(), 4)

	require.NoError(t, os.RemoveAll(filepath.Join(source, "a")))

	require.Eventually(t, func() bool {
		return c.has(watcher.UnlinkDir, "a")
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(w.WatchedPaths()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{source}, w.WatchedPaths())
}

func TestFileEventsAreForwarded(t *testing.T) {
	source := t.TempDir()
	mkdirAll(t, source, "a")
	file := filepath.Join(source, "a", "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("Test"), 0644))

	w, c := newTestLibrary(t, source)
	require.NoError(t, w.Watch())

	require.NoError(t, os.WriteFile(filepath.Join(source, "a", ".hidden"), []byte("x"), 0644))
	require.NoError(t, os.Remove(file))

	require.Eventually(t, func() bool {
		return c.has(watcher.Unlink, "a/file.txt")
	}, waitFor, tick)
	assert.False(t, c.has(watcher.Add, "a/.hidden"))
}

func TestStopWatch(t *testing.T) {
	source := t.TempDir()
	mkdirAll(t, source, "a")

	w, c := newTestLibrary(t, source)
	require.NoError(t, w.Watch())
	require.NoError(t, w.StopWatch())
	assert.Empty(t, w.WatchedPaths())

	// stopping twice is a no-op
	require.NoError(t, w.StopWatch())

	require.NoError(t, os.WriteFile(filepath.Join(source, "a", "file.txt"), []byte("x"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, c.count())
}

func TestRootRemovalAndRecreation(t *testing.T) {
	source := filepath.Join(t.TempDir(), "library")
	mkdirAll(t, source, "a")

	w, c := newTestLibrary(t, source)
	require.NoError(t, w.Watch())

	require.NoError(t, os.RemoveAll(source))
	require.Eventually(t, func() bool {
		return c.has(watcher.UnlinkDir, "")
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{source}, w.WatchedPaths())
	}, waitFor, tick)

	mkdirAll(t, source, "b")
	require.Eventually(t, func() bool {
		return c.has(watcher.AddDir, "")
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(w.WatchedPaths()) == 2
	}, waitFor, tick)

	require.NoError(t, os.WriteFile(filepath.Join(source, "b", "file.txt"), []byte("Test"), 0644))
	require.Eventually(t, func() bool {
		return c.has(watcher.Add, "b/file.txt")
	}, waitFor, tick)
}

// removeWhileListing makes readDir delete victim right after listing dir,
// as if it vanished before its watch could be added. It has to be called
// before the library is created so the original is restored after StopWatch.
func removeWhileListing(t *testing.T, dir, victim string) {
	t.Helper()
	readDir = func(name string) ([]os.DirEntry, error) {
		entries, err := os.ReadDir(name)
		if name == dir {
			os.RemoveAll(victim)
		}
		return entries, err
	}
	t.Cleanup(func() { readDir = os.ReadDir })
}

func TestWatchSkipsDirectoryVanishedDuringDiscovery(t *testing.T) {
	source := t.TempDir()
	mkdirAll(t, source, "a")
	mkdirAll(t, source, "b")
	mkdirAll(t, source, "c", "d")

	removeWhileListing(t, source, filepath.Join(source, "a"))
	w, c := newTestLibrary(t, source)
	require.NoError(t, w.Watch())

	assert.Equal(t, []string{
		source,
		filepath.Join(source, "b"),
		filepath.Join(source, "c"),
		filepath.Join(source, "c", "d"),
	}, w.WatchedPaths())

	require.NoError(t, os.WriteFile(filepath.Join(source, "c", "d", "file.txt"), []byte("x"), 0644))
	require.Eventually(t, func() bool {
		return c.has(watcher.Add, "c/d/file.txt")
	}, waitFor, tick)
}

func TestNewDirectoryKeepsSiblingsOfVanishedChild(t *testing.T) {
	source := t.TempDir()
	staging := mkdirAll(t, source, ".staging", "n")
	mkdirAll(t, staging, "a")
	mkdirAll(t, staging, "b")
	mkdirAll(t, staging, "c")

	n := filepath.Join(source, "n")
	removeWhileListing(t, n, filepath.Join(n, "a"))
	w, c := newTestLibrary(t, source)
	require.NoError(t, w.Watch())

	require.NoError(t, os.Rename(staging, n))
	require.Eventually(t, func() bool {
		return len(w.WatchedPaths()) == 4
	}, waitFor, tick)
	assert.Contains(t, w.WatchedPaths(), filepath.Join(n, "b"))
	assert.Contains(t, w.WatchedPaths(), filepath.Join(n, "c"))

	require.NoError(t, os.WriteFile(filepath.Join(n, "c", "file.txt"), []byte("x"), 0644))
	require.Eventually(t, func() bool {
		return c.has(watcher.Add, "n/c/file.txt")
	}, waitFor, tick)
}

// Package library keeps one directory listener alive for every directory of
// a configured library.
package library

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/martinshumberto/libraries-watcher/agent/internal/config"
	"github.com/martinshumberto/libraries-watcher/agent/internal/fsutil"
	"github.com/martinshumberto/libraries-watcher/agent/internal/ignore"
	"github.com/martinshumberto/libraries-watcher/agent/internal/watcher"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// readDir is replaced in tests to remove entries between listing and watching
var readDir = os.ReadDir

// Callback receives every canonical event of a library
type Callback func(watcher.Event)

// Options configures a WatchedLibrary
type Options struct {
	IgnorePatterns  []string
	PollInterval    time.Duration
	MovePairTimeout time.Duration
	Logger          *zerolog.Logger

	// OnError receives errors the library cannot handle itself
	OnError func(error)
}

// WatchedLibrary owns the tree of directory listeners of one library
type WatchedLibrary struct {
	lib      *config.Library
	opts     Options
	callback Callback
	matcher  *ignore.Matcher
	logger   zerolog.Logger

	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	listeners map[string]*watcher.DirectoryListener
	dirs      map[string]bool // source paths last seen as directories
	running   bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a library watcher. Nothing is watched until Watch is called.
func New(lib *config.Library, callback Callback, opts Options) *WatchedLibrary {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &WatchedLibrary{
		lib:       lib,
		opts:      opts,
		callback:  callback,
		matcher:   ignore.New(lib.Source, lib.Destinations, opts.IgnorePatterns),
		logger:    logger.With().Str("library", lib.Name).Logger(),
		listeners: make(map[string]*watcher.DirectoryListener),
		dirs:      make(map[string]bool),
	}
}

// Library returns the configuration being watched
func (w *WatchedLibrary) Library() *config.Library {
	return w.lib
}

// Matcher returns the ignore predicate of the library
func (w *WatchedLibrary) Matcher() *ignore.Matcher {
	return w.matcher
}

// Watch discovers the root and every subdirectory and watches them. Any
// failure aborts and releases what was already registered.
func (w *WatchedLibrary) Watch() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	w.fsw = fsw
	w.listeners = make(map[string]*watcher.DirectoryListener)
	w.dirs = make(map[string]bool)
	w.done = make(chan struct{})
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.dispatch(fsw, w.done)

	if err := w.discover(w.lib.Source); err != nil {
		w.StopWatch()
		return fmt.Errorf("failed to watch library %s: %w", w.lib.Name, err)
	}

	w.logger.Info().
		Str("source", w.lib.Source).
		Int("directories", len(w.WatchedPaths())).
		Msg("Watching library")

	return nil
}

// StopWatch permanently stops every listener, whatever its depth, and
// releases the native watcher.
func (w *WatchedLibrary) StopWatch() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.done)

	listeners := make([]*watcher.DirectoryListener, 0, len(w.listeners))
	for _, l := range w.listeners {
		listeners = append(listeners, l)
	}
	w.listeners = make(map[string]*watcher.DirectoryListener)
	fsw := w.fsw
	w.mu.Unlock()

	for _, l := range listeners {
		if err := l.Stop(true); err != nil {
			w.logger.Warn().Err(err).Str("path", l.SourcePath()).Msg("Failed to stop listener")
		}
	}

	err := fsw.Close()
	w.wg.Wait()

	w.logger.Debug().Int("listeners", len(listeners)).Msg("Stopped watching library")

	if err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}
	return nil
}

// WatchedPaths returns the source paths that currently have a listener
func (w *WatchedLibrary) WatchedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.listeners))
	for path := range w.listeners {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Ignored reports whether fullPath is excluded from mirroring
func (w *WatchedLibrary) Ignored(fullPath string) bool {
	localPath, err := watcher.LocalPath(w.lib.Source, fullPath)
	if err != nil {
		return true
	}
	return w.matcher.Ignored(ignore.Entry{
		FileName:  filepath.Base(fullPath),
		LocalPath: localPath,
		FullPath:  fullPath,
	})
}

// discover watches dir and, depth first, every directory below it
func (w *WatchedLibrary) discover(dir string) error {
	if dir != w.lib.Source && w.Ignored(dir) {
		w.logger.Debug().Str("path", dir).Msg("Excluding directory from watch")
		return nil
	}

	l, err := w.listenerFor(dir)
	if err != nil {
		return err
	}

	if err := l.Watch(false); err != nil {
		w.forget(dir, l)
		return err
	}

	entries, err := readDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		child := filepath.Join(dir, entry.Name())
		if err := w.discover(child); err != nil {
			// a child removed since the listing must not cost its siblings
			// their listeners
			if fsutil.IsNotExist(err) {
				w.logger.Debug().Err(err).Str("path", child).Msg("Directory vanished during discovery")
				continue
			}
			return err
		}
	}

	return nil
}

// listenerFor returns the listener of dir, creating it when missing. The
// map guarantees a single listener, and so a single watch, per path.
func (w *WatchedLibrary) listenerFor(dir string) (*watcher.DirectoryListener, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil, errors.New("library is not watched")
	}

	w.dirs[dir] = true
	if l, ok := w.listeners[dir]; ok {
		return l, nil
	}

	localPath, err := watcher.LocalPath(w.lib.Source, dir)
	if err != nil {
		return nil, err
	}

	l := watcher.NewDirectoryListener(watcher.ListenerOptions{
		Library:         w.lib,
		SourcePath:      dir,
		LocalPath:       localPath,
		Handle:          w.fsw,
		Ignore:          w.matcher,
		Emit:            w.onEvent,
		KnownDir:        w.knownDir,
		OnError:         w.reportError,
		PollInterval:    w.opts.PollInterval,
		MovePairTimeout: w.opts.MovePairTimeout,
		Logger:          &w.logger,
	})
	w.listeners[dir] = l

	return l, nil
}

func (w *WatchedLibrary) forget(dir string, l *watcher.DirectoryListener) {
	w.mu.Lock()
	if w.listeners[dir] == l {
		delete(w.listeners, dir)
	}
	w.mu.Unlock()

	l.Stop(true)
}

func (w *WatchedLibrary) knownDir(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirs[path] || w.listeners[path] != nil
}

// onEvent keeps the listener tree in step with the events flowing through
// it before handing them on.
func (w *WatchedLibrary) onEvent(ev watcher.Event) {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		return
	}

	switch ev.Kind {
	case watcher.AddDir:
		// children created before the new listener existed are picked up
		// by the resync this event triggers downstream
		if err := w.discover(ev.SourcePath); err != nil {
			if fsutil.IsNotExist(err) {
				w.logger.Debug().Err(err).Str("path", ev.SourcePath).Msg("Directory vanished during discovery")
			} else {
				w.logger.Error().Err(err).Str("path", ev.SourcePath).Msg("Failed to watch new directory")
			}
		}
	case watcher.UnlinkDir:
		w.teardown(ev.SourcePath)
	}

	w.logger.Debug().Str("event", ev.Kind.String()).Str("path", ev.LocalPath).Msg("Event")

	if w.callback != nil {
		w.callback(ev)
	}
}

// teardown forgets every listener below dir, and the listener of dir itself
// unless it is the library root, which keeps waiting for its return.
func (w *WatchedLibrary) teardown(dir string) {
	w.mu.Lock()
	var stopping []*watcher.DirectoryListener
	for path, l := range w.listeners {
		if isUnder(path, dir) || (path == dir && path != w.lib.Source) {
			stopping = append(stopping, l)
			delete(w.listeners, path)
		}
	}
	for path := range w.dirs {
		if isUnder(path, dir) || (path == dir && path != w.lib.Source) {
			delete(w.dirs, path)
		}
	}
	w.mu.Unlock()

	for _, l := range stopping {
		if err := l.Stop(true); err != nil {
			w.logger.Warn().Err(err).Str("path", l.SourcePath()).Msg("Failed to stop listener")
		}
	}

	if len(stopping) > 0 {
		w.logger.Debug().Str("path", dir).Int("listeners", len(stopping)).Msg("Released removed subtree")
	}
}

// dispatch routes native events to the listener they belong to. Removal,
// rename and attribute events naming a watched directory go to that
// directory's own listener; everything else goes to the parent's.
func (w *WatchedLibrary) dispatch(fsw *fsnotify.Watcher, done chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.route(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.handleWatcherError(err)
		}
	}
}

func (w *WatchedLibrary) route(ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)
	ev.Name = name

	w.mu.Lock()
	self := w.listeners[name]
	parent := w.listeners[filepath.Dir(name)]
	w.mu.Unlock()

	if self != nil && ev.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
		self.HandleRaw(ev, true)
		return
	}
	if name == w.lib.Source {
		return
	}
	if parent == nil {
		w.logger.Debug().Str("path", name).Str("op", ev.Op.String()).Msg("No listener for event")
		return
	}
	parent.HandleRaw(ev, false)
}

func (w *WatchedLibrary) handleWatcherError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.logger.Warn().Err(err).Msg("Native event queue overflowed, resyncing library")
		info, statErr := os.Lstat(w.lib.Source)
		if statErr != nil {
			return
		}
		w.onEvent(watcher.NewAddDirEvent(w.lib, "", w.lib.Source, info))
		return
	}
	w.logger.Error().Err(err).Msg("Watcher error")
}

func (w *WatchedLibrary) reportError(err error) {
	if w.opts.OnError != nil {
		w.opts.OnError(fmt.Errorf("library %s: %w", w.lib.Name, err))
	}
}

// isUnder checks if child is strictly below parent
func isUnder(child, parent string) bool {
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

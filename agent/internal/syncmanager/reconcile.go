package syncmanager

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/martinshumberto/libraries-watcher/agent/internal/fsutil"
	"github.com/martinshumberto/libraries-watcher/agent/internal/storage"
	"github.com/martinshumberto/libraries-watcher/agent/internal/watcher"
)

// apply mirrors one event into every destination of its library. Errors
// are handled per destination and never stop the queue.
func (lw *LibrariesWatcher) apply(ev watcher.Event) {
	if ev.Library == nil {
		lw.logger.Error().Str("event", ev.String()).Msg("Event without library")
		return
	}
	t, ok := lw.targets[ev.Library.Name]
	if !ok {
		lw.logger.Error().Str("library", ev.Library.Name).Msg("Event for unknown library")
		return
	}

	lw.countEvent(ev)

	if lw.recreated(ev) {
		lw.restore(t, ev)
		return
	}

	for _, store := range t.stores {
		err := lw.applyTo(lw.ctx, store, ev)
		lw.record(ev, store, err)
	}

	// The directory event may arrive after some of its content was created,
	// before the new directory had a listener of its own. A symlink to a
	// directory is mirrored as a link and never listed.
	if ev.Kind == watcher.AddDir && fsutil.IsDir(ev.SourcePath) {
		lw.resync(t, ev)
	}
}

// recreated reports whether the source of a removal is present again.
// Directory events jump the queue, so a removal can be applied after the
// creation that followed it.
func (lw *LibrariesWatcher) recreated(ev watcher.Event) bool {
	switch ev.Kind {
	case watcher.Unlink:
		return fsutil.PathExists(ev.SourcePath)
	case watcher.UnlinkDir:
		return fsutil.IsDir(ev.SourcePath)
	default:
		return false
	}
}

// restore mirrors the current source in place of a stale removal. A
// recreated directory is rebuilt from scratch so entries of the removed
// one do not survive.
func (lw *LibrariesWatcher) restore(t *target, ev watcher.Event) {
	lw.mu.Lock()
	lw.stats.BenignRaces++
	lw.mu.Unlock()

	lw.logger.Warn().
		Str("library", libraryName(ev)).
		Str("event", ev.Kind.String()).
		Str("path", ev.LocalPath).
		Msg("Source recreated before removal was applied, mirroring it again")

	for _, store := range t.stores {
		var err error
		if ev.Kind == watcher.UnlinkDir {
			if _, err = store.DeleteDir(lw.ctx, ev.LocalPath); err == nil {
				err = lw.applyAddDir(lw.ctx, store, ev)
			}
		} else {
			err = lw.applyAdd(lw.ctx, store, ev)
		}
		lw.record(ev, store, err)
	}

	if ev.Kind == watcher.UnlinkDir && fsutil.IsDir(ev.SourcePath) {
		lw.resync(t, ev)
	}
}

func (lw *LibrariesWatcher) applyTo(ctx context.Context, store storage.Storage, ev watcher.Event) error {
	switch ev.Kind {
	case watcher.Add:
		return lw.applyAdd(ctx, store, ev)

	case watcher.AddDir:
		return lw.applyAddDir(ctx, store, ev)

	case watcher.Change:
		if ev.IsDirectory {
			// nothing tells what changed inside the directory
			lw.logger.Debug().Str("path", ev.LocalPath).Msg("Ignoring change on directory")
			return nil
		}
		return lw.applyAdd(ctx, store, ev)

	case watcher.ChangeDir:
		mode := os.FileMode(0)
		if info, err := os.Lstat(ev.SourcePath); err == nil {
			mode = info.Mode()
		} else if ev.Stats != nil {
			mode = ev.Stats.Mode()
		} else {
			return fmt.Errorf("failed to stat source: %w", err)
		}
		if err := store.Chmod(ev.LocalPath, mode); err != nil {
			if fsutil.IsNotExist(err) {
				lw.logger.Debug().Str("path", store.Path(ev.LocalPath)).Msg("Destination vanished before mode change")
				return nil
			}
			return err
		}
		lw.progress(store, ev, "Changed mode")
		return nil

	case watcher.Unlink:
		removed, err := store.DeleteFile(ev.LocalPath)
		if err != nil {
			return err
		}
		if removed {
			lw.progress(store, ev, "Removed file")
		}
		return nil

	case watcher.UnlinkDir:
		removed, err := store.DeleteDir(ctx, ev.LocalPath)
		if err != nil {
			return err
		}
		if removed {
			lw.progress(store, ev, "Removed directory")
		}
		return nil

	default:
		lw.logger.Warn().Str("event", ev.Kind.String()).Str("path", ev.LocalPath).Msg("Unknown event kind")
		return nil
	}
}

// applyAdd mirrors a file or symlink. The source is probed again since it
// may have changed since the event was produced.
func (lw *LibrariesWatcher) applyAdd(ctx context.Context, store storage.Storage, ev watcher.Event) error {
	info, err := os.Lstat(ev.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		linkTarget, err := os.Readlink(ev.SourcePath)
		if err != nil {
			return fmt.Errorf("failed to read symlink: %w", err)
		}
		skipped, err := store.PutSymlink(ev.LocalPath, linkTarget)
		if err != nil {
			return err
		}
		if !skipped {
			lw.progress(store, ev, "Created symlink")
		}
		return nil

	case info.Mode().IsRegular():
		if err := store.PutFile(ctx, ev.LocalPath, ev.SourcePath); err != nil {
			return err
		}
		lw.progress(store, ev, "Copied file")
		return nil

	case info.IsDir():
		// replaced by a directory; its own addDir event takes care of it
		lw.logger.Debug().Str("path", ev.LocalPath).Msg("Entry is now a directory")
		return nil

	default:
		lw.logger.Debug().Str("path", ev.LocalPath).Str("mode", info.Mode().String()).Msg("Skipping special file")
		return nil
	}
}

func (lw *LibrariesWatcher) applyAddDir(ctx context.Context, store storage.Storage, ev watcher.Event) error {
	info, err := os.Lstat(ev.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return lw.applyAdd(ctx, store, ev)
	}

	created, err := store.MakeDir(ev.LocalPath, info)
	if err != nil {
		if fsutil.IsExist(err) {
			lw.logger.Warn().Err(err).Str("path", store.Path(ev.LocalPath)).Msg("Directory created concurrently")
			return nil
		}
		return err
	}
	if created {
		lw.progress(store, ev, "Created directory")
	}
	return nil
}

// resync lists a source directory and applies an add or addDir event for
// every entry, recursing through addDir.
func (lw *LibrariesWatcher) resync(t *target, ev watcher.Event) {
	entries, err := os.ReadDir(ev.SourcePath)
	if err != nil {
		if fsutil.IsNotExist(err) {
			lw.logger.Debug().Str("path", ev.SourcePath).Msg("Directory vanished before resync")
			return
		}
		lw.logger.Error().Err(err).Str("path", ev.SourcePath).Msg("Failed to list directory")
		lw.reportError(fmt.Errorf("failed to list %s: %w", ev.SourcePath, err))
		return
	}

	for _, entry := range entries {
		if lw.stopping() {
			return
		}

		sourcePath := filepath.Join(ev.SourcePath, entry.Name())
		if t.library.Ignored(sourcePath) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if !fsutil.IsNotExist(err) {
				lw.reportError(fmt.Errorf("failed to stat %s: %w", sourcePath, err))
			}
			continue
		}

		localPath := path.Join(ev.LocalPath, entry.Name())
		if info.IsDir() {
			lw.apply(watcher.NewAddDirEvent(ev.Library, localPath, sourcePath, info))
		} else {
			lw.apply(watcher.NewAddEvent(ev.Library, localPath, sourcePath, info))
		}
	}
}

// record classifies the outcome of one event on one destination
func (lw *LibrariesWatcher) record(ev watcher.Event, store storage.Storage, err error) {
	if err == nil {
		return
	}

	if fsutil.IsBenign(err) {
		lw.mu.Lock()
		lw.stats.BenignRaces++
		lw.mu.Unlock()

		lw.logger.Warn().
			Err(err).
			Str("event", ev.Kind.String()).
			Str("path", ev.LocalPath).
			Str("destination", store.Root()).
			Msg("Entry changed while mirroring, skipping")
		return
	}

	lw.mu.Lock()
	lw.stats.Errors++
	lw.status = StatusError
	lw.mu.Unlock()

	lw.logger.Error().
		Err(err).
		Str("event", ev.Kind.String()).
		Str("path", ev.LocalPath).
		Str("destination", store.Root()).
		Msg("Failed to mirror event")

	lw.reportError(fmt.Errorf("%s on %s: %w", ev, store.Root(), err))
}

func (lw *LibrariesWatcher) countEvent(ev watcher.Event) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.stats.Events++
	lw.stats.ByKind[ev.Kind.String()]++
	lw.stats.LastEvent = time.Now()
}

func (lw *LibrariesWatcher) progress(store storage.Storage, ev watcher.Event, msg string) {
	lw.mu.Lock()
	lw.stats.Mutations++
	lw.mu.Unlock()

	lw.logger.Info().
		Str("library", libraryName(ev)).
		Str("path", ev.LocalPath).
		Str("destination", store.Root()).
		Msg(msg)
}
